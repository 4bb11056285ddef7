// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics counts capture and decode activity and reports it through
// OpenTelemetry counters. Without a configured meter provider the counters
// are no-ops; the local totals are always kept.
package metrics // import "go.opentelemetry.io/pt-tracer/metrics"

//go:generate go run ./genids metrics.json ids.go

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	log "go.opentelemetry.io/pt-tracer/internal/log"
)

var (
	//go:embed metrics.json
	metricsJSON []byte

	meter    = otel.Meter("go.opentelemetry.io/pt-tracer")
	counters = map[MetricID]metric.Int64Counter{}

	totals [IDMax]atomic.Int64
)

func init() {
	for _, md := range GetDefinitions() {
		if md.Obsolete {
			continue
		}
		if md.Type != MetricTypeCounter {
			panic(fmt.Sprintf("Unknown metric type: %v", md.Type))
		}
		opts := []metric.Int64CounterOption{metric.WithDescription(md.Description)}
		if md.Unit != "" {
			opts = append(opts, metric.WithUnit(md.Unit))
		}
		counter, err := meter.Int64Counter(md.Field, opts...)
		if err != nil {
			log.Errorf("Creating Int64Counter: %v", err)
			continue
		}
		counters[md.ID] = counter
	}
}

// Add increments the counter id by value.
func Add(id MetricID, value MetricValue) {
	if id == 0 || id >= IDMax {
		log.Errorf("Metric value %d out of range [1,%d] - needs investigation", id, IDMax-1)
		return
	}
	if value == 0 {
		return
	}
	totals[id].Add(int64(value))
	if counter, ok := counters[id]; ok {
		counter.Add(context.Background(), int64(value))
	}
}

// AddSlice increments the counters of all metrics.
func AddSlice(newMetrics []Metric) {
	for _, m := range newMetrics {
		Add(m.ID, m.Value)
	}
}

// Totals returns the values accumulated since process start.
func Totals() Summary {
	s := make(Summary)
	for id := range totals {
		if v := totals[id].Load(); v != 0 {
			s[MetricID(id)] = MetricValue(v)
		}
	}
	return s
}

// GetDefinitions returns the metric definitions from the embedded metrics.json file.
func GetDefinitions() []MetricDefinition {
	var defs []MetricDefinition

	dec := json.NewDecoder(bytes.NewReader(metricsJSON))
	dec.DisallowUnknownFields()

	err := dec.Decode(&defs)
	if err != nil {
		panic(fmt.Sprintf("extracting definitions from metrics.json: %v", err))
	}
	return defs
}
