// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// genids writes the metric ID constants for the definitions in metrics.json.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

type metricDef struct {
	Description string `json:"description"`
	Name        string `json:"name"`
	ID          uint32 `json:"id"`
	Obsolete    bool   `json:"obsolete"`
}

func generate(input []byte) ([]byte, error) {
	var defs []metricDef
	if err := json.Unmarshal(input, &defs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal: %w", err)
	}

	var out bytes.Buffer
	out.WriteString("// Code generated from metrics.json. DO NOT EDIT.\n\n" +
		"package metrics\n\n" +
		"// To add a new metric append an entry to metrics.json. ONLY APPEND !\n" +
		"// Then run 'go generate ./metrics'.\n\n" +
		"// Below are the different metric IDs that we currently implement.\n" +
		"const (\n")
	for i, d := range defs {
		if d.ID != uint32(i) {
			return nil, fmt.Errorf("metric %s has ID %d at position %d", d.Name, d.ID, i)
		}
		if d.Obsolete {
			continue
		}
		fmt.Fprintf(&out, "\n\t// %s\n\tID%s = %d\n", d.Description, d.Name, d.ID)
	}
	fmt.Fprintf(&out, "\n\t// max number of ID values, keep this as *last entry*\n"+
		"\tIDMax = %d\n)\n", len(defs))
	return out.Bytes(), nil
}

func tryMain() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: %s <metrics.json> <output.go>", os.Args[0])
	}
	input, err := os.ReadFile(os.Args[1])
	if err != nil {
		return err
	}
	output, err := generate(input)
	if err != nil {
		return err
	}
	return os.WriteFile(os.Args[2], output, 0o600)
}

func main() {
	if err := tryMain(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
