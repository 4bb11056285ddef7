// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package ringbuf copies the unread span of a kernel-managed circular buffer
// into a linear buffer.
//
// The kernel publishes monotonically increasing 64-bit head and tail offsets
// for both the perf data ring and the AUX ring. They are never pre-wrapped: the
// position inside the ring is the offset modulo the ring size.
package ringbuf // import "go.opentelemetry.io/pt-tracer/ringbuf"

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParameter is returned when the span cannot be copied because of
	// the arguments themselves: an empty ring, a tail ahead of the head, or an
	// output buffer too small for the span.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrOverwritten is returned when the producer lapped the consumer and the
	// unread data is already gone.
	ErrOverwritten = errors.New("ring buffer data overwritten")
)

// span describes the unread region of a ring.
type span struct {
	size uint64
	// tailOff and headOff are ring-relative. When size is 0 they are equal.
	tailOff, headOff uint64
}

// wrapped reports whether the unread region crosses the end of the ring.
func (s span) wrapped() bool {
	return s.size != 0 && s.headOff <= s.tailOff
}

// unreadSpan validates (head, tail) against the ring and output capacities.
//
// The capacity check and the overwrite check are kept together: once
// size <= ringSize is established, headOff == tailOff with a non-zero size
// can only mean a completely full ring.
func unreadSpan(ringSize, head, tail uint64, capacity int) (span, error) {
	if ringSize == 0 {
		return span{}, fmt.Errorf("empty ring: %w", ErrInvalidParameter)
	}
	if head < tail {
		return span{}, fmt.Errorf("head 0x%x behind tail 0x%x: %w",
			head, tail, ErrInvalidParameter)
	}
	size := head - tail
	if capacity < 0 || size > uint64(capacity) {
		return span{}, fmt.Errorf("%d bytes pending, output holds %d: %w",
			size, capacity, ErrInvalidParameter)
	}
	if size > ringSize {
		return span{}, fmt.Errorf("%d bytes pending in a %d byte ring: %w",
			size, ringSize, ErrOverwritten)
	}
	return span{
		size:    size,
		tailOff: tail % ringSize,
		headOff: head % ringSize,
	}, nil
}

// Pending returns the number of unread bytes, or ErrOverwritten if the
// producer has lapped the consumer.
func Pending(ringSize, head, tail uint64) (uint64, error) {
	if head < tail {
		return 0, fmt.Errorf("head 0x%x behind tail 0x%x: %w",
			head, tail, ErrInvalidParameter)
	}
	if size := head - tail; size > ringSize {
		return 0, fmt.Errorf("%d bytes pending in a %d byte ring: %w",
			size, ringSize, ErrOverwritten)
	}
	return head - tail, nil
}

// Copy copies the bytes between tail and head out of ring into dst and
// returns the number of bytes copied. Nothing is written to dst on error.
func Copy(dst, ring []byte, head, tail uint64) (int, error) {
	s, err := unreadSpan(uint64(len(ring)), head, tail, len(dst))
	if err != nil {
		return 0, err
	}
	if s.size == 0 {
		return 0, nil
	}
	if !s.wrapped() {
		return copy(dst, ring[s.tailOff:s.headOff]), nil
	}
	n := copy(dst, ring[s.tailOff:])
	n += copy(dst[n:], ring[:s.headOff])
	return n, nil
}
