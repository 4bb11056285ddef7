// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package ilist accumulates decoded instructions in program order together
// with a deduplicated store of their encodings.
package ilist // import "go.opentelemetry.io/pt-tracer/ilist"

import "bytes"

// ArenaSize is the size of the blocks encodings are stored in.
const ArenaSize = 1 << 20

// List is an ordered list of instructions of type T. Encodings are stored per
// original address and stay valid until the List is dropped, also across
// ClearIList.
//
// A List is not safe for concurrent use.
type List[T any] struct {
	instrs []T
	arenas [][]byte
	pcs    map[uint64][]byte
}

// Append appends instr and records encoding as the bytes at origPC. Recording
// an encoding identical to the stored one is a no-op.
func (l *List[T]) Append(instr T, origPC uint64, encoding []byte) {
	l.instrs = append(l.instrs, instr)

	if old, ok := l.pcs[origPC]; ok && bytes.Equal(old, encoding) {
		return
	}
	if l.pcs == nil {
		l.pcs = make(map[uint64][]byte)
	}
	l.pcs[origPC] = l.store(encoding)
}

// store copies b into the current arena, starting a new one when b does not
// fit.
func (l *List[T]) store(b []byte) []byte {
	n := len(l.arenas)
	if n == 0 || cap(l.arenas[n-1])-len(l.arenas[n-1]) < len(b) {
		l.arenas = append(l.arenas, make([]byte, 0, max(ArenaSize, len(b))))
		n++
	}
	arena := l.arenas[n-1]
	start := len(arena)
	arena = append(arena, b...)
	l.arenas[n-1] = arena
	return arena[start:len(arena):len(arena)]
}

// Instrs returns the instructions appended since the last ClearIList.
func (l *List[T]) Instrs() []T {
	return l.instrs
}

// Len returns the number of instructions.
func (l *List[T]) Len() int {
	return len(l.instrs)
}

// ClearIList drops the instructions but keeps the recorded encodings.
func (l *List[T]) ClearIList() {
	clear(l.instrs)
	l.instrs = l.instrs[:0]
}

// DecodePC returns the encoding stored for origPC.
func (l *List[T]) DecodePC(origPC uint64) ([]byte, bool) {
	b, ok := l.pcs[origPC]
	return b, ok
}

// Arenas returns the number of allocated arenas.
func (l *List[T]) Arenas() int {
	return len(l.arenas)
}
