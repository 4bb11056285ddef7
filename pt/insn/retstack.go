// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package insn // import "go.opentelemetry.io/pt-tracer/pt/insn"

// retStackSize matches the depth the processor assumes for return
// compression. Older entries are overwritten.
const retStackSize = 64

type retStack struct {
	ips [retStackSize]uint64
	top int
	n   int
}

func (s *retStack) push(ip uint64) {
	s.ips[s.top] = ip
	s.top = (s.top + 1) % retStackSize
	s.n = min(s.n+1, retStackSize)
}

func (s *retStack) pop() (uint64, bool) {
	if s.n == 0 {
		return 0, false
	}
	s.top = (s.top + retStackSize - 1) % retStackSize
	s.n--
	return s.ips[s.top], true
}

func (s *retStack) reset() {
	s.top, s.n = 0, 0
}
