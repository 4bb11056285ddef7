// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package insn // import "go.opentelemetry.io/pt-tracer/pt/insn"

import "go.opentelemetry.io/pt-tracer/pt"

// Errata lists processor errata affecting the trace. Field names are the
// erratum identifiers from the Intel specification updates.
type Errata struct {
	// BDM70: Intel PT PSB+ packets may contain unexpected packets.
	BDM70 bool
	// BDM64: an incorrect LBR or Intel PT record may follow a TSX abort.
	BDM64 bool
	// SKD007: an OVF may be issued in the middle of a CYC.
	SKD007 bool
	// SKD022: VM entry that clears TraceEn may generate a FUP.
	SKD022 bool
	// SKD010: Intel PT FUP may be dropped after an OVF.
	SKD010 bool
	// SKL014: Intel PT TIP.PGD may not have a target IP payload.
	SKL014 bool
	// APL12: Intel PT OVF may be followed by a TIP.PGD.
	APL12 bool
	// APL11: Intel PT OVF packet may be followed by an unexpected TIP.
	APL11 bool
	// SKL168: Intel PT CYC packets can be dropped when the core is idle.
	SKL168 bool
}

// ErrataFor returns the errata known for cpu. Only Intel processors have
// entries.
func ErrataFor(cpu pt.CPU) Errata {
	var e Errata
	if cpu.Vendor != pt.VendorIntel || cpu.Family != 6 {
		return e
	}

	switch cpu.Model {
	case 0x3d, 0x47, 0x4f, 0x56:
		e.BDM70 = true
		e.BDM64 = true
	case 0x4e, 0x5e, 0x8e, 0x9e:
		e.BDM70 = true
		e.SKD007 = true
		e.SKD022 = true
		e.SKD010 = true
		e.SKL014 = true
		e.SKL168 = true
	case 0x55, 0x66, 0x7d, 0x7e, 0x8c, 0x8d, 0xa5, 0xa6:
		e.BDM70 = true
		e.SKL014 = true
		e.SKD022 = true
	case 0x5c, 0x5f:
		e.APL12 = true
		e.APL11 = true
	case 0x7a, 0x86, 0x96, 0x9c:
		e.APL11 = true
	}
	return e
}
