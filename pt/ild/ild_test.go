// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ild

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := map[string]struct {
		code     []byte
		mode     Mode
		len      int
		class    Class
		indirect bool
		rel      int64
	}{
		"nop":                {code: []byte{0x90}, mode: Mode64, len: 1},
		"mov rex.w":          {code: []byte{0x48, 0x89, 0xc3}, mode: Mode64, len: 3},
		"jz rel8":            {code: []byte{0x74, 0x02}, mode: Mode64, len: 2, class: ClassCondJump, rel: 2},
		"ret":                {code: []byte{0xc3}, mode: Mode64, len: 1, class: ClassReturn, indirect: true},
		"ret imm16":          {code: []byte{0xc2, 0x08, 0x00}, mode: Mode64, len: 3, class: ClassReturn, indirect: true},
		"call rel32":         {code: []byte{0xe8, 0x10, 0, 0, 0}, mode: Mode64, len: 5, class: ClassCall, rel: 0x10},
		"call backwards":     {code: []byte{0xe8, 0xfb, 0xff, 0xff, 0xff}, mode: Mode64, len: 5, class: ClassCall, rel: -5},
		"call indirect":      {code: []byte{0xff, 0xd0}, mode: Mode64, len: 2, class: ClassCall, indirect: true},
		"jmp rip-relative":   {code: []byte{0xff, 0x25, 0, 0, 0, 0}, mode: Mode64, len: 6, class: ClassJump, indirect: true},
		"ljmp indirect":      {code: []byte{0xff, 0x28}, mode: Mode64, len: 2, class: ClassFarJump, indirect: true},
		"jz rel32":           {code: []byte{0x0f, 0x84, 0x00, 0x01, 0, 0}, mode: Mode64, len: 6, class: ClassCondJump, rel: 0x100},
		"jmp rel32 osz":      {code: []byte{0x66, 0xe9, 1, 0, 0, 0}, mode: Mode64, len: 6, class: ClassJump, rel: 1},
		"jecxz":              {code: []byte{0xe3, 0xfe}, mode: Mode64, len: 2, class: ClassCondJump, rel: -2},
		"syscall":            {code: []byte{0x0f, 0x05}, mode: Mode64, len: 2, class: ClassSyscall, indirect: true},
		"sysret":             {code: []byte{0x48, 0x0f, 0x07}, mode: Mode64, len: 3, class: ClassSysret, indirect: true},
		"int 0x80":           {code: []byte{0xcd, 0x80}, mode: Mode32, len: 2, class: ClassInterrupt, indirect: true},
		"iret":               {code: []byte{0x48, 0xcf}, mode: Mode64, len: 2, class: ClassFarReturn, indirect: true},
		"vmcall":             {code: []byte{0x0f, 0x01, 0xc1}, mode: Mode64, len: 3, class: ClassFarCall, indirect: true},
		"vmresume":           {code: []byte{0x0f, 0x01, 0xc3}, mode: Mode64, len: 3, class: ClassFarJump, indirect: true},
		"ptwrite":            {code: []byte{0xf3, 0x0f, 0xae, 0xe0}, mode: Mode64, len: 4, class: ClassPtwrite},
		"ptwrite rex.w":      {code: []byte{0xf3, 0x48, 0x0f, 0xae, 0xe0}, mode: Mode64, len: 5, class: ClassPtwrite},
		"endbr64":            {code: []byte{0xf3, 0x0f, 0x1e, 0xfa}, mode: Mode64, len: 4},
		"mov imm64":          {code: []byte{0x48, 0xb8, 1, 2, 3, 4, 5, 6, 7, 8}, mode: Mode64, len: 10},
		"mov imm32":          {code: []byte{0xb8, 1, 2, 3, 4}, mode: Mode64, len: 5},
		"mov imm16":          {code: []byte{0x66, 0xb8, 1, 2}, mode: Mode64, len: 4},
		"mov sib":            {code: []byte{0x8b, 0x04, 0x24}, mode: Mode64, len: 3},
		"mov sib disp8":      {code: []byte{0x8b, 0x44, 0x24, 0x08}, mode: Mode64, len: 4},
		"mov sib no base":    {code: []byte{0x8b, 0x04, 0x25, 1, 2, 3, 4}, mode: Mode64, len: 7},
		"mov moffs64":        {code: []byte{0xa1, 1, 2, 3, 4, 5, 6, 7, 8}, mode: Mode64, len: 9},
		"mov moffs32":        {code: []byte{0xa1, 1, 2, 3, 4}, mode: Mode32, len: 5},
		"test imm8":          {code: []byte{0xf6, 0xc0, 0x01}, mode: Mode64, len: 3},
		"not":                {code: []byte{0xf6, 0xd0}, mode: Mode64, len: 2},
		"test immz":          {code: []byte{0xf7, 0xc0, 1, 2, 3, 4}, mode: Mode64, len: 6},
		"test imm16":         {code: []byte{0x66, 0xf7, 0xc0, 1, 2}, mode: Mode64, len: 5},
		"enter":              {code: []byte{0xc8, 0x10, 0x00, 0x00}, mode: Mode64, len: 4},
		"vzeroupper":         {code: []byte{0xc5, 0xf8, 0x77}, mode: Mode64, len: 3},
		"vmovdqa":            {code: []byte{0xc5, 0xf9, 0x6f, 0xc1}, mode: Mode64, len: 4},
		"vpalignr":           {code: []byte{0xc4, 0xe3, 0x79, 0x0f, 0xc1, 0x08}, mode: Mode64, len: 6},
		"vex in 32-bit":      {code: []byte{0xc5, 0xf8, 0x77}, mode: Mode32, len: 3},
		"les":                {code: []byte{0xc4, 0x06}, mode: Mode32, len: 2},
		"evex vmovups":       {code: []byte{0x62, 0xf1, 0x7c, 0x48, 0x10, 0xc1}, mode: Mode64, len: 6},
		"pop rm":             {code: []byte{0x8f, 0xc0}, mode: Mode64, len: 2},
		"xop imm8":           {code: []byte{0x8f, 0xe8, 0x78, 0xc2, 0xc1, 0x00}, mode: Mode64, len: 6},
		"push es":            {code: []byte{0x06}, mode: Mode32, len: 1},
		"jmp rel16":          {code: []byte{0xe9, 0x34, 0x12}, mode: Mode16, len: 3, class: ClassJump, rel: 0x1234},
		"jmp rel32 in 16":    {code: []byte{0x66, 0xe9, 1, 0, 0, 0}, mode: Mode16, len: 6, class: ClassJump, rel: 1},
		"jmp rel32 in 32":    {code: []byte{0xe9, 1, 0, 0, 0}, mode: Mode32, len: 5, class: ClassJump, rel: 1},
		"mov bp disp8 16":    {code: []byte{0x8b, 0x46, 0x02}, mode: Mode16, len: 3},
		"mov disp16":         {code: []byte{0x8b, 0x06, 0x34, 0x12}, mode: Mode16, len: 4},
		"far call ptr16:32":  {code: []byte{0x9a, 1, 2, 3, 4, 5, 6}, mode: Mode32, len: 7, class: ClassFarCall, indirect: true},
		"max length":         {code: append(bytes.Repeat([]byte{0x66}, 14), 0x90), mode: Mode64, len: 15},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			insn, err := Decode(tc.code, tc.mode)
			require.NoError(t, err)
			assert.Equal(t, tc.len, insn.Len)
			assert.Equal(t, tc.class, insn.Class)
			assert.Equal(t, tc.indirect, insn.Indirect)
			assert.Equal(t, tc.rel, insn.Rel)
			assert.Equal(t, tc.mode, insn.Mode)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := map[string]struct {
		code []byte
		mode Mode
		err  error
	}{
		"empty":            {code: nil, mode: Mode64, err: ErrTruncated},
		"prefix only":      {code: []byte{0x66}, mode: Mode64, err: ErrTruncated},
		"short rel32":      {code: []byte{0xe8, 0, 0}, mode: Mode64, err: ErrTruncated},
		"short modrm":      {code: []byte{0x8b}, mode: Mode64, err: ErrTruncated},
		"short sib disp":   {code: []byte{0x8b, 0x04, 0x25, 0}, mode: Mode64, err: ErrTruncated},
		"push es in 64":    {code: []byte{0x06}, mode: Mode64, err: ErrBadInsn},
		"far call in 64":   {code: []byte{0x9a, 1, 2, 3, 4, 5, 6}, mode: Mode64, err: ErrBadInsn},
		"vex map 0":        {code: []byte{0xc4, 0xe0, 0x79, 0x0f, 0xc1}, mode: Mode64, err: ErrBadInsn},
		"too long":         {code: append(bytes.Repeat([]byte{0x66}, 15), 0x90), mode: Mode64, err: ErrBadInsn},
		"unknown mode":     {code: []byte{0x90}, mode: ModeUnknown, err: ErrBadInsn},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tc.code, tc.mode)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestTarget(t *testing.T) {
	insn, err := Decode([]byte{0x74, 0x02}, Mode64)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1004), insn.Target(0x1000))

	insn, err = Decode([]byte{0xe8, 0xfb, 0xff, 0xff, 0xff}, Mode64)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), insn.Target(0x1000))

	// The instruction pointer wraps in 16-bit mode.
	insn, err = Decode([]byte{0xe9, 0x34, 0x12}, Mode16)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1227), insn.Target(0xfff0))
}

func TestModeFromCS(t *testing.T) {
	assert.Equal(t, Mode64, ModeFromCS(true, false))
	assert.Equal(t, Mode32, ModeFromCS(false, true))
	assert.Equal(t, Mode16, ModeFromCS(false, false))
	assert.Equal(t, 64, Mode64.Bits())
	assert.Equal(t, "32-bit", Mode32.String())
}

func TestClass(t *testing.T) {
	assert.True(t, ClassSyscall.IsFar())
	assert.True(t, ClassInterrupt.IsBranch())
	assert.False(t, ClassCall.IsFar())
	assert.False(t, ClassPtwrite.IsBranch())
	assert.Equal(t, "cond-jump", ClassCondJump.String())
	assert.Equal(t, "class(200)", Class(200).String())
}

func TestIsEndbr64(t *testing.T) {
	assert.True(t, IsEndbr64([]byte{0xf3, 0x0f, 0x1e, 0xfa, 0x55}))
	assert.False(t, IsEndbr64([]byte{0xf3, 0x0f, 0x1e}))
	assert.False(t, IsEndbr64([]byte{0xf3, 0x0f, 0x1e, 0xfb}))
}
