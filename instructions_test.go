package refunc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxgio92/refunc"
)

func TestDecodeInstruction(t *testing.T) {
	tests := []struct {
		name     string
		arch     refunc.Arch
		code     []byte
		wantLen  int
		wantFlow refunc.Flow
		wantText string
	}{
		{name: "nop", arch: refunc.ArchAMD64, code: []byte{0x90}, wantLen: 1, wantText: "nop"},
		{name: "ret", arch: refunc.ArchAMD64, code: []byte{0xc3}, wantLen: 1, wantFlow: refunc.FlowReturn, wantText: "ret"},
		{name: "call", arch: refunc.ArchAMD64, code: []byte{0xe8, 0, 0, 0, 0}, wantLen: 5, wantFlow: refunc.FlowCall},
		{name: "jmp", arch: refunc.ArchAMD64, code: []byte{0xeb, 0xfe}, wantLen: 2, wantFlow: refunc.FlowJump},
		{name: "jmp rax", arch: refunc.ArchAMD64, code: []byte{0xff, 0xe0}, wantLen: 2, wantFlow: refunc.FlowIndirectJump},
		{name: "je", arch: refunc.ArchAMD64, code: []byte{0x74, 0x00}, wantLen: 2, wantFlow: refunc.FlowCondJump},
		{name: "int3", arch: refunc.ArchAMD64, code: []byte{0xcc}, wantLen: 1, wantFlow: refunc.FlowTrap},
		{name: "int 0x80", arch: refunc.ArchAMD64, code: []byte{0xcd, 0x80}, wantLen: 2},
		{name: "ud2", arch: refunc.ArchAMD64, code: []byte{0x0f, 0x0b}, wantLen: 2, wantFlow: refunc.FlowTrap},
		{name: "endbr64", arch: refunc.ArchAMD64, code: []byte{0xf3, 0x0f, 0x1e, 0xfa}, wantLen: 4, wantText: "endbr64"},
		{name: "arm64 nop", arch: refunc.ArchARM64, code: arm64Code(arm64NOP), wantLen: 4, wantText: "nop"},
		{name: "arm64 ret", arch: refunc.ArchARM64, code: arm64Code(arm64RET), wantLen: 4, wantFlow: refunc.FlowReturn, wantText: "ret"},
		{name: "retaa", arch: refunc.ArchARM64, code: arm64Code(0xd65f0bff), wantLen: 4, wantFlow: refunc.FlowReturn, wantText: "retaa"},
		{name: "retab", arch: refunc.ArchARM64, code: arm64Code(0xd65f0fff), wantLen: 4, wantFlow: refunc.FlowReturn, wantText: "retab"},
		{name: "bl", arch: refunc.ArchARM64, code: arm64Code(0x94000000), wantLen: 4, wantFlow: refunc.FlowCall},
		{name: "blr", arch: refunc.ArchARM64, code: arm64Code(0xd63f0000), wantLen: 4, wantFlow: refunc.FlowCall},
		{name: "b", arch: refunc.ArchARM64, code: arm64Code(0x14000000), wantLen: 4, wantFlow: refunc.FlowJump},
		{name: "b.eq", arch: refunc.ArchARM64, code: arm64Code(0x54000000), wantLen: 4, wantFlow: refunc.FlowCondJump},
		{name: "cbz", arch: refunc.ArchARM64, code: arm64Code(0xb4000000), wantLen: 4, wantFlow: refunc.FlowCondJump},
		{name: "br", arch: refunc.ArchARM64, code: arm64Code(0xd61f0000), wantLen: 4, wantFlow: refunc.FlowIndirectJump},
		{name: "brk", arch: refunc.ArchARM64, code: arm64Code(0xd4200000), wantLen: 4, wantFlow: refunc.FlowTrap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			insn, err := refunc.DecodeInstruction(tt.arch, tt.code, 0x1000)
			require.NoError(t, err)
			assert.Equal(t, uint64(0x1000), insn.Addr)
			assert.Equal(t, tt.wantLen, insn.Len)
			assert.Equal(t, tt.wantFlow, insn.Flow)
			if tt.wantText != "" {
				assert.Equal(t, tt.wantText, insn.Text)
			}
		})
	}
}

func TestDecodeInstruction_Errors(t *testing.T) {
	_, err := refunc.DecodeInstruction(refunc.ArchARM64, []byte{0x1f, 0x20, 0x03}, 0)
	assert.Error(t, err, "truncated arm64 instruction")

	_, err = refunc.DecodeInstruction(refunc.ArchAMD64, []byte{0x48}, 0)
	assert.Error(t, err, "truncated amd64 instruction")

	_, err = refunc.DecodeInstruction(refunc.Arch("mips"), []byte{0x90}, 0)
	assert.Error(t, err)
}

func TestInstruction_Terminates(t *testing.T) {
	tests := []struct {
		flow refunc.Flow
		want bool
	}{
		{refunc.FlowSequential, false},
		{refunc.FlowCall, false},
		{refunc.FlowCondJump, false},
		{refunc.FlowJump, true},
		{refunc.FlowIndirectJump, true},
		{refunc.FlowReturn, true},
		{refunc.FlowTrap, true},
	}
	for _, tt := range tests {
		insn := refunc.Instruction{Flow: tt.flow}
		assert.Equal(t, tt.want, insn.Terminates(), "flow %d", tt.flow)
	}
}

func TestImage_Instructions(t *testing.T) {
	img := newTestImage(t, refunc.ArchAMD64, textSegment(0x1000, leafAMD64))

	var addrs []uint64
	for insn := range img.Instructions(0x1000, 0x1005) {
		addrs = append(addrs, insn.Addr)
	}
	assert.Equal(t, []uint64{0x1000, 0x1001, 0x1004}, addrs)

	var texts []string
	for insn := range img.InstructionsN(0x1004, 10) {
		texts = append(texts, insn.Text)
	}
	assert.Equal(t, []string{"nop", "pop rbp", "ret"}, texts, "stops at the end of static data")

	insn, err := img.DecodeAt(0x1001)
	require.NoError(t, err)
	assert.Equal(t, "mov rbp, rsp", insn.Text)
	assert.Equal(t, uint64(0x1004), insn.End())

	_, err = img.DecodeAt(0x2000)
	assert.ErrorIs(t, err, refunc.ErrUnmapped)
}
