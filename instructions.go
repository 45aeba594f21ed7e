package refunc

import (
	"encoding/binary"
	"fmt"
	"iter"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Flow describes how an instruction transfers control.
type Flow int

// Control flow classes.
const (
	FlowSequential Flow = iota
	FlowCall
	FlowJump
	FlowCondJump
	FlowIndirectJump
	FlowReturn
	FlowTrap
)

// Instruction is a single decoded machine instruction.
type Instruction struct {
	Addr uint64
	Len  int
	Text string
	Flow Flow
}

// End returns the address following the instruction.
func (i Instruction) End() uint64 {
	return i.Addr + uint64(i.Len)
}

// Terminates reports whether execution never falls through to the next
// instruction.
func (i Instruction) Terminates() bool {
	return i.Flow.terminates()
}

func (f Flow) terminates() bool {
	switch f {
	case FlowJump, FlowIndirectJump, FlowReturn, FlowTrap:
		return true
	default:
		return false
	}
}

// ARM64 pointer-authenticated returns, which arm64asm does not decode.
const (
	arm64RETAA = 0xd65f0bff
	arm64RETAB = 0xd65f0fff
)

// DecodeInstruction decodes the instruction at the start of code, which is
// located at addr.
func DecodeInstruction(arch Arch, code []byte, addr uint64) (Instruction, error) {
	switch arch {
	case ArchAMD64:
		return decodeAMD64(code, addr)
	case ArchARM64:
		return decodeARM64(code, addr)
	default:
		return Instruction{}, fmt.Errorf("unsupported architecture: %s", arch)
	}
}

func decodeAMD64(code []byte, addr uint64) (Instruction, error) {
	if isENDBR(code) {
		text := "endbr64"
		if code[3] == 0xfb {
			text = "endbr32"
		}
		return Instruction{Addr: addr, Len: 4, Text: text}, nil
	}

	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return Instruction{}, fmt.Errorf("decode at 0x%x: %w", addr, err)
	}

	return Instruction{
		Addr: addr,
		Len:  inst.Len,
		Text: x86asm.IntelSyntax(inst, addr, nil),
		Flow: flowAMD64(inst),
	}, nil
}

func flowAMD64(inst x86asm.Inst) Flow {
	switch inst.Op {
	case x86asm.CALL, x86asm.LCALL:
		return FlowCall
	case x86asm.JMP, x86asm.LJMP:
		if _, ok := inst.Args[0].(x86asm.Rel); ok {
			return FlowJump
		}
		return FlowIndirectJump
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE, x86asm.JECXZ,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ, x86asm.JS, x86asm.LOOP, x86asm.LOOPE,
		x86asm.LOOPNE:
		return FlowCondJump
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return FlowReturn
	case x86asm.UD2, x86asm.HLT:
		return FlowTrap
	case x86asm.INT:
		// int3 pads between functions.
		if imm, ok := inst.Args[0].(x86asm.Imm); ok && imm == 3 {
			return FlowTrap
		}
	}
	return FlowSequential
}

// isENDBR matches ENDBR64 (f3 0f 1e fa) and ENDBR32 (f3 0f 1e fb), which
// x86asm does not recognise.
func isENDBR(code []byte) bool {
	return len(code) >= 4 &&
		code[0] == 0xf3 && code[1] == 0x0f && code[2] == 0x1e &&
		(code[3] == 0xfa || code[3] == 0xfb)
}

func decodeARM64(code []byte, addr uint64) (Instruction, error) {
	if len(code) < 4 {
		return Instruction{}, fmt.Errorf("decode at 0x%x: truncated instruction", addr)
	}
	switch binary.LittleEndian.Uint32(code) {
	case arm64RETAA:
		return Instruction{Addr: addr, Len: 4, Text: "retaa", Flow: FlowReturn}, nil
	case arm64RETAB:
		return Instruction{Addr: addr, Len: 4, Text: "retab", Flow: FlowReturn}, nil
	}

	inst, err := arm64asm.Decode(code[:4])
	if err != nil {
		return Instruction{}, fmt.Errorf("decode at 0x%x: %w", addr, err)
	}

	return Instruction{
		Addr: addr,
		Len:  4,
		Text: arm64asm.GNUSyntax(inst),
		Flow: flowARM64(inst),
	}, nil
}

func flowARM64(inst arm64asm.Inst) Flow {
	switch inst.Op {
	case arm64asm.BL, arm64asm.BLR:
		return FlowCall
	case arm64asm.B:
		for _, arg := range inst.Args {
			if _, ok := arg.(arm64asm.Cond); ok {
				return FlowCondJump
			}
		}
		return FlowJump
	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		return FlowCondJump
	case arm64asm.BR:
		return FlowIndirectJump
	case arm64asm.RET, arm64asm.ERET:
		return FlowReturn
	case arm64asm.BRK, arm64asm.HLT:
		return FlowTrap
	}
	return FlowSequential
}

// Instructions decodes instructions from start up to end. Iteration stops
// silently at the first undecodable or unmapped instruction. The last
// instruction may extend past end.
func (img *Image) Instructions(start, end uint64) iter.Seq[Instruction] {
	return func(yield func(Instruction) bool) {
		for pc := start; pc < end; {
			insn, err := img.DecodeAt(pc)
			if err != nil || !yield(insn) {
				return
			}
			pc = insn.End()
		}
	}
}

// InstructionsN decodes up to count instructions starting at start.
func (img *Image) InstructionsN(start uint64, count int) iter.Seq[Instruction] {
	return func(yield func(Instruction) bool) {
		pc := start
		for range count {
			insn, err := img.DecodeAt(pc)
			if err != nil || !yield(insn) {
				return
			}
			pc = insn.End()
		}
	}
}

// DecodeAt decodes the instruction at addr.
func (img *Image) DecodeAt(addr uint64) (Instruction, error) {
	code := img.Bytes(addr, 16)
	if len(code) == 0 {
		return Instruction{}, fmt.Errorf("decode at 0x%x: %w", addr, ErrUnmapped)
	}
	return DecodeInstruction(img.Arch, code, addr)
}
