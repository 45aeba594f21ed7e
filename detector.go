package refunc

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// DetectPrologues analyzes raw machine code bytes and returns detected function
// prologues. baseAddr is the virtual address corresponding to the start of code.
// This function performs no I/O and works with any binary format.
func DetectPrologues(code []byte, baseAddr uint64, arch Arch) ([]Prologue, error) {
	switch arch {
	case ArchAMD64:
		return detectProloguesAMD64(code, baseAddr), nil
	case ArchARM64:
		return detectProloguesARM64(code, baseAddr), nil
	default:
		return nil, fmt.Errorf("unsupported architecture: %s", arch)
	}
}

func detectProloguesAMD64(code []byte, baseAddr uint64) []Prologue {
	var (
		result    []Prologue
		prev      *x86asm.Inst
		prevEntry uint64
		// landing is the address of an ENDBR pad immediately preceding the
		// current instruction, or BadAddr.
		landing = BadAddr
	)

	for offset := 0; offset < len(code); {
		addr := baseAddr + uint64(offset)
		if isENDBR(code[offset:]) {
			landing = addr
			offset += 4
			continue
		}

		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			offset++
			prev, landing = nil, BadAddr
			continue
		}

		entry := addr
		if landing != BadAddr {
			entry = landing
		}
		atStart := landing != BadAddr || prev == nil || flowAMD64(*prev).terminates()

		// push rbp; mov rbp, rsp
		if prev != nil &&
			prev.Op == x86asm.PUSH && prev.Args[0] == x86asm.RBP &&
			inst.Op == x86asm.MOV && inst.Args[0] == x86asm.RBP && inst.Args[1] == x86asm.RSP {
			result = append(result, Prologue{
				Address:      prevEntry,
				Type:         PrologueClassic,
				Instructions: "push rbp; mov rbp, rsp",
			})
		}

		if atStart {
			switch {
			case inst.Op == x86asm.SUB && inst.Args[0] == x86asm.RSP:
				if imm, ok := inst.Args[1].(x86asm.Imm); ok && imm > 0 {
					result = append(result, Prologue{
						Address:      entry,
						Type:         PrologueNoFramePointer,
						Instructions: fmt.Sprintf("sub rsp, 0x%x", int64(imm)),
					})
				}
			case inst.Op == x86asm.PUSH && inst.Args[0] == x86asm.RBP:
				result = append(result, Prologue{
					Address:      entry,
					Type:         ProloguePushOnly,
					Instructions: "push rbp",
				})
			case inst.Op == x86asm.LEA && inst.Args[0] == x86asm.RSP:
				result = append(result, Prologue{
					Address:      entry,
					Type:         PrologueLEABased,
					Instructions: "lea rsp, [rsp-offset]",
				})
			}
		}

		prev, prevEntry, landing = &inst, entry, BadAddr
		offset += inst.Len
	}

	return result
}

// ARM64 pointer-authentication hints that open a function.
const (
	arm64PACIASP = 0xd503233f
	arm64PACIBSP = 0xd503237f
)

// isFrameRecordStore matches stp x29, x30, [sp, #imm] in its pre-index and
// signed-offset forms.
func isFrameRecordStore(w uint32) bool {
	return w&0xffc07fff == 0xa9807bfd || w&0xffc07fff == 0xa9007bfd
}

// isFrameRecordPush matches stp x29, x30, [sp, #imm]!.
func isFrameRecordPush(w uint32) bool {
	return w&0xffc07fff == 0xa9807bfd
}

// isFramePointerSetup matches add x29, sp, #imm (mov x29, sp when imm is 0).
func isFramePointerSetup(w uint32) bool {
	return w&0xffc003ff == 0x910003fd
}

// isStackAlloc matches sub sp, sp, #imm{, lsl #12}.
func isStackAlloc(w uint32) bool {
	return w&0xff8003ff == 0xd10003ff
}

// isLinkRegisterPush matches str x30, [sp, #imm]!, the Go toolchain's frame
// setup.
func isLinkRegisterPush(w uint32) bool {
	return w&0xffe00fff == 0xf8000ffe
}

func detectProloguesARM64(code []byte, baseAddr uint64) []Prologue {
	var (
		result   []Prologue
		atStart  = true
		prevWord uint32
		hasPrev  bool
		// pacAt is the address of the last PAC hint. The frame record it
		// signs belongs to the same entry and is not reported again.
		pacAt = BadAddr
	)

	for offset := 0; offset+4 <= len(code); offset += 4 {
		addr := baseAddr + uint64(offset)
		w := binary.LittleEndian.Uint32(code[offset:])

		switch {
		case w == arm64PACIASP:
			result = append(result, Prologue{Address: addr, Type: ProloguePAC, Instructions: "paciasp"})
		case w == arm64PACIBSP:
			result = append(result, Prologue{Address: addr, Type: ProloguePAC, Instructions: "pacibsp"})
		case hasPrev && isFrameRecordStore(prevWord) && isFramePointerSetup(w) && pacAt != addr-8:
			result = append(result, Prologue{
				Address:      addr - 4,
				Type:         PrologueSTPFramePair,
				Instructions: fmt.Sprintf("%s; %s", stpText(prevWord), fpSetupText(w)),
			})
		}

		// A frame record push opens a function wherever it appears. Paired
		// with a frame pointer setup it is reported on the next word.
		if isFrameRecordPush(w) && pacAt != addr-4 {
			next := offset + 4
			if next+4 > len(code) || !isFramePointerSetup(binary.LittleEndian.Uint32(code[next:])) {
				result = append(result, Prologue{Address: addr, Type: PrologueSTPOnly, Instructions: stpText(w)})
			}
		}

		if atStart {
			switch {
			case isStackAlloc(w):
				imm := uint64(w>>10) & 0xfff
				if w&(1<<22) != 0 {
					imm <<= 12
				}
				result = append(result, Prologue{
					Address:      addr,
					Type:         PrologueSubSP,
					Instructions: fmt.Sprintf("sub sp, sp, #0x%x", imm),
				})
			case isLinkRegisterPush(w):
				imm9 := int32(w<<11) >> 23
				result = append(result, Prologue{
					Address:      addr,
					Type:         PrologueSaveLR,
					Instructions: fmt.Sprintf("str x30, [sp, #%d]!", imm9),
				})
			}
		}

		if w == arm64PACIASP || w == arm64PACIBSP {
			atStart, pacAt = false, addr
		} else {
			inst, err := decodeARM64(code[offset:], addr)
			atStart = err != nil || inst.Terminates()
		}
		prevWord, hasPrev = w, true
	}

	return result
}

func stpText(w uint32) string {
	off := (int32(w<<10) >> 25) * 8
	if isFrameRecordPush(w) {
		return fmt.Sprintf("stp x29, x30, [sp, #%d]!", off)
	}
	return fmt.Sprintf("stp x29, x30, [sp, #%d]", off)
}

func fpSetupText(w uint32) string {
	if imm := (w >> 10) & 0xfff; imm != 0 {
		return fmt.Sprintf("add x29, sp, #0x%x", imm)
	}
	return "mov x29, sp"
}
