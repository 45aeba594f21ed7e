package refunc

import (
	"cmp"
	"fmt"
	"slices"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// CallSiteType represents the type of call site instruction.
type CallSiteType string

// Recognized call site instruction types.
const (
	CallSiteCall CallSiteType = "call"
	CallSiteJump CallSiteType = "jump"
)

// AddressingMode represents how the target address is specified.
type AddressingMode string

// Recognized addressing modes for call site instructions.
const (
	AddressingModePCRelative       AddressingMode = "pc-relative"
	AddressingModeAbsolute         AddressingMode = "absolute"
	AddressingModeRegisterIndirect AddressingMode = "register-indirect"
)

// Confidence represents the reliability of a call site detection.
type Confidence string

// Confidence levels for call site detection.
const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceNone   Confidence = "none"
)

// CallSiteEdge represents a detected call site (call or jump to a function).
type CallSiteEdge struct {
	SourceAddr  uint64         `json:"source_addr"`
	TargetAddr  uint64         `json:"target_addr"`
	Type        CallSiteType   `json:"type"`
	AddressMode AddressingMode `json:"address_mode"`
	Confidence  Confidence     `json:"confidence"`
}

// DetectionType represents how a function was detected.
type DetectionType string

// Recognized detection types.
const (
	DetectionPrologueOnly DetectionType = "prologue-only"
	DetectionCallTarget   DetectionType = "call-target"
	DetectionJumpTarget   DetectionType = "jump-target"
	DetectionBoth         DetectionType = "both" // Prologue + called/jumped to
)

// FunctionCandidate represents a potential function detected through
// one or more signals (prologue detection, call site analysis, or both).
type FunctionCandidate struct {
	Address       uint64        `json:"address"`
	DetectionType DetectionType `json:"detection_type"`
	PrologueType  PrologueType  `json:"prologue_type,omitempty"`
	CalledFrom    []uint64      `json:"called_from,omitempty"`
	JumpedFrom    []uint64      `json:"jumped_from,omitempty"`
	Confidence    Confidence    `json:"confidence"`
}

// DetectCallSites analyzes raw machine code bytes and returns detected
// call sites (CALL and JMP instructions with their targets). baseAddr is the
// virtual address corresponding to the start of code. arch selects the
// architecture-specific detection logic. This function performs no I/O and
// works with any binary format.
func DetectCallSites(code []byte, baseAddr uint64, arch Arch) ([]CallSiteEdge, error) {
	switch arch {
	case ArchAMD64:
		return detectCallSitesAMD64(code, baseAddr)
	case ArchARM64:
		return detectCallSitesARM64(code, baseAddr)
	default:
		return nil, fmt.Errorf("unsupported architecture: %s", arch)
	}
}

// DetectFunctions combines prologue detection and call site analysis to identify
// function entry points with higher confidence. Functions detected by both methods
// receive the highest confidence rating.
func DetectFunctions(code []byte, baseAddr uint64, arch Arch) ([]FunctionCandidate, error) {
	prologues, err := DetectPrologues(code, baseAddr, arch)
	if err != nil {
		return nil, fmt.Errorf("failed to detect prologues: %w", err)
	}

	edges, err := DetectCallSites(code, baseAddr, arch)
	if err != nil {
		return nil, fmt.Errorf("failed to detect call sites: %w", err)
	}

	return mergeCandidates(prologues, edges), nil
}

// DetectFunctionsInImage runs DetectFunctions over every executable segment
// of img. Call and jump targets are kept only if they land in executable
// code, so edges may cross segments.
func DetectFunctionsInImage(img *Image) ([]FunctionCandidate, error) {
	var (
		prologues []Prologue
		edges     []CallSiteEdge
	)
	for _, seg := range img.ExecSegments() {
		if len(seg.Data) == 0 {
			continue
		}
		p, err := DetectPrologues(seg.Data, seg.Addr, img.Arch)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", seg.Name, err)
		}
		prologues = append(prologues, p...)

		e, err := DetectCallSites(seg.Data, seg.Addr, img.Arch)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", seg.Name, err)
		}
		for _, edge := range e {
			if s := img.SegmentAt(edge.TargetAddr); s != nil && s.Exec && s.Loaded(edge.TargetAddr) {
				edges = append(edges, edge)
			}
		}
	}
	return mergeCandidates(prologues, edges), nil
}

// mergeCandidates folds prologues and call site edges into candidates sorted
// by address. Only high (direct calls) and medium (unconditional jumps, which
// may be tail calls) confidence edges count.
func mergeCandidates(prologues []Prologue, edges []CallSiteEdge) []FunctionCandidate {
	candidates := make(map[uint64]*FunctionCandidate)

	for _, p := range prologues {
		if _, dup := candidates[p.Address]; dup {
			continue
		}
		candidates[p.Address] = &FunctionCandidate{
			Address:       p.Address,
			DetectionType: DetectionPrologueOnly,
			PrologueType:  p.Type,
			Confidence:    ConfidenceMedium,
		}
	}

	for _, edge := range edges {
		if edge.Confidence != ConfidenceHigh && edge.Confidence != ConfidenceMedium {
			continue
		}

		c, ok := candidates[edge.TargetAddr]
		switch {
		case !ok:
			c = &FunctionCandidate{
				Address:       edge.TargetAddr,
				DetectionType: DetectionCallTarget,
				Confidence:    ConfidenceMedium,
			}
			if edge.Type == CallSiteJump {
				c.DetectionType = DetectionJumpTarget
			}
			candidates[edge.TargetAddr] = c
		case c.PrologueType != "":
			c.DetectionType = DetectionBoth
			c.Confidence = ConfidenceHigh
		case edge.Type == CallSiteCall:
			// A call outranks a jump as evidence.
			c.DetectionType = DetectionCallTarget
		}

		if edge.Type == CallSiteCall {
			c.CalledFrom = append(c.CalledFrom, edge.SourceAddr)
		} else {
			c.JumpedFrom = append(c.JumpedFrom, edge.SourceAddr)
		}
	}

	result := make([]FunctionCandidate, 0, len(candidates))
	for _, c := range candidates {
		result = append(result, *c)
	}
	slices.SortFunc(result, func(a, b FunctionCandidate) int {
		return cmp.Compare(a.Address, b.Address)
	})
	return result
}

func detectCallSitesAMD64(code []byte, baseAddr uint64) ([]CallSiteEdge, error) {
	var result []CallSiteEdge

	for offset := 0; offset < len(code); {
		addr := baseAddr + uint64(offset)

		// CET landing pads are transparent to call site detection.
		if isENDBR(code[offset:]) {
			offset += 4
			continue
		}

		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			offset++
			continue
		}
		offset += inst.Len

		var edge *CallSiteEdge
		switch flowAMD64(inst) {
		case FlowCall:
			edge = extractTargetAMD64(inst, addr, CallSiteCall, ConfidenceHigh)
		case FlowJump, FlowIndirectJump:
			edge = extractTargetAMD64(inst, addr, CallSiteJump, ConfidenceMedium)
		case FlowCondJump:
			// Usually intra-function branches.
			edge = extractTargetAMD64(inst, addr, CallSiteJump, ConfidenceLow)
		}
		if edge != nil {
			result = append(result, *edge)
		}
	}

	return result, nil
}

// extractTargetAMD64 extracts the call site target from an x86-64 branch.
// cfType and baseConfidence are applied to direct (Rel) and absolute (Mem
// without base/index) operands. RIP-relative memory operands are capped at
// medium confidence; register operands cannot be resolved.
func extractTargetAMD64(inst x86asm.Inst, sourceAddr uint64, cfType CallSiteType, baseConfidence Confidence) *CallSiteEdge {
	edge := &CallSiteEdge{
		SourceAddr: sourceAddr,
		Type:       cfType,
	}
	next := sourceAddr + uint64(inst.Len)

	switch arg := inst.Args[0].(type) {
	case x86asm.Rel:
		edge.TargetAddr = next + uint64(int64(arg))
		edge.AddressMode = AddressingModePCRelative
		edge.Confidence = baseConfidence
	case x86asm.Mem:
		switch {
		case arg.Base == x86asm.RIP && arg.Index == 0:
			// call/jmp [rip+disp], the PLT/GOT form in PIE binaries. The
			// target is the slot address.
			edge.TargetAddr = next + uint64(arg.Disp)
			edge.AddressMode = AddressingModePCRelative
			edge.Confidence = ConfidenceMedium
		case arg.Base == 0 && arg.Index == 0:
			edge.TargetAddr = uint64(arg.Disp)
			edge.AddressMode = AddressingModeAbsolute
			edge.Confidence = baseConfidence
		default:
			edge.AddressMode = AddressingModeRegisterIndirect
			edge.Confidence = ConfidenceNone
		}
	case x86asm.Reg:
		edge.AddressMode = AddressingModeRegisterIndirect
		edge.Confidence = ConfidenceNone
	default:
		return nil
	}
	return edge
}

func detectCallSitesARM64(code []byte, baseAddr uint64) ([]CallSiteEdge, error) {
	var result []CallSiteEdge

	const insnLen = 4

	for offset := 0; offset+insnLen <= len(code); offset += insnLen {
		inst, err := arm64asm.Decode(code[offset : offset+insnLen])
		if err != nil {
			continue
		}
		addr := baseAddr + uint64(offset)

		var edge *CallSiteEdge
		switch flow := flowARM64(inst); flow {
		case FlowCall, FlowIndirectJump:
			typ, conf := CallSiteCall, ConfidenceHigh
			if flow == FlowIndirectJump {
				typ = CallSiteJump
			}
			if inst.Op == arm64asm.BLR || inst.Op == arm64asm.BR {
				edge = &CallSiteEdge{
					SourceAddr:  addr,
					Type:        typ,
					AddressMode: AddressingModeRegisterIndirect,
					Confidence:  ConfidenceNone,
				}
				break
			}
			edge = extractTargetARM64(inst, addr, typ, conf)
		case FlowJump:
			// An unconditional B may be a tail call.
			edge = extractTargetARM64(inst, addr, CallSiteJump, ConfidenceMedium)
		case FlowCondJump:
			// B.cond, CBZ/CBNZ and TBZ/TBNZ are usually intra-function branches.
			edge = extractTargetARM64(inst, addr, CallSiteJump, ConfidenceLow)
		}
		if edge != nil {
			result = append(result, *edge)
		}
	}

	return result, nil
}

// extractTargetARM64 extracts the PC-relative branch target from an ARM64
// branch. Returns nil if the instruction has no PCRel operand.
func extractTargetARM64(inst arm64asm.Inst, sourceAddr uint64, cfType CallSiteType, confidence Confidence) *CallSiteEdge {
	for _, arg := range inst.Args {
		if pcrel, ok := arg.(arm64asm.PCRel); ok {
			return &CallSiteEdge{
				SourceAddr:  sourceAddr,
				TargetAddr:  sourceAddr + uint64(int64(pcrel)),
				Type:        cfType,
				AddressMode: AddressingModePCRelative,
				Confidence:  confidence,
			}
		}
	}
	return nil
}
