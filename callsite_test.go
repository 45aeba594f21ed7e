package refunc_test

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxgio92/refunc"
)

func TestDetectCallSites(t *testing.T) {
	tests := []struct {
		name       string
		arch       refunc.Arch
		code       []byte
		baseAddr   uint64
		wantCount  int
		wantType   refunc.CallSiteType
		wantMode   refunc.AddressingMode
		wantConf   refunc.Confidence
		wantSource uint64
		wantTarget uint64
	}{
		{
			// call rel32 = 0x0B, length 5: target = 0 + 5 + 0x0B
			name:       "amd64-pc-relative-call",
			arch:       refunc.ArchAMD64,
			code:       []byte{0xE8, 0x0B, 0x00, 0x00, 0x00},
			wantCount:  1,
			wantType:   refunc.CallSiteCall,
			wantMode:   refunc.AddressingModePCRelative,
			wantConf:   refunc.ConfidenceHigh,
			wantTarget: 0x10,
		},
		{
			// call rel32 = -32 at 0x100: target = 0x100 + 5 - 32
			name:       "amd64-pc-relative-call-negative-offset",
			arch:       refunc.ArchAMD64,
			code:       []byte{0xE8, 0xE0, 0xFF, 0xFF, 0xFF},
			baseAddr:   0x100,
			wantCount:  1,
			wantType:   refunc.CallSiteCall,
			wantMode:   refunc.AddressingModePCRelative,
			wantConf:   refunc.ConfidenceHigh,
			wantSource: 0x100,
			wantTarget: 0xE5,
		},
		{
			name:       "amd64-register-indirect-call",
			arch:       refunc.ArchAMD64,
			code:       []byte{0xFF, 0xD0}, // call rax
			baseAddr:   0x200,
			wantCount:  1,
			wantType:   refunc.CallSiteCall,
			wantMode:   refunc.AddressingModeRegisterIndirect,
			wantConf:   refunc.ConfidenceNone,
			wantSource: 0x200,
		},
		{
			// call [rip+0x1234] at 0x1000: slot = 0x1000 + 6 + 0x1234
			name:       "amd64-rip-relative-call",
			arch:       refunc.ArchAMD64,
			code:       []byte{0xFF, 0x15, 0x34, 0x12, 0x00, 0x00},
			baseAddr:   0x1000,
			wantCount:  1,
			wantType:   refunc.CallSiteCall,
			wantMode:   refunc.AddressingModePCRelative,
			wantConf:   refunc.ConfidenceMedium,
			wantSource: 0x1000,
			wantTarget: 0x223A,
		},
		{
			name:       "amd64-memory-call-with-base-register",
			arch:       refunc.ArchAMD64,
			code:       []byte{0xFF, 0x53, 0x10}, // call [rbx+0x10]
			baseAddr:   0x300,
			wantCount:  1,
			wantType:   refunc.CallSiteCall,
			wantMode:   refunc.AddressingModeRegisterIndirect,
			wantConf:   refunc.ConfidenceNone,
			wantSource: 0x300,
		},
		{
			name:       "amd64-jmp-rel8",
			arch:       refunc.ArchAMD64,
			code:       []byte{0xEB, 0x0E},
			wantCount:  1,
			wantType:   refunc.CallSiteJump,
			wantMode:   refunc.AddressingModePCRelative,
			wantConf:   refunc.ConfidenceMedium,
			wantTarget: 0x10,
		},
		{
			name:       "amd64-jmp-rax",
			arch:       refunc.ArchAMD64,
			code:       []byte{0xFF, 0xE0},
			baseAddr:   0x400,
			wantCount:  1,
			wantType:   refunc.CallSiteJump,
			wantMode:   refunc.AddressingModeRegisterIndirect,
			wantConf:   refunc.ConfidenceNone,
			wantSource: 0x400,
		},
		{
			name:       "amd64-conditional-jump",
			arch:       refunc.ArchAMD64,
			code:       []byte{0x75, 0x10}, // jne $+0x12
			wantCount:  1,
			wantType:   refunc.CallSiteJump,
			wantMode:   refunc.AddressingModePCRelative,
			wantConf:   refunc.ConfidenceLow,
			wantTarget: 0x12,
		},
		{
			// endbr64 is skipped, the call follows at +4
			name:       "amd64-endbr64",
			arch:       refunc.ArchAMD64,
			code:       []byte{0xF3, 0x0F, 0x1E, 0xFA, 0xE8, 0x00, 0x00, 0x00, 0x00},
			baseAddr:   0x5000,
			wantCount:  1,
			wantType:   refunc.CallSiteCall,
			wantMode:   refunc.AddressingModePCRelative,
			wantConf:   refunc.ConfidenceHigh,
			wantSource: 0x5004,
			wantTarget: 0x5009,
		},
		{
			name:      "amd64-no-branches",
			arch:      refunc.ArchAMD64,
			code:      []byte{0x90, 0x90, 0x90},
			wantCount: 0,
		},
		{
			name:       "arm64-bl-forward",
			arch:       refunc.ArchARM64,
			code:       arm64Code(0x94000400),
			baseAddr:   0x1000,
			wantCount:  1,
			wantType:   refunc.CallSiteCall,
			wantMode:   refunc.AddressingModePCRelative,
			wantConf:   refunc.ConfidenceHigh,
			wantSource: 0x1000,
			wantTarget: 0x2000,
		},
		{
			name:       "arm64-bl-backward",
			arch:       refunc.ArchARM64,
			code:       arm64Code(0x97FFFFC0),
			baseAddr:   0x2000,
			wantCount:  1,
			wantType:   refunc.CallSiteCall,
			wantMode:   refunc.AddressingModePCRelative,
			wantConf:   refunc.ConfidenceHigh,
			wantSource: 0x2000,
			wantTarget: 0x1F00,
		},
		{
			name:       "arm64-b",
			arch:       refunc.ArchARM64,
			code:       arm64Code(0x14000010), // b +0x40
			baseAddr:   0x3000,
			wantCount:  1,
			wantType:   refunc.CallSiteJump,
			wantMode:   refunc.AddressingModePCRelative,
			wantConf:   refunc.ConfidenceMedium,
			wantSource: 0x3000,
			wantTarget: 0x3040,
		},
		{
			name:       "arm64-b-cond",
			arch:       refunc.ArchARM64,
			code:       arm64Code(0x54000100), // b.eq +0x20
			baseAddr:   0x3000,
			wantCount:  1,
			wantType:   refunc.CallSiteJump,
			wantMode:   refunc.AddressingModePCRelative,
			wantConf:   refunc.ConfidenceLow,
			wantSource: 0x3000,
			wantTarget: 0x3020,
		},
		{
			name:       "arm64-cbz",
			arch:       refunc.ArchARM64,
			code:       arm64Code(0xB4000200), // cbz x0, +0x40
			baseAddr:   0x3000,
			wantCount:  1,
			wantType:   refunc.CallSiteJump,
			wantMode:   refunc.AddressingModePCRelative,
			wantConf:   refunc.ConfidenceLow,
			wantSource: 0x3000,
			wantTarget: 0x3040,
		},
		{
			name:       "arm64-blr",
			arch:       refunc.ArchARM64,
			code:       arm64Code(0xD63F0100), // blr x8
			baseAddr:   0x3000,
			wantCount:  1,
			wantType:   refunc.CallSiteCall,
			wantMode:   refunc.AddressingModeRegisterIndirect,
			wantConf:   refunc.ConfidenceNone,
			wantSource: 0x3000,
		},
		{
			name:       "arm64-br",
			arch:       refunc.ArchARM64,
			code:       arm64Code(0xD61F0200), // br x16
			baseAddr:   0x3000,
			wantCount:  1,
			wantType:   refunc.CallSiteJump,
			wantMode:   refunc.AddressingModeRegisterIndirect,
			wantConf:   refunc.ConfidenceNone,
			wantSource: 0x3000,
		},
		{
			name:      "arm64-trailing-partial-word",
			arch:      refunc.ArchARM64,
			code:      []byte{0x1f, 0x20, 0x03},
			wantCount: 0,
		},
		{
			name:      "empty",
			arch:      refunc.ArchARM64,
			wantCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			edges, err := refunc.DetectCallSites(tt.code, tt.baseAddr, tt.arch)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if len(edges) != tt.wantCount {
				t.Fatalf("expected %d edge(s), got %d: %+v", tt.wantCount, len(edges), edges)
			}
			if tt.wantCount == 0 {
				return
			}

			edge := edges[0]
			if edge.Type != tt.wantType {
				t.Errorf("expected type %s, got %s", tt.wantType, edge.Type)
			}
			if edge.AddressMode != tt.wantMode {
				t.Errorf("expected address mode %s, got %s", tt.wantMode, edge.AddressMode)
			}
			if edge.Confidence != tt.wantConf {
				t.Errorf("expected confidence %s, got %s", tt.wantConf, edge.Confidence)
			}
			if edge.SourceAddr != tt.wantSource {
				t.Errorf("expected source 0x%x, got 0x%x", tt.wantSource, edge.SourceAddr)
			}
			if edge.TargetAddr != tt.wantTarget {
				t.Errorf("expected target 0x%x, got 0x%x", tt.wantTarget, edge.TargetAddr)
			}
		})
	}
}

func TestDetectCallSites_UnsupportedArch(t *testing.T) {
	_, err := refunc.DetectCallSites([]byte{0x90}, 0, refunc.Arch("riscv64"))
	require.Error(t, err)
}

func TestDetectFunctions(t *testing.T) {
	tests := []struct {
		name     string
		code     []byte
		baseAddr uint64
		want     []refunc.FunctionCandidate
	}{
		{
			// call 0x10; call 0x10; ret; int3 x5; push rbp; mov rbp, rsp; ret
			name: "prologue-and-call",
			code: []byte{
				0xE8, 0x0B, 0x00, 0x00, 0x00,
				0xE8, 0x06, 0x00, 0x00, 0x00,
				0xC3,
				0xCC, 0xCC, 0xCC, 0xCC, 0xCC,
				0x55, 0x48, 0x89, 0xE5,
				0xC3,
			},
			want: []refunc.FunctionCandidate{{
				Address:       0x10,
				DetectionType: refunc.DetectionBoth,
				PrologueType:  refunc.ProloguePushOnly,
				CalledFrom:    []uint64{0x0, 0x5},
				Confidence:    refunc.ConfidenceHigh,
			}},
		},
		{
			// jmp 0x1010; call 0x1010; ret; nop x5; ret
			// A target reached by both a jump and a call without a prologue
			// stays a call target.
			name: "jump-then-call",
			code: []byte{
				0xE9, 0x0B, 0x00, 0x00, 0x00,
				0xE8, 0x06, 0x00, 0x00, 0x00,
				0xC3,
				0x90, 0x90, 0x90, 0x90, 0x90,
				0xC3,
			},
			baseAddr: 0x1000,
			want: []refunc.FunctionCandidate{{
				Address:       0x1010,
				DetectionType: refunc.DetectionCallTarget,
				CalledFrom:    []uint64{0x1005},
				JumpedFrom:    []uint64{0x1000},
				Confidence:    refunc.ConfidenceMedium,
			}},
		},
		{
			// jne +0x10 is too weak to make a candidate.
			name: "conditional-only",
			code: []byte{0x90, 0x75, 0x10, 0x90},
			want: []refunc.FunctionCandidate{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := refunc.DetectFunctions(tt.code, tt.baseAddr, refunc.ArchAMD64)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("DetectFunctions() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDetectFunctions_UnsupportedArch(t *testing.T) {
	_, err := refunc.DetectFunctions([]byte{0x90}, 0, refunc.Arch("sparc"))
	require.Error(t, err)
}

func TestDetectFunctionsInImage(t *testing.T) {
	text := slices.Concat(
		rel32(0xe8, 0x1000, 0x2000), // other executable segment
		rel32(0xe8, 0x1005, 0x3000), // data
		rel32(0xe8, 0x100a, 0x9000), // unmapped
		[]byte{0xc3},
	)

	img := refunc.NewImage(refunc.ArchAMD64, nil)
	require.NoError(t, img.AddSegment(&refunc.Segment{Name: ".text", Addr: 0x1000, Data: text, Exec: true}))
	require.NoError(t, img.AddSegment(&refunc.Segment{Name: ".plt", Addr: 0x2000, Data: []byte{0xC3}, Exec: true}))
	require.NoError(t, img.AddSegment(&refunc.Segment{Name: ".data", Addr: 0x3000, Data: make([]byte, 8)}))

	got, err := refunc.DetectFunctionsInImage(img)
	require.NoError(t, err)
	assert.Equal(t, []refunc.FunctionCandidate{{
		Address:       0x2000,
		DetectionType: refunc.DetectionCallTarget,
		CalledFrom:    []uint64{0x1000},
		Confidence:    refunc.ConfidenceMedium,
	}}, got)
}
