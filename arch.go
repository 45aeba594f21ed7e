package refunc

import (
	"debug/elf"
	"fmt"

	"github.com/blacktop/go-macho/types"
)

// Arch identifies the instruction set of an image.
type Arch string

// Supported architectures.
const (
	ArchAMD64 Arch = "amd64"
	ArchARM64 Arch = "arm64"
)

// WordSize returns the native pointer size in bytes.
func (a Arch) WordSize() int {
	switch a {
	case ArchAMD64, ArchARM64:
		return 8
	default:
		return 0
	}
}

// MinInsnLen is the smallest instruction length for the architecture.
func (a Arch) MinInsnLen() int {
	if a == ArchARM64 {
		return 4
	}
	return 1
}

func archFromELF(m elf.Machine) (Arch, error) {
	switch m {
	case elf.EM_X86_64:
		return ArchAMD64, nil
	case elf.EM_AARCH64:
		return ArchARM64, nil
	default:
		return "", fmt.Errorf("unsupported ELF machine: %s", m)
	}
}

func archFromMachO(cpu types.CPU) (Arch, error) {
	switch cpu {
	case types.CPUAmd64:
		return ArchAMD64, nil
	case types.CPUArm64:
		return ArchARM64, nil
	default:
		return "", fmt.Errorf("unsupported Mach-O cpu: %s", cpu)
	}
}
