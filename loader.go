package refunc

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/blacktop/go-macho"
)

// ELF and Mach-O magic numbers as they appear in the first four bytes.
var (
	elfMagic     = []byte{0x7f, 'E', 'L', 'F'}
	machoMagic64 = []byte{0xcf, 0xfa, 0xed, 0xfe}
)

// Open loads the executable at path.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	img, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return img, nil
}

// Load parses an ELF or 64-bit Mach-O image from r, selected by magic.
func Load(r io.ReaderAt) (*Image, error) {
	magic := make([]byte, 4)
	if _, err := r.ReadAt(magic, 0); err != nil {
		return nil, fmt.Errorf("failed to read magic: %w", err)
	}
	switch {
	case bytes.Equal(magic, elfMagic):
		return LoadELF(r)
	case bytes.Equal(magic, machoMagic64):
		return LoadMachO(r)
	default:
		return nil, fmt.Errorf("unrecognized image magic % x", magic)
	}
}

// LoadELF maps the allocated sections of an ELF binary and collects its
// symbols.
func LoadELF(r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ELF file: %w", err)
	}
	defer f.Close()

	arch, err := archFromELF(f.Machine)
	if err != nil {
		return nil, err
	}
	img := NewImage(arch, f.ByteOrder)

	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 || sec.Size == 0 || sec.Addr == 0 {
			continue
		}
		seg := &Segment{
			Name: sec.Name,
			Addr: sec.Addr,
			Size: sec.Size,
			Exec: sec.Flags&elf.SHF_EXECINSTR != 0,
		}
		if sec.Type != elf.SHT_NOBITS {
			data, err := sec.Data()
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("failed to read %s section: %w", sec.Name, err)
			}
			seg.Data = data
		}
		if err := img.AddSegment(seg); err != nil {
			return nil, err
		}
	}
	if len(img.ExecSegments()) == 0 {
		return nil, fmt.Errorf("no executable section found")
	}

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("failed to read symbols: %w", err)
	}
	for _, s := range syms {
		if s.Name == "" || s.Value == 0 {
			continue
		}
		typ := elf.ST_TYPE(s.Info)
		if typ != elf.STT_FUNC && typ != elf.STT_OBJECT && typ != elf.STT_NOTYPE {
			continue
		}
		img.Symbols = append(img.Symbols, Symbol{
			Name: s.Name,
			Addr: s.Value,
			Size: s.Size,
			Func: typ == elf.STT_FUNC,
		})
	}
	return img, nil
}

// LoadMachO maps the segments of a 64-bit Mach-O (including kernelcaches)
// and collects function starts and symbols.
func LoadMachO(r io.ReaderAt) (*Image, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Mach-O file: %w", err)
	}
	defer f.Close()

	arch, err := archFromMachO(f.CPU)
	if err != nil {
		return nil, err
	}
	var order binary.ByteOrder = binary.LittleEndian
	if f.ByteOrder != nil {
		order = f.ByteOrder
	}
	img := NewImage(arch, order)

	for _, seg := range f.Segments() {
		if seg.Memsz == 0 || seg.Name == "__PAGEZERO" {
			continue
		}
		data := make([]byte, seg.Filesz)
		if _, err := io.ReadFull(io.NewSectionReader(r, int64(seg.Offset), int64(seg.Filesz)), data); err != nil {
			return nil, fmt.Errorf("failed to read %s segment: %w", seg.Name, err)
		}
		if uint64(len(data)) > seg.Memsz {
			data = data[:seg.Memsz]
		}
		if err := img.AddSegment(&Segment{
			Name: seg.Name,
			Addr: seg.Addr,
			Size: seg.Memsz,
			Data: data,
			Exec: seg.Prot&0x4 != 0,
		}); err != nil {
			return nil, err
		}
	}
	if len(img.ExecSegments()) == 0 {
		return nil, fmt.Errorf("no executable segment found")
	}

	names := make(map[uint64]string)
	if f.Symtab != nil {
		for _, sym := range f.Symtab.Syms {
			if sym.Name == "" || sym.Value == 0 {
				continue
			}
			names[sym.Value] = sym.Name
			img.Symbols = append(img.Symbols, Symbol{Name: sym.Name, Addr: sym.Value})
		}
	}
	// LC_FUNCTION_STARTS gives bounds even for stripped kernelcaches.
	for _, fn := range f.GetFunctions() {
		if fn.EndAddr <= fn.StartAddr {
			continue
		}
		img.Symbols = append(img.Symbols, Symbol{
			Name: names[fn.StartAddr],
			Addr: fn.StartAddr,
			Size: fn.EndAddr - fn.StartAddr,
			Func: true,
		})
	}
	return img, nil
}
