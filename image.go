package refunc

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
)

// BadAddr is the sentinel for "no address".
const BadAddr = ^uint64(0)

var (
	// ErrUnmapped is returned when an access touches bytes with no static value.
	ErrUnmapped = errors.New("address not mapped")
	// ErrWordSize is returned for word sizes other than 1, 2, 4 or 8.
	ErrWordSize = errors.New("invalid word size")
)

// Segment is a contiguous mapped region of an image.
// Data holds the file-backed bytes and may be shorter than Size; the
// remainder (bss, zero-fill) is mapped but has no static value.
type Segment struct {
	Name string
	Addr uint64
	Size uint64
	Data []byte
	Exec bool
}

// End returns the address one past the last byte of the segment.
func (s *Segment) End() uint64 {
	return s.Addr + s.Size
}

// Contains reports whether addr falls within the segment.
func (s *Segment) Contains(addr uint64) bool {
	return addr >= s.Addr && addr < s.End()
}

// Loaded reports whether addr has a static value in the segment.
func (s *Segment) Loaded(addr uint64) bool {
	return addr >= s.Addr && addr-s.Addr < uint64(len(s.Data))
}

// Symbol is a named address in an image.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
	Func bool
}

// Image is the address space of a loaded executable.
type Image struct {
	Arch      Arch
	ByteOrder binary.ByteOrder
	WordSize  int
	Segments  []*Segment
	Symbols   []Symbol
}

// NewImage creates an empty image. A nil order defaults to little-endian.
func NewImage(arch Arch, order binary.ByteOrder) *Image {
	if order == nil {
		order = binary.LittleEndian
	}
	return &Image{
		Arch:      arch,
		ByteOrder: order,
		WordSize:  arch.WordSize(),
	}
}

// AddSegment maps seg into the image, keeping segments sorted by address.
func (img *Image) AddSegment(seg *Segment) error {
	if seg.Size == 0 {
		seg.Size = uint64(len(seg.Data))
	}
	if seg.Size == 0 {
		return fmt.Errorf("segment %q is empty", seg.Name)
	}
	if uint64(len(seg.Data)) > seg.Size {
		return fmt.Errorf("segment %q: %d data bytes exceed size 0x%x", seg.Name, len(seg.Data), seg.Size)
	}
	for _, existing := range img.Segments {
		if seg.Addr < existing.End() && existing.Addr < seg.End() {
			return fmt.Errorf("segment %q [0x%x-0x%x) overlaps %q [0x%x-0x%x)",
				seg.Name, seg.Addr, seg.End(), existing.Name, existing.Addr, existing.End())
		}
	}
	img.Segments = append(img.Segments, seg)
	slices.SortFunc(img.Segments, func(a, b *Segment) int {
		return cmp.Compare(a.Addr, b.Addr)
	})
	return nil
}

// SegmentAt returns the segment containing addr, or nil.
func (img *Image) SegmentAt(addr uint64) *Segment {
	i, found := slices.BinarySearchFunc(img.Segments, addr, func(s *Segment, a uint64) int {
		return cmp.Compare(s.Addr, a)
	})
	if found {
		return img.Segments[i]
	}
	if i == 0 {
		return nil
	}
	if s := img.Segments[i-1]; s.Contains(addr) {
		return s
	}
	return nil
}

// ExecSegments returns the executable segments in address order.
func (img *Image) ExecSegments() []*Segment {
	var out []*Segment
	for _, s := range img.Segments {
		if s.Exec {
			out = append(out, s)
		}
	}
	return out
}

func (img *Image) loaded(addr uint64) bool {
	s := img.SegmentAt(addr)
	return s != nil && s.Loaded(addr)
}

func (img *Image) inSegment(addr uint64) bool {
	return img.SegmentAt(addr) != nil
}

// IsMapped reports whether the size bytes at addr are mapped. With value set,
// only bytes with a static value count as mapped.
//
// Only the first and last byte of the range are checked.
func (img *Image) IsMapped(addr, size uint64, value bool) (bool, error) {
	if size < 1 {
		return false, fmt.Errorf("invalid size: %d", size)
	}
	check := img.inSegment
	if value {
		check = img.loaded
	}
	return check(addr) && (size == 1 || check(addr+size-1)), nil
}

// Read copies bytes starting at addr into buf. Reads stop at the end of the
// segment's static data, so n may be less than len(buf).
func (img *Image) Read(addr uint64, buf []byte) (int, error) {
	s := img.SegmentAt(addr)
	if s == nil || !s.Loaded(addr) {
		return 0, fmt.Errorf("read at 0x%x: %w", addr, ErrUnmapped)
	}
	return copy(buf, s.Data[addr-s.Addr:]), nil
}

// Bytes returns a view of up to n bytes of static data at addr.
func (img *Image) Bytes(addr uint64, n int) []byte {
	s := img.SegmentAt(addr)
	if s == nil || !s.Loaded(addr) {
		return nil
	}
	data := s.Data[addr-s.Addr:]
	if len(data) > n {
		data = data[:n]
	}
	return data
}

// ReadWord reads a size-byte word at addr in the image's byte order.
func (img *Image) ReadWord(addr uint64, size int) (uint64, error) {
	if !validWordSize(size) {
		return 0, fmt.Errorf("%w: %d", ErrWordSize, size)
	}
	if ok, _ := img.IsMapped(addr, uint64(size), true); !ok {
		return 0, fmt.Errorf("word at 0x%x: %w", addr, ErrUnmapped)
	}
	buf := make([]byte, size)
	// The first and last bytes may live in different segments.
	for i := range buf {
		if _, err := img.Read(addr+uint64(i), buf[i:i+1]); err != nil {
			return 0, err
		}
	}
	switch size {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(img.ByteOrder.Uint16(buf)), nil
	case 4:
		return uint64(img.ByteOrder.Uint32(buf)), nil
	default:
		return img.ByteOrder.Uint64(buf), nil
	}
}

// PatchWord writes value as a size-byte word at addr.
func (img *Image) PatchWord(addr, value uint64, size int) error {
	if !validWordSize(size) {
		return fmt.Errorf("%w: %d", ErrWordSize, size)
	}
	buf := make([]byte, 8)
	switch size {
	case 1:
		buf[0] = byte(value)
	case 2:
		img.ByteOrder.PutUint16(buf, uint16(value))
	case 4:
		img.ByteOrder.PutUint32(buf, uint32(value))
	default:
		img.ByteOrder.PutUint64(buf, value)
	}
	segs := make([]*Segment, size)
	for i := range segs {
		a := addr + uint64(i)
		if segs[i] = img.SegmentAt(a); segs[i] == nil || !segs[i].Loaded(a) {
			return fmt.Errorf("patch at 0x%x: %w", a, ErrUnmapped)
		}
	}
	for i, s := range segs {
		s.Data[addr+uint64(i)-s.Addr] = buf[i]
	}
	return nil
}

func validWordSize(size int) bool {
	return size == 1 || size == 2 || size == 4 || size == 8
}
