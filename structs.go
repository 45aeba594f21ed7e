package refunc

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrTypeExists is returned when creating a type that is already defined.
	ErrTypeExists = errors.New("type already defined")
	// ErrTypeNotFound is returned for unknown type names.
	ErrTypeNotFound = errors.New("type not found")
	// ErrLayoutMismatch is returned when a struct is opened as a union or
	// the other way round.
	ErrLayoutMismatch = errors.New("struct/union mismatch")
	// ErrTypeFrozen is returned when adding members to a type that is
	// embedded in another type.
	ErrTypeFrozen = errors.New("type is embedded and cannot change")
)

// Layout selects between structs and unions.
type Layout int

// Layouts. LayoutAny accepts either when opening a type.
const (
	LayoutAny Layout = iota
	LayoutStruct
	LayoutUnion
)

// MemberKind is the kind of value a member holds.
type MemberKind int

// Member kinds.
const (
	MemberWord MemberKind = iota
	MemberPointer
	MemberStruct
)

// Member is a field of a StructType. Size is the size of the whole member,
// Count elements of ElemSize bytes.
type Member struct {
	Name     string
	Offset   uint64
	Size     uint64
	ElemSize uint64
	Count    int
	Kind     MemberKind
	// Struct is the element type of MemberStruct members.
	Struct *StructType
	// Target names the pointed-to type of MemberPointer members, if known.
	Target string
}

// StructType is a structure or union layout.
type StructType struct {
	Name    string
	Union   bool
	members []Member
	size    uint64
	forward bool
	// embedded is set once another type holds this one by value, so its
	// size is fixed from then on.
	embedded bool
}

// TypeLibrary holds the structure types known to an analysis.
type TypeLibrary struct {
	types map[string]*StructType
}

// NewTypeLibrary creates an empty library.
func NewTypeLibrary() *TypeLibrary {
	return &TypeLibrary{types: make(map[string]*StructType)}
}

// Declare forward-declares name. Declaring a known type returns it.
func (l *TypeLibrary) Declare(name string) *StructType {
	if t, ok := l.types[name]; ok {
		return t
	}
	t := &StructType{Name: name, forward: true}
	l.types[name] = t
	return t
}

// Create defines a new struct or union. A forward declaration is completed
// in place so existing references stay valid.
func (l *TypeLibrary) Create(name string, union bool) (*StructType, error) {
	if name == "" {
		return nil, errors.New("empty type name")
	}
	if t, ok := l.types[name]; ok {
		if !t.forward {
			return nil, fmt.Errorf("%w: %s", ErrTypeExists, name)
		}
		t.forward = false
		t.Union = union
		return t, nil
	}
	t := &StructType{Name: name, Union: union}
	l.types[name] = t
	return t, nil
}

// Lookup returns the defined type called name.
func (l *TypeLibrary) Lookup(name string) (*StructType, bool) {
	t, ok := l.types[name]
	if !ok || t.forward {
		return nil, false
	}
	return t, true
}

// Open returns the type called name, creating it if create is set. A layout
// other than LayoutAny must match the existing type.
func (l *TypeLibrary) Open(name string, create bool, layout Layout) (*StructType, error) {
	t, ok := l.Lookup(name)
	if !ok {
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrTypeNotFound, name)
		}
		return l.Create(name, layout == LayoutUnion)
	}
	if layout != LayoutAny && (layout == LayoutUnion) != t.Union {
		return nil, fmt.Errorf("%w: %s", ErrLayoutMismatch, name)
	}
	return t, nil
}

// Size returns the size of the type in bytes.
func (t *StructType) Size() uint64 {
	return t.size
}

// Members returns the members in offset order (declaration order for
// unions).
func (t *StructType) Members() []Member {
	return slices.Clone(t.members)
}

// Member returns the member called name.
func (t *StructType) Member(name string) (Member, bool) {
	i := slices.IndexFunc(t.members, func(m Member) bool { return m.Name == name })
	if i < 0 {
		return Member{}, false
	}
	return t.members[i], true
}

// MemberOffset returns the offset of the member called name. Union members
// are all at offset 0.
func (t *StructType) MemberOffset(name string) (uint64, bool) {
	m, ok := t.Member(name)
	return m.Offset, ok
}

// AddWord adds count integers of size bytes. An offset of -1 appends and is
// required for unions.
func (t *StructType) AddWord(name string, offset int64, size, count int) error {
	if !validWordSize(size) {
		return fmt.Errorf("member %s: %w: %d", name, ErrWordSize, size)
	}
	return t.add(Member{Name: name, ElemSize: uint64(size), Count: count, Kind: MemberWord}, offset)
}

// AddPointer adds count pointers of wordSize bytes to the type called target,
// which may be empty.
func (t *StructType) AddPointer(name string, offset int64, count, wordSize int, target string) error {
	if !validWordSize(wordSize) {
		return fmt.Errorf("member %s: %w: %d", name, ErrWordSize, wordSize)
	}
	return t.add(Member{Name: name, ElemSize: uint64(wordSize), Count: count, Kind: MemberPointer, Target: target}, offset)
}

// AddStruct embeds count instances of member.
func (t *StructType) AddStruct(name string, offset int64, member *StructType, count int) error {
	switch {
	case member == nil:
		return fmt.Errorf("member %s: nil type", name)
	case member.forward:
		return fmt.Errorf("member %s: %s is only declared", name, member.Name)
	case member == t:
		return fmt.Errorf("member %s: %s cannot contain itself", name, t.Name)
	case member.size == 0:
		return fmt.Errorf("member %s: %s is empty", name, member.Name)
	}
	if err := t.add(Member{Name: name, ElemSize: member.size, Count: count, Kind: MemberStruct, Struct: member}, offset); err != nil {
		return err
	}
	member.embedded = true
	return nil
}

func (t *StructType) add(m Member, offset int64) error {
	if t.forward {
		return fmt.Errorf("%s is only declared", t.Name)
	}
	if t.embedded {
		return fmt.Errorf("member %s: %w: %s", m.Name, ErrTypeFrozen, t.Name)
	}
	if m.Name == "" {
		return errors.New("empty member name")
	}
	if m.Count < 1 {
		return fmt.Errorf("member %s: invalid count %d", m.Name, m.Count)
	}
	if _, dup := t.Member(m.Name); dup {
		return fmt.Errorf("member %s: duplicate name in %s", m.Name, t.Name)
	}
	m.Size = m.ElemSize * uint64(m.Count)

	if t.Union {
		if offset != -1 {
			return fmt.Errorf("member %s: union members must be appended", m.Name)
		}
		t.members = append(t.members, m)
		t.size = max(t.size, m.Size)
		return nil
	}

	switch {
	case offset == -1:
		m.Offset = t.size
	case offset < 0:
		return fmt.Errorf("member %s: invalid offset %d", m.Name, offset)
	default:
		m.Offset = uint64(offset)
	}
	for _, other := range t.members {
		if m.Offset < other.Offset+other.Size && other.Offset < m.Offset+m.Size {
			return fmt.Errorf("member %s at 0x%x overlaps %s", m.Name, m.Offset, other.Name)
		}
	}
	i, _ := slices.BinarySearchFunc(t.members, m.Offset, func(o Member, off uint64) int {
		return cmp.Compare(o.Offset, off)
	})
	t.members = slices.Insert(t.members, i, m)
	t.size = max(t.size, m.Offset+m.Size)
	return nil
}

// StructValue is a structure read from an image.
type StructValue struct {
	Type *StructType
	Addr uint64
	// Fields maps member names to uint64 for words and pointers,
	// *StructValue for nested structs, and []any for arrays.
	Fields map[string]any
}

// Size returns the size of the underlying type.
func (v *StructValue) Size() uint64 {
	return v.Type.size
}

// Uint returns the integer member called name.
func (v *StructValue) Uint(name string) (uint64, bool) {
	u, ok := v.Fields[name].(uint64)
	return u, ok
}

// ReadStruct reads a typ at addr. With members given, only those are read.
func ReadStruct(img *Image, addr uint64, typ *StructType, members ...string) (*StructValue, error) {
	if typ == nil || typ.forward {
		return nil, fmt.Errorf("read struct at 0x%x: %w", addr, ErrTypeNotFound)
	}
	v := &StructValue{Type: typ, Addr: addr, Fields: make(map[string]any)}
	for _, m := range typ.members {
		if len(members) > 0 && !slices.Contains(members, m.Name) {
			continue
		}
		base := addr
		if !typ.Union {
			base += m.Offset
		}
		val, err := readMember(img, base, m)
		if err != nil {
			return nil, fmt.Errorf("read %s.%s: %w", typ.Name, m.Name, err)
		}
		v.Fields[m.Name] = val
	}
	return v, nil
}

func readMember(img *Image, addr uint64, m Member) (any, error) {
	if m.Count == 1 {
		return readElem(img, addr, m)
	}
	elems := make([]any, 0, m.Count)
	for i := range m.Count {
		e, err := readElem(img, addr+uint64(i)*m.ElemSize, m)
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
	}
	return elems, nil
}

func readElem(img *Image, addr uint64, m Member) (any, error) {
	if m.Kind == MemberStruct {
		return ReadStruct(img, addr, m.Struct)
	}
	return img.ReadWord(addr, int(m.ElemSize))
}
