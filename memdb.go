package refunc

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/rs/zerolog"
)

// DefaultWalkLimit bounds the number of instructions FunctionEnd decodes.
const DefaultWalkLimit = 1 << 16

// ownedChunk is a chunk tagged with the entry of the function owning it.
type ownedChunk struct {
	Chunk
	entry uint64
}

func (c ownedChunk) bounds() (uint64, uint64) {
	return c.Start, c.End
}

// Database is an in-memory AnalysisDatabase over an Image. It classifies
// bytes into items and groups code into functions made of chunks. A
// Database is not safe for concurrent use.
type Database struct {
	img       *Image
	logger    zerolog.Logger
	walkLimit int

	items  spanSet[Item]
	chunks spanSet[ownedChunk]
	funcs  map[uint64][]Chunk

	names  map[uint64]nameEntry
	byName map[string]uint64
}

// DatabaseOption configures a Database.
type DatabaseOption func(*Database)

// WithDatabaseLogger sets the database logger.
func WithDatabaseLogger(logger zerolog.Logger) DatabaseOption {
	return func(db *Database) {
		db.logger = logger
	}
}

// WithWalkLimit bounds the instructions decoded while looking for a
// function end. Values below 1 are ignored.
func WithWalkLimit(n int) DatabaseOption {
	return func(db *Database) {
		if n > 0 {
			db.walkLimit = n
		}
	}
}

// NewDatabase creates a database over img, seeded with the functions and
// names in the image's symbol table.
func NewDatabase(img *Image, opts ...DatabaseOption) *Database {
	db := &Database{
		img:       img,
		logger:    zerolog.Nop(),
		walkLimit: DefaultWalkLimit,
		funcs:     make(map[uint64][]Chunk),
		names:     make(map[uint64]nameEntry),
		byName:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(db)
	}

	for _, sym := range img.Symbols {
		if sym.Name != "" {
			db.SetName(sym.Addr, sym.Name, NameOptions{Auto: true})
		}
		if !sym.Func || sym.Size == 0 {
			continue
		}
		if err := db.AddFunction(sym.Addr, sym.Addr+sym.Size); err != nil {
			db.logger.Debug().Err(err).Str("symbol", sym.Name).Msg("Skipping function symbol")
		}
	}
	db.logger.Debug().Int("functions", len(db.funcs)).Int("names", len(db.names)).Msg("Database seeded")
	return db
}

// Image returns the image the database describes.
func (db *Database) Image() *Image {
	return db.img
}

// AddFunction registers a function occupying [start, end) without flow
// analysis.
func (db *Database) AddFunction(start, end uint64) error {
	if end <= start {
		return fmt.Errorf("function at 0x%x: empty range", start)
	}
	if ok, _ := db.img.IsMapped(start, end-start, false); !ok {
		return fmt.Errorf("function [0x%x-0x%x): %w", start, end, ErrUnmapped)
	}
	if !db.chunks.insert(ownedChunk{Chunk: Chunk{Start: start, End: end}, entry: start}) {
		return fmt.Errorf("function [0x%x-0x%x) overlaps an existing chunk", start, end)
	}
	db.funcs[start] = []Chunk{{Start: start, End: end}}
	return nil
}

// AppendChunk attaches [start, end) as a tail chunk of the function owning
// funcAddr.
func (db *Database) AppendChunk(funcAddr, start, end uint64) error {
	entry, ok := db.OwningFunction(funcAddr)
	if !ok {
		return fmt.Errorf("no function at 0x%x", funcAddr)
	}
	if end <= start {
		return fmt.Errorf("chunk at 0x%x: empty range", start)
	}
	c := Chunk{Start: start, End: end}
	if !db.chunks.insert(ownedChunk{Chunk: c, entry: entry}) {
		return fmt.Errorf("chunk %s overlaps an existing chunk", c)
	}
	chunks := db.funcs[entry]
	i, _ := slices.BinarySearchFunc(chunks[1:], start, func(c Chunk, a uint64) int {
		return cmp.Compare(c.Start, a)
	})
	db.funcs[entry] = slices.Insert(chunks, i+1, c)
	return nil
}

// FunctionEnd walks the control flow falling through from addr until it
// leaves the function.
func (db *Database) FunctionEnd(addr uint64) (uint64, bool) {
	pc := addr
	for range db.walkLimit {
		if pc != addr {
			if _, ok := db.funcs[pc]; ok {
				return pc, true
			}
		}
		if !db.img.loaded(pc) {
			return 0, false
		}
		if it, ok := db.ItemAt(pc); ok && (it.Kind == ItemData || it.Addr != pc) {
			return it.Addr, false
		}

		insn, err := db.img.DecodeAt(pc)
		if err != nil {
			return pc, false
		}
		if it, ok := db.blockingItem(insn); ok {
			return it.Addr, false
		}
		if insn.Terminates() {
			return insn.End(), true
		}
		pc = insn.End()
	}
	db.logger.Debug().Str("addr", fmtAddr(addr)).Int("limit", db.walkLimit).Msg("Function walk limit reached")
	return 0, false
}

// blockingItem returns an item that insn overlaps without being it. A code
// item starting inside insn would only be recreated where it is, so insn
// itself is reported instead.
func (db *Database) blockingItem(insn Instruction) (Item, bool) {
	lo, hi := db.items.overlapping(insn.Addr, insn.End())
	for _, it := range db.items.entries[lo:hi] {
		switch {
		case it.Kind == ItemData:
			return it, true
		case it.Addr > insn.Addr:
			return Item{Addr: insn.Addr, Size: uint64(insn.Len), Kind: ItemCode}, true
		case it.Addr != insn.Addr:
			return it, true
		}
	}
	return Item{}, false
}

// CreateFunction creates a function at addr spanning the flow walk from it.
func (db *Database) CreateFunction(addr uint64) bool {
	if _, ok := db.OwningFunction(addr); ok {
		return false
	}
	end, ok := db.FunctionEnd(addr)
	if !ok {
		return false
	}
	if err := db.AddFunction(addr, end); err != nil {
		db.logger.Debug().Err(err).Msg("Cannot create function")
		return false
	}
	db.markCode(addr, end)
	return true
}

// DeleteFunction deletes the function owning addr.
func (db *Database) DeleteFunction(addr uint64) bool {
	entry, ok := db.OwningFunction(addr)
	if !ok {
		return false
	}
	for _, c := range db.funcs[entry] {
		db.chunks.remove(c.Start)
	}
	delete(db.funcs, entry)
	return true
}

// DetachChunk removes the tail chunk containing chunkAddr from the function
// owning funcAddr.
func (db *Database) DetachChunk(funcAddr, chunkAddr uint64) bool {
	entry, ok := db.OwningFunction(funcAddr)
	if !ok {
		return false
	}
	chunks := db.funcs[entry]
	i := slices.IndexFunc(chunks, func(c Chunk) bool { return c.Contains(chunkAddr) })
	if i < 1 {
		return false
	}
	db.chunks.remove(chunks[i].Start)
	db.funcs[entry] = slices.Delete(chunks, i, i+1)
	return true
}

// Chunks returns the chunks of the function owning funcAddr, entry chunk
// first.
func (db *Database) Chunks(funcAddr uint64) []Chunk {
	entry, ok := db.OwningFunction(funcAddr)
	if !ok {
		return nil
	}
	return slices.Clone(db.funcs[entry])
}

// OwningFunction returns the entry of the function whose chunks contain addr.
func (db *Database) OwningFunction(addr uint64) (uint64, bool) {
	i, ok := db.chunks.find(addr)
	if !ok {
		return 0, false
	}
	return db.chunks.entries[i].entry, true
}

// Functions returns every function entry in address order.
func (db *Database) Functions() []uint64 {
	return slices.Sorted(maps.Keys(db.funcs))
}
