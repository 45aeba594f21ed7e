package refunc

// ItemKind classifies an item.
type ItemKind int

// Item kinds. Addresses without an item are unexplored.
const (
	ItemCode ItemKind = iota + 1
	ItemData
)

func (k ItemKind) String() string {
	switch k {
	case ItemCode:
		return "code"
	case ItemData:
		return "data"
	default:
		return "unexplored"
	}
}

// Item is the smallest classified unit of the database.
type Item struct {
	Addr uint64
	Size uint64
	Kind ItemKind
}

// End returns the address following the item.
func (it Item) End() uint64 {
	return it.Addr + it.Size
}

func (it Item) bounds() (uint64, uint64) {
	return it.Addr, it.End()
}

// ItemAt returns the item containing addr.
func (db *Database) ItemAt(addr uint64) (Item, bool) {
	i, ok := db.items.find(addr)
	if !ok {
		return Item{}, false
	}
	return db.items.entries[i], true
}

// ItemEnd returns the end of the item containing addr. An unexplored byte is
// its own one-byte item.
func (db *Database) ItemEnd(addr uint64) uint64 {
	if it, ok := db.ItemAt(addr); ok {
		return it.End()
	}
	return addr + 1
}

// MakeData classifies size bytes at addr as data.
func (db *Database) MakeData(addr, size uint64) bool {
	if size == 0 {
		return false
	}
	if ok, _ := db.img.IsMapped(addr, size, false); !ok {
		return false
	}
	return db.items.insert(Item{Addr: addr, Size: size, Kind: ItemData})
}

// MakeInstruction decodes the instruction at addr and classifies its bytes
// as code. It fails if the bytes do not decode or another item is in the
// way.
func (db *Database) MakeInstruction(addr uint64) bool {
	if it, ok := db.ItemAt(addr); ok && it.Addr == addr && it.Kind == ItemCode {
		return true
	}
	insn, err := db.img.DecodeAt(addr)
	if err != nil {
		db.logger.Debug().Err(err).Msg("Cannot make instruction")
		return false
	}
	return db.items.insert(Item{Addr: addr, Size: uint64(insn.Len), Kind: ItemCode})
}

// UndefineItems removes items starting in [start, end). With expand set,
// items that merely intersect the range go too.
func (db *Database) UndefineItems(start, end uint64, expand bool) {
	if end <= start {
		end = start + 1
	}
	lo, hi := db.items.overlapping(start, end)
	if !expand {
		for lo < hi && db.items.entries[lo].Addr < start {
			lo++
		}
	}
	if lo < hi {
		db.items.deleteRange(lo, hi)
	}
}

// markCode classifies every instruction in [start, end) as code, leaving
// existing items alone.
func (db *Database) markCode(start, end uint64) {
	for insn := range db.img.Instructions(start, end) {
		db.items.insert(Item{Addr: insn.Addr, Size: uint64(insn.Len), Kind: ItemCode})
	}
}
