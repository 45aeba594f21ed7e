package refunc

import "fmt"

// Chunk is a contiguous [Start, End) address range owned by a function.
type Chunk struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Contains reports whether addr falls within the chunk.
func (c Chunk) Contains(addr uint64) bool {
	return addr >= c.Start && addr < c.End
}

// Size returns the number of bytes covered by the chunk.
func (c Chunk) Size() uint64 {
	return c.End - c.Start
}

func (c Chunk) String() string {
	return fmt.Sprintf("[0x%x-0x%x)", c.Start, c.End)
}

// AnalysisDatabase is the function and item table of an analysis engine.
// Implementations own all state; callers must not issue overlapping calls.
type AnalysisDatabase interface {
	// FunctionEnd computes the end of a function starting at addr. When the
	// bounds cannot be determined, ok is false and end is the start of the
	// item that blocked the computation, or 0 if there is none to blame.
	FunctionEnd(addr uint64) (end uint64, ok bool)

	// ItemEnd returns the end of the item containing addr.
	ItemEnd(addr uint64) uint64

	// UndefineItems removes the items in [start, end). With expand set,
	// items only partially inside the range are removed as well.
	UndefineItems(start, end uint64, expand bool)

	// MakeInstruction classifies addr as the start of an instruction.
	MakeInstruction(addr uint64) bool

	// DetachChunk removes the chunk containing chunkAddr from the function
	// owning funcAddr. It returns false if there is no such chunk.
	DetachChunk(funcAddr, chunkAddr uint64) bool

	// CreateFunction creates a function whose entry is addr.
	CreateFunction(addr uint64) bool

	// DeleteFunction deletes the function owning addr.
	DeleteFunction(addr uint64) bool

	// Chunks lists the chunks of the function owning funcAddr, entry chunk
	// first.
	Chunks(funcAddr uint64) []Chunk

	// OwningFunction returns the entry of the function owning addr.
	OwningFunction(addr uint64) (entry uint64, ok bool)
}

func fmtAddr(addr uint64) string {
	return fmt.Sprintf("0x%x", addr)
}
