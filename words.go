package refunc

import (
	"bytes"
	"iter"
)

// ReadWords iterates over the words in [start, end), yielding each word's
// address and value. It stops at the first word that cannot be read. A zero
// wordSize means the image word size; a zero step means wordSize.
func (img *Image) ReadWords(start, end, step uint64, wordSize int) iter.Seq2[uint64, uint64] {
	if wordSize == 0 {
		wordSize = img.WordSize
	}
	if step == 0 {
		step = uint64(wordSize)
	}
	return func(yield func(uint64, uint64) bool) {
		addrs, err := Addresses(AddressRange{Start: start, End: end, Step: step})
		if err != nil {
			return
		}
		for addr := range addrs {
			word, err := img.ReadWord(addr, wordSize)
			if err != nil || !yield(addr, word) {
				return
			}
		}
	}
}

// WindowWords slides a window of size consecutive words over [start, end),
// yielding the address of the first word in the window and the window
// itself. The window slice is reused between iterations. Nothing is yielded
// if fewer than size words can be read.
func (img *Image) WindowWords(start, end uint64, size, wordSize int) iter.Seq2[uint64, []uint64] {
	if wordSize == 0 {
		wordSize = img.WordSize
	}
	return func(yield func(uint64, []uint64) bool) {
		if size < 1 {
			return
		}
		window := make([]uint64, 0, size)
		addr := start
		for _, word := range img.ReadWords(start, end, uint64(wordSize), wordSize) {
			if len(window) < size {
				window = append(window, word)
				if len(window) < size {
					continue
				}
			} else {
				copy(window, window[1:])
				window[size-1] = word
				addr += uint64(wordSize)
			}
			if !yield(addr, window) {
				return
			}
		}
	}
}

// NullTerminated returns the C string at the start of b.
func NullTerminated(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
