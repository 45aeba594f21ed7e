package refunc

import (
	"errors"
	"fmt"
	"iter"
	"math"
)

// AlignmentError reports a range end that does not fall on an element
// boundary.
type AlignmentError struct {
	Addr uint64
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("address 0x%x is not aligned to the iteration step", e.Addr)
}

// AddressRange describes the elements of an address range. Exactly one of
// End and Length is needed; if both are set they must agree. A Length of 0
// is an empty range.
type AddressRange struct {
	Start uint64
	// End is exclusive.
	End uint64
	// Step is the element size.
	Step uint64
	// Length counts elements of Step bytes. Nil means not given.
	Length *uint64
	// Partial yields a trailing element that only partly fits, or, when
	// checking mappings, an element with only one mapped end.
	Partial bool
	// Aligned makes an end that is not on an element boundary an error.
	Aligned bool
}

func (r AddressRange) end() (uint64, error) {
	if r.Step < 1 {
		return 0, fmt.Errorf("invalid step: %d", r.Step)
	}
	if r.Length != nil {
		n := *r.Length
		if n > 0 && (math.MaxUint64-r.Start)/r.Step < n {
			return 0, fmt.Errorf("invalid range: %d elements of %d bytes overflow from 0x%x", n, r.Step, r.Start)
		}
		end := r.Start + n*r.Step
		if r.End != 0 && r.End != end {
			return 0, fmt.Errorf("invalid range: start=0x%x end=0x%x step=%d length=%d",
				r.Start, r.End, r.Step, n)
		}
		return end, nil
	}
	if r.End == 0 {
		return 0, errors.New("invalid range: neither end nor length given")
	}
	if r.End < r.Start {
		return 0, fmt.Errorf("invalid range: end 0x%x before start 0x%x", r.End, r.Start)
	}
	return r.End, nil
}

// Addresses iterates over the element addresses of r. Argument errors are
// returned up front. An unaligned end with r.Aligned set ends the sequence
// with an *AlignmentError.
func Addresses(r AddressRange) (iter.Seq2[uint64, error], error) {
	end, err := r.end()
	if err != nil {
		return nil, err
	}
	return func(yield func(uint64, error) bool) {
		addr := r.Start
		for ; addr < end && end-addr >= r.Step; addr += r.Step {
			if !yield(addr, nil) {
				return
			}
		}
		if addr == end {
			return
		}
		if r.Aligned {
			yield(0, &AlignmentError{Addr: end})
			return
		}
		if addr < end && r.Partial {
			yield(addr, nil)
		}
	}, nil
}

// MappedAddresses is Addresses restricted to elements whose first and last
// byte have a static value. Iteration stops at the first element that is
// not mapped unless allowUnmapped is set, in which case it is skipped.
func (img *Image) MappedAddresses(r AddressRange, allowUnmapped bool) (iter.Seq2[uint64, error], error) {
	addrs, err := Addresses(r)
	if err != nil {
		return nil, err
	}
	return func(yield func(uint64, error) bool) {
		for addr, err := range addrs {
			if err != nil {
				yield(0, err)
				return
			}
			first := img.loaded(addr)
			last := img.loaded(addr + r.Step - 1)
			if (first && last) || (r.Partial && (first || last)) {
				if !yield(addr, nil) {
					return
				}
				continue
			}
			if !allowUnmapped {
				return
			}
		}
	}, nil
}
