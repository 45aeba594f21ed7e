package refunc

import (
	"github.com/rs/zerolog"
)

// Default bounds for the repair loops.
const (
	DefaultMaxBoundaryIterations = 256
	DefaultMaxDetachAttempts     = 1024
)

// Outcome is the result of a repair attempt.
type Outcome int

// Repair outcomes, from least to most invasive.
const (
	OutcomeFailed Outcome = iota
	OutcomeAlreadyFunction
	OutcomeCreated
	OutcomeRecreated
	OutcomeRolledBack
)

// Succeeded reports whether the address is a function start afterwards.
func (o Outcome) Succeeded() bool {
	return o == OutcomeAlreadyFunction || o == OutcomeCreated || o == OutcomeRecreated
}

func (o Outcome) String() string {
	switch o {
	case OutcomeAlreadyFunction:
		return "already-function"
	case OutcomeCreated:
		return "created"
	case OutcomeRecreated:
		return "recreated"
	case OutcomeRolledBack:
		return "rolled-back"
	default:
		return "failed"
	}
}

// Repairer coerces an AnalysisDatabase into recognizing function starts it
// has misclassified.
type Repairer struct {
	db                    AnalysisDatabase
	logger                zerolog.Logger
	maxBoundaryIterations int
	maxDetachAttempts     int
}

// Option configures a Repairer.
type Option func(*Repairer)

// WithLogger sets the logger used to report corrective actions.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Repairer) {
		r.logger = logger
	}
}

// WithMaxBoundaryIterations bounds the undefine/redefine rounds spent
// resolving a function's end. Values below 1 are ignored.
func WithMaxBoundaryIterations(n int) Option {
	return func(r *Repairer) {
		if n > 0 {
			r.maxBoundaryIterations = n
		}
	}
}

// WithMaxDetachAttempts bounds how many times the chunk at the target address
// is detached from its owner. Values below 1 are ignored.
func WithMaxDetachAttempts(n int) Option {
	return func(r *Repairer) {
		if n > 0 {
			r.maxDetachAttempts = n
		}
	}
}

// NewRepairer creates a Repairer operating on db.
func NewRepairer(db AnalysisDatabase, opts ...Option) *Repairer {
	r := &Repairer{
		db:                    db,
		logger:                zerolog.Nop(),
		maxBoundaryIterations: DefaultMaxBoundaryIterations,
		maxDetachAttempts:     DefaultMaxDetachAttempts,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsFunctionStart reports whether addr is the entry of a function.
func (r *Repairer) IsFunctionStart(addr uint64) bool {
	entry, ok := r.db.OwningFunction(addr)
	return ok && entry == addr
}

// EnsureFunction makes addr a function start if it is not one already and
// reports whether it is one afterwards.
func (r *Repairer) EnsureFunction(addr uint64) bool {
	return r.Repair(addr).Succeeded()
}

// EnsureFunctions repairs each address in order.
func (r *Repairer) EnsureFunctions(addrs []uint64) map[uint64]Outcome {
	out := make(map[uint64]Outcome, len(addrs))
	for _, addr := range addrs {
		out[addr] = r.Repair(addr)
	}
	return out
}

// Repair runs the fallback chain for addr: resolve the function end (fixing
// misclassified instructions) or detach addr's chunk from its owner, create
// the function, and as a last resort delete the owner, create both functions
// and roll back if that does not hold.
func (r *Repairer) Repair(addr uint64) Outcome {
	if r.IsFunctionStart(addr) {
		return OutcomeAlreadyFunction
	}

	log := r.logger.With().Str("addr", fmtAddr(addr)).Logger()

	// Restored if everything goes wrong.
	orig, hasOrig := r.db.OwningFunction(addr)

	if blocker, ok := r.db.FunctionEnd(addr); !ok {
		if !r.recoverInstructions(log, addr, blocker) {
			r.restore(log, orig, hasOrig)
			return OutcomeFailed
		}
	} else {
		r.detach(log, addr)
	}

	if r.db.CreateFunction(addr) {
		log.Debug().Msg("Created function")
		return OutcomeCreated
	}
	if !hasOrig {
		log.Debug().Msg("Could not create function and no original function to displace")
		return OutcomeFailed
	}
	return r.replace(log, addr, orig)
}

// recoverInstructions undefines the item blocking the function end at addr
// and redefines it as an instruction until the end resolves.
func (r *Repairer) recoverInstructions(log zerolog.Logger, addr, blocker uint64) bool {
	for range r.maxBoundaryIterations {
		if blocker == 0 || blocker == BadAddr {
			log.Debug().Msg("Could not find unrecognized instructions for function")
			return false
		}

		end := r.db.ItemEnd(blocker)
		log.Debug().Str("start", fmtAddr(blocker)).Str("end", fmtAddr(end)).Msg("Undefining item")
		r.db.UndefineItems(blocker, end, true)
		if !r.db.MakeInstruction(blocker) {
			log.Debug().Str("item", fmtAddr(blocker)).Msg("Could not convert data to instruction")
			return false
		}

		var ok bool
		if blocker, ok = r.db.FunctionEnd(addr); ok {
			return true
		}
	}
	log.Debug().Int("iterations", r.maxBoundaryIterations).Msg("Function end still unresolved")
	return false
}

// detach removes addr's chunk from whichever function owns it. The engine
// may hand the chunk to another function, so repeat until nothing is left.
func (r *Repairer) detach(log zerolog.Logger, addr uint64) {
	for i := range r.maxDetachAttempts {
		if !r.db.DetachChunk(addr, addr) {
			if i > 0 {
				log.Debug().Int("detached", i).Msg("Detached chunk")
			}
			return
		}
	}
	log.Debug().Int("attempts", r.maxDetachAttempts).Msg("Chunk still attached")
}

// replace deletes orig, creates the function at addr and recreates orig.
// All chunks orig owned must end up owned by some function, otherwise the
// change is rolled back.
func (r *Repairer) replace(log zerolog.Logger, addr, orig uint64) Outcome {
	chunks := r.db.Chunks(orig)
	log = log.With().Str("orig", fmtAddr(orig)).Logger()
	log.Info().Int("chunks", len(chunks)).Msg("Displacing original function")

	if !r.db.DeleteFunction(orig) {
		log.Debug().Msg("Could not delete original function")
		return OutcomeFailed
	}

	if r.db.CreateFunction(addr) && r.db.CreateFunction(orig) && r.allOwned(chunks) {
		return OutcomeRecreated
	}

	r.rollback(log, orig, chunks)
	return OutcomeRolledBack
}

func (r *Repairer) allOwned(chunks []Chunk) bool {
	for _, c := range chunks {
		if _, ok := r.db.OwningFunction(c.Start); !ok {
			return false
		}
	}
	return true
}

// rollback deletes whatever owns orig's former chunks and recreates orig.
// Chunk ownership is not restored explicitly; whatever the engine attaches
// when recreating orig is what it gets.
func (r *Repairer) rollback(log zerolog.Logger, orig uint64, chunks []Chunk) {
	for _, c := range chunks {
		if !r.db.DeleteFunction(c.Start) {
			log.Debug().Str("chunk", c.String()).Msg("Nothing to delete at chunk")
		}
	}
	log.Warn().Msg("Trying to restore original function")
	if !r.db.CreateFunction(orig) {
		log.Warn().Msg("Could not restore original function")
	}
}

// restore recreates orig if it no longer exists.
func (r *Repairer) restore(log zerolog.Logger, orig uint64, hasOrig bool) {
	if !hasOrig || r.IsFunctionStart(orig) {
		return
	}
	log.Warn().Str("orig", fmtAddr(orig)).Msg("Trying to restore original function")
	if !r.db.CreateFunction(orig) {
		log.Warn().Str("orig", fmtAddr(orig)).Msg("Could not restore original function")
	}
}
