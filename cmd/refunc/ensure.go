package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maxgio92/refunc"
)

type ensureOptions struct {
	candidates    bool
	minConfidence string
}

func newEnsureCmd(root *rootOptions) *cobra.Command {
	opts := &ensureOptions{}

	cmd := &cobra.Command{
		Use:   "ensure <binary> [address|symbol...]",
		Short: "Make addresses function starts",
		Long: `Ensure makes every given address the start of a function in the analysis
database, and prints the outcome for each one.

With --candidates, the entry points found by prologue and call site
analysis are repaired as well.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnsure(cmd, root, opts, args[0], args[1:])
		},
	}
	cmd.Flags().BoolVar(&opts.candidates, "candidates", false, "also repair detected function candidates")
	cmd.Flags().StringVar(&opts.minConfidence, "min-confidence", string(refunc.ConfidenceHigh),
		"lowest candidate confidence to repair (high, medium)")

	return cmd
}

func runEnsure(cmd *cobra.Command, root *rootOptions, opts *ensureOptions, path string, targets []string) error {
	if len(targets) == 0 && !opts.candidates {
		return errors.New("no addresses given; pass addresses or --candidates")
	}
	accept, err := confidenceFilter(opts.minConfidence)
	if err != nil {
		return err
	}

	db, err := root.openDatabase(path)
	if err != nil {
		return err
	}

	addrs := make([]uint64, 0, len(targets))
	for _, t := range targets {
		addr, err := resolveAddr(db, t)
		if err != nil {
			return err
		}
		addrs = append(addrs, addr)
	}

	if opts.candidates {
		candidates, err := refunc.DetectFunctionsInImage(db.Image())
		if err != nil {
			return fmt.Errorf("failed to detect functions: %w", err)
		}
		var n int
		for _, c := range candidates {
			if accept(c.Confidence) {
				addrs = append(addrs, c.Address)
				n++
			}
		}
		root.logger.Info().Int("candidates", n).Int("detected", len(candidates)).Msg("Selected candidates")
	}

	addrs = dedup(addrs)
	outcomes := root.newRepairer(db).EnsureFunctions(addrs)

	table := newTable(cmd.OutOrStdout(), "Address", "Name", "Outcome", "Chunks")
	var ok int
	for _, addr := range addrs {
		outcome := outcomes[addr]
		if outcome.Succeeded() {
			ok++
		}
		table.Append([]string{hexAddr(addr), db.Name(addr), outcome.String(), formatChunks(db.Chunks(addr))})
	}
	table.SetFooter([]string{fmt.Sprintf("Total %d", len(addrs)), "", fmt.Sprintf("%d ok", ok), ""})
	table.Render()

	if ok < len(addrs) {
		root.logger.Warn().Int("failed", len(addrs)-ok).Msg("Some addresses are not function starts")
	}
	return nil
}

func confidenceFilter(level string) (func(refunc.Confidence) bool, error) {
	switch refunc.Confidence(level) {
	case refunc.ConfidenceHigh:
		return func(c refunc.Confidence) bool { return c == refunc.ConfidenceHigh }, nil
	case refunc.ConfidenceMedium:
		return func(c refunc.Confidence) bool {
			return c == refunc.ConfidenceHigh || c == refunc.ConfidenceMedium
		}, nil
	default:
		return nil, fmt.Errorf("invalid --min-confidence %q: must be high or medium", level)
	}
}

// dedup drops repeated addresses, keeping the first occurrence.
func dedup(addrs []uint64) []uint64 {
	seen := make(map[uint64]bool, len(addrs))
	out := addrs[:0]
	for _, a := range addrs {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}
