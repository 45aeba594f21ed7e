package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type wordsOptions struct {
	end  string
	size int
	step uint64
}

func newWordsCmd(root *rootOptions) *cobra.Command {
	opts := &wordsOptions{}

	cmd := &cobra.Command{
		Use:   "words <binary> <address|symbol>",
		Short: "Dump words and the symbols they point to",
		Long: `Words reads the words in [address, --end) and names the ones whose value
is a known symbol, which makes pointer tables such as vtables readable.
Reading stops at the first word without static data.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := root.openDatabase(args[0])
			if err != nil {
				return err
			}
			start, err := resolveAddr(db, args[1])
			if err != nil {
				return err
			}
			end, err := resolveAddr(db, opts.end)
			if err != nil {
				return err
			}
			if end <= start {
				return fmt.Errorf("end 0x%x is not after start 0x%x", end, start)
			}
			switch opts.size {
			case 0, 1, 2, 4, 8:
			default:
				return fmt.Errorf("invalid --size %d: must be 1, 2, 4 or 8", opts.size)
			}

			table := newTable(cmd.OutOrStdout(), "Address", "Value", "Symbol")
			var n int
			for addr, word := range db.Image().ReadWords(start, end, opts.step, opts.size) {
				table.Append([]string{hexAddr(addr), hexAddr(word), db.Name(word)})
				n++
			}
			if n == 0 {
				return fmt.Errorf("no readable word at 0x%x", start)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.end, "end", "", "stop before this address or symbol")
	cmd.Flags().IntVar(&opts.size, "size", 0, "word size in bytes (default: image word size)")
	cmd.Flags().Uint64Var(&opts.step, "step", 0, "distance between words (default: word size)")
	_ = cmd.MarkFlagRequired("end")

	return cmd
}
