package main

import (
	"encoding/hex"
	"fmt"
	"iter"

	"github.com/spf13/cobra"

	"github.com/maxgio92/refunc"
)

const defaultDisasmCount = 16

type disasmOptions struct {
	count int
	end   string
}

func newDisasmCmd(root *rootOptions) *cobra.Command {
	opts := &disasmOptions{}

	cmd := &cobra.Command{
		Use:   "disasm <binary> <address|symbol>",
		Short: "Disassemble instructions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := root.openDatabase(args[0])
			if err != nil {
				return err
			}
			start, err := resolveAddr(db, args[1])
			if err != nil {
				return err
			}

			img := db.Image()
			var insns iter.Seq[refunc.Instruction]
			if opts.end != "" {
				end, err := resolveAddr(db, opts.end)
				if err != nil {
					return err
				}
				if end <= start {
					return fmt.Errorf("end 0x%x is not after start 0x%x", end, start)
				}
				insns = img.Instructions(start, end)
			} else {
				if opts.count < 1 {
					return fmt.Errorf("invalid --count %d", opts.count)
				}
				insns = img.InstructionsN(start, opts.count)
			}

			table := newTable(cmd.OutOrStdout(), "Address", "Bytes", "Instruction", "Function")
			var n int
			for insn := range insns {
				owner := ""
				if entry, ok := db.OwningFunction(insn.Addr); ok {
					owner = db.Name(entry)
					if owner == "" {
						owner = hexAddr(entry)
					}
				}
				table.Append([]string{
					hexAddr(insn.Addr),
					hex.EncodeToString(img.Bytes(insn.Addr, insn.Len)),
					insn.Text,
					owner,
				})
				n++
			}
			if n == 0 {
				return fmt.Errorf("no instruction decoded at 0x%x", start)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&opts.count, "count", "n", defaultDisasmCount, "number of instructions")
	cmd.Flags().StringVar(&opts.end, "end", "", "stop before this address or symbol")
	cmd.MarkFlagsMutuallyExclusive("count", "end")

	return cmd
}
