package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maxgio92/refunc"
)

func newFunctionsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "functions <binary>",
		Short: "List the functions known to the analysis database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := root.openDatabase(args[0])
			if err != nil {
				return err
			}

			table := newTable(cmd.OutOrStdout(), "Address", "Name", "Size", "Chunks")
			entries := db.Functions()
			for _, entry := range entries {
				chunks := db.Chunks(entry)
				table.Append([]string{hexAddr(entry), db.Name(entry), fmt.Sprint(totalSize(chunks)), formatChunks(chunks)})
			}
			table.SetFooter([]string{fmt.Sprintf("Total %d", len(entries)), "", "", ""})
			table.Render()
			return nil
		},
	}
}

func totalSize(chunks []refunc.Chunk) uint64 {
	var n uint64
	for _, c := range chunks {
		n += c.Size()
	}
	return n
}

func newDetectCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "detect <binary>",
		Short: "List function candidates found by prologue and call site analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := root.openDatabase(args[0])
			if err != nil {
				return err
			}
			candidates, err := refunc.DetectFunctionsInImage(db.Image())
			if err != nil {
				return fmt.Errorf("failed to detect functions: %w", err)
			}

			table := newTable(cmd.OutOrStdout(), "Address", "Name", "Detection", "Prologue", "Confidence", "Known")
			for _, c := range candidates {
				known := "no"
				if entry, ok := db.OwningFunction(c.Address); ok && entry == c.Address {
					known = "yes"
				}
				table.Append([]string{
					hexAddr(c.Address),
					db.Name(c.Address),
					string(c.DetectionType),
					string(c.PrologueType),
					string(c.Confidence),
					known,
				})
			}
			table.Render()
			return nil
		},
	}
}
