package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Pack loose objects into a pack file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			summary, err := s.GC()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if summary.PackedObjects == 0 {
				fmt.Fprintln(out, "nothing to pack")
				return nil
			}
			fmt.Fprintf(
				out,
				"packed %d loose object(s), %d as deltas, into %s (%s)\n",
				summary.PackedObjects,
				summary.DeltaObjects,
				summary.PackFile,
				summary.IndexFile,
			)
			return nil
		},
	}
}
