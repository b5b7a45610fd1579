package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check integrity of every loose object and pack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			summary, err := s.Verify()
			if err != nil {
				return err
			}
			fmt.Fprintf(
				cmd.OutOrStdout(),
				"ok: %d loose object(s), %d packed object(s) in %d pack(s)\n",
				summary.LooseObjects,
				summary.PackObjects,
				summary.PackFiles,
			)
			return nil
		},
	}
}
