package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cNameHitch/gitr-sub005/pkg/object"
)

func newInitCmd() *cobra.Command {
	var algorithm string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an empty object store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(repoDir, 0o755); err != nil {
				return fmt.Errorf("init: %w", err)
			}
			cfg := object.DefaultConfig()
			cfg.Algorithm = object.HashAlgorithm(algorithm)
			if err := object.WriteConfig(configPath(), cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized empty store in %s (%s)\n", repoDir, cfg.Algorithm)
			return nil
		},
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", string(object.AlgoSHA256), "hash algorithm (sha1 or sha256)")
	return cmd
}
