package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cNameHitch/gitr-sub005/pkg/object"
)

var repoDir string

func main() {
	root := &cobra.Command{
		Use:   "gitr",
		Short: "Content-addressable object store and pack engine",
	}
	root.PersistentFlags().StringVar(&repoDir, "repo", ".gitr", "store directory")

	root.AddCommand(newInitCmd())
	root.AddCommand(newHashObjectCmd())
	root.AddCommand(newCatFileCmd())
	root.AddCommand(newGcCmd())
	root.AddCommand(newVerifyCmd())
	root.AddCommand(newRevParseCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configPath() string {
	return filepath.Join(repoDir, "config.toml")
}

// openStore loads the store config once and opens the database with it.
func openStore() (*object.Store, error) {
	cfg, err := object.LoadConfig(configPath())
	if err != nil {
		return nil, err
	}
	return object.Open(repoDir, cfg)
}
