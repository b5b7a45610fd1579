package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cNameHitch/gitr-sub005/pkg/object"
)

func newHashObjectCmd() *cobra.Command {
	var (
		write    bool
		typeName string
	)

	cmd := &cobra.Command{
		Use:   "hash-object <file>",
		Short: "Compute an object hash, optionally storing the object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			s, err := openStore()
			if err != nil {
				return err
			}

			objType := object.ObjectType(typeName)
			var h object.Hash
			if write {
				// The caller holds exact canonical bytes, so this skips the
				// object model entirely.
				h, err = s.WriteRaw(objType, data)
				if err != nil {
					return err
				}
			} else {
				h = object.HashObject(s.Config().Algorithm, objType, data)
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&write, "write", "w", false, "store the object, not just hash it")
	cmd.Flags().StringVarP(&typeName, "type", "t", string(object.TypeBlob), "object type")
	return cmd
}
