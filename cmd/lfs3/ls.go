package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lfs3-go/lfs3"
)

func init() {
	mounted = append(mounted, subcommand{
		Command: cobra.Command{
			Use:   "ls [path]",
			Short: "List a directory's entries",
			Args:  cobra.MaximumNArgs(1),
		},
		RunE: func(fsys *lfs3.FS, cmd *cobra.Command, args []string) error {
			p := "/"
			if len(args) > 0 {
				p = args[0]
			}
			dir, err := fsys.OpenDir(p)
			if err != nil {
				return err
			}
			defer dir.Close()

			for {
				info, ok, err := dir.Read()
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				kind := "reg"
				if info.IsDir {
					kind = "dir"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-4s %8d  %s\n", kind, info.Size, info.Name)
			}
		},
	})
}
