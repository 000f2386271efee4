package main

import (
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/lfs3-go/lfs3"
	"github.com/lfs3-go/lfs3/lib/textui"
)

func init() {
	mounted = append(mounted, subcommand{
		Command: cobra.Command{
			Use:   "dump-tree",
			Short: "Spew every (block, tag) a metadata walk visits",
			Args:  cobra.NoArgs,
		},
		RunE: func(fsys *lfs3.FS, cmd *cobra.Command, args []string) error {
			cfg := spew.NewDefaultConfig()
			cfg.DisablePointerAddresses = true

			trav, err := fsys.OpenTraversal()
			if err != nil {
				return err
			}
			defer trav.Close()

			for {
				v, ok, err := trav.Read()
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				textui.Fprintf(os.Stdout, "block=%d tag=%v\n", v.Block, v.Tag)
				cfg.Fdump(cmd.OutOrStdout(), v)
			}
		},
	})
}
