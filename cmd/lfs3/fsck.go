package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lfs3-go/lfs3"
)

func init() {
	mounted = append(mounted, subcommand{
		Command: cobra.Command{
			Use:   "fsck",
			Short: "Check metadata consistency by walking every referenced block",
			Args:  cobra.NoArgs,
		},
		RunE: func(fsys *lfs3.FS, cmd *cobra.Command, args []string) error {
			if err := fsys.CkMeta(); err != nil {
				return fmt.Errorf("fsck: %w", err)
			}
			used, total, err := fsys.Usage()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d/%d blocks in use\n", used, total)
			return nil
		},
	})
}
