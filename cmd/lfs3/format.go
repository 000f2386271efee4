package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/lfs3-go/lfs3"
	"github.com/lfs3-go/lfs3/lib/diskio"
	"github.com/lfs3-go/lfs3/lib/textui"
)

// newFormatCmd builds the `lfs3 format` subcommand. format is the one
// subcommand that doesn't fit the `mounted` group in main.go: it must
// create the image itself rather than expect one to already exist.
func newFormatCmd(imageFlag *string, blockSizeFlag, blockCountFlag *int, logLevelFlag *textui.LogLevelFlag) *cobra.Command {
	return &cobra.Command{
		Use:   "format",
		Short: "Write a fresh, empty littlefs3 image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := diskio.OpenOSDevice(*imageFlag, 16, 16, *blockSizeFlag, *blockCountFlag, true)
			if err != nil {
				return err
			}
			defer dev.Close()
			cfg := lfs3.DefaultConfig
			cfg.Log = textui.NewLogger(os.Stderr, logLevelFlag.Level)
			if err := lfs3.Format(dev, cfg); err != nil {
				return err
			}
			return dev.Sync()
		},
	}
}
