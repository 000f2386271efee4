// Command lfs3 inspects, formats, and mounts littlefs3-style disk
// images, mirroring the teacher's cmd/btrfs-rec: one root cobra
// command, a persistent --verbosity flag wired to a dlib-backed
// logger, and one subcommand per operation.
package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/lfs3-go/lfs3"
	"github.com/lfs3-go/lfs3/lib/diskio"
	"github.com/lfs3-go/lfs3/lib/textui"
)

// subcommand bundles a cobra.Command with a RunE that expects an
// already-mounted filesystem, the way the teacher's subcommand struct
// bundles a RunE expecting an already-opened *btrfs.FS.
type subcommand struct {
	cobra.Command
	RunE func(fsys *lfs3.FS, cmd *cobra.Command, args []string) error
}

var mounted []subcommand

func main() {
	logLevelFlag := textui.LogLevelFlag{Level: dlog.LogLevelInfo}
	var imageFlag string
	var blockSizeFlag, blockCountFlag int

	argparser := &cobra.Command{
		Use:   "lfs3 {[flags]|SUBCOMMAND}",
		Short: "Inspect, format, and mount littlefs3 disk images",

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the log verbosity (error|warn|info|debug|trace)")
	argparser.PersistentFlags().StringVar(&imageFlag, "image", "", "path to the disk image `file`")
	argparser.PersistentFlags().IntVar(&blockSizeFlag, "block-size", 4096, "block size in bytes, for --image files that don't exist yet")
	argparser.PersistentFlags().IntVar(&blockCountFlag, "block-count", 256, "block count, for --image files that don't exist yet")
	if err := argparser.MarkPersistentFlagFilename("image"); err != nil {
		panic(err)
	}
	if err := argparser.MarkPersistentFlagRequired("image"); err != nil {
		panic(err)
	}

	argparser.AddCommand(newFormatCmd(&imageFlag, &blockSizeFlag, &blockCountFlag, &logLevelFlag))

	for _, child := range mounted {
		cmd := child.Command
		runE := child.RunE
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := textui.NewLogger(os.Stderr, logLevelFlag.Level)
			ctx = dlog.WithLogger(ctx, logger)

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("main", func(ctx context.Context) (err error) {
				dev, err := diskio.OpenOSDevice(imageFlag, 16, 16, blockSizeFlag, blockCountFlag, false)
				if err != nil {
					return err
				}
				defer func() {
					if cerr := dev.Close(); cerr != nil && err == nil {
						err = cerr
					}
				}()

				mountCfg := lfs3.DefaultConfig
				mountCfg.Log = logger
				fsys, err := lfs3.Mount(dev, mountCfg)
				if err != nil {
					return err
				}
				defer func() {
					if uerr := fsys.Unmount(); uerr != nil && err == nil {
						err = uerr
					}
				}()

				cmd.SetContext(ctx)
				return runE(fsys, cmd, args)
			})
			return grp.Wait()
		}
		argparser.AddCommand(&cmd)
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
