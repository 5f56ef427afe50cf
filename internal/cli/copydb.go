package cli

import (
	"github.com/spf13/cobra"

	"github.com/dbxfer/dbxfer/internal/orchestrator"
	"github.com/dbxfer/dbxfer/internal/util/signalctx"
	"github.com/dbxfer/dbxfer/internal/workdir"
)

// newCopyDBCmd wires the top-level verb that runs the whole pipeline:
// dump/restore pre-data, copy tables+indexes+blobs concurrently, then
// sequences, dump/restore post-data, finalize.
func newCopyDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "copy-db",
		Short: "Copy schema and data from source to target",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, _ := signalctx.WithSignals(cmd.Context())
			defer cancel()

			paths := workdir.NewPaths(cfg.Dir, false)
			handle, err := workdir.Init(paths, cfg.Restart, cfg.Resume, false)
			if err != nil {
				return err
			}
			defer handle.Release()

			return orchestrator.Run(ctx, cfg, paths)
		},
	}
}
