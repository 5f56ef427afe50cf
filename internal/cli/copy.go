package cli

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/dbxfer/dbxfer/internal/catalog"
	"github.com/dbxfer/dbxfer/internal/config"
	"github.com/dbxfer/dbxfer/internal/orchestrator"
	"github.com/dbxfer/dbxfer/internal/postgres"
	"github.com/dbxfer/dbxfer/internal/snapshot"
	"github.com/dbxfer/dbxfer/internal/workdir"
)

// newCopyCmd wires the copy verb group: dbxfer copy
// {data|table-data|blobs|sequences|indexes|constraints}. "data" runs the
// whole copy-db pipeline (orchestrator.Run); the rest let an operator
// re-run just one slice of it, e.g. after fixing a single table's DDL
// by hand.
func newCopyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "copy", Short: "Copy data, indexes or blobs independently of the full pipeline"}
	cmd.AddCommand(
		newCopyDataCmd(),
		newCopyTableDataCmd(),
		newCopyIndexesCmd(false),
		newCopyIndexesCmd(true),
		newCopyBlobsCmd(),
		newCopySequencesCmd(),
	)
	return cmd
}

func newCopyDataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "data",
		Short: "Run the whole copy-db pipeline: schema, table data, indexes, sequences and blobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := workdir.NewPaths(cfg.Dir, false)
			return orchestrator.Run(cmd.Context(), cfg, paths)
		},
	}
}

func newCopyTableDataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "table-data",
		Short: "Copy table rows only, skipping index builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			paths := workdir.NewPaths(cfg.Dir, false)
			if err := paths.Prepare(); err != nil {
				return err
			}

			source, err := postgres.Connect(ctx, cfg.SourcePGURI, int32(cfg.TableJobs+1))
			if err != nil {
				return err
			}
			defer source.Close()
			target, err := postgres.Connect(ctx, cfg.TargetPGURI, int32(cfg.TableJobs+1))
			if err != nil {
				return err
			}
			defer target.Close()

			tables, err := catalog.ListTables(ctx, source)
			if err != nil {
				return err
			}

			snap, err := exportOrReuseSnapshot(ctx, cfg)
			if err != nil {
				return err
			}
			defer snap.Close(ctx)

			for _, t := range tables {
				part := catalog.TablePart{Number: 0, IsLast: true}
				if err := orchestrator.CopyTablePart(ctx, source, target, snap, t, part, paths, nil); err != nil {
					return fmt.Errorf("copy table %s.%s: %w", t.Namespace, t.Relname, err)
				}
			}
			return nil
		},
	}
}

func newCopyIndexesCmd(constraintsOnly bool) *cobra.Command {
	use, short := "indexes", "Build indexes that aren't backing a constraint"
	if constraintsOnly {
		use, short = "constraints", "Build indexes that back a constraint (primary key/unique)"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			paths := workdir.NewPaths(cfg.Dir, false)
			if err := paths.Prepare(); err != nil {
				return err
			}
			source, err := postgres.Connect(ctx, cfg.SourcePGURI, 2)
			if err != nil {
				return err
			}
			defer source.Close()
			target, err := postgres.Connect(ctx, cfg.TargetPGURI, int32(cfg.IndexJobs+1))
			if err != nil {
				return err
			}
			defer target.Close()

			indexes, err := catalog.ListIndexes(ctx, source)
			if err != nil {
				return err
			}
			for _, idx := range indexes {
				isConstraint := idx.ConstraintOid != 0
				if isConstraint != constraintsOnly {
					continue
				}
				if err := orchestrator.BuildIndex(ctx, target, idx, paths); err != nil {
					return fmt.Errorf("build index %s.%s: %w", idx.Namespace, idx.Relname, err)
				}
			}
			return nil
		},
	}
}

func newCopyBlobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blobs",
		Short: "Copy large objects (pg_largeobject) preserving OIDs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			source, err := postgres.Connect(ctx, cfg.SourcePGURI, 2)
			if err != nil {
				return err
			}
			defer source.Close()
			target, err := postgres.Connect(ctx, cfg.TargetPGURI, 2)
			if err != nil {
				return err
			}
			defer target.Close()

			snap, err := exportOrReuseSnapshot(ctx, cfg)
			if err != nil {
				return err
			}
			defer snap.Close(ctx)

			count, err := orchestrator.CopyBlobs(ctx, source, target, snap)
			if err != nil {
				return err
			}
			fmt.Printf("copied %d large objects\n", count)
			return nil
		},
	}
}

func newCopySequencesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sequences",
		Short: "Restore sequence current values on the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			source, err := pgx.Connect(ctx, cfg.SourcePGURI)
			if err != nil {
				return err
			}
			defer source.Close(ctx)
			target, err := postgres.Connect(ctx, cfg.TargetPGURI, 2)
			if err != nil {
				return err
			}
			defer target.Close()

			seqs, err := catalog.ListSequences(ctx, source)
			if err != nil {
				return err
			}
			for _, s := range seqs {
				qualified := pgx.Identifier{s.Namespace, s.Relname}.Sanitize()
				if _, err := target.Exec(ctx, fmt.Sprintf("select setval('%s', %d, %t)", qualified, s.LastValue, s.IsCalled)); err != nil {
					return fmt.Errorf("restore sequence %s: %w", qualified, err)
				}
			}
			return nil
		},
	}
}

func exportOrReuseSnapshot(ctx context.Context, c *config.Config) (*snapshot.Manager, error) {
	if c.Snapshot != "" {
		return snapshot.Use(c.Snapshot), nil
	}
	conn, err := pgx.Connect(ctx, c.SourcePGURI)
	if err != nil {
		return nil, err
	}
	return snapshot.Export(ctx, conn)
}
