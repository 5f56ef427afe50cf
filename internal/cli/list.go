package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dbxfer/dbxfer/internal/catalog"
	"github.com/dbxfer/dbxfer/internal/postgres"
)

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "list", Short: "List source-side catalog objects"}
	cmd.AddCommand(
		newListSubCmd("tables", func(ctx context.Context, pool sourcePool) error {
			rows, err := catalog.ListTables(ctx, pool)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "OID\tSchema\tName\tEst. rows\tSize")
			for _, t := range rows {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", t.Oid, t.Namespace, t.Relname, t.EstimatedRows, postgres.PrettyBytes(t.RelSizeBytes))
			}
			return tw.Flush()
		}),
		newListSubCmd("indexes", func(ctx context.Context, pool sourcePool) error {
			rows, err := catalog.ListIndexes(ctx, pool)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "OID\tSchema\tName\tTable OID\tConstraint")
			for _, idx := range rows {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%v\n", idx.Oid, idx.Namespace, idx.Relname, idx.TableOid, idx.ConstraintOid != 0)
			}
			return tw.Flush()
		}),
		newListSubCmd("extensions", func(ctx context.Context, pool sourcePool) error {
			rows, err := catalog.ListExtensions(ctx, pool)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "Name\tSchema\tVersion")
			for _, e := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, e.Namespace, e.Version)
			}
			return tw.Flush()
		}),
		newListSchemaCmd(),
	)
	return cmd
}

// sourcePool is the minimal surface list subcommands need from the source
// connection pool.
type sourcePool = postgres.Queryer

func newListSubCmd(use string, run func(ctx context.Context, pool sourcePool) error) *cobra.Command {
	return &cobra.Command{
		Use: use,
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := postgres.Connect(cmd.Context(), cfg.SourcePGURI, 2)
			if err != nil {
				return err
			}
			defer pool.Close()
			return run(cmd.Context(), pool)
		},
	}
}

func newListSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print a combined table/index/sequence inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := postgres.Connect(cmd.Context(), cfg.SourcePGURI, 2)
			if err != nil {
				return err
			}
			defer pool.Close()

			tables, err := catalog.ListTables(cmd.Context(), pool)
			if err != nil {
				return err
			}
			indexes, err := catalog.ListIndexes(cmd.Context(), pool)
			if err != nil {
				return err
			}
			conn, err := pool.Acquire(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Release()
			sequences, err := catalog.ListSequences(cmd.Context(), conn.Conn())
			if err != nil {
				return err
			}
			fmt.Printf("%d tables, %d indexes, %d sequences\n", len(tables), len(indexes), len(sequences))
			return nil
		},
	}
}
