// Package cli wires dbxfer's cobra command tree: copy-db, list, dump,
// restore, copy and stream, each reading PGCOPYDB_*-prefixed environment
// variables through internal/config when a flag is left unset.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/dbxfer/dbxfer/internal/config"
	"github.com/dbxfer/dbxfer/internal/log"
)

var cfg = &config.Config{}

// RootCmd is dbxfer's entry point.
var RootCmd = &cobra.Command{
	Use:           "dbxfer",
	Short:         "Copy a PostgreSQL database and its ongoing changes to another instance",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg.ApplyEnv()
		log.Setup(cfg.Debug, cfg.Verbose)
		return nil
	},
}

// Execute parses flags and runs the selected command.
func Execute() error { return RootCmd.Execute() }

func init() {
	f := RootCmd.PersistentFlags()
	f.StringVar(&cfg.SourcePGURI, "source", "", "Source Postgres connection string (or PGCOPYDB_SOURCE_PGURI)")
	f.StringVar(&cfg.TargetPGURI, "target", "", "Target Postgres connection string (or PGCOPYDB_TARGET_PGURI)")
	f.StringVar(&cfg.Dir, "dir", "", "Work directory (or PGCOPYDB_DIR; default $TMPDIR/dbxfer)")
	f.IntVar(&cfg.TableJobs, "table-jobs", 0, "Number of concurrent table-data copy workers (or PGCOPYDB_TABLE_JOBS; default 4)")
	f.IntVar(&cfg.IndexJobs, "index-jobs", 0, "Number of concurrent index build workers (or PGCOPYDB_INDEX_JOBS; default 4)")
	f.IntVar(&cfg.VacuumJobs, "vacuum-jobs", 0, "Number of concurrent VACUUM ANALYZE workers (or PGCOPYDB_VACUUM_JOBS; default 4)")
	f.IntVar(&cfg.SplitTables, "split-tables-larger-than", 0, "Split tables above this size in bytes into numeric-range parts (0 disables splitting; or PGCOPYDB_SPLIT_TABLES_LARGER_THAN)")
	f.StringVar(&cfg.Snapshot, "snapshot", "", "Reuse an already-exported snapshot id (or PGCOPYDB_SNAPSHOT)")
	f.BoolVar(&cfg.SkipExtensions, "skip-extensions", false, "Accepted but has no effect: extensions are dumped and restored with the pre-data section")
	f.BoolVar(&cfg.SkipRoles, "skip-roles", false, "Accepted but has no effect: roles are never dumped or restored")
	f.BoolVar(&cfg.SkipVacuum, "skip-vacuum", false, "Do not VACUUM ANALYZE after copy")
	f.BoolVar(&cfg.Resume, "resume", false, "Resume a previously interrupted run")
	f.BoolVar(&cfg.Restart, "restart", false, "Wipe the work directory and start over")
	f.StringVar(&cfg.Progress, "progress", "auto", "Progress display: bar shows per-table progress bars; any other value shows none")
	f.IntVar(&cfg.ProgressInt, "progress-interval", 30, "Accepted but has no effect")
	f.StringVar(&cfg.EndPos, "end-pos", "", "Stop LSN for stream receive/apply, e.g. 0/1A2B3C4 (apply defaults to the sentinel's end LSN)")
	f.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	f.BoolVar(&cfg.Verbose, "verbose", false, "Enable verbose logging")

	RootCmd.AddCommand(newCopyDBCmd())
	RootCmd.AddCommand(newListCmd())
	RootCmd.AddCommand(newDumpCmd())
	RootCmd.AddCommand(newRestoreCmd())
	RootCmd.AddCommand(newCopyCmd())
	RootCmd.AddCommand(newStreamCmd())
}
