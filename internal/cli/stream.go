package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spf13/cobra"

	"github.com/dbxfer/dbxfer/internal/cdc/apply"
	"github.com/dbxfer/dbxfer/internal/cdc/receive"
	"github.com/dbxfer/dbxfer/internal/cdc/sentinel"
	"github.com/dbxfer/dbxfer/internal/cdc/transform"
	"github.com/dbxfer/dbxfer/internal/cdc/walseg"
	"github.com/dbxfer/dbxfer/internal/config"
	"github.com/dbxfer/dbxfer/internal/postgres"
	"github.com/dbxfer/dbxfer/internal/workdir"
)

// newStreamCmd wires the stream verb group that drives CDC:
// setup, cleanup, prefetch/catchup/replay (combined receive+transform+apply
// loops), and the individual receive/transform/apply/sentinel building
// blocks for operators who want to run each stage as a separate process,
// the way the original tool's pgcopydb stream subcommands split up.
func newStreamCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "stream", Short: "Set up and drive logical replication change capture"}
	cmd.AddCommand(
		newStreamSetupCmd(),
		newStreamCleanupCmd(),
		newStreamReceiveCmd(),
		newStreamTransformCmd(),
		newStreamApplyCmd(),
		newStreamPrefetchCmd(),
		newStreamCatchupCmd(),
		newStreamReplayCmd(),
		newStreamSentinelCmd(),
	)
	return cmd
}

func replicationConn(ctx context.Context, dsn string) (*pgconn.PgConn, error) {
	rcfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	rcfg.RuntimeParams["replication"] = "database"
	rcfg.RuntimeParams["application_name"] = replicationAppName
	return pgconn.ConnectConfig(ctx, rcfg)
}

// replicationAppName is the application_name the replication connection
// advertises, the same name postgres.WaitReplicationStarted looks for in
// pg_stat_replication to confirm the source has registered the stream.
const replicationAppName = "dbxfer"

// replicationWatchOnce keeps watchReplicationStarted from being spawned again
// on every replay iteration's receive leg; one watch per process is enough.
var replicationWatchOnce sync.Once

// watchReplicationStarted opens its own short-lived plain connection to the
// source (pg_stat_replication isn't queryable over the replication protocol
// itself) and logs once the stream shows up there, or a warning if it never
// does within the deadline. Runs alongside receive.Run so a flaky or
// firewalled source shows up in the log instead of a silent stall.
func watchReplicationStarted(ctx context.Context, sourcePGURI string) {
	conn, err := pgx.Connect(ctx, sourcePGURI)
	if err != nil {
		return
	}
	defer conn.Close(ctx)

	if err := postgres.WaitReplicationStarted(ctx, conn, replicationAppName, 30*time.Second); err != nil {
		slog.Warn("replication did not report as started", "application_name", replicationAppName, "err", err)
		return
	}
	slog.Info("replication stream registered on source", "application_name", replicationAppName)
}

func slotName_(c *config.Config) string {
	if c.SlotName != "" {
		return c.SlotName
	}
	return "dbxfer"
}

func newStreamSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create the replication slot and the sentinel record",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rconn, err := replicationConn(ctx, cfg.SourcePGURI)
			if err != nil {
				return err
			}
			defer rconn.Close(ctx)

			plugin := cfg.Plugin
			if plugin == "" {
				plugin = "wal2json"
			}
			startLSN, err := receive.EnsureSlot(ctx, rconn, receive.Options{SlotName: slotName_(cfg), Plugin: plugin})
			if err != nil {
				return err
			}

			target, err := pgx.Connect(ctx, cfg.TargetPGURI)
			if err != nil {
				return err
			}
			defer target.Close(ctx)
			if err := sentinel.Setup(ctx, target, startLSN); err != nil {
				return err
			}

			paths := workdir.NewPaths(cfg.Dir, false)
			if err := paths.Prepare(); err != nil {
				return err
			}
			return os.WriteFile(paths.OriginFile, []byte(startLSN.String()+"\n"), 0o644)
		},
	}
}

func newStreamCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Drop the replication slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rconn, err := replicationConn(ctx, cfg.SourcePGURI)
			if err != nil {
				return err
			}
			defer rconn.Close(ctx)
			_, err = rconn.Exec(ctx, fmt.Sprintf("select pg_drop_replication_slot('%s')", slotName_(cfg))).ReadAll()
			return err
		},
	}
}

func newStreamReceiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "receive",
		Short: "Stream raw decoding messages from the slot to segment files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceive(cmd.Context(), 0)
		},
	}
}

// runReceive drives one receive.Run call against the configured source slot.
// idleReturn is forwarded as receive.Options.IdleReturn: zero makes it run
// until ctx cancellation or --end-pos (the one-shot `stream receive` verb),
// nonzero makes it hand control back periodically so a caller like
// newStreamReplayCmd can interleave transform/apply with an ongoing stream.
func runReceive(ctx context.Context, idleReturn time.Duration) error {
	paths := workdir.NewPaths(cfg.Dir, false)
	if err := paths.Prepare(); err != nil {
		return err
	}

	rconn, err := replicationConn(ctx, cfg.SourcePGURI)
	if err != nil {
		return err
	}
	defer rconn.Close(ctx)

	replicationWatchOnce.Do(func() { go watchReplicationStarted(ctx, cfg.SourcePGURI) })

	startLSN, err := readOriginLSN(paths)
	if err != nil {
		return err
	}
	plugin := cfg.Plugin
	if plugin == "" {
		plugin = "wal2json"
	}
	var endPos pglogrepl.LSN
	if cfg.EndPos != "" {
		endPos, err = pglogrepl.ParseLSN(cfg.EndPos)
		if err != nil {
			return fmt.Errorf("parse --end-pos: %w", err)
		}
	}
	return receive.Run(ctx, rconn, receive.Options{
		SlotName: slotName_(cfg), Plugin: plugin, StartLSN: startLSN, EndPos: endPos,
		SegSize: walseg.DefaultSize, IdleReturn: idleReturn,
	}, paths)
}

func newStreamTransformCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transform",
		Short: "Decode every new .json segment in the CDC directory into SQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := workdir.NewPaths(cfg.Dir, false)
			entries, err := os.ReadDir(paths.CDCDir)
			if err != nil {
				return err
			}
			names := pendingJSONSegments(entries)
			for _, name := range names {
				jsonPath := filepath.Join(paths.CDCDir, name)
				sqlPath := jsonPath[:len(jsonPath)-len(filepath.Ext(jsonPath))] + ".sql"
				if _, err := os.Stat(sqlPath); err == nil {
					continue
				}
				if err := transform.TransformFile(jsonPath, sqlPath); err != nil {
					return fmt.Errorf("transform %s: %w", name, err)
				}
			}
			return nil
		},
	}
}

func pendingJSONSegments(entries []os.DirEntry) []string {
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func newStreamApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Apply every transformed .sql segment to the target, in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			paths := workdir.NewPaths(cfg.Dir, false)
			entries, err := os.ReadDir(paths.CDCDir)
			if err != nil {
				return err
			}

			target, err := pgx.Connect(ctx, cfg.TargetPGURI)
			if err != nil {
				return err
			}
			defer target.Close(ctx)

			sentinelRec, err := sentinel.Get(ctx, target)
			if err != nil {
				return err
			}
			if !sentinelRec.ApplyEnabled {
				return fmt.Errorf("apply: sentinel apply_enabled is false; run `stream sentinel set-apply` once the initial copy has landed")
			}

			originName := cfg.Origin
			if originName == "" {
				originName = "dbxfer"
			}
			originLSN, err := apply.EnsureOrigin(ctx, target, originName)
			if err != nil {
				return err
			}
			if err := apply.SessionSetup(ctx, target, originName); err != nil {
				return err
			}

			opts := apply.Options{OriginName: originName, OriginLSN: originLSN}
			if cfg.EndPos != "" {
				opts.EndPos, err = pglogrepl.ParseLSN(cfg.EndPos)
				if err != nil {
					return fmt.Errorf("parse --end-pos: %w", err)
				}
			} else {
				opts.EndPos = sentinelRec.EndLSN
			}

			for _, name := range pendingSQLSegments(entries) {
				sqlPath := filepath.Join(paths.CDCDir, name)
				done, lastLSN, err := apply.File(ctx, target, sqlPath, opts)
				if err != nil {
					return fmt.Errorf("apply %s: %w", name, err)
				}
				if lastLSN != 0 {
					if err := sentinel.AdvanceReplay(ctx, target, lastLSN); err != nil {
						return err
					}
				}
				if done {
					return sentinel.MarkReachedEndPos(ctx, target)
				}
			}
			return nil
		},
	}
}

func pendingSQLSegments(entries []os.DirEntry) []string {
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// newStreamPrefetchCmd runs receive+transform back to back without
// touching the target, the way an operator warms the CDC directory ahead
// of cutover so the eventual catchup has less to do under time pressure.
func newStreamPrefetchCmd() *cobra.Command {
	c := newStreamReceiveCmd()
	c.Use = "prefetch"
	c.Short = "Receive and transform changes without applying them yet"
	inner := c.RunE
	c.RunE = func(cmd *cobra.Command, args []string) error {
		if err := inner(cmd, args); err != nil {
			return err
		}
		return newStreamTransformCmd().RunE(cmd, args)
	}
	return c
}

// newStreamCatchupCmd applies everything already prefetched, then stops —
// used right before cutover once the source is quiesced.
func newStreamCatchupCmd() *cobra.Command {
	c := newStreamApplyCmd()
	c.Use = "catchup"
	c.Short = "Apply everything already received and transformed, then stop"
	return c
}

// replayPollInterval bounds how long one receive.Run call inside replay can
// hold the replication stream open before handing control back to transform
// and apply. Without this, receive.Run's own loop never returns on its own
// in the steady-state case (no --end-pos), so transform/apply would never
// run at all.
const replayPollInterval = 5 * time.Second

// newStreamReplayCmd loops receive -> transform -> apply until ctx is
// canceled or EndPos (if set) is reached, the steady-state mode for
// keeping the target caught up indefinitely. Each iteration's receive leg
// only holds the stream open for replayPollInterval before returning, so
// every new segment of WAL gets transformed and applied promptly instead of
// receive blocking forever inside its own message loop.
func newStreamReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Continuously receive, transform and apply changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			target, err := pgx.Connect(ctx, cfg.TargetPGURI)
			if err != nil {
				return err
			}
			defer target.Close(ctx)

			for {
				if err := runReceive(ctx, replayPollInterval); err != nil {
					return err
				}
				if err := newStreamTransformCmd().RunE(cmd, args); err != nil {
					return err
				}
				if err := newStreamApplyCmd().RunE(cmd, args); err != nil {
					return err
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				rec, err := sentinel.Get(ctx, target)
				if err != nil {
					return err
				}
				if rec.ReachedEndPos {
					return nil
				}
			}
		},
	}
}

func newStreamSentinelCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sentinel", Short: "Inspect or update the CDC sentinel record"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Print the sentinel record",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				target, err := pgx.Connect(ctx, cfg.TargetPGURI)
				if err != nil {
					return err
				}
				defer target.Close(ctx)
				rec, err := sentinel.Get(ctx, target)
				if err != nil {
					return err
				}
				fmt.Printf("start_lsn=%s end_lsn=%s apply_enabled=%v replay_lsn=%s reached_end_pos=%v\n",
					rec.StartLSN, rec.EndLSN, rec.ApplyEnabled, rec.ReplayLSN, rec.ReachedEndPos)
				return nil
			},
		},
		newSentinelSetApplyCmd(),
		newSentinelSetEndposCmd(),
	)
	return cmd
}

func newSentinelSetApplyCmd() *cobra.Command {
	var enabled bool
	c := &cobra.Command{
		Use:   "set-apply",
		Short: "Enable or disable apply in the sentinel record",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			target, err := pgx.Connect(ctx, cfg.TargetPGURI)
			if err != nil {
				return err
			}
			defer target.Close(ctx)
			return sentinel.SetApplyEnabled(ctx, target, enabled)
		},
	}
	c.Flags().BoolVar(&enabled, "enabled", true, "Whether apply should proceed")
	return c
}

func newSentinelSetEndposCmd() *cobra.Command {
	var endpos string
	c := &cobra.Command{
		Use:   "set-endpos",
		Short: "Set the LSN at which streaming should stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			lsn, err := pglogrepl.ParseLSN(endpos)
			if err != nil {
				return fmt.Errorf("parse --lsn: %w", err)
			}
			target, err := pgx.Connect(ctx, cfg.TargetPGURI)
			if err != nil {
				return err
			}
			defer target.Close(ctx)
			return sentinel.SetEndPos(ctx, target, lsn)
		},
	}
	c.Flags().StringVar(&endpos, "lsn", "", "Stop LSN, e.g. 0/1A2B3C4")
	return c
}

func readOriginLSN(paths *workdir.Paths) (pglogrepl.LSN, error) {
	data, err := os.ReadFile(paths.OriginFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return pglogrepl.ParseLSN(string(trimNewline(data)))
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
