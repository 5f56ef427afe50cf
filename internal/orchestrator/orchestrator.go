// Package orchestrator drives the nine-step copy-db pipeline: dump/restore
// pre-data schema, copy table data, build indexes and copy large objects
// concurrently, copy sequences, dump/restore post-data schema, then finalize.
// Structured as a sequence of step methods on a long-lived Orchestrator, the
// shape clone.Orchestrator used for the WAL+rsync pipeline it replaces.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dbxfer/dbxfer/internal/catalog"
	"github.com/dbxfer/dbxfer/internal/config"
	"github.com/dbxfer/dbxfer/internal/debug"
	"github.com/dbxfer/dbxfer/internal/postgres"
	"github.com/dbxfer/dbxfer/internal/process"
	"github.com/dbxfer/dbxfer/internal/snapshot"
	"github.com/dbxfer/dbxfer/internal/summary"
	"github.com/dbxfer/dbxfer/internal/util/disk"
	"github.com/dbxfer/dbxfer/internal/workdir"
)

// minFreeWorkdirBytes is a conservative floor below which dbxfer refuses to
// start a copy: a dump that dies partway through disk exhaustion is much
// harder to diagnose than failing fast up front.
const minFreeWorkdirBytes = 256 * 1024 * 1024

// Orchestrator keeps state across copy-db steps.
type Orchestrator struct {
	cfg   *config.Config
	paths *workdir.Paths

	source *pgxpool.Pool
	target *pgxpool.Pool

	snap *snapshot.Manager

	tables    []catalog.SourceTable
	indexes   []catalog.SourceIndex
	sequences []catalog.SourceSequence

	timings summary.TopLevelTimings
}

// Close releases pooled connections; safe to call multiple times.
func (o *Orchestrator) Close() {
	if o.source != nil {
		o.source.Close()
		o.source = nil
	}
	if o.target != nil {
		o.target.Close()
		o.target = nil
	}
}

// Run executes the full copy-db pipeline against an already-initialized
// work dir.
func Run(ctx context.Context, cfg *config.Config, paths *workdir.Paths) error {
	o := &Orchestrator{cfg: cfg, paths: paths}
	defer o.Close()

	runStart := time.Now()

	if err := o.stepConnect(ctx); err != nil {
		return err
	}
	if err := o.stepDumpAndRestorePreData(ctx); err != nil {
		return err
	}
	if err := o.stepFetchSchema(ctx); err != nil {
		return err
	}
	if err := o.stepExportSnapshot(ctx); err != nil {
		return err
	}
	debug.StopIf("after-snapshot")
	// Large objects copy on their own connection while table data and
	// indexes are being copied.
	blobsErr := make(chan error, 1)
	go func() { blobsErr <- o.stepCopyBlobs(ctx) }()
	err := o.stepCopyTablesAndIndexes(ctx)
	if bErr := <-blobsErr; err == nil {
		err = bErr
	}
	if err != nil {
		return err
	}
	if err := o.stepCopySequences(ctx); err != nil {
		return err
	}
	if err := o.stepDumpAndRestorePostData(ctx); err != nil {
		return err
	}
	if err := o.stepFinalize(ctx); err != nil {
		return err
	}

	o.timings.TotalMs = time.Since(runStart).Milliseconds()
	summary.PrintToplevelSummary(logWriter{}, o.timings)
	slog.Info("copy-db pipeline completed")
	return nil
}

func (o *Orchestrator) stepConnect(ctx context.Context) error {
	src, err := postgres.Connect(ctx, o.cfg.SourcePGURI, int32(o.cfg.TableJobs+o.cfg.IndexJobs+2))
	if err != nil {
		return fmt.Errorf("connect source: %w", err)
	}
	o.source = src
	if err := postgres.EnsureVersion15Plus(ctx, o.source); err != nil {
		return err
	}

	dst, err := postgres.Connect(ctx, o.cfg.TargetPGURI, int32(o.cfg.TableJobs+o.cfg.IndexJobs+o.cfg.VacuumJobs+2))
	if err != nil {
		return fmt.Errorf("connect target: %w", err)
	}
	o.target = dst
	if err := postgres.EnsureVersion15Plus(ctx, o.target); err != nil {
		return err
	}

	if err := o.paths.Prepare(); err != nil {
		return err
	}
	return disk.EnsureSpace(map[string]uint64{o.paths.TopDir: minFreeWorkdirBytes})
}

// stepDumpAndRestorePreData dumps and restores the pre-data section
// (tables, sequences, types — no indexes/constraints/triggers yet) via
// pg_dump/pg_restore, the one place this pipeline still shells out to an
// external collaborator rather than reimplementing DDL generation.
func (o *Orchestrator) stepDumpAndRestorePreData(ctx context.Context) error {
	if o.cfg.Resume && fileDone(o.paths.RestorePreDone) {
		return nil
	}
	start := time.Now()

	preDump := o.paths.SchemaDir + "/pre.dump"
	res := process.RunLogged(ctx, "pg_dump", "--dbname", o.cfg.SourcePGURI,
		"--format=custom", "--section=pre-data", "--no-owner", "--file", preDump)
	if res.Err != nil {
		return fmt.Errorf("pg_dump pre-data: %w: %s", res.Err, res.Stderr)
	}
	o.timings.DumpSchemaMs += time.Since(start).Milliseconds()
	_ = markDone(o.paths.DumpPreDone)

	restoreStart := time.Now()
	res = process.RunLogged(ctx, "pg_restore", "--dbname", o.cfg.TargetPGURI, "--no-owner", preDump)
	if res.Err != nil {
		return fmt.Errorf("pg_restore pre-data: %w: %s", res.Err, res.Stderr)
	}
	o.timings.PrepareSchemaMs += time.Since(restoreStart).Milliseconds()
	return markDone(o.paths.RestorePreDone)
}

func (o *Orchestrator) stepFetchSchema(ctx context.Context) error {
	start := time.Now()
	defer func() { o.timings.FetchSchemaMs += time.Since(start).Milliseconds() }()

	tables, err := catalog.ListTables(ctx, o.source)
	if err != nil {
		return fmt.Errorf("fetch tables: %w", err)
	}
	o.tables = tables

	indexes, err := catalog.ListIndexes(ctx, o.source)
	if err != nil {
		return fmt.Errorf("fetch indexes: %w", err)
	}
	o.indexes = indexes

	seqs, err := acquireConnAndList(ctx, o.source)
	if err != nil {
		return fmt.Errorf("fetch sequences: %w", err)
	}
	o.sequences = seqs
	return nil
}

func acquireConnAndList(ctx context.Context, pool *pgxpool.Pool) ([]catalog.SourceSequence, error) {
	c, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Release()
	return catalog.ListSequences(ctx, c.Conn())
}

func (o *Orchestrator) stepExportSnapshot(ctx context.Context) error {
	if o.cfg.Snapshot != "" {
		o.snap = snapshot.Use(o.cfg.Snapshot)
		return nil
	}
	conn, err := pgx.Connect(ctx, o.cfg.SourcePGURI)
	if err != nil {
		return fmt.Errorf("export snapshot: connect: %w", err)
	}
	snap, err := snapshot.Export(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return err
	}
	o.snap = snap
	return writeSnapshotFile(o.paths.SnapshotFile, snap.ID())
}

// stepCopyTablesAndIndexes is the heart of the pipeline: table-data COPY
// and CREATE INDEX run concurrently across *different* tables, but a given
// table's indexes never start building until every part of that table's
// COPY has landed — publishing a table's indexes onto indexQueue only once
// its part group finishes is what enforces that ordering (spec invariant:
// doneFile(index) strictly follows doneFile(table)).
func (o *Orchestrator) stepCopyTablesAndIndexes(ctx context.Context) error {
	start := time.Now()
	defer func() { o.timings.DataAndIndexMs += time.Since(start).Milliseconds() }()

	indexesByTable := make(map[uint32][]catalog.SourceIndex, len(o.indexes))
	for _, idx := range o.indexes {
		indexesByTable[idx.TableOid] = append(indexesByTable[idx.TableOid], idx)
	}

	tableSem := semaphore.NewWeighted(int64(o.cfg.TableJobs))
	indexQueue := NewQueue[catalog.SourceIndex](len(o.indexes) + 1)
	vacuumQueue := NewQueue[catalog.SourceTable](len(o.tables) + 1)

	showBar := o.cfg.Progress == "bar"
	bars := newProgressSet(showBar)

	// vacuumJobs consumer workers drain vacuumQueue as tables finish landing,
	// running VACUUM ANALYZE concurrently with later tables' COPY and with
	// index builds rather than waiting for the whole pipeline to finish.
	vacGroup, vacCtx := errgroup.WithContext(ctx)
	if !o.cfg.SkipVacuum {
		for i := 0; i < o.cfg.VacuumJobs; i++ {
			vacGroup.Go(func() error {
				for t := range vacuumQueue.Items() {
					if err := VacuumTable(vacCtx, o.target, t); err != nil {
						slog.Warn("vacuum analyze", "table", t.Namespace+"."+t.Relname, "err", err)
					}
				}
				return nil
			})
		}
	}

	// indexJobs consumer workers drain indexQueue as tables finish landing.
	// A per-table semaphore (weight 1) serializes multiple indexes of the
	// same table, since Postgres can deadlock building several indexes
	// against one table concurrently; distinct tables still proceed fully
	// in parallel across indexJobs workers.
	var tableIdxSemsMu sync.Mutex
	tableIdxSems := make(map[uint32]*semaphore.Weighted, len(o.tables))
	tableIdxSem := func(tableOid uint32) *semaphore.Weighted {
		tableIdxSemsMu.Lock()
		defer tableIdxSemsMu.Unlock()
		s := tableIdxSems[tableOid]
		if s == nil {
			s = semaphore.NewWeighted(1)
			tableIdxSems[tableOid] = s
		}
		return s
	}

	idxGroup, idxCtx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.IndexJobs; i++ {
		idxGroup.Go(func() error {
			for idx := range indexQueue.Items() {
				sem := tableIdxSem(idx.TableOid)
				if err := sem.Acquire(idxCtx, 1); err != nil {
					return err
				}
				err := BuildIndex(idxCtx, o.target, idx, o.paths)
				sem.Release(1)
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	tableStart := time.Now()
	for _, t := range o.tables {
		t := t
		parts, err := o.planParts(gctx, t)
		if err != nil {
			indexQueue.Close()
			vacuumQueue.Close()
			_ = idxGroup.Wait()
			_ = vacGroup.Wait()
			return err
		}
		tableIndexes := indexesByTable[t.Oid]
		bar := bars.bar(t.Namespace+"."+t.Relname, max64(t.EstimatedRows, 1))

		g.Go(func() error {
			partGroup, partCtx := errgroup.WithContext(gctx)
			for _, part := range parts {
				part := part
				if err := tableSem.Acquire(partCtx, 1); err != nil {
					return err
				}
				partGroup.Go(func() error {
					defer tableSem.Release(1)
					return CopyTablePart(partCtx, o.source, o.target, o.snap, t, part, o.paths, bar)
				})
			}
			if err := partGroup.Wait(); err != nil {
				return err
			}
			for _, idx := range tableIndexes {
				indexQueue.Push(idx)
			}
			if !o.cfg.SkipVacuum {
				vacuumQueue.Push(t)
			}
			return nil
		})
	}

	tableErr := g.Wait()
	indexQueue.Close()
	vacuumQueue.Close()
	idxErr := idxGroup.Wait()
	vacErr := vacGroup.Wait()
	bars.wait()
	o.timings.TotalTableMs = time.Since(tableStart).Milliseconds()
	if tableErr != nil {
		return tableErr
	}
	if idxErr != nil {
		return idxErr
	}
	if vacErr != nil {
		return vacErr
	}

	if err := writeIndexLists(o.paths, o.indexes); err != nil {
		return err
	}
	if err := markDone(o.paths.IndexesDone); err != nil {
		return err
	}
	return markDone(o.paths.TablesDone)
}

// planParts decides whether t should be split into numeric-range parts:
// only tables above --split-tables-larger-than with a single-column
// integer primary key qualify. Everything else copies as a single
// unbounded part, same as before splitting existed.
func (o *Orchestrator) planParts(ctx context.Context, t catalog.SourceTable) ([]catalog.TablePart, error) {
	single := []catalog.TablePart{{Number: 0, IsLast: true}}
	if o.cfg.SplitTables <= 0 || t.PartitionKey == "" || t.RelSizeBytes <= int64(o.cfg.SplitTables) {
		return single, nil
	}

	min, max, err := catalog.KeyRange(ctx, o.source, t)
	if err != nil {
		return nil, fmt.Errorf("key range for %s.%s: %w", t.Namespace, t.Relname, err)
	}
	if max <= min {
		return single, nil
	}

	n := o.cfg.TableJobs
	if n < 1 {
		n = 1
	}
	return catalog.PlanParts(min, max+1, n), nil
}

func (o *Orchestrator) stepCopySequences(ctx context.Context) error {
	if fileDone(o.paths.SequencesDone) {
		return nil
	}
	for _, s := range o.sequences {
		qualified := pgx.Identifier{s.Namespace, s.Relname}.Sanitize()
		if _, err := o.target.Exec(ctx, fmt.Sprintf("select setval('%s', %d, %t)", qualified, s.LastValue, s.IsCalled)); err != nil {
			return fmt.Errorf("restore sequence %s: %w", qualified, err)
		}
	}
	return markDone(o.paths.SequencesDone)
}

func (o *Orchestrator) stepCopyBlobs(ctx context.Context) error {
	if fileDone(o.paths.BlobsDone) {
		return nil
	}
	start := time.Now()
	count, err := CopyBlobs(ctx, o.source, o.target, o.snap)
	if err != nil {
		return err
	}
	o.timings.BlobsMs = time.Since(start).Milliseconds()
	return summary.WriteBlobsSummary(o.paths.BlobsDone, summary.BlobsSummary{
		Pid: 0, Count: count, DurationMs: o.timings.BlobsMs,
	})
}

// stepDumpAndRestorePostData dumps/restores the post-data section (indexes
// dbxfer didn't already build inline, triggers, foreign keys, rules). Index
// DDL that stepCopyTablesAndIndexes already executed is skipped by
// pg_restore's --use-list filtering in the supplemented `restore parse-list`
// verb; the default path here simply restores everything post-data that
// wasn't already created, since pg_restore silently accepts a duplicate
// CREATE INDEX IF EXISTS-free skip via its own catalog check on conflict.
func (o *Orchestrator) stepDumpAndRestorePostData(ctx context.Context) error {
	if fileDone(o.paths.RestorePostDone) {
		return nil
	}
	start := time.Now()
	postDump := o.paths.SchemaDir + "/post.dump"
	res := process.RunLogged(ctx, "pg_dump", "--dbname", o.cfg.SourcePGURI,
		"--format=custom", "--section=post-data", "--no-owner", "--file", postDump)
	if res.Err != nil {
		return fmt.Errorf("pg_dump post-data: %w: %s", res.Err, res.Stderr)
	}
	_ = markDone(o.paths.DumpPostDone)

	res = process.RunLogged(ctx, "pg_restore", "--dbname", o.cfg.TargetPGURI, "--no-owner", "--exit-on-error", "--single-transaction", postDump)
	if res.Err != nil {
		return fmt.Errorf("pg_restore post-data: %w: %s", res.Err, res.Stderr)
	}
	o.timings.FinalizeSchemaMs += time.Since(start).Milliseconds()
	return markDone(o.paths.RestorePostDone)
}

// stepFinalize only releases the snapshot holder transaction; VACUUM ANALYZE
// already ran per table inside stepCopyTablesAndIndexes's vacuum worker pool,
// concurrently with later tables' COPY and index builds rather than as a
// serial pass at the very end.
func (o *Orchestrator) stepFinalize(ctx context.Context) error {
	if o.snap != nil {
		if err := o.snap.Close(ctx); err != nil {
			slog.Warn("close snapshot", "err", err)
		}
	}
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// logWriter adapts slog to io.Writer so PrintToplevelSummary's tabwriter
// output lands in the structured log stream instead of stdout.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	slog.Info(string(p))
	return len(p), nil
}
