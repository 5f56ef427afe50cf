package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dbxfer/dbxfer/internal/catalog"
	"github.com/dbxfer/dbxfer/internal/lock"
	"github.com/dbxfer/dbxfer/internal/summary"
	"github.com/dbxfer/dbxfer/internal/workdir"
	"github.com/dbxfer/dbxfer/internal/xerrors"
)

// BuildIndex runs CREATE INDEX against the target and, if the index backs a
// constraint, follows up with ALTER TABLE ... ADD CONSTRAINT ... USING
// INDEX, matching pg_dump's own two-statement shape for constraint-backed
// indexes. Each step gets its own done-file so a resumed run skips whichever
// half already finished rather than re-running a CREATE INDEX that would
// only fail on a name collision. A single lock file covers both steps, so a
// second worker racing the same index (whether another indexJobs goroutine
// or a separately invoked `copy indexes` process) skips it outright rather
// than contending on the same CREATE INDEX.
func BuildIndex(ctx context.Context, target *pgxpool.Pool, idx catalog.SourceIndex, paths *workdir.Paths) error {
	indexDone := paths.IndexDonePath(idx.Oid)
	if _, err := os.Stat(indexDone); err == nil && idx.ConstraintOid == 0 {
		return nil
	}

	fl, acquired, err := lock.AcquireOrTakeOver(paths.IndexLockPath(idx.Oid))
	if err != nil {
		return xerrors.Wrapf(xerrors.Environmental, "lock index %s.%s: %w", idx.Namespace, idx.Relname, err)
	}
	if !acquired {
		return nil // another live worker already owns this index
	}
	defer func() { _ = fl.Unlock() }()

	if _, err := os.Stat(indexDone); err != nil {
		start := time.Now()
		if _, err := target.Exec(ctx, idx.DDL); err != nil {
			return xerrors.Wrapf(xerrors.Upstream, "create index %s.%s: %w", idx.Namespace, idx.Relname, err)
		}
		if err := summary.WriteIndexSummary(indexDone, summary.IndexSummary{
			Pid:        os.Getpid(),
			Oid:        idx.Oid,
			Namespace:  idx.Namespace,
			Relname:    idx.Relname,
			StartedAt:  start,
			DoneAt:     time.Now(),
			DurationMs: time.Since(start).Milliseconds(),
			Command:    idx.DDL,
			Constraint: false,
		}); err != nil {
			return err
		}
	}

	if idx.ConstraintOid == 0 {
		return nil
	}

	constraintDone := paths.ConstraintDonePath(idx.ConstraintOid)
	if _, err := os.Stat(constraintDone); err == nil {
		return nil
	}

	qualifiedTable := pgx.Identifier{idx.Namespace, idx.TableRelname}.Sanitize()
	alterSQL := fmt.Sprintf("alter table %s add constraint %s %s using index %s",
		qualifiedTable,
		pgx.Identifier{idx.ConstraintName}.Sanitize(),
		idx.ConstraintKind,
		pgx.Identifier{idx.Relname}.Sanitize())

	start := time.Now()
	if _, err := target.Exec(ctx, alterSQL); err != nil {
		return xerrors.Wrapf(xerrors.Upstream, "add constraint %s on %s.%s: %w", idx.ConstraintName, idx.Namespace, idx.Relname, err)
	}

	return summary.WriteIndexSummary(constraintDone, summary.IndexSummary{
		Pid:        os.Getpid(),
		Oid:        idx.ConstraintOid,
		Namespace:  idx.Namespace,
		Relname:    idx.ConstraintName,
		StartedAt:  start,
		DoneAt:     time.Now(),
		DurationMs: time.Since(start).Milliseconds(),
		Command:    alterSQL,
		Constraint: true,
	})
}
