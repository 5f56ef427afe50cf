package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vbauerster/mpb/v8"
	"golang.org/x/sync/errgroup"

	"github.com/dbxfer/dbxfer/internal/catalog"
	"github.com/dbxfer/dbxfer/internal/lock"
	"github.com/dbxfer/dbxfer/internal/snapshot"
	"github.com/dbxfer/dbxfer/internal/summary"
	"github.com/dbxfer/dbxfer/internal/workdir"
	"github.com/dbxfer/dbxfer/internal/xerrors"
)

// CopyTablePart streams one table (or one numeric-range part of it) from
// source to target using the COPY wire protocol directly, piping
// pgconn.CopyTo's output straight into pgconn.CopyFrom without ever
// buffering a row in Go, the way pg_partialcopy's executeStep does.
func CopyTablePart(ctx context.Context, source, target *pgxpool.Pool, snap *snapshot.Manager,
	t catalog.SourceTable, part catalog.TablePart, paths *workdir.Paths, bar *mpb.Bar) error {

	donePath := paths.TableDonePath(t.Oid, part.Number)
	if _, err := os.Stat(donePath); err == nil {
		return nil // already copied in a previous run
	}

	fl, acquired, err := lock.AcquireOrTakeOver(paths.TableLockPath(t.Oid, part.Number))
	if err != nil {
		return xerrors.Wrapf(xerrors.Environmental, "lock %s.%s part %d: %w", t.Namespace, t.Relname, part.Number, err)
	}
	if !acquired {
		return nil // another live worker already owns this table/part
	}
	defer func() { _ = fl.Unlock() }()

	srcConn, err := source.Acquire(ctx)
	if err != nil {
		return xerrors.Wrapf(xerrors.Upstream, "acquire source conn for %s.%s: %w", t.Namespace, t.Relname, err)
	}
	defer srcConn.Release()

	dstConn, err := target.Acquire(ctx)
	if err != nil {
		return xerrors.Wrapf(xerrors.Upstream, "acquire target conn for %s.%s: %w", t.Namespace, t.Relname, err)
	}
	defer dstConn.Release()

	qualified := pgx.Identifier{t.Namespace, t.Relname}.Sanitize()

	tx, err := srcConn.Conn().BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return xerrors.Wrapf(xerrors.Upstream, "begin source tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if snap != nil {
		if err := snap.Apply(ctx, srcConn.Conn()); err != nil {
			return err
		}
	}

	copySQL := fmt.Sprintf("copy (select * from %s) to stdout", qualified)
	if !part.IsLast || part.MinValue != 0 || part.MaxValue != 0 {
		if t.PartitionKey != "" {
			copySQL = fmt.Sprintf("copy (select * from %s where %s >= %d and %s < %d) to stdout",
				qualified, pgx.Identifier{t.PartitionKey}.Sanitize(), part.MinValue, pgx.Identifier{t.PartitionKey}.Sanitize(), part.MaxValue)
		}
	}
	copyInSQL := fmt.Sprintf("copy %s from stdin", qualified)

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	start := time.Now()

	g.Go(func() error {
		defer pw.Close()
		_, err := srcConn.Conn().PgConn().CopyTo(gctx, pw, copySQL)
		if err != nil {
			return xerrors.Wrapf(xerrors.Upstream, "copy to stdout %s: %w", qualified, err)
		}
		return nil
	})

	var rowsCopied int64
	g.Go(func() error {
		defer pr.Close()
		cmdTag, err := dstConn.Conn().PgConn().CopyFrom(gctx, countingReader{r: pr, bar: bar, n: &rowsCopied}, copyInSQL)
		if err != nil {
			return xerrors.Wrapf(xerrors.Data, "copy from stdin %s: %w", qualified, err)
		}
		rowsCopied = cmdTag.RowsAffected()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	return summary.WriteTableSummary(donePath, summary.TableSummary{
		Pid:        os.Getpid(),
		Oid:        t.Oid,
		Namespace:  t.Namespace,
		Relname:    t.Relname,
		StartedAt:  start,
		DoneAt:     time.Now(),
		DurationMs: time.Since(start).Milliseconds(),
		Command:    copySQL,
	})
}

// VacuumTable runs VACUUM ANALYZE against one table on the target, the unit
// of work vacuumQueue's consumer pool dispatches once a table's COPY has
// landed, so statistics are fresh without waiting for the whole pipeline to
// finish first.
func VacuumTable(ctx context.Context, target *pgxpool.Pool, t catalog.SourceTable) error {
	qualified := pgx.Identifier{t.Namespace, t.Relname}.Sanitize()
	if _, err := target.Exec(ctx, "vacuum analyze "+qualified); err != nil {
		return xerrors.Wrapf(xerrors.Upstream, "vacuum analyze %s: %w", qualified, err)
	}
	return nil
}

// countingReader wraps the read side of the COPY pipe to drive a progress
// bar off rows actually forwarded to the target, instead of polling. COPY
// text format ends every row with a newline, so each '\n' counts one row.
type countingReader struct {
	r   io.Reader
	bar *mpb.Bar
	n   *int64
}

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.bar != nil {
		c.bar.IncrBy(bytes.Count(p[:n], []byte{'\n'}))
	}
	return n, err
}
