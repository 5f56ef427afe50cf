// Package apply executes a transform-produced SQL file against the target,
// advancing the replication origin only at transaction boundaries so a
// crash mid-transaction replays the whole transaction rather than leaving
// it half applied.
package apply

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pglogrepl"

	"github.com/dbxfer/dbxfer/internal/xerrors"
)

// Options configures one apply run. EndPos and OriginLSN are pglogrepl.LSN
// values (a uint64 under the hood) rather than raw "X/Y" strings so commit
// positions compare numerically instead of lexicographically — a plain
// string compare would rank "0/10" below "0/9".
type Options struct {
	OriginName string
	EndPos     pglogrepl.LSN // zero means no stop position
	OriginLSN  pglogrepl.LSN // transactions committing at or below this are executed, then rolled back instead of committed
}

// EnsureOrigin creates the named replication origin if it doesn't already
// exist and returns its currently recorded progress LSN (zero if freshly
// created), the position apply should resume from.
func EnsureOrigin(ctx context.Context, conn *pgx.Conn, name string) (pglogrepl.LSN, error) {
	_, err := conn.Exec(ctx, "select pg_replication_origin_create($1)", name)
	if err != nil && !isDuplicateOrigin(err) {
		return 0, xerrors.Wrapf(xerrors.Upstream, "apply: create origin %s: %w", name, err)
	}

	var lsnText string
	row := conn.QueryRow(ctx, "select pg_replication_origin_progress($1, false)", name)
	if err := row.Scan(&lsnText); err != nil {
		return 0, xerrors.Wrapf(xerrors.Upstream, "apply: origin progress %s: %w", name, err)
	}
	if lsnText == "" {
		return 0, nil
	}
	lsn, err := pglogrepl.ParseLSN(lsnText)
	if err != nil {
		return 0, xerrors.Wrapf(xerrors.Data, "apply: parse origin progress %q: %w", lsnText, err)
	}
	return lsn, nil
}

func isDuplicateOrigin(err error) bool {
	var pgErr *pgconn.PgError
	if ok := asPgError(err, &pgErr); ok {
		return pgErr.Code == "23505" // unique_violation on replorigin_name_index
	}
	return false
}

func asPgError(err error, target **pgconn.PgError) bool {
	for err != nil {
		if pe, ok := err.(*pgconn.PgError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// SessionSetup marks the connection's session as replaying on behalf of
// name, required before any pg_replication_origin_xact_setup call on that
// connection succeeds. Call once per connection, before the first File.
func SessionSetup(ctx context.Context, conn *pgx.Conn, name string) error {
	if name == "" {
		return nil
	}
	_, err := conn.Exec(ctx, "select pg_replication_origin_session_setup($1)", name)
	if err != nil {
		return xerrors.Wrapf(xerrors.Upstream, "apply: session setup %s: %w", name, err)
	}
	return nil
}

// File applies every transaction in sqlPath, one at a time. transform.
// TransformFile can pack several BEGIN/COMMIT-bracketed transactions into a
// single segment file, so each one gets its own target transaction: a crash
// mid-file only loses the transaction that was in flight, never one that
// already committed earlier in the same file. The replication origin
// advances (via pg_replication_origin_xact_setup, which may only be called
// once per transaction) right before each transaction's own commit.
//
// Any transaction whose commit LSN is at or below opts.OriginLSN has
// already been applied by a prior run; its statements still execute inside
// a transaction (so malformed SQL is still caught) but that transaction is
// rolled back instead of committed, so it can never double-apply.
//
// Returns reachedEndPos=true as soon as a freshly applied commit LSN
// reaches or passes opts.EndPos, telling the caller to stop before the next
// file even if more transactions remain in this one. lastLSN is the commit
// LSN of the last transaction actually applied (zero if none were), for
// the caller to publish as the sentinel's replay position.
func File(ctx context.Context, conn *pgx.Conn, sqlPath string, opts Options) (reachedEndPos bool, lastLSN pglogrepl.LSN, err error) {
	f, err := os.Open(sqlPath)
	if err != nil {
		return false, 0, fmt.Errorf("apply: open %s: %w", sqlPath, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var tx pgx.Tx
	closeTx := func(commit bool) error {
		if tx == nil {
			return nil
		}
		var err error
		if commit {
			err = tx.Commit(ctx)
		} else {
			err = tx.Rollback(ctx)
		}
		tx = nil
		return err
	}
	defer func() { _ = closeTx(false) }()

	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "-- begin "):
			if tx != nil {
				return false, lastLSN, xerrors.Wrapf(xerrors.Data, "apply: %s: nested BEGIN before matching COMMIT", sqlPath)
			}
			started, err := conn.Begin(ctx)
			if err != nil {
				return false, lastLSN, xerrors.Wrapf(xerrors.Upstream, "apply: begin: %w", err)
			}
			tx = started
			continue
		case strings.HasPrefix(line, "-- commit "):
			if tx == nil {
				return false, lastLSN, xerrors.Wrapf(xerrors.Data, "apply: %s: COMMIT with no matching BEGIN", sqlPath)
			}
			commitLSN, perr := parseLSNField(line)
			if perr != nil {
				_ = closeTx(false)
				return false, lastLSN, xerrors.Wrapf(xerrors.Data, "apply: %s: %w", sqlPath, perr)
			}

			if commitLSN != 0 && commitLSN <= opts.OriginLSN {
				if err := closeTx(false); err != nil {
					return false, lastLSN, xerrors.Wrapf(xerrors.Upstream, "apply: rollback already-applied txn: %w", err)
				}
				continue
			}

			if err := advanceOrigin(ctx, tx, opts.OriginName, commitLSN); err != nil {
				_ = closeTx(false)
				return false, lastLSN, err
			}
			if err := closeTx(true); err != nil {
				return false, lastLSN, xerrors.Wrapf(xerrors.Upstream, "apply: commit: %w", err)
			}
			lastLSN = commitLSN
			if opts.EndPos != 0 && commitLSN != 0 && commitLSN >= opts.EndPos {
				return true, lastLSN, nil
			}
			continue
		case strings.HasPrefix(line, "-- switch wal "), strings.HasPrefix(line, "-- keepalive "):
			continue
		case line == "":
			continue
		}

		if tx == nil {
			slog.Warn("apply: statement outside transaction boundaries, applying anyway", "sql", line)
			if _, err := conn.Exec(ctx, line); err != nil {
				return false, lastLSN, xerrors.Wrapf(xerrors.Data, "apply: exec %q: %w", line, err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, line); err != nil {
			_ = closeTx(false)
			return false, lastLSN, xerrors.Wrapf(xerrors.Data, "apply: exec %q: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return false, lastLSN, err
	}
	if tx != nil {
		return false, lastLSN, xerrors.Wrapf(xerrors.Data, "apply: %s: truncated, BEGIN without matching COMMIT", sqlPath)
	}
	return false, lastLSN, nil
}

// advanceOrigin records replay progress via pg_replication_origin_xact_setup
// ahead of commit, the standard way to make origin advancement atomic with
// the data change it corresponds to.
func advanceOrigin(ctx context.Context, tx pgx.Tx, originName string, lsn pglogrepl.LSN) error {
	if originName == "" || lsn == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, "select pg_replication_origin_xact_setup($1, now())", lsn.String())
	if err != nil {
		return xerrors.Wrapf(xerrors.Upstream, "apply: origin xact setup: %w", err)
	}
	return nil
}

func parseLSNField(line string) (pglogrepl.LSN, error) {
	text := extractField(line, "lsn=")
	if text == "" {
		return 0, nil
	}
	return pglogrepl.ParseLSN(text)
}

func extractField(line, key string) string {
	idx := strings.Index(line, key)
	if idx < 0 {
		return ""
	}
	rest := line[idx+len(key):]
	if sp := strings.IndexByte(rest, ' '); sp >= 0 {
		return rest[:sp]
	}
	return rest
}
