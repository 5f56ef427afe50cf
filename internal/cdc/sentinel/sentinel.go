// Package sentinel manages the single-row control record that coordinates
// CDC receive/transform/apply across process restarts: where streaming
// started, where it should stop, whether apply is currently enabled, and
// how far replay has actually progressed.
package sentinel

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pglogrepl"
)

// Conn is the subset of *pgx.Conn the sentinel needs, narrowed so tests can
// exercise it against pgxmock instead of a live connection.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const tableName = "dbxfer.sentinel"

const createTableSQL = `
create schema if not exists dbxfer;
create table if not exists ` + tableName + ` (
	id              bool primary key default true check (id),
	start_lsn       pg_lsn not null,
	end_lsn         pg_lsn,
	apply_enabled   bool not null default false,
	replay_lsn      pg_lsn,
	reached_end_pos bool not null default false
);`

// Record is the sentinel's single row.
type Record struct {
	StartLSN      pglogrepl.LSN
	EndLSN        pglogrepl.LSN // zero means unset
	ApplyEnabled  bool
	ReplayLSN     pglogrepl.LSN
	ReachedEndPos bool
}

// Setup creates the sentinel table (idempotent) and seeds its one row with
// startLSN if the table is empty.
func Setup(ctx context.Context, conn Conn, startLSN pglogrepl.LSN) error {
	if _, err := conn.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("sentinel: create table: %w", err)
	}
	_, err := conn.Exec(ctx, fmt.Sprintf(
		"insert into %s (id, start_lsn) values (true, $1) on conflict (id) do nothing", tableName), startLSN.String())
	if err != nil {
		return fmt.Errorf("sentinel: seed row: %w", err)
	}
	return nil
}

// Get reads the current sentinel row.
func Get(ctx context.Context, conn Conn) (Record, error) {
	var r Record
	var startStr, endStr, replayStr *string
	err := conn.QueryRow(ctx, fmt.Sprintf(
		"select start_lsn::text, end_lsn::text, apply_enabled, replay_lsn::text, reached_end_pos from %s where id", tableName),
	).Scan(&startStr, &endStr, &r.ApplyEnabled, &replayStr, &r.ReachedEndPos)
	if err != nil {
		return Record{}, fmt.Errorf("sentinel: get: %w", err)
	}
	if startStr != nil {
		r.StartLSN, _ = pglogrepl.ParseLSN(*startStr)
	}
	if endStr != nil {
		r.EndLSN, _ = pglogrepl.ParseLSN(*endStr)
	}
	if replayStr != nil {
		r.ReplayLSN, _ = pglogrepl.ParseLSN(*replayStr)
	}
	return r, nil
}

// SetApplyEnabled flips the apply_enabled bit, the `stream sentinel
// set-apply` verb's backing call: apply is gated off until the initial
// table copy finishes, so CDC replay doesn't race ahead of data the bulk
// copy hasn't landed yet.
func SetApplyEnabled(ctx context.Context, conn Conn, enabled bool) error {
	_, err := conn.Exec(ctx, fmt.Sprintf("update %s set apply_enabled = $1 where id", tableName), enabled)
	if err != nil {
		return fmt.Errorf("sentinel: set apply_enabled: %w", err)
	}
	return nil
}

// SetEndPos records the LSN apply should stop at, used to replay CDC only
// up to a known point (e.g. a cutover). Setting a new end position clears
// any previously recorded reached_end_pos, since that flag describes
// whether apply reached *this* endpoint.
func SetEndPos(ctx context.Context, conn Conn, endLSN pglogrepl.LSN) error {
	_, err := conn.Exec(ctx, fmt.Sprintf(
		"update %s set end_lsn = $1, reached_end_pos = false where id", tableName), endLSN.String())
	if err != nil {
		return fmt.Errorf("sentinel: set end_lsn: %w", err)
	}
	return nil
}

// AdvanceReplay records how far apply has actually progressed, so a
// restarted `stream apply` run knows where to resume reading transform
// output from.
func AdvanceReplay(ctx context.Context, conn Conn, replayLSN pglogrepl.LSN) error {
	_, err := conn.Exec(ctx, fmt.Sprintf("update %s set replay_lsn = $1 where id", tableName), replayLSN.String())
	if err != nil {
		return fmt.Errorf("sentinel: advance replay: %w", err)
	}
	return nil
}

// MarkReachedEndPos flips reached_end_pos once apply has processed a
// transaction committing at or after end_lsn, per the "an LSN exactly
// equal to endLSN is included" boundary rule.
func MarkReachedEndPos(ctx context.Context, conn Conn) error {
	_, err := conn.Exec(ctx, fmt.Sprintf("update %s set reached_end_pos = true where id", tableName))
	if err != nil {
		return fmt.Errorf("sentinel: mark reached end pos: %w", err)
	}
	return nil
}
