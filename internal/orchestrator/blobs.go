package orchestrator

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dbxfer/dbxfer/internal/snapshot"
	"github.com/dbxfer/dbxfer/internal/xerrors"
)

// CopyBlobs copies every large object from source to target, preserving
// OIDs so columns of type oid referencing them on the target still resolve.
// It reads each blob whole with lo_get; callers with blobs too large to fit
// in memory should split them externally before migrating, same constraint
// the original tool's large-object copier has.
func CopyBlobs(ctx context.Context, source, target *pgxpool.Pool, snap *snapshot.Manager) (int64, error) {
	srcConn, err := source.Acquire(ctx)
	if err != nil {
		return 0, xerrors.Wrapf(xerrors.Upstream, "acquire source conn for blobs: %w", err)
	}
	defer srcConn.Release()

	tx, err := srcConn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return 0, xerrors.Wrapf(xerrors.Upstream, "begin blobs tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if snap != nil {
		if err := snap.Apply(ctx, srcConn.Conn()); err != nil {
			return 0, err
		}
	}

	rows, err := tx.Query(ctx, "select oid from pg_largeobject_metadata order by oid")
	if err != nil {
		return 0, xerrors.Wrapf(xerrors.Upstream, "list large objects: %w", err)
	}
	defer rows.Close()

	var count int64
	for rows.Next() {
		var oid uint32
		if err := rows.Scan(&oid); err != nil {
			return count, err
		}

		var data []byte
		if err := tx.QueryRow(ctx, "select lo_get($1)", oid).Scan(&data); err != nil {
			return count, xerrors.Wrapf(xerrors.Data, "read blob %d: %w", oid, err)
		}

		if _, err := target.Exec(ctx, fmt.Sprintf("select lo_create(%d)", oid)); err != nil {
			return count, xerrors.Wrapf(xerrors.Upstream, "create blob %d on target: %w", oid, err)
		}
		if _, err := target.Exec(ctx, "select lo_put($1, 0, $2)", oid, data); err != nil {
			return count, xerrors.Wrapf(xerrors.Data, "write blob %d: %w", oid, err)
		}
		count++
	}
	return count, rows.Err()
}
