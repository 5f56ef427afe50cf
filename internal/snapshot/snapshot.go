// Package snapshot manages the single, long-lived source-side transaction
// that every table-copy worker shares so the whole copy-db run sees one
// consistent point in time, grounded on the pg_export_snapshot()/
// pg_partialcopy pattern.
package snapshot

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Manager owns the long-lived holder transaction. Export opens it; Close
// commits it, releasing the snapshot. Workers never touch the holder
// connection itself — they call Apply on their own connection with the
// exported ID.
type Manager struct {
	holder *pgx.Conn
	id     string
}

// Export opens a new SERIALIZABLE READ ONLY DEFERRABLE transaction on conn
// and exports its snapshot id. conn must stay open and idle for the
// lifetime of the run: committing or closing it invalidates the exported
// id for every worker still using it.
func Export(ctx context.Context, conn *pgx.Conn) (*Manager, error) {
	if _, err := conn.Exec(ctx, "begin isolation level repeatable read read only deferrable"); err != nil {
		return nil, fmt.Errorf("snapshot: begin: %w", err)
	}
	var id string
	if err := conn.QueryRow(ctx, "select pg_export_snapshot()").Scan(&id); err != nil {
		_, _ = conn.Exec(ctx, "rollback")
		return nil, fmt.Errorf("snapshot: pg_export_snapshot: %w", err)
	}
	return &Manager{holder: conn, id: id}, nil
}

// ID returns the exported snapshot identifier, suitable for
// "set transaction snapshot '<id>'" on any other connection.
func (m *Manager) ID() string { return m.id }

// Use reuses a previously exported snapshot id without opening a new holder
// transaction — the --snapshot flag / PGCOPYDB_SNAPSHOT case, where some
// other process (or a prior dbxfer invocation) is keeping the snapshot
// alive.
func Use(id string) *Manager {
	return &Manager{id: id}
}

// Close commits the holder transaction, releasing the exported snapshot. A
// Manager created via Use has no holder and is a no-op.
func (m *Manager) Close(ctx context.Context) error {
	if m.holder == nil {
		return nil
	}
	_, err := m.holder.Exec(ctx, "commit")
	return err
}

// Apply sets conn's current transaction to use m's exported snapshot. conn
// must already be inside a transaction opened with at least REPEATABLE READ.
func (m *Manager) Apply(ctx context.Context, conn *pgx.Conn) error {
	_, err := conn.Exec(ctx, fmt.Sprintf("set transaction snapshot '%s'", m.id))
	if err != nil {
		return fmt.Errorf("snapshot: set transaction snapshot: %w", err)
	}
	return nil
}
