// Package catalog fetches the source database's table/index/sequence/
// extension inventory that the copy orchestrator plans its work from.
package catalog

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/dbxfer/dbxfer/internal/postgres"
)

// SourceTable describes one table to copy, along with enough metadata to
// estimate whether it should be split into parts.
type SourceTable struct {
	Oid          uint32
	Namespace    string
	Relname      string
	EstimatedRows int64
	RelSizeBytes int64
	PartitionKey string // column used to split into parts, "" if not splittable
}

// SourceIndex describes one index (or the constraint backing it) to rebuild
// on the target after table data lands.
type SourceIndex struct {
	Oid            uint32
	ConstraintOid  uint32 // 0 if the index isn't backing a constraint
	TableOid       uint32
	TableRelname   string
	Namespace      string
	Relname        string
	DDL            string
	ConstraintName string // "" if ConstraintOid == 0
	ConstraintKind string // "PRIMARY KEY" or "UNIQUE", "" if ConstraintOid == 0
}

// SourceSequence describes one sequence whose current value must be
// restored after data copy so nextval() picks up where the source left off.
type SourceSequence struct {
	Oid       uint32
	Namespace string
	Relname   string
	LastValue int64
	IsCalled  bool
}

// Extension describes one source-side extension dbxfer needs to recreate
// (or at least record) before restoring the rest of the schema.
type Extension struct {
	Name      string
	Namespace string
	Version   string
}

const tablesQuery = `
select c.oid, n.nspname, c.relname,
       coalesce(c.reltuples, 0)::bigint,
       pg_total_relation_size(c.oid),
       coalesce(pk.colname, '')
from pg_class c
join pg_namespace n on n.oid = c.relnamespace
left join lateral (
    select a.attname as colname
    from pg_constraint con
    join pg_attribute a on a.attrelid = con.conrelid and a.attnum = con.conkey[1]
    where con.conrelid = c.oid
      and con.contype = 'p'
      and array_length(con.conkey, 1) = 1
      and a.atttypid in ('int2'::regtype, 'int4'::regtype, 'int8'::regtype)
) pk on true
where c.relkind in ('r', 'p')
  and n.nspname not in ('pg_catalog', 'information_schema')
order by c.oid`

// ListTables streams the table inventory via postgres.StreamRows so large
// catalogs never have to be materialized as a single result set.
// PartitionKey is populated when the table has a single-column integer
// primary key, the only shape dbxfer knows how to split into numeric-range
// parts for --split-tables-larger-than.
func ListTables(ctx context.Context, q postgres.Queryer) ([]SourceTable, error) {
	var out []SourceTable
	err := postgres.StreamRows(ctx, q, tablesQuery, nil, 6, func(v []any) error {
		out = append(out, SourceTable{
			Oid:           v[0].(uint32),
			Namespace:     v[1].(string),
			Relname:       v[2].(string),
			EstimatedRows: v[3].(int64),
			RelSizeBytes:  v[4].(int64),
			PartitionKey:  v[5].(string),
		})
		return nil
	})
	return out, err
}

// KeyRange fetches the min/max value of t.PartitionKey, used to plan
// numeric-range parts for a table above the split threshold.
func KeyRange(ctx context.Context, q postgres.Queryer, t SourceTable) (min, max int64, err error) {
	qualified := pgx.Identifier{t.Namespace, t.Relname}.Sanitize()
	col := pgx.Identifier{t.PartitionKey}.Sanitize()
	sql := "select min(" + col + "), max(" + col + ") from " + qualified
	var rows []any
	streamErr := postgres.StreamRows(ctx, q, sql, nil, 2, func(v []any) error {
		rows = v
		return nil
	})
	if streamErr != nil {
		return 0, 0, streamErr
	}
	if len(rows) != 2 || rows[0] == nil || rows[1] == nil {
		return 0, 0, nil
	}
	return toInt64(rows[0]), toInt64(rows[1]), nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int16:
		return int64(n)
	}
	return 0
}

const indexesQuery = `
select i.indexrelid, coalesce(con.oid, 0), i.indrelid, tc.relname, n.nspname, ic.relname,
       pg_get_indexdef(i.indexrelid), coalesce(con.conname, ''),
       case con.contype when 'p' then 'PRIMARY KEY' when 'u' then 'UNIQUE' else '' end
from pg_index i
join pg_class ic on ic.oid = i.indexrelid
join pg_class tc on tc.oid = i.indrelid
join pg_namespace n on n.oid = ic.relnamespace
left join pg_constraint con on con.conindid = i.indexrelid and con.contype in ('p', 'u')
where n.nspname not in ('pg_catalog', 'information_schema')
order by i.indrelid, i.indexrelid`

// ListIndexes streams the index inventory for every table above. A
// ConstraintOid of 0 means the index has no backing constraint and is
// created standalone; otherwise ConstraintName/ConstraintKind carry enough
// to issue `ALTER TABLE ... ADD CONSTRAINT ... USING INDEX` after the
// CREATE INDEX that builds it.
func ListIndexes(ctx context.Context, q postgres.Queryer) ([]SourceIndex, error) {
	var out []SourceIndex
	err := postgres.StreamRows(ctx, q, indexesQuery, nil, 9, func(v []any) error {
		out = append(out, SourceIndex{
			Oid:            v[0].(uint32),
			ConstraintOid:  v[1].(uint32),
			TableOid:       v[2].(uint32),
			TableRelname:   v[3].(string),
			Namespace:      v[4].(string),
			Relname:        v[5].(string),
			DDL:            v[6].(string),
			ConstraintName: v[7].(string),
			ConstraintKind: v[8].(string),
		})
		return nil
	})
	return out, err
}

const sequencesQuery = `
select c.oid, n.nspname, c.relname
from pg_class c
join pg_namespace n on n.oid = c.relnamespace
where c.relkind = 'S'
  and n.nspname not in ('pg_catalog', 'information_schema')
order by c.oid`

// ListSequences streams the sequence inventory; current values are fetched
// per-sequence since pg_sequence_last_value() isn't available in a plain
// catalog join.
func ListSequences(ctx context.Context, conn *pgx.Conn) ([]SourceSequence, error) {
	var out []SourceSequence
	err := postgres.StreamRows(ctx, conn, sequencesQuery, nil, 3, func(v []any) error {
		s := SourceSequence{Oid: v[0].(uint32), Namespace: v[1].(string), Relname: v[2].(string)}
		out = append(out, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range out {
		qualified := pgx.Identifier{out[i].Namespace, out[i].Relname}.Sanitize()
		row := conn.QueryRow(ctx, "select last_value, is_called from "+qualified)
		if err := row.Scan(&out[i].LastValue, &out[i].IsCalled); err != nil {
			return nil, err
		}
	}
	return out, nil
}

const extensionsQuery = `
select e.extname, n.nspname, e.extversion
from pg_extension e
join pg_namespace n on n.oid = e.extnamespace
order by e.extname`

// ListExtensions streams the extension inventory.
func ListExtensions(ctx context.Context, q postgres.Queryer) ([]Extension, error) {
	var out []Extension
	err := postgres.StreamRows(ctx, q, extensionsQuery, nil, 3, func(v []any) error {
		out = append(out, Extension{Name: v[0].(string), Namespace: v[1].(string), Version: v[2].(string)})
		return nil
	})
	return out, err
}
