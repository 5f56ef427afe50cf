// Package transform turns one segment's JSON-lines file of decoded
// wal2json payloads into an apply-ready SQL file, a pure, restartable
// function over two file paths — nothing about it depends on a live
// connection, so a transform run can be retried freely.
package transform

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dbxfer/dbxfer/internal/cdc"
	"github.com/dbxfer/dbxfer/internal/cdc/decoder"
)

type envelope struct {
	LSN     string `json:"lsn"`
	Payload string `json:"payload"`
}

// TransformFile reads jsonPath line by line and writes the resulting SQL
// statements to sqlPath, one statement per line, grouped by transaction
// between "-- begin xid=N" and "-- commit xid=N lsn=X/Y" comment lines,
// which apply.File parses to find transaction boundaries and commit LSNs.
func TransformFile(jsonPath, sqlPath string) error {
	in, err := os.Open(jsonPath)
	if err != nil {
		return fmt.Errorf("transform: open %s: %w", jsonPath, err)
	}
	defer in.Close()

	out, err := os.Create(sqlPath)
	if err != nil {
		return fmt.Errorf("transform: create %s: %w", sqlPath, err)
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	defer w.Flush()

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var tx *cdc.Transaction
	for sc.Scan() {
		var env envelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			return fmt.Errorf("transform: bad envelope in %s: %w", jsonPath, err)
		}

		stmt, meta, err := decoder.Decode([]byte(env.Payload), decoder.PluginWal2JSON)
		if err != nil {
			return fmt.Errorf("transform: decode %s: %w", jsonPath, err)
		}

		switch meta.Action {
		case cdc.ActionBegin:
			tx = &cdc.Transaction{Xid: meta.Xid}
			continue
		case cdc.ActionCommit:
			if tx == nil {
				continue // commit without a matching begin, e.g. truncated at segment start
			}
			fmt.Fprintf(w, "-- begin xid=%d\n", tx.Xid)
			if err := writeStatements(w, tx); err != nil {
				return err
			}
			fmt.Fprintf(w, "-- commit xid=%d lsn=%s\n", tx.Xid, env.LSN)
			tx = nil
			continue
		}

		if tx == nil || stmt == nil {
			continue
		}
		tx.Statements = append(tx.Statements, stmt)
	}
	return sc.Err()
}

func writeStatements(w *bufio.Writer, tx *cdc.Transaction) error {
	for _, s := range tx.Statements {
		sql, err := toSQL(s)
		if err != nil {
			return err
		}
		if sql == "" {
			continue
		}
		if _, err := fmt.Fprintln(w, sql); err != nil {
			return err
		}
	}
	return nil
}

func toSQL(s cdc.Statement) (string, error) {
	switch v := s.(type) {
	case cdc.InsertStatement:
		return insertSQL(v), nil
	case cdc.UpdateStatement:
		return updateSQL(v), nil
	case cdc.DeleteStatement:
		return deleteSQL(v), nil
	case cdc.TruncateStatement:
		return truncateSQL(v), nil
	default:
		return "", fmt.Errorf("transform: unsupported statement type %T", s)
	}
}

func qualify(ns, rel string) string { return fmt.Sprintf("%q.%q", ns, rel) }

func insertSQL(s cdc.InsertStatement) string {
	cols, vals := tupleColumnsValues(s.New)
	return fmt.Sprintf("insert into %s (%s) values (%s);", qualify(s.Namespace, s.Relation), cols, vals)
}

func updateSQL(s cdc.UpdateStatement) string {
	sets := make([]string, 0, len(s.New))
	for k, v := range s.New {
		sets = append(sets, fmt.Sprintf("%q = %s", k, literal(v)))
	}
	where := whereFromTuple(s.Old)
	return fmt.Sprintf("update %s set %s where %s;", qualify(s.Namespace, s.Relation), strings.Join(sets, ", "), where)
}

func deleteSQL(s cdc.DeleteStatement) string {
	where := whereFromTuple(s.Old)
	return fmt.Sprintf("delete from %s where %s;", qualify(s.Namespace, s.Relation), where)
}

func truncateSQL(s cdc.TruncateStatement) string {
	names := make([]string, 0, len(s.Relations))
	for _, r := range s.Relations {
		names = append(names, qualify(r.Namespace, r.Relation))
	}
	stmt := "truncate " + strings.Join(names, ", ")
	if s.Cascade {
		stmt += " cascade"
	}
	return stmt + ";"
}

func tupleColumnsValues(t cdc.Tuple) (string, string) {
	cols := make([]string, 0, len(t))
	vals := make([]string, 0, len(t))
	for k, v := range t {
		cols = append(cols, fmt.Sprintf("%q", k))
		vals = append(vals, literal(v))
	}
	return strings.Join(cols, ", "), strings.Join(vals, ", ")
}

func whereFromTuple(t cdc.Tuple) string {
	if len(t) == 0 {
		return "true" // no replica identity available; apply relies on table having none to lose
	}
	clauses := make([]string, 0, len(t))
	for k, v := range t {
		clauses = append(clauses, fmt.Sprintf("%q = %s", k, literal(v)))
	}
	return strings.Join(clauses, " and ")
}

func literal(v *string) string {
	if v == nil {
		return "null"
	}
	return "'" + strings.ReplaceAll(*v, "'", "''") + "'"
}
