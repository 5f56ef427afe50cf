// Package summary reads and writes the positional, newline-delimited
// done-files dbxfer drops next to each table/index/blob it copies. The
// format is intentionally dead simple text, not JSON, so a stuck run can be
// inspected with plain `cat` the way the original tool's summaries were.
package summary

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// TableSummary is the on-disk record for one table-data copy (or one part of
// a partitioned table-data copy).
type TableSummary struct {
	Pid         int
	Oid         uint32
	Namespace   string
	Relname     string
	StartedAt   time.Time
	DoneAt      time.Time
	DurationMs  int64
	Command     string // the COPY statement used, kept for post-mortem debugging
}

// WriteTableSummary writes the 8-line positional record, matching
// write_table_summary's field order exactly so the layout stays stable
// across runs.
func WriteTableSummary(path string, s TableSummary) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, s.Pid)
	fmt.Fprintln(w, s.Oid)
	fmt.Fprintln(w, s.Namespace)
	fmt.Fprintln(w, s.Relname)
	fmt.Fprintln(w, s.StartedAt.Unix())
	fmt.Fprintln(w, s.DoneAt.Unix())
	fmt.Fprintln(w, s.DurationMs)
	fmt.Fprintln(w, s.Command)
	return w.Flush()
}

// ReadTableSummary parses a done-file written by WriteTableSummary. A
// missing file is not an error the caller should treat as fatal; callers
// check os.IsNotExist themselves to decide "not done yet" vs "corrupt".
func ReadTableSummary(path string) (TableSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TableSummary{}, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) < 8 {
		return TableSummary{}, fmt.Errorf("summary.ReadTableSummary: %s: expected 8 lines, got %d", path, len(lines))
	}

	var s TableSummary
	s.Pid, _ = strconv.Atoi(lines[0])
	oid, _ := strconv.ParseUint(lines[1], 10, 32)
	s.Oid = uint32(oid)
	s.Namespace = lines[2]
	s.Relname = lines[3]
	startEpoch, _ := strconv.ParseInt(lines[4], 10, 64)
	s.StartedAt = time.Unix(startEpoch, 0)
	doneEpoch, _ := strconv.ParseInt(lines[5], 10, 64)
	s.DoneAt = time.Unix(doneEpoch, 0)
	s.DurationMs, _ = strconv.ParseInt(lines[6], 10, 64)
	s.Command = strings.Join(lines[7:], "\n")
	return s, nil
}

// IndexSummary is the on-disk record for one index build or one constraint
// creation. Constraint is the discriminator: when true, Relname/Command
// describe the backing constraint rather than a plain CREATE INDEX.
type IndexSummary struct {
	Pid        int
	Oid        uint32
	Namespace  string
	Relname    string
	StartedAt  time.Time
	DoneAt     time.Time
	DurationMs int64
	Command    string
	Constraint bool
}

// WriteIndexSummary writes the same 8-line shape as WriteTableSummary; the
// Constraint bit is folded into a 9th line so existing table-summary parsers
// don't need to special-case it.
func WriteIndexSummary(path string, s IndexSummary) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, s.Pid)
	fmt.Fprintln(w, s.Oid)
	fmt.Fprintln(w, s.Namespace)
	fmt.Fprintln(w, s.Relname)
	fmt.Fprintln(w, s.StartedAt.Unix())
	fmt.Fprintln(w, s.DoneAt.Unix())
	fmt.Fprintln(w, s.DurationMs)
	fmt.Fprintln(w, s.Command)
	fmt.Fprintln(w, s.Constraint)
	return w.Flush()
}

// ReadIndexSummary parses a done-file written by WriteIndexSummary.
func ReadIndexSummary(path string) (IndexSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return IndexSummary{}, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) < 9 {
		return IndexSummary{}, fmt.Errorf("summary.ReadIndexSummary: %s: expected 9 lines, got %d", path, len(lines))
	}

	var s IndexSummary
	s.Pid, _ = strconv.Atoi(lines[0])
	oid, _ := strconv.ParseUint(lines[1], 10, 32)
	s.Oid = uint32(oid)
	s.Namespace = lines[2]
	s.Relname = lines[3]
	startEpoch, _ := strconv.ParseInt(lines[4], 10, 64)
	s.StartedAt = time.Unix(startEpoch, 0)
	doneEpoch, _ := strconv.ParseInt(lines[5], 10, 64)
	s.DoneAt = time.Unix(doneEpoch, 0)
	s.DurationMs, _ = strconv.ParseInt(lines[6], 10, 64)
	s.Command = lines[7]
	s.Constraint, _ = strconv.ParseBool(lines[8])
	return s, nil
}

// WriteTableIndexList records, for one table, the ordered list of index/
// constraint OID pairs built against it, one line "indexOid constraintOid"
// per index (constraintOid 0 when there is none). The orchestrator writes
// this file once per table that has indexes, after every table copy has
// finished.
func WriteTableIndexList(path string, pairs [][2]uint32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, p := range pairs {
		fmt.Fprintf(w, "%d %d\n", p[0], p[1])
	}
	return w.Flush()
}

// ReadTableIndexList parses a file written by WriteTableIndexList.
func ReadTableIndexList(path string) ([][2]uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out [][2]uint32
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line == "" {
			continue
		}
		var idx, cons uint64
		if _, err := fmt.Sscanf(line, "%d %d", &idx, &cons); err != nil {
			return nil, fmt.Errorf("summary.ReadTableIndexList: %s: %w", path, err)
		}
		out = append(out, [2]uint32{uint32(idx), uint32(cons)})
	}
	return out, nil
}
