package summary

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"
)

// TopLevelTimings aggregates the duration of each top-level phase of a
// copy-db run, the figures print_toplevel_summary reports at the end of a
// run.
type TopLevelTimings struct {
	DumpSchemaMs     int64
	FetchSchemaMs    int64
	PrepareSchemaMs  int64
	DataAndIndexMs   int64
	TotalTableMs     int64
	BlobsMs          int64
	TotalIndexMs     int64
	FinalizeSchemaMs int64
	TotalMs          int64
}

// PrintToplevelSummary renders the Step/Duration report, adapted
// from rsync.Stats.Summary's plain fmt.Sprintf table into a tabwriter grid
// since this report has a variable number of named rows instead of a fixed
// multi-line template.
func PrintToplevelSummary(w io.Writer, t TopLevelTimings) {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "Step\tDuration")
	fmt.Fprintf(tw, "Dump Schema\t%s\n", formatMs(t.DumpSchemaMs))
	fmt.Fprintf(tw, "Fetch Schema\t%s\n", formatMs(t.FetchSchemaMs))
	fmt.Fprintf(tw, "Prepare Schema\t%s\n", formatMs(t.PrepareSchemaMs))
	fmt.Fprintf(tw, "Copy Data+Indexes (concurrent)\t%s\n", formatMs(t.DataAndIndexMs))
	fmt.Fprintf(tw, "  Copy Table Data\t%s\n", formatMs(t.TotalTableMs))
	fmt.Fprintf(tw, "  Copy Large Objects\t%s\n", formatMs(t.BlobsMs))
	fmt.Fprintf(tw, "  Create Indexes+Constraints\t%s\n", formatMs(t.TotalIndexMs))
	fmt.Fprintf(tw, "Finalize Schema\t%s\n", formatMs(t.FinalizeSchemaMs))
	fmt.Fprintf(tw, "Total\t%s\n", formatMs(t.TotalMs))
	_ = tw.Flush()
}

// TableReportRow is one line of the per-table report PrintSummaryTable
// renders, gathered by reading back every done-file under a work dir.
type TableReportRow struct {
	Oid          uint32
	Namespace    string
	Relname      string
	CopyDuration time.Duration
	NumIndexes   int
	IndexDuration time.Duration
}

// PrintSummaryTable renders the per-table OID/Schema/Name/duration/indexes
// report.
func PrintSummaryTable(w io.Writer, rows []TableReportRow) {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "OID\tSchema\tName\tCopy Duration\tIndexes\tIndex Duration")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			r.Oid, r.Namespace, r.Relname, r.CopyDuration, r.NumIndexes, r.IndexDuration)
	}
	_ = tw.Flush()
}

// BuildTableReport reads every table done-file under dir and its matching
// index-list file, skipping partitioned parts beyond the first so a
// multi-part table is counted once (PrepareSummaryTable's
// tableSpecs->part.partNumber != 0 rule).
func BuildTableReport(tableDoneDir string) ([]TableReportRow, error) {
	entries, err := os.ReadDir(tableDoneDir)
	if err != nil {
		return nil, err
	}
	var rows []TableReportRow
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".idxlist" {
			continue
		}
		// skip parts other than the base file; "oid-N.part-M" is a later part
		if containsPart(name) {
			continue
		}
		ts, err := ReadTableSummary(filepath.Join(tableDoneDir, name))
		if err != nil {
			continue
		}
		row := TableReportRow{
			Oid:          ts.Oid,
			Namespace:    ts.Namespace,
			Relname:      ts.Relname,
			CopyDuration: time.Duration(ts.DurationMs) * time.Millisecond,
		}
		if pairs, err := ReadTableIndexList(filepath.Join(tableDoneDir, name+".idxlist")); err == nil {
			row.NumIndexes = len(pairs)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func containsPart(name string) bool {
	for i := 0; i+6 <= len(name); i++ {
		if name[i:i+6] == ".part-" {
			return true
		}
	}
	return false
}

func formatMs(ms int64) string {
	return time.Duration(ms * int64(time.Millisecond)).String()
}
