package summary

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// BlobsSummary is the on-disk record written once large-object copying
// finishes, matching write_blobs_summary's 3-line shape.
type BlobsSummary struct {
	Pid        int
	Count      int64
	DurationMs int64
}

// WriteBlobsSummary writes pid/count/durationMs, one per line.
func WriteBlobsSummary(path string, s BlobsSummary) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, s.Pid)
	fmt.Fprintln(w, s.Count)
	fmt.Fprintln(w, s.DurationMs)
	return w.Flush()
}

// ReadBlobsSummary parses a done-file written by WriteBlobsSummary.
func ReadBlobsSummary(path string) (BlobsSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BlobsSummary{}, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) < 3 {
		return BlobsSummary{}, fmt.Errorf("summary.ReadBlobsSummary: %s: expected 3 lines, got %d", path, len(lines))
	}
	var s BlobsSummary
	s.Pid, _ = strconv.Atoi(lines[0])
	s.Count, _ = strconv.ParseInt(lines[1], 10, 64)
	s.DurationMs, _ = strconv.ParseInt(lines[2], 10, 64)
	return s, nil
}
