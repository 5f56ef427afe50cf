// Package walseg computes WAL segment boundaries for the CDC receive file
// rotation, the arithmetic wal.Receiver existed to hand off to
// pg_receivewal; here it drives naming the JSON-lines files stream receive
// writes directly instead of wrapping an external binary.
package walseg

import (
	"fmt"

	"github.com/jackc/pglogrepl"
)

// DefaultSize is used when the source's wal_segment_size hasn't been probed
// yet; 16MB matches PostgreSQL's historical default.
const DefaultSize = 16 * 1024 * 1024

// Number returns which WAL segment an LSN falls in, given the source's
// configured segment size.
func Number(lsn pglogrepl.LSN, segSize uint64) uint64 {
	return uint64(lsn) / segSize
}

// FileName formats a segment number the way pg_walfile_name does, as a
// 24-hex-digit name (8 digits timeline, 8 digits high 32 bits of LSN, 8
// digits low 32 bits divided by segment size) — dbxfer always uses
// timeline 1 files here since CDC streaming doesn't follow physical
// timeline switches.
func FileName(segNo uint64, segSize uint64) string {
	segsPerXlog := uint64(0x100000000) / segSize
	high := segNo / segsPerXlog
	low := segNo % segsPerXlog
	return fmt.Sprintf("%08X%08X%08X", 1, high, low)
}

// PartialName is the name a not-yet-complete segment's JSON file uses,
// analogous to pg_receivewal's ".partial" suffix convention.
func PartialName(segNo uint64, segSize uint64) string {
	return FileName(segNo, segSize) + ".json.partial"
}

// FinalName is the name a segment's JSON file is renamed to once a later
// message's LSN falls in a following segment.
func FinalName(segNo uint64, segSize uint64) string {
	return FileName(segNo, segSize) + ".json"
}
