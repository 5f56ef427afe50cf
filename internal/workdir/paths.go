// Package workdir implements the on-disk path layout and directory state
// machine a dbxfer run uses to make copy-db and stream resumable across
// process restarts.
package workdir

import (
	"os"
	"path/filepath"

	"github.com/dbxfer/dbxfer/internal/util/fs"
)

// Paths holds every file and directory dbxfer reads or writes for a single
// run. Names are fixed so a second invocation against the same Dir can
// detect and resume prior work.
type Paths struct {
	TopDir string

	PidFile     string
	SnapshotFile string

	SchemaDir  string
	SchemaJSON string

	RunDir      string
	TableDoneDir string
	IndexDoneDir string

	DumpPreDone     string
	DumpPostDone    string
	RestorePreDone  string
	RestorePostDone string
	TablesDone      string
	IndexesDone     string
	SequencesDone   string
	BlobsDone       string

	CDCDir         string
	OriginFile     string
	TLIFile        string
	TLIHistoryFile string
	WalSegSizeFile string
}

// NewPaths builds the full path layout rooted at dir. If dir is empty it
// falls back to $TMPDIR/dbxfer (or the OS temp dir). auxiliary selects
// dbxfer.aux.pid instead of dbxfer.pid as the pidfile name; the commands in
// internal/cli, the stream verbs included, all pass false.
func NewPaths(dir string, auxiliary bool) *Paths {
	top := dir
	if top == "" {
		tmp := os.Getenv("TMPDIR")
		if tmp == "" {
			tmp = os.TempDir()
		}
		top = filepath.Join(tmp, "dbxfer")
	}

	pidName := "dbxfer.pid"
	if auxiliary {
		pidName = "dbxfer.aux.pid"
	}

	p := &Paths{TopDir: top}
	p.PidFile = filepath.Join(top, pidName)
	p.SnapshotFile = filepath.Join(top, "snapshot")

	p.SchemaDir = filepath.Join(top, "schema")
	p.SchemaJSON = filepath.Join(p.SchemaDir, "schema.json")

	p.RunDir = filepath.Join(top, "run")
	p.TableDoneDir = filepath.Join(p.RunDir, "tables")
	p.IndexDoneDir = filepath.Join(p.RunDir, "indexes")

	p.DumpPreDone = filepath.Join(p.RunDir, "dump-pre.done")
	p.DumpPostDone = filepath.Join(p.RunDir, "dump-post.done")
	p.RestorePreDone = filepath.Join(p.RunDir, "restore-pre.done")
	p.RestorePostDone = filepath.Join(p.RunDir, "restore-post.done")
	p.TablesDone = filepath.Join(p.RunDir, "tables.done")
	p.IndexesDone = filepath.Join(p.RunDir, "indexes.done")
	p.SequencesDone = filepath.Join(p.RunDir, "sequences.done")
	p.BlobsDone = filepath.Join(p.RunDir, "blobs.done")

	if dir != "" {
		p.CDCDir = filepath.Join(top, "cdc")
	} else {
		p.CDCDir = cdcFallbackDir()
	}
	p.OriginFile = filepath.Join(p.CDCDir, "origin")
	p.TLIFile = filepath.Join(p.CDCDir, "tli")
	p.TLIHistoryFile = filepath.Join(p.CDCDir, "tli.history")
	p.WalSegSizeFile = filepath.Join(p.CDCDir, "wal_segment_size")

	return p
}

// cdcFallbackDir mirrors the original's preference for XDG_DATA_HOME over a
// throwaway TMPDIR location, since CDC state must survive a reboot that
// clears /tmp.
func cdcFallbackDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "dbxfer")
}

// Prepare creates every directory the layout needs, leaving existing files
// untouched (mkdir -p semantics).
func (p *Paths) Prepare() error {
	dirs := []string{
		p.TopDir, p.SchemaDir, p.RunDir, p.TableDoneDir, p.IndexDoneDir, p.CDCDir,
	}
	for _, d := range dirs {
		if err := fs.MkdirP(d); err != nil {
			return err
		}
	}
	return nil
}

// TableDonePath returns the on-disk summary path for a table, keyed by OID
// and, for partitioned copies, the part number (0 for an unpartitioned copy).
func (p *Paths) TableDonePath(oid uint32, part int) string {
	if part == 0 {
		return filepath.Join(p.TableDoneDir, oidName(oid))
	}
	return filepath.Join(p.TableDoneDir, oidPartName(oid, part))
}

// IndexDonePath returns the on-disk summary path for an index, keyed by OID.
func (p *Paths) IndexDonePath(oid uint32) string {
	return filepath.Join(p.IndexDoneDir, oidName(oid))
}

// TableLockPath returns the per-table (or per-part) lock file path: whichever
// worker holds this file owns the right to COPY this table/part, so two
// independently invoked workers racing the same table don't duplicate work.
func (p *Paths) TableLockPath(oid uint32, part int) string {
	if part == 0 {
		return filepath.Join(p.TableDoneDir, oidName(oid)+".lock")
	}
	return filepath.Join(p.TableDoneDir, oidPartName(oid, part)+".lock")
}

// IndexLockPath returns the per-index lock file path, covering both the
// CREATE INDEX and (if applicable) ADD CONSTRAINT USING INDEX steps BuildIndex
// performs for one index under a single ownership claim.
func (p *Paths) IndexLockPath(oid uint32) string {
	return filepath.Join(p.IndexDoneDir, oidName(oid)+".lock")
}

// ConstraintDonePath returns the on-disk summary path for the
// ALTER TABLE ... ADD CONSTRAINT ... USING INDEX step that backs an index,
// keyed by constraint OID so it has a name distinct from the index's own
// done-file.
func (p *Paths) ConstraintDonePath(constraintOid uint32) string {
	return filepath.Join(p.IndexDoneDir, "con-"+itoa(constraintOid))
}

// TableIndexListPath returns the path of the per-table file listing the
// indexes/constraints built against it. The orchestrator writes this file
// once per table, after every table copy has finished.
func (p *Paths) TableIndexListPath(oid uint32) string {
	return filepath.Join(p.TableDoneDir, oidName(oid)+".idxlist")
}

func oidName(oid uint32) string {
	return "oid-" + itoa(oid)
}

func oidPartName(oid uint32, part int) string {
	return "oid-" + itoa(oid) + ".part-" + itoa(uint32(part))
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
