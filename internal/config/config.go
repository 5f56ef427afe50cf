// Package config collects the parameters shared by every dbxfer verb.
// Flags take precedence; anything left unset falls back to the
// PGCOPYDB_*-prefixed environment variables so dbxfer can be driven entirely
// from the environment inside containers, the way the original tool is.
package config

import "os"

// Config mirrors the CLI flags of every verb. It is a superset; each command
// only reads the fields relevant to it.
type Config struct {
	SourcePGURI string
	TargetPGURI string

	Dir string // work directory; "" means $TMPDIR/dbxfer

	TableJobs   int
	IndexJobs   int
	VacuumJobs  int
	SplitTables int // size threshold in bytes above which a table is split into parts

	Snapshot string // reuse an externally exported snapshot id

	SkipExtensions bool
	SkipRoles      bool
	SkipVacuum     bool

	Resume  bool
	Restart bool

	Plugin  string // logical decoding plugin; only wal2json output is decoded
	SlotName string
	Origin   string
	EndPos   string

	Debug   bool
	Verbose bool

	Progress    string
	ProgressInt int
}

// ApplyEnv fills any field still at its zero value from the environment,
// following the PGCOPYDB_* table.
func (c *Config) ApplyEnv() {
	if c.SourcePGURI == "" {
		c.SourcePGURI = os.Getenv("PGCOPYDB_SOURCE_PGURI")
	}
	if c.TargetPGURI == "" {
		c.TargetPGURI = os.Getenv("PGCOPYDB_TARGET_PGURI")
	}
	if c.Dir == "" {
		c.Dir = os.Getenv("PGCOPYDB_DIR")
	}
	if c.TableJobs == 0 {
		c.TableJobs = envInt("PGCOPYDB_TABLE_JOBS", 4)
	}
	if c.IndexJobs == 0 {
		c.IndexJobs = envInt("PGCOPYDB_INDEX_JOBS", 4)
	}
	if c.VacuumJobs == 0 {
		c.VacuumJobs = envInt("PGCOPYDB_VACUUM_JOBS", 4)
	}
	if c.SplitTables == 0 {
		c.SplitTables = envInt("PGCOPYDB_SPLIT_TABLES_LARGER_THAN", 0)
	}
	if c.Snapshot == "" {
		c.Snapshot = os.Getenv("PGCOPYDB_SNAPSHOT")
	}
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
	}
	return n
}
