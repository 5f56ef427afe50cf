package workdir

import (
	"fmt"
	"os"

	"github.com/dbxfer/dbxfer/internal/lock"
)

// State is a bitmask of which top-level phases of a copy-db run have
// completed, rebuilt from the presence of done-files under RunDir. A fresh
// work dir has State==0; State==AllDone means every phase finished.
type State uint8

const (
	SchemaDumped State = 1 << iota
	SchemaPreRestored
	SchemaPostRestored
	TablesCopied
	IndexesCopied
	SequencesCopied
	BlobsCopied
)

// AllDone is the state reached once every phase above has completed.
const AllDone = SchemaDumped | SchemaPreRestored | SchemaPostRestored |
	TablesCopied | IndexesCopied | SequencesCopied | BlobsCopied

// Has reports whether every bit in want is set.
func (s State) Has(want State) bool { return s&want == want }

// Inspect rebuilds State from the done-files left by a previous run.
func Inspect(p *Paths) State {
	var s State
	if exists(p.DumpPreDone) && exists(p.DumpPostDone) {
		s |= SchemaDumped
	}
	if exists(p.RestorePreDone) {
		s |= SchemaPreRestored
	}
	if exists(p.RestorePostDone) {
		s |= SchemaPostRestored
	}
	if exists(p.TablesDone) {
		s |= TablesCopied
	}
	if exists(p.IndexesDone) {
		s |= IndexesCopied
	}
	if exists(p.SequencesDone) {
		s |= SequencesCopied
	}
	if exists(p.BlobsDone) {
		s |= BlobsCopied
	}
	return s
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Handle owns the pidfile lock for the lifetime of a run. Release must be
// called (typically via defer) to drop the lock.
type Handle struct {
	paths *Paths
	fl    *lock.FileLock
}

// Init resolves the restart/resume precedence rules and takes the pidfile
// lock for this run:
//
//   - directory absent, or present but with no schema dump yet: create (or
//     reuse the empty shell) and proceed, regardless of restart/resume — a
//     fresh work dir has nothing to resume and nothing to restart.
//   - restart wins over resume: if both are requested on a dir that already
//     has state, the work dir is wiped and the run starts from scratch.
//   - resume on a work dir that already has state proceeds without removing
//     anything, picking up from whatever done-files exist.
//   - neither flag, but a work dir already holds state: refuse to run, the
//     caller must say explicitly whether to continue or start over.
//   - a pidfile locked by a live process always refuses, regardless of
//     restart/resume, since a second run would corrupt the first one's
//     in-progress files.
func Init(p *Paths, restart, resume, auxiliary bool) (*Handle, error) {
	existed := exists(p.TopDir)

	if existed && !auxiliary {
		if pid, err := lock.ReadPid(p.PidFile); err == nil && lock.ProcessAlive(pid) {
			return nil, fmt.Errorf("work dir %s is in use by running process %d", p.TopDir, pid)
		}
	}

	// Only a completed schema dump counts as "state worth guarding"; a dir
	// that exists but never got that far is treated as fresh regardless of
	// restart/resume, matching the original tool's dirState.schemaDumpIsDone
	// check ("if we did nothing yet, just act as if --resume was used").
	dumped := existed && Inspect(p).Has(SchemaDumped)

	switch {
	case !dumped:
	case restart:
		if err := os.RemoveAll(p.TopDir); err != nil {
			return nil, fmt.Errorf("restart: remove %s: %w", p.TopDir, err)
		}
	case resume:
		// proceed without removing anything.
	default:
		return nil, fmt.Errorf("work dir %s already has state; pass --resume or --restart", p.TopDir)
	}

	if err := p.Prepare(); err != nil {
		return nil, err
	}

	fl := lock.New(p.PidFile)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", p.PidFile, err)
	}
	if !ok {
		return nil, fmt.Errorf("work dir %s is locked by another process", p.TopDir)
	}
	if err := fl.WritePid(); err != nil {
		_ = fl.Unlock()
		return nil, err
	}

	return &Handle{paths: p, fl: fl}, nil
}

// Release drops the pidfile lock. Safe to call once; the pidfile itself is
// left behind.
func (h *Handle) Release() error {
	return h.fl.Unlock()
}
