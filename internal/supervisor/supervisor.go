// Package supervisor owns the process group a dbxfer run creates its
// pg_dump/pg_restore subprocesses in, and tears the whole group down on
// fatal error or cancellation using setpgid/kill(-pgid) rather than tracking
// each child pid individually.
package supervisor

import (
	"context"
	"log/slog"
	"os/exec"
	"syscall"
	"time"
)

// Supervisor groups every subprocess a run starts under one process group
// id so a single signal reaches all of them, even ones that have
// themselves forked (pg_dump invoking a compression filter, for instance).
type Supervisor struct {
	pgid  int
	grace time.Duration
}

// New creates a Supervisor that will send SIGKILL grace after SIGTERM if a
// group doesn't exit in time.
func New(grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Supervisor{grace: grace}
}

// Prepare configures cmd to start in a new process group, or to join the
// group Adopt already recorded if there is one.
func (s *Supervisor) Prepare(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	if s.pgid != 0 {
		cmd.SysProcAttr.Pgid = s.pgid
	}
}

// Adopt records the pgid of a command that has already started, so
// WatchContext knows which group to signal. Call once, right after the
// first subprocess in a run starts.
func (s *Supervisor) Adopt(cmd *exec.Cmd) {
	if cmd.Process != nil {
		s.pgid = cmd.Process.Pid
	}
}

// WatchContext blocks in a goroutine until ctx is canceled, then signals
// the whole adopted process group: SIGTERM first, SIGKILL after grace if
// anything is still alive.
func (s *Supervisor) WatchContext(ctx context.Context) {
	go func() {
		<-ctx.Done()
		if s.pgid == 0 {
			return
		}
		slog.Warn("supervisor: context canceled, terminating process group", "pgid", s.pgid)
		if err := syscall.Kill(-s.pgid, syscall.SIGTERM); err != nil {
			slog.Warn("supervisor: SIGTERM failed", "pgid", s.pgid, "err", err)
		}
		time.Sleep(s.grace)
		if err := syscall.Kill(-s.pgid, syscall.SIGKILL); err != nil {
			slog.Debug("supervisor: SIGKILL failed (group likely already gone)", "pgid", s.pgid, "err", err)
		}
	}()
}
