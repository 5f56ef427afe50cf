package process

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"time"

	"github.com/dbxfer/dbxfer/internal/supervisor"
)

// Result holds the outcome of a finished command.
type Result struct {
	Cmd      string
	Args     []string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
	Err      error
}

// RunLogged runs an external process under its own process group (via
// internal/supervisor) so that canceling ctx terminates the whole group —
// including any child the subprocess itself forked — rather than leaving
// orphans behind when exec.CommandContext's default SIGKILL-the-direct-
// child behavior isn't enough.
func RunLogged(ctx context.Context, bin string, args ...string) Result {
	cmd := exec.Command(bin, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	sup := supervisor.New(10 * time.Second)
	sup.Prepare(cmd)

	slog.Info("exec start", "cmd", bin, "args", args)
	start := time.Now()

	err := cmd.Start()
	if err == nil {
		sup.Adopt(cmd)
		sup.WatchContext(ctx)
		err = cmd.Wait()
	}
	duration := time.Since(start)

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	slog.Info("exec done", "cmd", bin, "code", exitCode, "dur", duration, "err", err)

	return Result{
		Cmd:      bin,
		Args:     args,
		Stdout:   outBuf.Bytes(),
		Stderr:   errBuf.Bytes(),
		ExitCode: exitCode,
		Duration: duration,
		Err:      err,
	}
}
