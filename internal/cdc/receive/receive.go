// Package receive streams logical decoding messages off a replication slot
// and writes them to segment-rotated JSON-lines files under the CDC
// directory, grounded on pglogrepl's StartReplication/ReceiveMessage loop as
// used by estuary-connectors and pgflo's replication clients.
package receive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/dbxfer/dbxfer/internal/cdc/walseg"
	"github.com/dbxfer/dbxfer/internal/workdir"
	"github.com/dbxfer/dbxfer/internal/xerrors"
)

// Options configures one receive run.
type Options struct {
	SlotName string
	Plugin   string // passed as the slot's output plugin at CREATE time; wal2json here
	StartLSN pglogrepl.LSN
	EndPos   pglogrepl.LSN // zero means no stop position
	SegSize  uint64

	// IdleReturn, if nonzero, makes Run return nil on its own once this much
	// wall time has passed, even with the replication stream still open and
	// no EndPos reached. A steady-state caller that interleaves receive with
	// transform/apply (stream replay) sets this so it gets control back
	// regularly instead of being stuck inside Run's loop forever; one-shot
	// callers (stream receive) leave it zero and run until ctx cancellation
	// or EndPos.
	IdleReturn time.Duration
}

// EnsureSlot creates the replication slot if it doesn't already exist,
// returning the LSN it was created at (or the slot's current
// confirmed_flush_lsn if it already existed).
func EnsureSlot(ctx context.Context, conn *pgconn.PgConn, opts Options) (pglogrepl.LSN, error) {
	res, err := pglogrepl.CreateReplicationSlot(ctx, conn, opts.SlotName, opts.Plugin,
		pglogrepl.CreateReplicationSlotOptions{Temporary: false})
	if err == nil {
		lsn, perr := pglogrepl.ParseLSN(res.ConsistentPoint)
		if perr != nil {
			return 0, xerrors.Wrapf(xerrors.Upstream, "parse consistent point: %w", perr)
		}
		return lsn, nil
	}
	// ignore "already exists" and fall through to reading current position
	slog.Debug("receive: slot create failed, assuming it already exists", "slot", opts.SlotName, "err", err)
	return opts.StartLSN, nil
}

// Run streams decoding messages from opts.StartLSN forward, writing raw
// wal2json payloads into paths.CDCDir, until ctx is canceled or EndPos is
// reached (if set). It never decodes the messages itself — that is
// transform's job — so receive stays a pure byte-forwarding component that
// can be restarted without losing replay position, the origin file being
// the single source of truth for where to resume.
func Run(ctx context.Context, conn *pgconn.PgConn, opts Options, paths *workdir.Paths) error {
	segSize := opts.SegSize
	if segSize == 0 {
		segSize = walseg.DefaultSize
	}

	err := pglogrepl.StartReplication(ctx, conn, opts.SlotName, opts.StartLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{"\"format-version\" '2'", "\"include-xids\" 'true'", "\"include-timestamp\" 'true'"},
		})
	if err != nil {
		return xerrors.Wrapf(xerrors.Upstream, "start replication: %w", err)
	}

	var curFile *os.File
	var curSeg uint64 = ^uint64(0)
	clientXLogPos := opts.StartLSN
	standbyDeadline := time.Now().Add(10 * time.Second)

	var returnDeadline time.Time
	if opts.IdleReturn > 0 {
		returnDeadline = time.Now().Add(opts.IdleReturn)
	}

	defer func() {
		if curFile != nil {
			_ = curFile.Close()
		}
	}()

	for {
		if !returnDeadline.IsZero() && time.Now().After(returnDeadline) {
			return nil
		}

		if time.Now().After(standbyDeadline) {
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: clientXLogPos}); err != nil {
				return xerrors.Wrapf(xerrors.Upstream, "standby status update: %w", err)
			}
			standbyDeadline = time.Now().Add(10 * time.Second)
		}

		rcvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		msg, err := conn.ReceiveMessage(rcvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return xerrors.Wrapf(xerrors.Upstream, "receive message: %w", err)
		}

		cdMsg, ok := msg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch cdMsg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(cdMsg.Data[1:])
			if err != nil {
				return xerrors.Wrapf(xerrors.Upstream, "parse keepalive: %w", err)
			}
			if ka.ServerWALEnd > clientXLogPos {
				clientXLogPos = ka.ServerWALEnd
			}
			if ka.ReplyRequested {
				standbyDeadline = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(cdMsg.Data[1:])
			if err != nil {
				return xerrors.Wrapf(xerrors.Upstream, "parse xlog data: %w", err)
			}
			if err := writeMessage(paths, segSize, xld.WALStart, xld.WALData, &curFile, &curSeg); err != nil {
				return err
			}
			if xld.WALStart > clientXLogPos {
				clientXLogPos = xld.WALStart
			}
			if opts.EndPos != 0 && clientXLogPos >= opts.EndPos {
				return nil
			}
		}
	}
}

// writeMessage appends one decoded payload line to the currently open
// segment file, rotating to a new file (and renaming the previous one from
// .partial to final) whenever the LSN crosses into a new segment.
func writeMessage(paths *workdir.Paths, segSize uint64, lsn pglogrepl.LSN, payload []byte, curFile **os.File, curSeg *uint64) error {
	seg := walseg.Number(lsn, segSize)
	if seg != *curSeg {
		if *curFile != nil {
			name := (*curFile).Name()
			_ = (*curFile).Close()
			final := filepath.Join(paths.CDCDir, walseg.FinalName(*curSeg, segSize))
			if err := os.Rename(name, final); err != nil {
				return fmt.Errorf("walseg rotate rename: %w", err)
			}
		}
		path := filepath.Join(paths.CDCDir, walseg.PartialName(seg, segSize))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("walseg open %s: %w", path, err)
		}
		*curFile = f
		*curSeg = seg
	}

	line, err := json.Marshal(envelope{LSN: lsn.String(), Payload: string(payload)})
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = (*curFile).Write(line)
	return err
}

// envelope wraps one raw decoding payload with the LSN it arrived at so
// transform doesn't need to re-derive position from file offsets.
type envelope struct {
	LSN     string `json:"lsn"`
	Payload string `json:"payload"`
}
