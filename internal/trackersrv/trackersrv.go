// Package trackersrv runs one tracker connection's read loop (C6 worker):
// frame boundary detection on the raw socket, idle-timeout enforcement,
// and GFEN auto-tracking polls, delegating frame semantics to
// internal/tracker.Session.
package trackersrv

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/g7ctrl/g7ctrld/internal/dispatch"
	"github.com/g7ctrl/g7ctrld/internal/metrics"
	"github.com/g7ctrl/g7ctrld/internal/proto"
	"github.com/g7ctrl/g7ctrld/internal/tracker"
)

// Hub is the subset of *trackerhub.Hub the worker needs.
type Hub interface {
	Register(deviceID uint64, s trackerhubSession)
	Unregister(deviceID uint64)
}

// ConnNotifier is notified the first time a tracker completes a
// keep-alive on a freshly accepted connection (spec.md notify.mail_on_tracker_conn).
// Implemented by *pipeline.Pipeline.
type ConnNotifier interface {
	TrackerConnected(ctx context.Context, deviceID uint64)
}

// trackerhubSession matches trackerhub.Session's single method without
// importing the package, avoiding a dependency cycle risk since
// trackerhub only needs *tracker.Session's Write method. Both are aliases
// of the same unnamed interface type, so *trackerhub.Hub's Register has
// exactly the signature Hub requires.
type trackerhubSession = interface {
	Write(b []byte) error
}

// idleCheckInterval bounds how often the read loop's deadline wakes to
// check IsIdle/DueGFENPoll against wall-clock time.
const idleCheckInterval = time.Second

// Config bundles a tracker worker's fixed parameters.
type Config struct {
	Hub      Hub
	Sink     tracker.RecordSink
	ReplyTo  tracker.ReplySink
	Notifier ConnNotifier

	IdleTimeout      time.Duration
	TZOffset         time.Duration
	GfenPollInterval time.Duration
	GfenMaxTrackTime time.Duration

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Worker implements registry.Worker for tracker connections.
type Worker struct {
	cfg Config
}

// New returns a tracker Worker.
func New(cfg Config) *Worker { return &Worker{cfg: cfg} }

// Run reads frames from conn until it closes, ctx is cancelled, or the
// idle timeout elapses, dispatching each frame to a *tracker.Session.
func (w *Worker) Run(ctx context.Context, conn net.Conn, slot int) {
	sess := tracker.New(tracker.Config{
		Conn:             conn,
		Sink:             w.cfg.Sink,
		ReplyTo:          replySinkAdapter{w.cfg.ReplyTo},
		IdleTimeout:      w.cfg.IdleTimeout,
		TZOffset:         w.cfg.TZOffset,
		GfenPollInterval: w.cfg.GfenPollInterval,
		GfenMaxTrackTime: w.cfg.GfenMaxTrackTime,
	})

	br := bufio.NewReader(conn)
	connected := false

	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleCheckInterval))

		buf, err := readFrame(br)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if ctx.Err() != nil {
					w.deregister(sess)
					return
				}
				if w.checkIdleAndGFEN(sess) {
					continue
				}
				w.cfg.Logger.Info("tracker idle timeout", slog.Int("slot", slot))
				w.deregister(sess)
				return
			}
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				w.deregister(sess)
				return
			}
			w.cfg.Logger.Debug("tracker read error", slog.Int("slot", slot), slog.String("error", err.Error()))
			w.deregister(sess)
			return
		}

		kind, handleErr := sess.HandleFrame(ctx, buf)
		if handleErr != nil {
			if w.cfg.Metrics != nil {
				w.cfg.Metrics.RecordProtocolError(kind.String())
			}
		}

		if kind == tracker.FrameKeepAlive && w.cfg.Hub != nil {
			w.cfg.Hub.Register(sess.DeviceID(), sess)
			if !connected {
				connected = true
				if w.cfg.Notifier != nil {
					w.cfg.Notifier.TrackerConnected(ctx, sess.DeviceID())
				}
			}
		}

		if sess.ShouldClose() {
			w.cfg.Logger.Warn("tracker closing after repeated protocol errors", slog.Int("slot", slot))
			w.deregister(sess)
			return
		}
	}
}

func (w *Worker) deregister(sess *tracker.Session) {
	if w.cfg.Hub != nil && sess.DeviceID() != 0 {
		w.cfg.Hub.Unregister(sess.DeviceID())
	}
}

// checkIdleAndGFEN runs on every read-deadline tick: it polls for a due
// GFEN position query and reports whether the session is still alive.
func (w *Worker) checkIdleAndGFEN(sess *tracker.Session) bool {
	now := time.Now()
	if sess.IsIdle(now) {
		return false
	}

	if sess.DueGFENPoll(now) {
		if err := sess.Write([]byte("$STA+0000=\r\n")); err != nil {
			return false
		}
	}

	return true
}

// replySinkAdapter bridges tracker.ReplySink's deviceID-keyed signature to
// dispatch.Dispatcher.DeliverReply, which is keyed by Target.
type replySinkAdapter struct {
	inner tracker.ReplySink
}

func (a replySinkAdapter) DeliverReply(deviceID uint64, reply *proto.Reply) bool {
	if a.inner == nil {
		return false
	}
	return a.inner.DeliverReply(deviceID, reply)
}

// DispatcherReplySink adapts a *dispatch.Dispatcher to tracker.ReplySink,
// translating a device id into a GPRS dispatch.Target.
type DispatcherReplySink struct {
	D *dispatch.Dispatcher
}

// DeliverReply implements tracker.ReplySink.
func (s DispatcherReplySink) DeliverReply(deviceID uint64, reply *proto.Reply) bool {
	return s.D.DeliverReply(dispatch.GPRS(deviceID), reply)
}

// readFrame reads one complete frame from br: an 8-byte keep-alive frame,
// a bracketed location batch (up to and including the closing ']'), or a
// single CRLF-terminated line (a bare location record, command reply, or
// malformed input), mirroring spec.md Section 4.6's CLASSIFY boundary
// rules since the wire carries no separate length prefix.
func readFrame(br *bufio.Reader) ([]byte, error) {
	first, err := br.Peek(1)
	if err != nil {
		return nil, err
	}

	if first[0] == 0xD0 {
		if more, err := br.Peek(2); err == nil && proto.HasKeepAliveHeader(more) {
			buf := make([]byte, proto.KeepAliveFrameLen)
			if _, err := io.ReadFull(br, buf); err != nil {
				return nil, fmt.Errorf("trackersrv: read keep-alive frame: %w", err)
			}
			return buf, nil
		}
	}

	if first[0] == '[' {
		buf, err := br.ReadBytes(']')
		if err != nil {
			return nil, fmt.Errorf("trackersrv: read location batch: %w", err)
		}
		return buf, nil
	}

	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("trackersrv: read line: %w", err)
	}
	return line, nil
}
