package tracker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/g7ctrl/g7ctrld/internal/proto"
)

// maxConsecutiveProtocolErrors is the spec's fixed threshold: a tracker
// session is only closed for repeated malformed input after five
// consecutive protocol errors (spec.md Section 7, ProtocolError).
const maxConsecutiveProtocolErrors = 5

// RecordSink receives parsed location records for pipeline processing
// (C7). Implemented by the event pipeline. ctx is the worker's
// connection-scoped context, cancelled on shutdown, so enrichment never
// outlives the daemon (spec.md Section 5's cancellation requirement).
type RecordSink interface {
	HandleRecord(ctx context.Context, r *proto.LocationRecord)
}

// ReplySink receives parsed command replies for dispatcher correlation
// (C8). Implemented by the command dispatcher, keyed by the tracker's
// device id as a GPRS target.
type ReplySink interface {
	DeliverReply(deviceID uint64, reply *proto.Reply) bool
}

// Session is one tracker connection's state (spec.md Section 4.6). It
// holds no network code itself -- the caller's read loop feeds it
// complete frames via HandleFrame and writes go through the session's
// serialised Write, which keeps concurrent keep-alive echoes and
// dispatched commands from interleaving on the socket.
type Session struct {
	conn    io.Writer
	sink    RecordSink
	replyTo ReplySink

	idleTimeout time.Duration
	tzOffset    time.Duration

	gfenInterval time.Duration
	gfenMaxTrack time.Duration

	writeMu sync.Mutex

	mu                sync.Mutex
	deviceID          uint64
	lastSeenAt        time.Time
	consecutiveErrors int
	gfenActive        bool
	gfenDeadline      time.Time
	gfenNextPollAt    time.Time
}

// Config bundles Session's fixed, per-connection parameters.
type Config struct {
	Conn             io.Writer
	Sink             RecordSink
	ReplyTo          ReplySink
	IdleTimeout      time.Duration
	TZOffset         time.Duration
	GfenPollInterval time.Duration
	GfenMaxTrackTime time.Duration
}

// New returns a fresh Session with deviceID unset (spec.md: "a tracker
// slot always has deviceId != 0 after the first keep-alive").
func New(cfg Config) *Session {
	return &Session{
		conn:         cfg.Conn,
		sink:         cfg.Sink,
		replyTo:      cfg.ReplyTo,
		idleTimeout:  cfg.IdleTimeout,
		tzOffset:     cfg.TZOffset,
		gfenInterval: cfg.GfenPollInterval,
		gfenMaxTrack: cfg.GfenMaxTrackTime,
		lastSeenAt:   time.Now(),
	}
}

// DeviceID returns the tracker's device id, 0 until the first keep-alive
// is processed.
func (s *Session) DeviceID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// Write serialises a raw write to the tracker's socket behind the
// session's write lock (spec.md Section 4.6: "Writes... are serialised
// by a per-session write lock").
func (s *Session) Write(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.conn.Write(b)
	if err != nil {
		return fmt.Errorf("tracker: write: %w", err)
	}
	return nil
}

// HandleFrame classifies buf and dispatches it to the matching handler,
// returning the classification for logging/metrics.
func (s *Session) HandleFrame(ctx context.Context, buf []byte) (FrameKind, error) {
	kind := Classify(buf)

	switch kind {
	case FrameKeepAlive:
		return kind, s.handleKeepAlive(buf)
	case FrameLocation:
		return kind, s.handleLocation(ctx, buf)
	case FrameCommandReply:
		return kind, s.handleCommandReply(buf)
	default:
		s.recordProtocolError()
		return kind, fmt.Errorf("tracker: unrecognised frame")
	}
}

func (s *Session) handleKeepAlive(buf []byte) error {
	seq, deviceID, err := proto.ParseKeepAlive(buf)
	if err != nil {
		s.recordProtocolError()
		return err
	}

	s.mu.Lock()
	s.deviceID = uint64(deviceID)
	s.lastSeenAt = time.Now()
	s.consecutiveErrors = 0
	s.mu.Unlock()

	return s.Write(proto.EmitKeepAlive(seq, deviceID))
}

func (s *Session) handleLocation(ctx context.Context, buf []byte) error {
	records, errs := proto.ParseBatch(buf, s.tzOffset)

	s.mu.Lock()
	s.lastSeenAt = time.Now()
	if len(errs) > 0 {
		s.consecutiveErrors++
	} else {
		s.consecutiveErrors = 0
	}
	s.mu.Unlock()

	for _, r := range records {
		if s.sink != nil {
			s.sink.HandleRecord(ctx, r)
		}
		if r.Event.IsGFEN() {
			s.onGFENEvent()
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("tracker: %d malformed records: %w", len(errs), errs[0])
	}
	return nil
}

func (s *Session) handleCommandReply(buf []byte) error {
	reply, err := proto.ParseReply(string(buf))
	if err != nil {
		s.recordProtocolError()
		return err
	}

	s.mu.Lock()
	s.lastSeenAt = time.Now()
	s.consecutiveErrors = 0
	deviceID := s.deviceID
	s.mu.Unlock()

	if s.replyTo != nil {
		s.replyTo.DeliverReply(deviceID, reply)
	}
	return nil
}

func (s *Session) recordProtocolError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeenAt = time.Now()
	s.consecutiveErrors++
}

// ShouldClose reports whether repeated protocol errors have crossed the
// fixed threshold.
func (s *Session) ShouldClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveErrors >= maxConsecutiveProtocolErrors
}

// IsIdle reports whether the session has been silent for longer than
// idleTimeout as of now (spec.md Section 4.6's IDLE state).
func (s *Session) IsIdle(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeenAt) > s.idleTimeout
}

// onGFENEvent starts (or extends) automatic position polling after a
// geofence event, bounded by gfenMaxTrack (spec.md Section 9: the spec
// fixes an explicit upper bound the original source lacks).
func (s *Session) onGFENEvent() {
	if s.gfenInterval <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.gfenActive = true
	s.gfenDeadline = now.Add(s.gfenMaxTrack)
	s.gfenNextPollAt = now.Add(s.gfenInterval)
}

// StopGFENTracking ends automatic tracking. It is called through
// trackerhub.Hub.StopGFEN (the ".gfenstop" operator command); the session
// does not end tracking on any device event, so without this call
// tracking runs until gfenMaxTrack has passed.
func (s *Session) StopGFENTracking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gfenActive = false
}

// DueGFENPoll reports whether a synthetic position query is due, and
// advances the next-poll time if so. Returns false once gfenDeadline has
// passed, auto-stopping tracking.
func (s *Session) DueGFENPoll(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.gfenActive {
		return false
	}

	if now.After(s.gfenDeadline) {
		s.gfenActive = false
		return false
	}

	if now.Before(s.gfenNextPollAt) {
		return false
	}

	s.gfenNextPollAt = now.Add(s.gfenInterval)
	return true
}
