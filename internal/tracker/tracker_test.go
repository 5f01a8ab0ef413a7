package tracker_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/g7ctrl/g7ctrld/internal/proto"
	"github.com/g7ctrl/g7ctrld/internal/tracker"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		buf  []byte
		want tracker.FrameKind
	}{
		{"keepalive", proto.EmitKeepAlive(1, 1234567890), tracker.FrameKeepAlive},
		{"location digit", []byte("1234567890,20260101120000,..."), tracker.FrameLocation},
		{"location bracket", []byte("[1234567890,...]"), tracker.FrameLocation},
		{"ok reply", []byte("$OK:FRI+0001=60,1"), tracker.FrameCommandReply},
		{"err reply", []byte("$ERR:FRI+0001=2"), tracker.FrameCommandReply},
		{"garbage", []byte("garbage"), tracker.FrameProtocolErr},
		{"empty", nil, tracker.FrameProtocolErr},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tracker.Classify(tc.buf); got != tc.want {
				t.Errorf("Classify(%q) = %v, want %v", tc.buf, got, tc.want)
			}
		})
	}
}

type captureSink struct {
	mu      sync.Mutex
	records []*proto.LocationRecord
}

func (c *captureSink) HandleRecord(ctx context.Context, r *proto.LocationRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

type captureReplySink struct {
	mu       sync.Mutex
	deviceID uint64
	reply    *proto.Reply
}

func (c *captureReplySink) DeliverReply(deviceID uint64, reply *proto.Reply) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceID = deviceID
	c.reply = reply
	return true
}

func TestSessionKeepAliveEchoesAndSetsDeviceID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s := tracker.New(tracker.Config{Conn: &buf, IdleTimeout: time.Minute})

	frame := proto.EmitKeepAlive(7, 1234567890)
	kind, err := s.HandleFrame(context.Background(), frame)
	if err != nil {
		t.Fatalf("HandleFrame() error: %v", err)
	}
	if kind != tracker.FrameKeepAlive {
		t.Fatalf("kind = %v, want FrameKeepAlive", kind)
	}

	if s.DeviceID() != 1234567890 {
		t.Errorf("DeviceID() = %d, want 1234567890", s.DeviceID())
	}
	if !bytes.Equal(buf.Bytes(), frame) {
		t.Errorf("echoed bytes = %x, want %x", buf.Bytes(), frame)
	}
}

func TestSessionLocationHandsRecordsToSink(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	s := tracker.New(tracker.Config{
		Conn:        &bytes.Buffer{},
		Sink:        sink,
		IdleTimeout: time.Minute,
	})

	line := "1234567890,20260101120000,17.961030,59.366470,12.5,180.0,5.0,8,0,3.95V,0"
	kind, err := s.HandleFrame(context.Background(), []byte(line))
	if err != nil {
		t.Fatalf("HandleFrame() error: %v", err)
	}
	if kind != tracker.FrameLocation {
		t.Fatalf("kind = %v, want FrameLocation", kind)
	}

	if len(sink.records) != 1 {
		t.Fatalf("sink got %d records, want 1", len(sink.records))
	}
	if sink.records[0].DeviceID != 1234567890 {
		t.Errorf("DeviceID = %d, want 1234567890", sink.records[0].DeviceID)
	}
}

func TestSessionCommandReplyDeliveredToDispatcher(t *testing.T) {
	t.Parallel()

	replies := &captureReplySink{}
	s := tracker.New(tracker.Config{
		Conn:        &bytes.Buffer{},
		ReplyTo:     replies,
		IdleTimeout: time.Minute,
	})

	// DeviceID becomes known from a prior keep-alive in real usage; here
	// exercise the reply-delivery path directly.
	_, err := s.HandleFrame(context.Background(), []byte("$OK:FRI+0001=60,1"))
	if err != nil {
		t.Fatalf("HandleFrame() error: %v", err)
	}

	if replies.reply == nil {
		t.Fatal("reply sink received nothing")
	}
	if replies.reply.Tag != "0001" || !replies.reply.OK {
		t.Errorf("reply = %+v", replies.reply)
	}
}

func TestSessionProtocolErrorThreshold(t *testing.T) {
	t.Parallel()

	s := tracker.New(tracker.Config{Conn: &bytes.Buffer{}, IdleTimeout: time.Minute})

	for i := 0; i < 4; i++ {
		_, _ = s.HandleFrame(context.Background(), []byte("garbage"))
		if s.ShouldClose() {
			t.Fatalf("ShouldClose() = true after %d errors, want false", i+1)
		}
	}

	_, _ = s.HandleFrame(context.Background(), []byte("garbage"))
	if !s.ShouldClose() {
		t.Error("ShouldClose() = false after 5 consecutive errors, want true")
	}
}

func TestSessionIsIdle(t *testing.T) {
	t.Parallel()

	s := tracker.New(tracker.Config{Conn: &bytes.Buffer{}, IdleTimeout: 10 * time.Millisecond})

	if s.IsIdle(time.Now()) {
		t.Error("IsIdle() = true immediately after creation")
	}

	if !s.IsIdle(time.Now().Add(time.Second)) {
		t.Error("IsIdle() = false well past the idle timeout")
	}
}

func TestGFENAutoTrackingPollsUntilDeadline(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	s := tracker.New(tracker.Config{
		Conn:             &bytes.Buffer{},
		Sink:             sink,
		IdleTimeout:      time.Minute,
		GfenPollInterval: 10 * time.Millisecond,
		GfenMaxTrackTime: 25 * time.Millisecond,
	})

	line := "1234567890,20260101120000,17.961030,59.366470,12.5,180.0,5.0,8,50,3.95V,0"
	if _, err := s.HandleFrame(context.Background(), []byte(line)); err != nil {
		t.Fatalf("HandleFrame() error: %v", err)
	}

	now := time.Now()
	if s.DueGFENPoll(now) {
		t.Error("DueGFENPoll() = true before the first interval elapsed")
	}
	if !s.DueGFENPoll(now.Add(15 * time.Millisecond)) {
		t.Error("DueGFENPoll() = false after the first interval elapsed")
	}
	if s.DueGFENPoll(now.Add(100 * time.Millisecond)) {
		t.Error("DueGFENPoll() = true past the max tracking deadline")
	}
}

func TestStopGFENTracking(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	s := tracker.New(tracker.Config{
		Conn:             &bytes.Buffer{},
		Sink:             sink,
		IdleTimeout:      time.Minute,
		GfenPollInterval: 10 * time.Millisecond,
		GfenMaxTrackTime: time.Hour,
	})

	line := "1234567890,20260101120000,17.961030,59.366470,12.5,180.0,5.0,8,50,3.95V,0"
	if _, err := s.HandleFrame(context.Background(), []byte(line)); err != nil {
		t.Fatalf("HandleFrame() error: %v", err)
	}

	s.StopGFENTracking()

	if s.DueGFENPoll(time.Now().Add(time.Minute)) {
		t.Error("DueGFENPoll() = true after StopGFENTracking")
	}
}
