package trackersrv_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/g7ctrl/g7ctrld/internal/proto"
	"github.com/g7ctrl/g7ctrld/internal/tracker"
	"github.com/g7ctrl/g7ctrld/internal/trackersrv"
)

type fakeSink struct {
	mu      sync.Mutex
	records []*proto.LocationRecord
}

func (s *fakeSink) HandleRecord(ctx context.Context, r *proto.LocationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type fakeHub struct {
	mu         sync.Mutex
	registered uint64
	unregCount int
}

func (h *fakeHub) Register(deviceID uint64, s interface{ Write([]byte) error }) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registered = deviceID
}

func (h *fakeHub) Unregister(deviceID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregCount++
}

type fakeNotifier struct {
	mu       sync.Mutex
	deviceID uint64
	calls    int
}

func (n *fakeNotifier) TrackerConnected(ctx context.Context, deviceID uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deviceID = deviceID
	n.calls++
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunEchoesKeepAliveAndRegistersDevice(t *testing.T) {
	t.Parallel()

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	sink := &fakeSink{}
	hub := &fakeHub{}

	w := trackersrv.New(trackersrv.Config{
		Hub:         hub,
		Sink:        sink,
		IdleTimeout: time.Hour,
		Logger:      discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx, serverConn, 0)
		close(done)
	}()

	frame := proto.EmitKeepAlive(1, 1234567890)
	if _, err := clientConn.Write(frame); err != nil {
		t.Fatalf("write keep-alive: %v", err)
	}

	echo := make([]byte, proto.KeepAliveFrameLen)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(clientConn, echo); err != nil {
		t.Fatalf("read keep-alive echo: %v", err)
	}
	if string(echo) != string(frame) {
		t.Errorf("echo = %x, want %x", echo, frame)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		got := hub.registered
		hub.mu.Unlock()
		if got == 1234567890 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	hub.mu.Lock()
	got := hub.registered
	hub.mu.Unlock()
	if got != 1234567890 {
		t.Errorf("hub registered device %d, want 1234567890", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunDeliversLocationRecordToSink(t *testing.T) {
	t.Parallel()

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	sink := &fakeSink{}

	w := trackersrv.New(trackersrv.Config{
		Sink:        sink,
		IdleTimeout: time.Hour,
		Logger:      discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx, serverConn, 0)
		close(done)
	}()

	line := "1234567890,20260101120000,17.961030,59.366470,0,0,0,8,50,4.20V,0\r\n"
	if _, err := clientConn.Write([]byte(line)); err != nil {
		t.Fatalf("write record: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sink.count() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("sink got %d records, want 1", sink.count())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunClosesOnContextCancel(t *testing.T) {
	t.Parallel()

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	w := trackersrv.New(trackersrv.Config{
		Sink:        &fakeSink{},
		IdleTimeout: time.Hour,
		Logger:      discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx, serverConn, 0)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return promptly after context cancellation")
	}
}

func TestRunNotifiesOnceOnFirstKeepAlive(t *testing.T) {
	t.Parallel()

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	hub := &fakeHub{}
	notifier := &fakeNotifier{}

	w := trackersrv.New(trackersrv.Config{
		Hub:         hub,
		Sink:        &fakeSink{},
		Notifier:    notifier,
		IdleTimeout: time.Hour,
		Logger:      discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx, serverConn, 0)
		close(done)
	}()

	frame := proto.EmitKeepAlive(1, 1234567890)
	if _, err := clientConn.Write(frame); err != nil {
		t.Fatalf("write keep-alive: %v", err)
	}
	echo := make([]byte, proto.KeepAliveFrameLen)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(clientConn, echo); err != nil {
		t.Fatalf("read keep-alive echo: %v", err)
	}

	if _, err := clientConn.Write(frame); err != nil {
		t.Fatalf("write second keep-alive: %v", err)
	}
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(clientConn, echo); err != nil {
		t.Fatalf("read second keep-alive echo: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		notifier.mu.Lock()
		calls := notifier.calls
		notifier.mu.Unlock()
		if calls > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.calls != 1 {
		t.Errorf("TrackerConnected called %d times, want exactly 1 across two keep-alives", notifier.calls)
	}
	if notifier.deviceID != 1234567890 {
		t.Errorf("TrackerConnected deviceID = %d, want 1234567890", notifier.deviceID)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

var _ tracker.RecordSink = (*fakeSink)(nil)
