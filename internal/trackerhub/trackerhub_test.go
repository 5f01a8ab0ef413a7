package trackerhub_test

import (
	"errors"
	"testing"

	"github.com/g7ctrl/g7ctrld/internal/dispatch"
	"github.com/g7ctrl/g7ctrld/internal/trackerhub"
)

type fakeSession struct {
	written [][]byte
	failErr error
	stopped bool
}

func (s *fakeSession) Write(b []byte) error {
	if s.failErr != nil {
		return s.failErr
	}
	s.written = append(s.written, b)
	return nil
}

func (s *fakeSession) StopGFENTracking() {
	s.stopped = true
}

type fakeSessionNoGFEN struct{ written [][]byte }

func (s *fakeSessionNoGFEN) Write(b []byte) error {
	s.written = append(s.written, b)
	return nil
}

func TestWriteCommandRoutesToRegisteredSession(t *testing.T) {
	t.Parallel()

	h := trackerhub.New(nil)
	sess := &fakeSession{}
	h.Register(1234567890, sess)

	if err := h.WriteCommand(dispatch.GPRS(1234567890), "$STA+0001=\r\n"); err != nil {
		t.Fatalf("WriteCommand() error: %v", err)
	}
	if len(sess.written) != 1 {
		t.Fatalf("session got %d writes, want 1", len(sess.written))
	}
}

func TestWriteCommandNotConnected(t *testing.T) {
	t.Parallel()

	h := trackerhub.New(nil)
	err := h.WriteCommand(dispatch.GPRS(999), "$STA+0001=\r\n")
	if !errors.Is(err, trackerhub.ErrNotConnected) {
		t.Errorf("WriteCommand() error = %v, want ErrNotConnected", err)
	}
}

func TestUnregisterCallsOnGone(t *testing.T) {
	t.Parallel()

	var gone uint64
	h := trackerhub.New(func(deviceID uint64) { gone = deviceID })

	h.Register(42, &fakeSession{})
	h.Unregister(42)

	if gone != 42 {
		t.Errorf("onGone deviceID = %d, want 42", gone)
	}
	if h.Connected(42) {
		t.Error("Connected() = true after Unregister")
	}
}

func TestListReturnsConnectedDevices(t *testing.T) {
	t.Parallel()

	h := trackerhub.New(nil)
	h.Register(1, &fakeSession{})
	h.Register(2, &fakeSession{})

	ids := h.List()
	if len(ids) != 2 {
		t.Fatalf("List() returned %d ids, want 2", len(ids))
	}
}

func TestStopGFENStopsCapableSession(t *testing.T) {
	t.Parallel()

	h := trackerhub.New(nil)
	sess := &fakeSession{}
	h.Register(1234567890, sess)

	if !h.StopGFEN(1234567890) {
		t.Fatal("StopGFEN() = false, want true for a connected capable session")
	}
	if !sess.stopped {
		t.Error("StopGFENTracking() was not called on the session")
	}
}

func TestStopGFENUnknownDevice(t *testing.T) {
	t.Parallel()

	h := trackerhub.New(nil)
	if h.StopGFEN(999) {
		t.Error("StopGFEN() = true for a device with no live session")
	}
}

func TestStopGFENSessionWithoutCapability(t *testing.T) {
	t.Parallel()

	h := trackerhub.New(nil)
	h.Register(42, &fakeSessionNoGFEN{})

	if h.StopGFEN(42) {
		t.Error("StopGFEN() = true for a session not implementing StopGFENTracking")
	}
}

func TestUnregisterUnknownDeviceIsNoop(t *testing.T) {
	t.Parallel()

	called := false
	h := trackerhub.New(func(uint64) { called = true })
	h.Unregister(999)

	if called {
		t.Error("onGone should not fire for an unregistered device")
	}
}
