// Package trackerhub tracks which device ids currently have a live
// tracker connection (C6 worker) and routes command-dispatcher writes to
// the right one, mirroring the shape of the teacher's session manager
// keyed by discriminator, generalized here to a GPRS device id (spec.md
// Section 4.8 step 1, Section 4.10: ".use <deviceId>" lookup).
package trackerhub

import (
	"errors"
	"sync"

	"github.com/g7ctrl/g7ctrld/internal/dispatch"
)

// ErrNotConnected is returned when a command client targets a device id
// with no live tracker session (spec.md Section 4.10: "if absent, fail").
var ErrNotConnected = errors.New("trackerhub: device not connected")

// Session is the subset of *tracker.Session the hub needs: a serialised
// raw write, used as the GPRS transport for dispatched commands. It is an
// alias of the unnamed interface type so that interfaces elsewhere
// declaring the same method set accept *Hub's Register unchanged.
type Session = interface {
	Write(b []byte) error
}

// gfenStopper is the optional subset of *tracker.Session that ends GFEN
// auto-tracking early, checked with a type assertion since Session itself
// stays minimal.
type gfenStopper interface {
	StopGFENTracking()
}

// Hub maps a connected device id to its live tracker Session.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uint64]Session
	onGone   func(deviceID uint64)
}

// New creates an empty Hub. onGone, if non-nil, is called whenever a
// session is removed, so the command dispatcher can wake waiters for
// that target (spec.md Section 4.8: "Target disappearance").
func New(onGone func(deviceID uint64)) *Hub {
	return &Hub{sessions: make(map[uint64]Session), onGone: onGone}
}

// Register records s as the live session for deviceID, replacing any
// prior session for the same id (a tracker reconnect).
func (h *Hub) Register(deviceID uint64, s Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[deviceID] = s
}

// Unregister removes deviceID's session, called when its worker returns.
func (h *Hub) Unregister(deviceID uint64) {
	h.mu.Lock()
	_, existed := h.sessions[deviceID]
	delete(h.sessions, deviceID)
	h.mu.Unlock()

	if existed && h.onGone != nil {
		h.onGone(deviceID)
	}
}

// Connected reports whether deviceID currently has a live session
// (spec.md Section 4.10's ".use" lookup).
func (h *Hub) Connected(deviceID uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[deviceID]
	return ok
}

// List returns every device id with a live session, in no particular
// order (the ".ld" meta-command).
func (h *Hub) List() []uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]uint64, 0, len(h.sessions))
	for id := range h.sessions {
		out = append(out, id)
	}
	return out
}

// StopGFEN ends automatic GFEN tracking for deviceID's live session, for an
// operator who has confirmed the tracked unit is back within the fence
// (spec.md Section 4.6/9). Reports whether a connected, capable session
// was found.
func (h *Hub) StopGFEN(deviceID uint64) bool {
	h.mu.RLock()
	s, ok := h.sessions[deviceID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	stopper, ok := s.(gfenStopper)
	if !ok {
		return false
	}
	stopper.StopGFENTracking()
	return true
}

// WriteCommand implements dispatch.Writer for KindGPRS targets, routing
// through the device's serialised session write lock.
func (h *Hub) WriteCommand(target dispatch.Target, line string) error {
	h.mu.RLock()
	s, ok := h.sessions[target.DeviceID]
	h.mu.RUnlock()

	if !ok {
		return ErrNotConnected
	}

	return s.Write([]byte(line))
}
