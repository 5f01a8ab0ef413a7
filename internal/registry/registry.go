// Package registry implements the acceptor and client-slot table (C9): two
// TCP listeners, a 1-second select-style tick loop, and a fixed-size slot
// table whose index is a connection's stable identifier while connected
// (spec.md Section 4.9), mirroring the original source's
// client_info_list/max_clients bookkeeping under a single mutex.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/g7ctrl/g7ctrld/internal/metrics"
)

// Kind distinguishes the two listener roles.
type Kind int

const (
	KindCommand Kind = iota
	KindTracker
)

func (k Kind) String() string {
	if k == KindTracker {
		return "trk"
	}
	return "cmd"
}

// tickInterval mirrors the original source's select() timeout, used here
// only to bound how quickly a full slot table notices shutdown; Go's
// net.Listener.Accept blocks directly rather than polling select(2).
const tickInterval = time.Second

// RejectLine is written to a connection refused because the registry is
// at capacity (spec.md Section 4.9 step 1).
const RejectLine = "ERR: server full, try again later\r\n"

// Worker is a started per-connection handler. Run blocks until the
// connection closes or ctx is cancelled, then returns.
type Worker interface {
	Run(ctx context.Context, conn net.Conn, slot int)
}

// WorkerFactory starts the appropriate worker (C6 tracker session or C8
// command dispatcher loop) for a newly accepted connection.
type WorkerFactory func(kind Kind) Worker

// slot is one entry in the fixed-size client table.
type slot struct {
	occupied bool
	kind     Kind
	cancel   context.CancelFunc
}

// Registry owns both listeners and the slot table (spec.md Section 4.9,
// Section 5 "Shared mutable resources: Slot table guarded by one mutex").
type Registry struct {
	maxClients int
	factory    WorkerFactory
	metrics    *metrics.Collector
	logger     *slog.Logger

	mu    sync.Mutex
	slots []slot
	wg    sync.WaitGroup
}

// New creates a Registry with maxClients slots.
func New(maxClients int, factory WorkerFactory, m *metrics.Collector, logger *slog.Logger) *Registry {
	return &Registry{
		maxClients: maxClients,
		factory:    factory,
		metrics:    m,
		logger:     logger,
		slots:      make([]slot, maxClients),
	}
}

// reserve finds the first empty slot (spec.md Section 4.9 step 2: "linear
// scan for the first empty index"). Returns -1 if the table is full.
func (r *Registry) reserve(kind Kind, cancel context.CancelFunc) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		if !r.slots[i].occupied {
			r.slots[i] = slot{occupied: true, kind: kind, cancel: cancel}
			return i
		}
	}
	return -1
}

// release frees a slot once its worker has fully returned (spec.md
// Section 4.9: "Slot reuse happens only after a worker has fully
// returned").
func (r *Registry) release(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[i] = slot{}
}

// occupiedCount reports the current connection count, for logging/metrics.
func (r *Registry) occupiedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.slots {
		if s.occupied {
			n++
		}
	}
	return n
}

// Serve runs both accept loops until ctx is cancelled, then cancels every
// active worker's context and waits up to grace for them to return
// (spec.md Section 4.11: "cancel all worker contexts, join all workers
// with a 10-second grace period").
func (r *Registry) Serve(ctx context.Context, cmdAddr, trkAddr string, grace time.Duration) error {
	cmdLn, err := net.Listen("tcp", cmdAddr)
	if err != nil {
		return fmt.Errorf("registry: listen cmd %s: %w", cmdAddr, err)
	}
	defer cmdLn.Close()

	trkLn, err := net.Listen("tcp", trkAddr)
	if err != nil {
		return fmt.Errorf("registry: listen trk %s: %w", trkAddr, err)
	}
	defer trkLn.Close()

	r.logger.Info("registry listening",
		slog.String("cmd_addr", cmdAddr),
		slog.String("trk_addr", trkAddr),
		slog.Int("max_clients", r.maxClients),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); r.acceptLoop(ctx, KindCommand, cmdLn) }()
	go func() { defer wg.Done(); r.acceptLoop(ctx, KindTracker, trkLn) }()

	<-ctx.Done()
	wg.Wait()

	return r.drain(grace)
}

// drain cancels every occupied slot's worker context and waits up to
// grace for them all to call release.
func (r *Registry) drain(grace time.Duration) error {
	r.mu.Lock()
	for i := range r.slots {
		if r.slots[i].occupied && r.slots[i].cancel != nil {
			r.slots[i].cancel()
		}
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return errors.New("registry: workers did not return within the shutdown grace period")
	}
}

// acceptLoop accepts connections on ln with a 1-second deadline so it can
// notice ctx cancellation promptly (spec.md Section 4.9: "a single
// select/poll loop with a 1-second tick"), adapted to Go's per-Accept
// deadline since there is no portable multi-listener select here.
func (r *Registry) acceptLoop(ctx context.Context, kind Kind, ln net.Listener) {
	tcpLn, _ := ln.(*net.TCPListener)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if tcpLn != nil {
			_ = tcpLn.SetDeadline(time.Now().Add(tickInterval))
		}

		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("accept error", slog.String("listener", kind.String()), slog.String("error", err.Error()))
			continue
		}

		r.handleAccept(ctx, kind, conn)
	}
}

func (r *Registry) handleAccept(ctx context.Context, kind Kind, conn net.Conn) {
	if r.occupiedCount() >= r.maxClients {
		_, _ = conn.Write([]byte(RejectLine))
		_ = conn.Close()
		if r.metrics != nil {
			r.metrics.RecordRejected(kind.String())
		}
		r.logger.Warn("connection rejected, registry full", slog.String("listener", kind.String()))
		return
	}

	workerCtx, cancel := context.WithCancel(ctx)

	idx := r.reserve(kind, cancel)
	if idx < 0 {
		cancel()
		_, _ = conn.Write([]byte(RejectLine))
		_ = conn.Close()
		if r.metrics != nil {
			r.metrics.RecordRejected(kind.String())
		}
		return
	}

	if r.metrics != nil {
		r.metrics.RegisterSession(kind.String())
	}

	w := r.factory(kind)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer func() {
			r.release(idx)
			if r.metrics != nil {
				r.metrics.UnregisterSession(kind.String())
			}
			_ = conn.Close()
		}()

		w.Run(workerCtx, conn, idx)
	}()
}
