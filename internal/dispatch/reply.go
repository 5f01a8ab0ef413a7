package dispatch

import (
	"errors"
	"sync"

	"github.com/g7ctrl/g7ctrld/internal/proto"
)

// ErrTargetGone is delivered to every outstanding waiter for a target
// when that target disappears mid-wait (spec.md Section 4.8:
// "Target disappearance... wakes waiters for that target with a
// transport error").
var ErrTargetGone = errors.New("dispatch: target disappeared")

// outcome is what a waiting Issue call receives: either a reply or an
// error (timeout is handled by the caller's own select, not delivered
// here).
type outcome struct {
	reply *proto.Reply
	err   error
}

// replyRegistry correlates device replies to outstanding commands by
// (target, tag), mirroring the teacher's discriminator-keyed session
// lookup but keyed on the dispatcher's own tag space per target.
type replyRegistry struct {
	mu      sync.Mutex
	waiters map[string]map[string]chan outcome // target key -> tag -> channel
}

func newReplyRegistry() *replyRegistry {
	return &replyRegistry{waiters: make(map[string]map[string]chan outcome)}
}

// register creates a buffered reply channel for (target, tag). The
// buffer of 1 lets Deliver/wake succeed even if Issue has already
// stopped listening (timeout raced a late reply).
func (r *replyRegistry) register(target Target, tag string) chan outcome {
	ch := make(chan outcome, 1)

	r.mu.Lock()
	defer r.mu.Unlock()

	key := target.Key()
	if r.waiters[key] == nil {
		r.waiters[key] = make(map[string]chan outcome)
	}
	r.waiters[key][tag] = ch

	return ch
}

// unregister removes the waiter for (target, tag), if still present.
func (r *replyRegistry) unregister(target Target, tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.waiters[target.Key()]
	if m == nil {
		return
	}
	delete(m, tag)
	if len(m) == 0 {
		delete(r.waiters, target.Key())
	}
}

// deliver routes reply to the waiter registered for (target, reply.Tag),
// returning whether a waiter was found.
func (r *replyRegistry) deliver(target Target, reply *proto.Reply) bool {
	r.mu.Lock()
	ch, ok := r.waiters[target.Key()][reply.Tag]
	r.mu.Unlock()

	if !ok {
		return false
	}

	ch <- outcome{reply: reply}
	return true
}

// wakeTarget delivers ErrTargetGone to every outstanding waiter for
// target and clears its waiter set.
func (r *replyRegistry) wakeTarget(target Target) {
	r.mu.Lock()
	m := r.waiters[target.Key()]
	delete(r.waiters, target.Key())
	r.mu.Unlock()

	for _, ch := range m {
		ch <- outcome{err: ErrTargetGone}
	}
}
