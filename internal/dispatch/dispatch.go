package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/g7ctrl/g7ctrld/internal/proto"
	"github.com/g7ctrl/g7ctrld/internal/replytext"
)

// ErrTimeout is returned by Issue when no reply arrives within the
// command's timeout (spec.md Section 4.8 step 7: "surface `timeout
// contacting device` to client; command is not retried by the core").
var ErrTimeout = errors.New("dispatch: timeout contacting device")

// Writer sends a framed command line to target. Implementations:
// usbserial for KindUSB targets, a tracker session's serialised socket
// write for KindGPRS targets.
type Writer interface {
	WriteCommand(target Target, line string) error
}

// Reply is the rendered result of one Issue call: the raw device OK/ERR
// outcome plus, when translation is enabled, a human-readable rendering
// of its payload fields.
type Reply struct {
	OK       bool
	Payload  string
	Rendered string
}

// Dispatcher is the command dispatcher (C8): it allocates a tag per
// outstanding command, writes the framed command through Writer, and
// resolves the matching reply (or a timeout) to the caller.
type Dispatcher struct {
	writer     Writer
	translator replytext.Table

	mu   sync.Mutex
	tags map[string]*TagAllocator // target key -> allocator

	replies *replyRegistry
}

// New returns a Dispatcher that writes outgoing commands via writer and,
// when asked, translates replies using translator.
func New(writer Writer, translator replytext.Table) *Dispatcher {
	return &Dispatcher{
		writer:     writer,
		translator: translator,
		tags:       make(map[string]*TagAllocator),
		replies:    newReplyRegistry(),
	}
}

func (d *Dispatcher) tagAllocatorFor(target Target) *TagAllocator {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.tags[target.Key()]
	if !ok {
		a = NewTagAllocator()
		d.tags[target.Key()] = a
	}
	return a
}

// Issue sends name(args...) to target and waits up to timeout for the
// matching reply (spec.md Section 4.8 steps 1-7). If translate is true
// and the command has a reply-translation entry, Reply.Rendered holds
// the human-readable form; otherwise it equals Reply.Payload.
func (d *Dispatcher) Issue(ctx context.Context, target Target, name string, args []string, timeout time.Duration, translate bool) (*Reply, error) {
	tagAlloc := d.tagAllocatorFor(target)

	tag, err := tagAlloc.Allocate()
	if err != nil {
		return nil, err
	}
	defer tagAlloc.Release(tag)

	ch := d.replies.register(target, tag)
	defer d.replies.unregister(target, tag)

	line, err := proto.FormatCommand(name, tag, args)
	if err != nil {
		return nil, fmt.Errorf("dispatch: format command: %w", err)
	}

	if err := d.writer.WriteCommand(target, line); err != nil {
		return nil, fmt.Errorf("dispatch: write: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return d.renderReply(name, out.reply, translate), nil
	}
}

func (d *Dispatcher) renderReply(name string, reply *proto.Reply, translate bool) *Reply {
	rendered := reply.Payload
	if translate && d.translator != nil {
		if r, ok := d.translator.Translate(name, reply.Payload); ok {
			rendered = r
		}
	}

	return &Reply{OK: reply.OK, Payload: reply.Payload, Rendered: rendered}
}

// DeliverReply routes a parsed device reply to whichever Issue call is
// waiting for it (called by the tracker/GPRS socket reader, or the USB
// reader, on receipt of a `$OK:`/`$ERR:` line). It reports whether a
// waiter was found.
func (d *Dispatcher) DeliverReply(target Target, reply *proto.Reply) bool {
	return d.replies.deliver(target, reply)
}

// TargetGone wakes every command currently waiting on target with
// ErrTargetGone (spec.md Section 4.8: "Target disappearance").
func (d *Dispatcher) TargetGone(target Target) {
	d.replies.wakeTarget(target)
}
