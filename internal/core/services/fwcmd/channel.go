// Package fwcmd serializes control requests to firmware and correlates the
// asynchronous completions. Every command carries a sequence tag unique among
// the commands currently in flight; firmware echoes the tag on the
// completion. The in-flight window is bounded by the hardware queue depth:
// synchronous senders block on a saturated window, asynchronous senders fail
// fast.
package fwcmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/lcalzada-xor/fullmac/internal/core/domain"
	"github.com/lcalzada-xor/fullmac/internal/core/ports"
	"github.com/lcalzada-xor/fullmac/internal/core/sched"
)

var (
	commandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fullmac",
		Name:      "fwcmd_sent_total",
		Help:      "Commands submitted to firmware, by command id",
	}, []string{"cmd"})
	commandTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fullmac",
		Name:      "fwcmd_timeouts_total",
		Help:      "Commands that expired without a completion",
	})
	staleCompletions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fullmac",
		Name:      "fwcmd_stale_completions_total",
		Help:      "Completions with no matching in-flight command",
	})
	channelResets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fullmac",
		Name:      "fwcmd_resets_total",
		Help:      "Channel resets from firmware crash recovery",
	})
)

// Callback receives the result of an asynchronous command. err is non-nil on
// timeout or channel reset; otherwise the completion is valid.
type Callback func(c domain.CommandCompletion, err error)

type result struct {
	c   domain.CommandCompletion
	err error
}

type pending struct {
	cmd      domain.Command
	done     chan result // sync waiters, buffered 1
	cb       Callback    // async senders
	deadline *sched.Task
}

// Channel is the firmware command channel. It implements
// ports.CompletionSink; the bus adapter feeds completions into OnCompletion
// from its receive context.
type Channel struct {
	log       *zap.Logger
	transport ports.CommandTransport
	timeout   time.Duration

	// slots bounds the in-flight window to the hardware queue depth.
	slots chan struct{}

	mu      sync.Mutex
	nextTag uint16
	byTag   map[uint16]*pending
	closed  bool
}

// New creates a channel over transport with the given hardware queue depth
// and per-command deadline.
func New(transport ports.CommandTransport, depth int, timeout time.Duration, log *zap.Logger) *Channel {
	if depth <= 0 {
		depth = 1
	}
	return &Channel{
		log:       log,
		transport: transport,
		timeout:   timeout,
		slots:     make(chan struct{}, depth),
		byTag:     make(map[uint16]*pending),
	}
}

// Send submits a command and blocks until the completion arrives, the
// deadline elapses, or ctx is cancelled. When the in-flight window is
// saturated the call blocks waiting for a slot.
func (ch *Channel) Send(ctx context.Context, iface domain.InterfaceID, id domain.CommandID, set bool, payload []byte) (domain.CommandCompletion, error) {
	select {
	case ch.slots <- struct{}{}:
	case <-ctx.Done():
		return domain.CommandCompletion{}, ctx.Err()
	}

	p := &pending{done: make(chan result, 1)}
	tag, err := ch.enqueue(p, iface, id, set, payload)
	if err != nil {
		<-ch.slots
		return domain.CommandCompletion{}, err
	}

	timer := time.NewTimer(ch.timeout)
	defer timer.Stop()

	select {
	case res := <-p.done:
		return res.c, res.err
	case <-timer.C:
		return ch.expire(tag, p)
	case <-ctx.Done():
		ch.abandon(tag)
		return domain.CommandCompletion{}, ctx.Err()
	}
}

// SendAsync submits a command without blocking. It fails with
// ErrResourceExhausted when the in-flight window is saturated. cb is invoked
// exactly once, from a separate goroutine, with the completion or an error.
func (ch *Channel) SendAsync(iface domain.InterfaceID, id domain.CommandID, set bool, payload []byte, cb Callback) error {
	select {
	case ch.slots <- struct{}{}:
	default:
		return fmt.Errorf("fwcmd: in-flight window saturated: %w", domain.ErrResourceExhausted)
	}

	p := &pending{cb: cb}
	tag, err := ch.enqueue(p, iface, id, set, payload)
	if err != nil {
		<-ch.slots
		return err
	}
	p.deadline = sched.NewTask(func() { ch.expireAsync(tag) })
	p.deadline.Arm(ch.timeout)
	return nil
}

// enqueue assigns a tag unique among in-flight commands, registers the
// pending entry and submits to the transport.
func (ch *Channel) enqueue(p *pending, iface domain.InterfaceID, id domain.CommandID, set bool, payload []byte) (uint16, error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return 0, fmt.Errorf("fwcmd: channel closed: %w", domain.ErrChannelReset)
	}
	tag := ch.nextTag
	for {
		tag++
		if _, taken := ch.byTag[tag]; !taken && tag != 0 {
			break
		}
	}
	ch.nextTag = tag
	p.cmd = domain.Command{Tag: tag, Iface: iface, ID: id, Set: set, Payload: payload}
	ch.byTag[tag] = p
	ch.mu.Unlock()

	if err := ch.transport.Submit(p.cmd); err != nil {
		ch.mu.Lock()
		delete(ch.byTag, tag)
		ch.mu.Unlock()
		return 0, fmt.Errorf("fwcmd: submit cmd 0x%02x: %w", uint16(id), err)
	}
	commandsSent.WithLabelValues(fmt.Sprintf("0x%02x", uint16(id))).Inc()
	return tag, nil
}

// expire handles a synchronous deadline. The completion may race in just as
// the timer fires; whoever removes the pending entry first wins.
func (ch *Channel) expire(tag uint16, p *pending) (domain.CommandCompletion, error) {
	ch.mu.Lock()
	_, still := ch.byTag[tag]
	if still {
		delete(ch.byTag, tag)
	}
	ch.mu.Unlock()

	if !still {
		// Completed concurrently: the result is already buffered.
		res := <-p.done
		return res.c, res.err
	}
	<-ch.slots
	commandTimeouts.Inc()
	ch.log.Warn("command deadline elapsed", zap.Uint16("tag", tag), zap.Uint16("cmd", uint16(p.cmd.ID)))
	return domain.CommandCompletion{}, fmt.Errorf("fwcmd: cmd 0x%02x tag %d: %w", uint16(p.cmd.ID), tag, domain.ErrTimeout)
}

func (ch *Channel) expireAsync(tag uint16) {
	ch.mu.Lock()
	p, still := ch.byTag[tag]
	if still {
		delete(ch.byTag, tag)
	}
	ch.mu.Unlock()
	if !still {
		return
	}
	<-ch.slots
	commandTimeouts.Inc()
	p.cb(domain.CommandCompletion{}, fmt.Errorf("fwcmd: cmd 0x%02x tag %d: %w", uint16(p.cmd.ID), tag, domain.ErrTimeout))
}

// abandon drops a pending command whose caller stopped waiting.
func (ch *Channel) abandon(tag uint16) {
	ch.mu.Lock()
	_, still := ch.byTag[tag]
	if still {
		delete(ch.byTag, tag)
	}
	ch.mu.Unlock()
	if still {
		<-ch.slots
	}
}

// OnCompletion correlates one firmware completion with its command. A tag
// with no match is a stale or duplicate completion: logged, counted, dropped.
func (ch *Channel) OnCompletion(c domain.CommandCompletion) {
	ch.mu.Lock()
	p, ok := ch.byTag[c.Tag]
	if ok {
		delete(ch.byTag, c.Tag)
	}
	ch.mu.Unlock()

	if !ok {
		staleCompletions.Inc()
		ch.log.Debug("stale completion", zap.Uint16("tag", c.Tag))
		return
	}
	if p.deadline != nil {
		p.deadline.Cancel()
	}
	<-ch.slots
	if p.cb != nil {
		go p.cb(c, nil)
		return
	}
	p.done <- result{c: c}
}

// Reset fails every outstanding command with ErrChannelReset, unblocking all
// synchronous waiters. Called on firmware crash recovery. The channel stays
// usable for new commands once the firmware instance is back.
func (ch *Channel) Reset() {
	ch.mu.Lock()
	dropped := make([]*pending, 0, len(ch.byTag))
	tags := make([]uint16, 0, len(ch.byTag))
	for tag, p := range ch.byTag {
		dropped = append(dropped, p)
		tags = append(tags, tag)
	}
	ch.byTag = make(map[uint16]*pending)
	ch.mu.Unlock()

	channelResets.Inc()
	ch.log.Warn("command channel reset", zap.Int("aborted", len(dropped)))
	for i, p := range dropped {
		if p.deadline != nil {
			p.deadline.Cancel()
		}
		<-ch.slots
		err := fmt.Errorf("fwcmd: cmd 0x%02x tag %d aborted: %w", uint16(p.cmd.ID), tags[i], domain.ErrChannelReset)
		if p.cb != nil {
			go p.cb(domain.CommandCompletion{}, err)
			continue
		}
		p.done <- result{err: err}
	}
}

// InFlight returns the number of unacknowledged commands. Power management
// must not let the device sleep while this is non-zero.
func (ch *Channel) InFlight() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.byTag)
}

// Busy reports whether any command is awaiting completion.
func (ch *Channel) Busy() bool {
	return ch.InFlight() > 0
}

// Close marks the channel closed; subsequent sends fail with ErrChannelReset.
func (ch *Channel) Close() {
	ch.mu.Lock()
	ch.closed = true
	ch.mu.Unlock()
	ch.Reset()
}
