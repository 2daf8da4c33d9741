// Package reorder reassembles out-of-order firmware deliveries into an
// in-order stream per (station, traffic identifier), the receiver side of an
// 802.11 Block-Ack agreement. Frames are buffered in a fixed window anchored
// at the next expected sequence number and released in order on in-order
// arrival, on an explicit NSSN advance, or on a timeout that bounds how long
// a stalled window may hold traffic.
package reorder

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/lcalzada-xor/fullmac/internal/core/domain"
	"github.com/lcalzada-xor/fullmac/internal/core/sched"
)

var (
	framesReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fullmac",
		Name:      "reorder_frames_released_total",
		Help:      "Frames released to the upper layer, by trigger",
	}, []string{"trigger"})
	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fullmac",
		Name:      "reorder_frames_dropped_total",
		Help:      "Frames dropped by the reorder engine, by reason",
	}, []string{"reason"})
)

// DeliverFunc receives released frames. It is always called without window
// locks held and always with non-decreasing sequence numbers per window.
type DeliverFunc func(f *domain.Frame)

// Window is the reorder state for one (station, tid). The zero window is
// uninitialized; it becomes active on the first buffered frame and returns to
// uninitialized on Stop (BA session teardown).
type Window struct {
	log     *zap.Logger
	deliver DeliverFunc
	timeout time.Duration

	mu     sync.Mutex
	slots  []*domain.Frame
	headSN domain.SeqNum
	stored int
	active bool
	timer  *sched.Task
}

// NewWindow creates a window anchored at the Block-Ack starting sequence
// number with the given capacity (the negotiated BA window size).
func NewWindow(ssn domain.SeqNum, capacity int, timeout time.Duration, deliver DeliverFunc, log *zap.Logger) *Window {
	w := &Window{
		log:     log,
		deliver: deliver,
		timeout: timeout,
		slots:   make([]*domain.Frame, capacity),
		headSN:  ssn,
	}
	w.timer = sched.NewTask(w.onTimeout)
	return w
}

// Handle classifies one incoming frame. The expected frame goes straight to
// the upper layer and pulls any contiguous run buffered behind it along; stale
// and duplicate frames are dropped; everything else is buffered until
// released.
func (w *Window) Handle(f *domain.Frame) {
	w.mu.Lock()

	// Behind the head: duplicate or stale retransmission.
	if f.Seq.Before(w.headSN) {
		w.mu.Unlock()
		framesDropped.WithLabelValues("stale").Inc()
		return
	}

	// A frame beyond the window means the transmitter moved on without us
	// seeing the interim; make room by advancing the head first.
	var early []*domain.Frame
	if f.Seq.Sub(w.headSN) >= len(w.slots) {
		early = w.releaseUpToLocked(f.Seq.Add(-len(w.slots) + 1))
	}

	// In-order arrival: the head advances past the new frame and drains the
	// run it completes.
	if f.Seq == w.headSN {
		w.headSN = w.headSN.Add(1)
		run := w.drainContiguousLocked()
		remaining := w.stored
		w.mu.Unlock()
		w.flush(early, "nssn")
		framesReleased.WithLabelValues("in_order").Inc()
		w.deliver(f)
		w.flush(run, "in_order")
		if remaining == 0 {
			w.timer.Cancel()
		}
		return
	}

	idx := int(f.Seq) % len(w.slots)
	if w.slots[idx] != nil {
		w.mu.Unlock()
		w.flush(early, "nssn")
		framesDropped.WithLabelValues("duplicate").Inc()
		return
	}
	w.slots[idx] = f
	w.stored++
	w.active = true
	first := w.stored == 1
	w.mu.Unlock()

	w.flush(early, "nssn")
	if first {
		w.timer.Arm(w.timeout)
	}
}

// ReleaseUpTo advances the head to nssn (from a Block-Ack-Request or a data
// frame carrying a new start number), delivering everything buffered below it
// in ascending order. Frames that arrived too late to keep strict order are
// still delivered rather than held forever.
func (w *Window) ReleaseUpTo(nssn domain.SeqNum) {
	w.mu.Lock()
	released := w.releaseUpToLocked(nssn)
	remaining := w.stored
	w.mu.Unlock()

	w.flush(released, "nssn")
	if remaining == 0 {
		w.timer.Cancel()
	} else {
		w.timer.Arm(w.timeout)
	}
}

// releaseUpToLocked walks from headSN to nssn, collecting every present slot
// in order, leaves the head at nssn, and keeps draining while the run beyond
// it is unbroken. Caller holds w.mu; delivery happens after unlock.
func (w *Window) releaseUpToLocked(nssn domain.SeqNum) []*domain.Frame {
	if nssn.Sub(w.headSN) <= 0 {
		return nil
	}
	var out []*domain.Frame
	for sn := w.headSN; sn != nssn; sn = sn.Add(1) {
		idx := int(sn) % len(w.slots)
		if f := w.slots[idx]; f != nil && f.Seq == sn {
			out = append(out, f)
			w.slots[idx] = nil
			w.stored--
		}
	}
	w.headSN = nssn
	return append(out, w.drainContiguousLocked()...)
}

// drainContiguousLocked advances the head across the unbroken run buffered at
// it, collecting the frames in order. Caller holds w.mu.
func (w *Window) drainContiguousLocked() []*domain.Frame {
	var out []*domain.Frame
	for w.stored > 0 {
		idx := int(w.headSN) % len(w.slots)
		f := w.slots[idx]
		if f == nil || f.Seq != w.headSN {
			break
		}
		out = append(out, f)
		w.slots[idx] = nil
		w.stored--
		w.headSN = w.headSN.Add(1)
	}
	return out
}

// onTimeout releases the oldest contiguous run of buffered frames: the head
// skips forward to the first buffered frame and drains until the next gap.
func (w *Window) onTimeout() {
	w.mu.Lock()
	var out []*domain.Frame
	if w.stored > 0 {
		// Skip the gap at the head, then drain the contiguous run.
		sn := w.headSN
		for w.slots[int(sn)%len(w.slots)] == nil {
			sn = sn.Add(1)
		}
		for {
			idx := int(sn) % len(w.slots)
			f := w.slots[idx]
			if f == nil || f.Seq != sn {
				break
			}
			out = append(out, f)
			w.slots[idx] = nil
			w.stored--
			sn = sn.Add(1)
		}
		w.headSN = sn
	}
	remaining := w.stored
	w.mu.Unlock()

	w.flush(out, "timeout")
	if remaining > 0 {
		w.timer.Arm(w.timeout)
	}
}

func (w *Window) flush(frames []*domain.Frame, trigger string) {
	for _, f := range frames {
		framesReleased.WithLabelValues(trigger).Inc()
		w.deliver(f)
	}
}

// Stop tears the window down on BA session teardown or disconnect. Buffered
// frames are drained upward so nothing is silently lost; the window returns
// to the uninitialized state.
func (w *Window) Stop() {
	w.timer.Cancel()
	w.mu.Lock()
	var out []*domain.Frame
	for sn := w.headSN; ; sn = sn.Add(1) {
		if w.stored == 0 {
			break
		}
		idx := int(sn) % len(w.slots)
		if f := w.slots[idx]; f != nil {
			out = append(out, f)
			w.slots[idx] = nil
			w.stored--
		}
	}
	w.active = false
	w.mu.Unlock()
	w.flush(out, "teardown")
}

// Buffered returns the number of frames currently held.
func (w *Window) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stored
}

// Head returns the next expected sequence number.
func (w *Window) Head() domain.SeqNum {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.headSN
}
