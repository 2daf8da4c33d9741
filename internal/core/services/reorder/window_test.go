package reorder

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lcalzada-xor/fullmac/internal/core/domain"
)

// collector gathers delivered frames in order, safe for timer goroutines.
type collector struct {
	mu     sync.Mutex
	frames []*domain.Frame
}

func (c *collector) deliver(f *domain.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
}

func (c *collector) seqs() []domain.SeqNum {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.SeqNum, len(c.frames))
	for i, f := range c.frames {
		out[i] = f.Seq
	}
	return out
}

func qosFrame(seq domain.SeqNum) *domain.Frame {
	return &domain.Frame{Peer: "02:00:00:00:00:aa", TID: 3, Seq: seq, QoSData: true}
}

func TestWindow_FastPathInOrder(t *testing.T) {
	c := &collector{}
	w := NewWindow(0, 64, time.Hour, c.deliver, zap.NewNop())

	for i := 0; i < 5; i++ {
		w.Handle(qosFrame(domain.SeqNum(i)))
	}
	assert.Equal(t, []domain.SeqNum{0, 1, 2, 3, 4}, c.seqs())
	assert.Equal(t, 0, w.Buffered())
	assert.Equal(t, domain.SeqNum(5), w.Head())
}

func TestWindow_BuffersOutOfOrder(t *testing.T) {
	c := &collector{}
	w := NewWindow(0, 64, time.Hour, c.deliver, zap.NewNop())

	w.Handle(qosFrame(2))
	w.Handle(qosFrame(1))
	assert.Empty(t, c.seqs(), "gapped frames must be held")
	assert.Equal(t, 2, w.Buffered())

	// The missing head arrives: in-order delivery drains the whole run it
	// completes, with no NSSN or timeout needed.
	w.Handle(qosFrame(0))
	assert.Equal(t, []domain.SeqNum{0, 1, 2}, c.seqs())
	assert.Equal(t, 0, w.Buffered())
	assert.Equal(t, domain.SeqNum(3), w.Head())
}

// An in-order arrival that fills only part of the gap drains up to the next
// hole and no further.
func TestWindow_InOrderDrainStopsAtGap(t *testing.T) {
	c := &collector{}
	w := NewWindow(0, 64, time.Hour, c.deliver, zap.NewNop())

	w.Handle(qosFrame(1))
	w.Handle(qosFrame(3))
	w.Handle(qosFrame(0))

	assert.Equal(t, []domain.SeqNum{0, 1}, c.seqs())
	assert.Equal(t, 1, w.Buffered())
	assert.Equal(t, domain.SeqNum(2), w.Head())
}

func TestWindow_StaleFrameDropped(t *testing.T) {
	c := &collector{}
	w := NewWindow(10, 64, time.Hour, c.deliver, zap.NewNop())

	w.Handle(qosFrame(9))
	w.Handle(qosFrame(4006)) // 100 behind the head across the wrap
	assert.Empty(t, c.seqs())
	assert.Equal(t, 0, w.Buffered())
}

// P3: delivering the same sequence number twice yields exactly one delivery.
func TestWindow_DuplicateDropped(t *testing.T) {
	c := &collector{}
	w := NewWindow(0, 64, time.Hour, c.deliver, zap.NewNop())

	w.Handle(qosFrame(5))
	w.Handle(qosFrame(5))
	w.ReleaseUpTo(6)
	assert.Equal(t, []domain.SeqNum{5}, c.seqs())
}

// P2: any permutation of distinct sequence numbers followed by a covering
// release comes out non-decreasing and complete.
func TestWindow_PermutationRestoresOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		c := &collector{}
		w := NewWindow(0, 64, time.Hour, c.deliver, zap.NewNop())

		const n = 40
		perm := rng.Perm(n)
		for _, i := range perm {
			w.Handle(qosFrame(domain.SeqNum(i)))
		}
		w.ReleaseUpTo(n)

		got := c.seqs()
		require.Len(t, got, n, "trial %d: no loss, no duplication", trial)
		for i := 1; i < len(got); i++ {
			require.LessOrEqual(t, got[i-1], got[i], "trial %d: order broken", trial)
		}
	}
}

// Scenario D: 30 frames, sequence numbers 1..30, random order, then a BAR
// with NSSN=31.
func TestWindow_ScenarioD(t *testing.T) {
	c := &collector{}
	w := NewWindow(1, 64, time.Hour, c.deliver, zap.NewNop())

	rng := rand.New(rand.NewSource(1))
	perm := rng.Perm(30)
	for _, i := range perm {
		w.Handle(qosFrame(domain.SeqNum(i + 1)))
	}
	w.ReleaseUpTo(31)

	got := c.seqs()
	require.Len(t, got, 30)
	for i, sn := range got {
		assert.Equal(t, domain.SeqNum(i+1), sn)
	}
}

func TestWindow_SequenceWraparound(t *testing.T) {
	c := &collector{}
	w := NewWindow(4090, 64, time.Hour, c.deliver, zap.NewNop())

	// Frames straddling the 4095->0 wrap arrive out of order.
	order := []domain.SeqNum{4094, 4090, 4092, 0, 4095, 4091, 4093, 1}
	for _, sn := range order {
		w.Handle(qosFrame(sn))
	}
	w.ReleaseUpTo(2)

	want := []domain.SeqNum{4090, 4091, 4092, 4093, 4094, 4095, 0, 1}
	assert.Equal(t, want, c.seqs())
	assert.Equal(t, domain.SeqNum(2), w.Head())
}

func TestWindow_NSSNReleaseStopsAtTarget(t *testing.T) {
	c := &collector{}
	w := NewWindow(0, 64, time.Hour, c.deliver, zap.NewNop())

	w.Handle(qosFrame(0)) // fast path
	w.Handle(qosFrame(2))
	w.Handle(qosFrame(5))
	w.ReleaseUpTo(4)

	// 2 is released (behind the new head); 5 stays buffered.
	assert.Equal(t, []domain.SeqNum{0, 2}, c.seqs())
	assert.Equal(t, 1, w.Buffered())
	assert.Equal(t, domain.SeqNum(4), w.Head())
}

// P6: a stalled window releases everything within one timeout interval.
func TestWindow_TimeoutReleasesStalledRun(t *testing.T) {
	c := &collector{}
	w := NewWindow(0, 64, 30*time.Millisecond, c.deliver, zap.NewNop())

	// Head (0) missing: 1,2,3 are stuck behind the gap.
	w.Handle(qosFrame(1))
	w.Handle(qosFrame(2))
	w.Handle(qosFrame(3))
	assert.Empty(t, c.seqs())

	assert.Eventually(t, func() bool {
		return len(c.seqs()) == 3
	}, time.Second, 5*time.Millisecond, "timeout must flush the stalled run")
	assert.Equal(t, []domain.SeqNum{1, 2, 3}, c.seqs())
	assert.Equal(t, 0, w.Buffered())
}

func TestWindow_TimeoutStopsAtGapAndRearms(t *testing.T) {
	c := &collector{}
	w := NewWindow(0, 64, 25*time.Millisecond, c.deliver, zap.NewNop())

	w.Handle(qosFrame(1))
	w.Handle(qosFrame(3))

	// First expiry drains the run at 1, second the run at 3.
	assert.Eventually(t, func() bool {
		return len(c.seqs()) >= 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.SeqNum{1, 3}, c.seqs())
}

func TestWindow_FrameBeyondWindowAdvancesHead(t *testing.T) {
	c := &collector{}
	w := NewWindow(0, 16, time.Hour, c.deliver, zap.NewNop())

	w.Handle(qosFrame(2))
	// 40 is more than a window ahead: the old contents must be released to
	// make room rather than colliding in the slot array.
	w.Handle(qosFrame(40))
	assert.Equal(t, []domain.SeqNum{2}, c.seqs())
	assert.Equal(t, 1, w.Buffered())
}

func TestWindow_StopDrainsBuffered(t *testing.T) {
	c := &collector{}
	w := NewWindow(0, 64, time.Hour, c.deliver, zap.NewNop())

	w.Handle(qosFrame(4))
	w.Handle(qosFrame(2))
	w.Stop()

	assert.Equal(t, []domain.SeqNum{2, 4}, c.seqs())
	assert.Equal(t, 0, w.Buffered())
}
