// Package rxring maintains the circular array of receive buffers shared with
// the radio hardware. Buffers cycle free list -> posted to hardware ->
// returned with data -> free list for the life of the ring; the pool is
// allocated once and only released at teardown.
package rxring

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/lcalzada-xor/fullmac/internal/core/domain"
	"github.com/lcalzada-xor/fullmac/internal/core/ports"
)

var (
	spuriousReclaims = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fullmac",
		Name:      "rxring_spurious_reclaims_total",
		Help:      "Duplicate or out-of-range hardware completions dropped",
	})
	doorbellWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fullmac",
		Name:      "rxring_doorbell_writes_total",
		Help:      "Write pointer updates published to hardware",
	})
	doorbellDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fullmac",
		Name:      "rxring_doorbell_deferred_total",
		Help:      "Doorbell writes deferred because the device was asleep",
	})
)

// doorbellBatch is the write pointer granularity. Hardware is only told about
// new buffers in multiples of this to keep register writes off the hot path.
const doorbellBatch = 8

// Buffer is one hardware-visible receive buffer. VID is the virtual id the
// hardware uses to name the buffer; it is assigned once at pool allocation.
type Buffer struct {
	vid  int
	data []byte
	// posted means the buffer currently belongs to hardware.
	posted bool
	// onFreeList guards against double release.
	onFreeList bool
}

// VID returns the buffer's hardware virtual id.
func (b *Buffer) VID() int { return b.vid }

// Bytes returns the backing storage. The slice is reused once the buffer is
// released back to the free list, so callers must copy out anything they keep.
func (b *Buffer) Bytes() []byte { return b.data }

// Ring is the receive descriptor ring. One mutex guards the free list and the
// slot array; critical sections never block or perform I/O beyond the
// doorbell write, which the RxHardware contract keeps short.
type Ring struct {
	log *zap.Logger
	hw  ports.RxHardware

	mu       sync.Mutex
	capacity int
	slots    []*Buffer // indexed by ring position; nil when not hardware-owned
	free     []*Buffer
	read     int
	write    int
	// unpublished counts slots posted since the last doorbell write.
	unpublished int
	// needUpdate defers a doorbell that could not be written because the
	// device was in low power; flushed on the next restock.
	needUpdate bool
	extracted  int
	closed     bool
}

// New allocates the buffer pool, posts every buffer it can into the
// hardware-visible slots and programs the initial write pointer. The ring
// keeps one slot empty between write and read to tell full from empty, so at
// most capacity-1 buffers are posted at a time.
func New(capacity, bufSize int, hw ports.RxHardware, log *zap.Logger) (*Ring, error) {
	if capacity < 2 || bufSize <= 0 {
		return nil, fmt.Errorf("rxring: capacity %d bufSize %d: %w", capacity, bufSize, domain.ErrResourceExhausted)
	}
	r := &Ring{
		log:      log,
		hw:       hw,
		capacity: capacity,
		slots:    make([]*Buffer, capacity),
		free:     make([]*Buffer, 0, capacity),
	}
	for vid := 0; vid < capacity; vid++ {
		r.free = append(r.free, &Buffer{
			vid:        vid,
			data:       make([]byte, bufSize),
			onFreeList: true,
		})
	}
	r.mu.Lock()
	posted := r.restockLocked()
	r.mu.Unlock()
	if posted == 0 {
		return nil, fmt.Errorf("rxring: no buffers posted at init: %w", domain.ErrResourceExhausted)
	}
	return r, nil
}

// Capacity returns the fixed pool size.
func (r *Ring) Capacity() int {
	return r.capacity
}

// space returns how many slots can still be posted. One slot is always left
// empty between write and read to disambiguate full from empty.
func (r *Ring) space() int {
	return (r.read - r.write - 1 + r.capacity) % r.capacity
}

// Reclaim detaches the buffer at the hardware-reported slot index from
// hardware ownership and returns it for frame extraction. A slot index that
// is out of range or names a buffer the driver already owns is a duplicate or
// corrupt completion: it is counted, logged and dropped with
// ErrProtocolViolation, never treated as fatal.
func (r *Ring) Reclaim(slotIndex int) (*Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("rxring: ring closed: %w", domain.ErrChannelReset)
	}
	if slotIndex < 0 || slotIndex >= r.capacity {
		spuriousReclaims.Inc()
		r.log.Warn("rx completion for out-of-range slot", zap.Int("slot", slotIndex))
		return nil, fmt.Errorf("rxring: slot %d out of range: %w", slotIndex, domain.ErrProtocolViolation)
	}
	buf := r.slots[slotIndex]
	if buf == nil || !buf.posted {
		spuriousReclaims.Inc()
		r.log.Warn("duplicate rx completion", zap.Int("slot", slotIndex))
		return nil, fmt.Errorf("rxring: duplicate completion for slot %d: %w", slotIndex, domain.ErrProtocolViolation)
	}
	r.slots[slotIndex] = nil
	buf.posted = false
	r.read = (slotIndex + 1) % r.capacity
	r.extracted++
	return buf, nil
}

// Restock moves as many free buffers as fit back into hardware-visible slots
// and publishes the write pointer if enough new slots accumulated. It returns
// the number of buffers posted.
func (r *Ring) Restock() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0
	}
	return r.restockLocked()
}

func (r *Ring) restockLocked() int {
	posted := 0
	for len(r.free) > 0 && r.space() > 0 {
		buf := r.free[len(r.free)-1]
		r.free = r.free[:len(r.free)-1]
		buf.onFreeList = false
		buf.posted = true
		r.slots[r.write] = buf
		r.write = (r.write + 1) % r.capacity
		posted++
	}
	r.unpublished += posted

	// Batch doorbell writes: hardware only hears about new buffers in
	// multiples of doorbellBatch, and never while asleep.
	if r.unpublished >= doorbellBatch || (r.needUpdate && r.unpublished > 0) {
		if !r.hw.Awake() {
			r.needUpdate = true
			doorbellDeferred.Inc()
		} else {
			aligned := (r.write / doorbellBatch) * doorbellBatch
			if err := r.hw.RingDoorbell(aligned); err != nil {
				r.log.Warn("doorbell write failed", zap.Error(err))
			} else {
				doorbellWrites.Inc()
				r.unpublished = 0
				r.needUpdate = false
			}
		}
	}
	return posted
}

// FillSlot copies an inbound frame into the posted buffer at slotIndex,
// standing in for the hardware DMA write. Bus adapters call it right before
// reporting the matching completion. Fails with ErrProtocolViolation when the
// slot is not hardware-owned and ErrResourceExhausted when the frame does not
// fit the buffer.
func (r *Ring) FillSlot(slotIndex int, frame []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, fmt.Errorf("rxring: ring closed: %w", domain.ErrChannelReset)
	}
	if slotIndex < 0 || slotIndex >= r.capacity {
		return 0, fmt.Errorf("rxring: slot %d out of range: %w", slotIndex, domain.ErrProtocolViolation)
	}
	buf := r.slots[slotIndex]
	if buf == nil || !buf.posted {
		return 0, fmt.Errorf("rxring: slot %d not hardware-owned: %w", slotIndex, domain.ErrProtocolViolation)
	}
	if len(frame) > len(buf.data) {
		return 0, fmt.Errorf("rxring: frame %d exceeds buffer %d: %w", len(frame), len(buf.data), domain.ErrResourceExhausted)
	}
	return copy(buf.data, frame), nil
}

// NextFilledSlot returns the ring position hardware consumes next, for bus
// adapters that fill slots in ring order.
func (r *Ring) NextFilledSlot() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read
}

// ReleaseToFreeList returns an extracted buffer to the free list. The caller
// must be done with the contents: the storage is physically reused by the
// next restock.
func (r *Ring) ReleaseToFreeList(buf *Buffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if buf.posted || buf.onFreeList {
		spuriousReclaims.Inc()
		r.log.Warn("buffer released twice or while hardware-owned", zap.Int("vid", buf.vid))
		return
	}
	buf.onFreeList = true
	r.free = append(r.free, buf)
	r.extracted--
}

// Accounting returns the current free/posted/extracted split. The three always
// sum to the pool capacity.
func (r *Ring) Accounting() (free, posted, extracted int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.slots {
		if b != nil {
			posted++
		}
	}
	return len(r.free), posted, r.extracted
}

// Close tears the ring down. Buffers still extracted are abandoned to their
// holders; everything else is dropped with the pool.
func (r *Ring) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.free = nil
	for i := range r.slots {
		r.slots[i] = nil
	}
}
