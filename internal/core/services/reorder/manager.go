package reorder

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lcalzada-xor/fullmac/internal/core/domain"
)

// DefaultWindowSize is the BA window capacity used when the agreement does
// not negotiate one.
const DefaultWindowSize = 64

type sessionKey struct {
	peer string
	tid  domain.TID
}

// Manager owns the reorder windows of one interface, keyed by
// (station, tid). Frames for which no Block-Ack session exists bypass
// reordering and are delivered immediately: dropping data on a
// misconfigured session is worse than the occasional ordering artifact.
type Manager struct {
	log     *zap.Logger
	deliver DeliverFunc
	timeout time.Duration

	mu      sync.Mutex
	windows map[sessionKey]*Window
}

// NewManager creates an empty manager delivering through deliver.
func NewManager(timeout time.Duration, deliver DeliverFunc, log *zap.Logger) *Manager {
	return &Manager{
		log:     log,
		deliver: deliver,
		timeout: timeout,
		windows: make(map[sessionKey]*Window),
	}
}

// AddSession establishes the reorder window for a new Block-Ack agreement.
// An existing window for the same (peer, tid) is reset: drained and replaced
// anchored at the new starting sequence number.
func (m *Manager) AddSession(peer string, tid domain.TID, ssn domain.SeqNum, winSize int) error {
	if tid > domain.MaxTID {
		return fmt.Errorf("reorder: tid %d: %w", tid, domain.ErrProtocolViolation)
	}
	if winSize <= 0 {
		winSize = DefaultWindowSize
	}
	key := sessionKey{peer: peer, tid: tid}

	m.mu.Lock()
	old := m.windows[key]
	w := NewWindow(ssn, winSize, m.timeout, m.deliver, m.log)
	m.windows[key] = w
	m.mu.Unlock()

	if old != nil {
		m.log.Info("reorder session reset",
			zap.String("peer", peer), zap.Uint8("tid", uint8(tid)), zap.Uint16("ssn", uint16(ssn)))
		old.Stop()
	}
	return nil
}

// RemoveSession tears down the window for (peer, tid), draining anything
// still buffered.
func (m *Manager) RemoveSession(peer string, tid domain.TID) {
	key := sessionKey{peer: peer, tid: tid}
	m.mu.Lock()
	w := m.windows[key]
	delete(m.windows, key)
	m.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// RemovePeer tears down every session belonging to one station, used when
// the station disconnects.
func (m *Manager) RemovePeer(peer string) {
	m.mu.Lock()
	var drop []*Window
	for key, w := range m.windows {
		if key.peer == peer {
			drop = append(drop, w)
			delete(m.windows, key)
		}
	}
	m.mu.Unlock()
	for _, w := range drop {
		w.Stop()
	}
}

// Handle routes one received frame. Non-QoS-data frames and frames without a
// matching session bypass reordering.
func (m *Manager) Handle(f *domain.Frame) {
	if !f.QoSData || f.TID > domain.MaxTID {
		if f.TID > domain.MaxTID {
			framesDropped.WithLabelValues("invalid_tid_bypass").Inc()
		}
		m.deliver(f)
		return
	}
	m.mu.Lock()
	w := m.windows[sessionKey{peer: f.Peer, tid: f.TID}]
	m.mu.Unlock()
	if w == nil {
		framesReleased.WithLabelValues("bypass").Inc()
		m.deliver(f)
		return
	}
	w.Handle(f)
}

// ReleaseUpTo applies a Block-Ack-Request for (peer, tid). An unknown session
// is logged and ignored.
func (m *Manager) ReleaseUpTo(peer string, tid domain.TID, nssn domain.SeqNum) {
	m.mu.Lock()
	w := m.windows[sessionKey{peer: peer, tid: tid}]
	m.mu.Unlock()
	if w == nil {
		m.log.Debug("BAR for unknown session", zap.String("peer", peer), zap.Uint8("tid", uint8(tid)))
		return
	}
	w.ReleaseUpTo(nssn)
}

// Stop drains and removes every window.
func (m *Manager) Stop() {
	m.mu.Lock()
	ws := make([]*Window, 0, len(m.windows))
	for _, w := range m.windows {
		ws = append(ws, w)
	}
	m.windows = make(map[sessionKey]*Window)
	m.mu.Unlock()
	for _, w := range ws {
		w.Stop()
	}
}

// Sessions returns a snapshot of (peer, tid, head, buffered) for inspection.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.windows))
	for key, w := range m.windows {
		out = append(out, SessionInfo{
			Peer:     key.peer,
			TID:      key.tid,
			Head:     w.Head(),
			Buffered: w.Buffered(),
		})
	}
	return out
}

// SessionInfo is the inspectable snapshot of one reorder window.
type SessionInfo struct {
	Peer     string        `json:"peer"`
	TID      domain.TID    `json:"tid"`
	Head     domain.SeqNum `json:"head_sn"`
	Buffered int           `json:"buffered"`
}
