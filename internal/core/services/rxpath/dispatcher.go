// Package rxpath is the receive dispatcher: it drains hardware completions
// from the descriptor ring, classifies each frame, funnels QoS data through
// the reorder buffer, and recycles buffers back to hardware. It runs in the
// bus adapter's interrupt context, so nothing here blocks.
package rxpath

import (
	"encoding/binary"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/lcalzada-xor/fullmac/internal/core/domain"
	"github.com/lcalzada-xor/fullmac/internal/core/ports"
	"github.com/lcalzada-xor/fullmac/internal/core/services/reorder"
	"github.com/lcalzada-xor/fullmac/internal/core/services/rxring"
)

var (
	rxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fullmac",
		Name:      "rx_frames_total",
		Help:      "Frames taken off the ring, by classification",
	}, []string{"class"})
	rxDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fullmac",
		Name:      "rx_drops_total",
		Help:      "Frames dropped in the receive path, by reason",
	}, []string{"reason"})
)

// Resolver maps a frame's destination MAC to the owning interface.
type Resolver func(mac string) (domain.InterfaceID, bool)

// Dispatcher implements ports.RxSink on top of one descriptor ring.
type Dispatcher struct {
	log     *zap.Logger
	ring    *rxring.Ring
	windows *reorder.Manager
	resolve Resolver
}

// New wires the dispatcher. Frames leave the reorder stage straight into
// mlme.DeliverFrame; reorderTimeout bounds how long a gap may hold them back.
func New(ring *rxring.Ring, reorderTimeout time.Duration, mlme ports.MLME, resolve Resolver, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{log: log, ring: ring, resolve: resolve}
	d.windows = reorder.NewManager(reorderTimeout, func(f *domain.Frame) {
		mlme.DeliverFrame(f.Iface, f.Body)
	}, log)
	return d
}

// Sessions exposes the live reorder windows for the inspect surface.
func (d *Dispatcher) Sessions() []reorder.SessionInfo {
	return d.windows.Sessions()
}

// Stop drains every reorder window and halts their timers. The ring is owned
// by the caller and closed separately.
func (d *Dispatcher) Stop() {
	d.windows.Stop()
}

// OnRxInterrupt drains one batch of completions and restocks the ring once at
// the end. Bad completions are dropped per-slot; one rotten descriptor never
// poisons the batch.
func (d *Dispatcher) OnRxInterrupt(completions []domain.RxCompletion) {
	for _, c := range completions {
		buf, err := d.ring.Reclaim(c.SlotIndex)
		if err != nil {
			// Spurious or duplicate completion, counted by the ring.
			continue
		}
		if c.Length <= 0 || c.Length > len(buf.Bytes()) {
			rxDrops.WithLabelValues("bad_length").Inc()
			d.log.Warn("completion length out of range",
				zap.Int("slot", c.SlotIndex), zap.Int("length", c.Length))
			d.ring.ReleaseToFreeList(buf)
			continue
		}
		// The buffer is physically reused after release; the frame must be
		// copied out before anything downstream can hold on to it.
		frame := make([]byte, c.Length)
		copy(frame, buf.Bytes()[:c.Length])
		d.ring.ReleaseToFreeList(buf)

		d.dispatch(frame)
	}
	d.ring.Restock()
}

// Frame-control constants for the raw pre-parse. Control frames carry no
// sequence number and gopacket leaves their bodies opaque, so they are
// classified straight off the first byte.
const (
	fcTypeMask    = 0x0c
	fcSubtypeMask = 0xf0
	fcTypeCtrl    = 0x04
	fcSubtypeBAR  = 0x80
)

func (d *Dispatcher) dispatch(frame []byte) {
	if len(frame) < 2 {
		rxDrops.WithLabelValues("runt").Inc()
		return
	}
	if frame[0]&fcTypeMask == fcTypeCtrl {
		if frame[0]&fcSubtypeMask == fcSubtypeBAR {
			d.handleBAR(frame)
			return
		}
		rxDrops.WithLabelValues("ctrl_unhandled").Inc()
		return
	}

	pkt := gopacket.NewPacket(frame, layers.LayerTypeDot11, gopacket.NoCopy)
	dot11Layer := pkt.Layer(layers.LayerTypeDot11)
	if dot11Layer == nil {
		rxDrops.WithLabelValues("malformed").Inc()
		d.log.Debug("undecodable frame dropped", zap.Int("len", len(frame)))
		return
	}
	dot11 := dot11Layer.(*layers.Dot11)

	if dot11.Type.MainType() != layers.Dot11TypeData {
		// Firmware terminates management frames itself; one surfacing here
		// is inconsistent bookkeeping on its side.
		rxDrops.WithLabelValues("mgmt_unexpected").Inc()
		d.log.Debug("unexpected non-data frame from firmware",
			zap.String("type", dot11.Type.String()))
		return
	}

	dest := dot11.Address1.String()
	iface, ok := d.resolve(dest)
	if !ok {
		rxDrops.WithLabelValues("unrouted").Inc()
		return
	}

	f := &domain.Frame{
		Iface: iface,
		Peer:  dot11.Address2.String(),
		Seq:   domain.SeqNum(dot11.SequenceNumber),
		Body:  frame,
	}
	if dot11.Type == layers.Dot11TypeDataQOSData {
		f.QoSData = true
		f.TID = qosTID(dot11, frame)
		rxFrames.WithLabelValues("qos_data").Inc()
	} else {
		rxFrames.WithLabelValues("data").Inc()
	}
	d.windows.Handle(f)
}

// qosTID pulls the traffic identifier out of the QoS control field, which the
// header decoder exposes on the Dot11 layer itself.
func qosTID(dot11 *layers.Dot11, frame []byte) domain.TID {
	if dot11.QOS != nil {
		return domain.TID(dot11.QOS.TID)
	}
	// QoS control sits right after the 24-byte data header.
	if len(frame) >= 26 {
		return domain.TID(frame[24] & 0x0f)
	}
	return 0
}

// handleBAR processes a Block-Ack-Request: transmitter at offset 10, BAR
// control at 16 (TID in the top four bits), starting sequence control at 18.
func (d *Dispatcher) handleBAR(frame []byte) {
	if len(frame) < 20 {
		rxDrops.WithLabelValues("runt").Inc()
		return
	}
	peer := hwAddr(frame[10:16])
	barCtl := binary.LittleEndian.Uint16(frame[16:18])
	tid := domain.TID(barCtl >> 12)
	nssn := domain.SeqNum(binary.LittleEndian.Uint16(frame[18:20]) >> 4)

	rxFrames.WithLabelValues("bar").Inc()
	d.log.Debug("block-ack request",
		zap.String("peer", peer), zap.Uint8("tid", uint8(tid)), zap.Uint16("nssn", uint16(nssn)))
	d.windows.ReleaseUpTo(peer, tid, nssn)
}

func hwAddr(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, 17)
	for i, x := range b {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, hexDigits[x>>4], hexDigits[x&0x0f])
	}
	return string(out)
}

// AddBASession opens a reorder window for (peer, tid) starting at ssn.
func (d *Dispatcher) AddBASession(peer string, tid domain.TID, ssn domain.SeqNum, winSize int) error {
	return d.windows.AddSession(peer, tid, ssn, winSize)
}

// RemoveBASession tears down one reorder window, draining its contents.
func (d *Dispatcher) RemoveBASession(peer string, tid domain.TID) {
	d.windows.RemoveSession(peer, tid)
}

// RemovePeer drains and drops every window for a disconnecting station.
func (d *Dispatcher) RemovePeer(peer string) {
	d.windows.RemovePeer(peer)
}
