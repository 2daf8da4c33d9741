// Package simfw is an in-process firmware: it implements the command
// transport, answers with the completions and events real firmware would
// produce, and hosts a set of simulated beaconing access points. The frames
// it "transmits" are real 802.11 management frames, kept on an air log so
// tests can assert on what went over the air.
package simfw

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"

	"github.com/lcalzada-xor/fullmac/internal/core/domain"
	"github.com/lcalzada-xor/fullmac/internal/core/ports"
	"github.com/lcalzada-xor/fullmac/internal/core/services/rxring"
)

// APConfig describes one simulated access point.
type APConfig struct {
	SSID     string
	BSSID    string
	Channel  int
	Security string // OPEN, WPA2, WPA3
	RSSI     int
	// AuthRejects rejects that many authentication attempts before
	// accepting; AssocRejects does the same for association.
	AuthRejects  int
	AssocRejects int
	// SharedKeyUnsupported answers shared-key auth with an
	// algorithm-mismatch status, the trigger for open-system fallback.
	SharedKeyUnsupported bool
	BeaconInterval       uint16
}

type ap struct {
	cfg              APConfig
	authRejectsLeft  int
	assocRejectsLeft int
}

// AirFrame is one frame the firmware put on the air on the driver's behalf.
type AirFrame struct {
	Kind  string // auth, assoc_req, deauth, disassoc, probe_req
	BSSID string
	Data  []byte
}

// Firmware simulates the device firmware. Wire it to the command channel's
// completion sink and the interface manager's event sink before use.
type Firmware struct {
	log *zap.Logger

	mu          sync.Mutex
	aps         map[string]*ap
	completions ports.CompletionSink
	events      ports.EventSink
	ring        *rxring.Ring
	rx          ports.RxSink
	nextSlot    int
	doorbell    int
	crashed     bool
	joinedBSSID string
	air         []AirFrame

	queue chan domain.Command
	quit  chan struct{}
	wg    sync.WaitGroup
}

// New creates a firmware with no APs on the air.
func New(log *zap.Logger) *Firmware {
	f := &Firmware{
		log:   log,
		aps:   make(map[string]*ap),
		queue: make(chan domain.Command, 128),
		quit:  make(chan struct{}),
	}
	f.wg.Add(1)
	go f.worker()
	return f
}

// Wire connects the firmware to the driver's completion and event sinks.
func (f *Firmware) Wire(completions ports.CompletionSink, events ports.EventSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = completions
	f.events = events
}

// AttachRxPath connects the receive side: inbound data frames are written
// into ring slots and reported to sink, like DMA plus an interrupt.
func (f *Firmware) AttachRxPath(ring *rxring.Ring, sink ports.RxSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ring = ring
	f.rx = sink
	f.nextSlot = ring.NextFilledSlot()
}

// RingDoorbell implements ports.RxHardware. The simulated device only records
// the write pointer; slots are consumed lazily by InjectDataFrame.
func (f *Firmware) RingDoorbell(writeIndex int) error {
	f.mu.Lock()
	f.doorbell = writeIndex
	f.mu.Unlock()
	return nil
}

// Awake implements ports.RxHardware. A crashed firmware cannot take doorbell
// writes.
func (f *Firmware) Awake() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.crashed
}

// AddAP puts a simulated access point on the air.
func (f *Firmware) AddAP(cfg APConfig) {
	if cfg.BeaconInterval == 0 {
		cfg.BeaconInterval = 100
	}
	if cfg.RSSI == 0 {
		cfg.RSSI = -55
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aps[cfg.BSSID] = &ap{cfg: cfg, authRejectsLeft: cfg.AuthRejects, assocRejectsLeft: cfg.AssocRejects}
}

// RemoveAP takes an access point off the air.
func (f *Firmware) RemoveAP(bssid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.aps, bssid)
}

// Submit implements ports.CommandTransport. Commands are processed on the
// firmware's own context, completions and events come back asynchronously.
func (f *Firmware) Submit(cmd domain.Command) error {
	f.mu.Lock()
	crashed := f.crashed
	f.mu.Unlock()
	if crashed {
		return fmt.Errorf("simfw: firmware dead: %w", domain.ErrChannelReset)
	}
	select {
	case f.queue <- cmd:
		return nil
	default:
		return fmt.Errorf("simfw: command queue full: %w", domain.ErrResourceExhausted)
	}
}

func (f *Firmware) worker() {
	defer f.wg.Done()
	for {
		select {
		case cmd := <-f.queue:
			f.handle(cmd)
		case <-f.quit:
			return
		}
	}
}

func (f *Firmware) complete(cmd domain.Command, status domain.StatusCode, payload []byte) {
	f.mu.Lock()
	sink := f.completions
	f.mu.Unlock()
	if sink != nil {
		sink.OnCompletion(domain.CommandCompletion{Tag: cmd.Tag, Status: status, Payload: payload})
	}
}

func (f *Firmware) emit(ev domain.Event) {
	f.mu.Lock()
	sink := f.events
	crashed := f.crashed
	f.mu.Unlock()
	if sink != nil && !crashed {
		sink.HandleEvent(ev)
	}
}

func (f *Firmware) handle(cmd domain.Command) {
	f.mu.Lock()
	if f.crashed {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	switch cmd.ID {
	case domain.CmdCreateIface, domain.CmdDestroyIface, domain.CmdSetPowerSave, domain.CmdScanAbort:
		f.complete(cmd, domain.StatusSuccess, nil)
	case domain.CmdJoin:
		f.handleJoin(cmd)
	case domain.CmdAuthenticate:
		f.handleAuth(cmd)
	case domain.CmdAssociate:
		f.handleAssoc(cmd)
	case domain.CmdDeauthenticate:
		f.handleLeave(cmd, "deauth")
	case domain.CmdDisassociate:
		f.handleLeave(cmd, "disassoc")
	case domain.CmdScanStart:
		f.handleScan(cmd)
	case domain.CmdGetSignal:
		f.handleGetSignal(cmd)
	default:
		f.log.Warn("unknown command refused", zap.Uint16("cmd", uint16(cmd.ID)))
		f.complete(cmd, domain.StatusRefused, nil)
	}
}

func (f *Firmware) findAP(ssid, bssid string) *ap {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bssid != "" {
		return f.aps[bssid]
	}
	for _, a := range f.aps {
		if a.cfg.SSID == ssid {
			return a
		}
	}
	return nil
}

func (f *Firmware) handleJoin(cmd domain.Command) {
	f.complete(cmd, domain.StatusSuccess, nil)
	var p domain.JoinParams
	if err := domain.Unmarshal(cmd.Payload, &p); err != nil {
		f.emit(domain.Event{Kind: domain.EventJoinConfirm, Iface: cmd.Iface, Status: domain.StatusRefused})
		return
	}
	a := f.findAP(p.SSID, p.BSSID)
	if a == nil {
		f.emit(domain.Event{Kind: domain.EventJoinConfirm, Iface: cmd.Iface, Status: domain.StatusRefused})
		return
	}
	f.mu.Lock()
	f.joinedBSSID = a.cfg.BSSID
	f.mu.Unlock()
	bss := f.describe(a)
	f.emit(domain.Event{Kind: domain.EventJoinConfirm, Iface: cmd.Iface, Status: domain.StatusSuccess, BSS: &bss})
}

func (f *Firmware) handleAuth(cmd domain.Command) {
	f.complete(cmd, domain.StatusSuccess, nil)
	var p domain.AuthParams
	if err := domain.Unmarshal(cmd.Payload, &p); err != nil {
		f.emit(domain.Event{Kind: domain.EventAuthResponse, Iface: cmd.Iface, Status: domain.StatusRefused})
		return
	}
	f.transmit("auth", p.BSSID, f.buildAuthFrame(p.BSSID, p.Alg))

	a := f.findAP("", p.BSSID)
	switch {
	case a == nil:
		f.emit(domain.Event{Kind: domain.EventAuthResponse, Iface: cmd.Iface, Status: domain.StatusRefused})
	case p.Alg == domain.AuthSharedKey && a.cfg.SharedKeyUnsupported:
		f.emit(domain.Event{Kind: domain.EventAuthResponse, Iface: cmd.Iface, Status: domain.StatusAuthAlgMismatch})
	default:
		f.mu.Lock()
		reject := a.authRejectsLeft > 0
		if reject {
			a.authRejectsLeft--
		}
		f.mu.Unlock()
		if reject {
			f.emit(domain.Event{Kind: domain.EventAuthResponse, Iface: cmd.Iface, Status: domain.StatusRefused})
			return
		}
		f.emit(domain.Event{Kind: domain.EventAuthResponse, Iface: cmd.Iface, Status: domain.StatusSuccess})
	}
}

func (f *Firmware) handleAssoc(cmd domain.Command) {
	f.complete(cmd, domain.StatusSuccess, nil)
	var p domain.AssocParams
	if err := domain.Unmarshal(cmd.Payload, &p); err != nil {
		f.emit(domain.Event{Kind: domain.EventAssocResponse, Iface: cmd.Iface, Status: domain.StatusRefused})
		return
	}
	f.transmit("assoc_req", p.BSSID, f.buildAssocReqFrame(p.BSSID))

	a := f.findAP("", p.BSSID)
	if a == nil {
		f.emit(domain.Event{Kind: domain.EventAssocResponse, Iface: cmd.Iface, Status: domain.StatusRefused})
		return
	}
	f.mu.Lock()
	reject := a.assocRejectsLeft > 0
	if reject {
		a.assocRejectsLeft--
	}
	f.mu.Unlock()
	if reject {
		f.emit(domain.Event{Kind: domain.EventAssocResponse, Iface: cmd.Iface, Status: domain.StatusRefusedTemporary})
		return
	}
	f.emit(domain.Event{
		Kind: domain.EventAssocResponse, Iface: cmd.Iface, Status: domain.StatusSuccess,
		IEs: f.buildIEs(a),
	})
}

func (f *Firmware) handleLeave(cmd domain.Command, kind string) {
	var p domain.LeaveParams
	_ = domain.Unmarshal(cmd.Payload, &p)
	f.transmit(kind, p.BSSID, f.buildLeaveFrame(kind, p.BSSID, p.Reason))
	f.mu.Lock()
	if f.joinedBSSID == p.BSSID {
		f.joinedBSSID = ""
	}
	f.mu.Unlock()
	f.complete(cmd, domain.StatusSuccess, nil)
}

func (f *Firmware) handleScan(cmd domain.Command) {
	f.complete(cmd, domain.StatusSuccess, nil)
	var p domain.ScanParams
	if err := domain.Unmarshal(cmd.Payload, &p); err != nil {
		f.emit(domain.Event{Kind: domain.EventScanComplete, Iface: cmd.Iface, ScanTxn: p.Txn, Status: domain.StatusRefused})
		return
	}
	f.mu.Lock()
	aps := make([]*ap, 0, len(f.aps))
	for _, a := range f.aps {
		aps = append(aps, a)
	}
	f.mu.Unlock()

	for _, a := range aps {
		if !scanMatches(p, a.cfg) {
			continue
		}
		bss := f.describe(a)
		f.emit(domain.Event{Kind: domain.EventScanResult, Iface: cmd.Iface, ScanTxn: p.Txn, BSS: &bss})
	}
	f.emit(domain.Event{Kind: domain.EventScanComplete, Iface: cmd.Iface, ScanTxn: p.Txn, Status: domain.StatusSuccess})
}

func scanMatches(p domain.ScanParams, cfg APConfig) bool {
	if len(p.SSIDs) > 0 {
		hit := false
		for _, s := range p.SSIDs {
			if s == cfg.SSID {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if len(p.Channels) > 0 {
		hit := false
		for _, ch := range p.Channels {
			if ch == cfg.Channel {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func (f *Firmware) handleGetSignal(cmd domain.Command) {
	rssi := -70
	f.mu.Lock()
	if a, ok := f.aps[f.joinedBSSID]; ok {
		rssi = a.cfg.RSSI
	}
	f.mu.Unlock()
	f.complete(cmd, domain.StatusSuccess, domain.Marshal(domain.SignalInfo{RSSI: rssi, SNR: rssi + 92}))
}

// describe builds the BSS description a scan or join confirm carries,
// including the beacon's information elements.
func (f *Firmware) describe(a *ap) domain.BSSDescription {
	return domain.BSSDescription{
		BSSID:          a.cfg.BSSID,
		SSID:           a.cfg.SSID,
		Channel:        a.cfg.Channel,
		RSSI:           a.cfg.RSSI,
		Security:       a.cfg.Security,
		BeaconInterval: a.cfg.BeaconInterval,
		IEs:            f.buildIEs(a),
		LastSeen:       time.Now(),
	}
}

// Crash kills the firmware: in-flight work is lost and a crash event is the
// last thing out. Restart brings it back with AP state intact.
func (f *Firmware) Crash() {
	f.mu.Lock()
	sink := f.events
	f.crashed = true
	f.joinedBSSID = ""
	f.mu.Unlock()
	f.log.Warn("simulated firmware crash")
	if sink != nil {
		sink.HandleEvent(domain.Event{Kind: domain.EventFirmwareCrash})
	}
}

// Restart recovers a crashed firmware.
func (f *Firmware) Restart() {
	f.mu.Lock()
	f.crashed = false
	f.mu.Unlock()
}

// transmit records a frame on the air log.
func (f *Firmware) transmit(kind, bssid string, data []byte) {
	f.mu.Lock()
	f.air = append(f.air, AirFrame{Kind: kind, BSSID: bssid, Data: data})
	f.mu.Unlock()
}

// AirFrames returns the frames of one kind transmitted so far.
func (f *Firmware) AirFrames(kind string) []AirFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]AirFrame, 0, len(f.air))
	for _, fr := range f.air {
		if fr.Kind == kind {
			out = append(out, fr)
		}
	}
	return out
}

// InjectDataFrame delivers one received frame through the rx path: DMA into
// the next posted ring slot, then the completion interrupt.
func (f *Firmware) InjectDataFrame(frame []byte) error {
	f.mu.Lock()
	ring, sink := f.ring, f.rx
	slot := f.nextSlot
	f.mu.Unlock()
	if ring == nil || sink == nil {
		return fmt.Errorf("simfw: rx path not attached: %w", domain.ErrNotFound)
	}
	n, err := ring.FillSlot(slot, frame)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.nextSlot = (slot + 1) % ring.Capacity()
	f.mu.Unlock()
	sink.OnRxInterrupt([]domain.RxCompletion{{SlotIndex: slot, Length: n}})
	return nil
}

// Close stops the firmware worker.
func (f *Firmware) Close() {
	close(f.quit)
	f.wg.Wait()
}

const clientMAC = "02:00:00:00:00:01"

func hw(s string) net.HardwareAddr {
	mac, err := net.ParseMAC(s)
	if err != nil {
		return net.HardwareAddr{0, 0, 0, 0, 0, 0}
	}
	return mac
}

func serializeFrame(dot11 *layers.Dot11, rest ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	all := append([]gopacket.SerializableLayer{dot11}, rest...)
	if err := gopacket.SerializeLayers(buf, opts, all...); err != nil {
		return nil
	}
	// The header serializer leaves the FCS off, but the decoder strips the
	// last four bytes as one; without it the tail of the body goes missing
	// on re-parse.
	frame := buf.Bytes()
	fcs := make([]byte, 4)
	binary.LittleEndian.PutUint32(fcs, crc32.ChecksumIEEE(frame))
	return append(frame, fcs...)
}

func (f *Firmware) buildAuthFrame(bssid string, alg domain.AuthAlgorithm) []byte {
	algo := layers.Dot11AlgorithmOpen
	if alg == domain.AuthSharedKey {
		algo = layers.Dot11AlgorithmSharedKey
	}
	dot11 := &layers.Dot11{
		Type:     layers.Dot11TypeMgmtAuthentication,
		Address1: hw(bssid),
		Address2: hw(clientMAC),
		Address3: hw(bssid),
	}
	return serializeFrame(dot11, &layers.Dot11MgmtAuthentication{
		Algorithm: algo,
		Sequence:  1,
		Status:    layers.Dot11StatusSuccess,
	})
}

func (f *Firmware) buildAssocReqFrame(bssid string) []byte {
	dot11 := &layers.Dot11{
		Type:     layers.Dot11TypeMgmtAssociationReq,
		Address1: hw(bssid),
		Address2: hw(clientMAC),
		Address3: hw(bssid),
	}
	return serializeFrame(dot11, &layers.Dot11MgmtAssociationReq{
		CapabilityInfo: 0x0411,
		ListenInterval: 10,
	})
}

func (f *Firmware) buildLeaveFrame(kind, bssid string, reason domain.ReasonCode) []byte {
	dot11 := &layers.Dot11{
		Address1: hw(bssid),
		Address2: hw(clientMAC),
		Address3: hw(bssid),
	}
	if kind == "deauth" {
		dot11.Type = layers.Dot11TypeMgmtDeauthentication
		return serializeFrame(dot11, &layers.Dot11MgmtDeauthentication{Reason: layers.Dot11Reason(reason)})
	}
	dot11.Type = layers.Dot11TypeMgmtDisassociation
	return serializeFrame(dot11, &layers.Dot11MgmtDisassociation{Reason: layers.Dot11Reason(reason)})
}

// buildIEs serializes the SSID and supported-rates elements an AP advertises.
func (f *Firmware) buildIEs(a *ap) []byte {
	ssid := &layers.Dot11InformationElement{
		ID:   layers.Dot11InformationElementIDSSID,
		Info: []byte(a.cfg.SSID),
	}
	rates := &layers.Dot11InformationElement{
		ID:   layers.Dot11InformationElementIDRates,
		Info: []byte{0x82, 0x84, 0x8b, 0x96},
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ssid, rates); err != nil {
		return nil
	}
	return buf.Bytes()
}
