package simfw

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lcalzada-xor/fullmac/internal/core/domain"
	"github.com/lcalzada-xor/fullmac/internal/core/services/fwcmd"
	"github.com/lcalzada-xor/fullmac/internal/core/services/ifmgr"
	"github.com/lcalzada-xor/fullmac/internal/core/services/rxpath"
	"github.com/lcalzada-xor/fullmac/internal/core/services/rxring"
)

const (
	fakeAPSSID  = "Fuchsia Fake AP"
	fakeAPBSSID = "02:aa:aa:aa:aa:01"
)

type fakeHW struct{}

func (fakeHW) RingDoorbell(int) error { return nil }
func (fakeHW) Awake() bool            { return true }

type recorder struct {
	mu      sync.Mutex
	frames  [][]byte
	results chan domain.ConnectResult
	inds    chan domain.DisconnectIndication
	removed chan domain.InterfaceID
	scans   chan domain.ScanStatus
	found   []domain.BSSDescription
}

func newRecorder() *recorder {
	return &recorder{
		results: make(chan domain.ConnectResult, 8),
		inds:    make(chan domain.DisconnectIndication, 8),
		removed: make(chan domain.InterfaceID, 8),
		scans:   make(chan domain.ScanStatus, 8),
	}
}

func (r *recorder) DeliverFrame(_ domain.InterfaceID, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}
func (r *recorder) OnConnectResult(res domain.ConnectResult)      { r.results <- res }
func (r *recorder) OnDisconnectInd(i domain.DisconnectIndication) { r.inds <- i }
func (r *recorder) OnScanResult(_ domain.InterfaceID, b domain.BSSDescription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.found = append(r.found, b)
}
func (r *recorder) OnScanComplete(_ domain.InterfaceID, _ string, s domain.ScanStatus) { r.scans <- s }
func (r *recorder) OnSignalReport(domain.SignalReport)                                 {}
func (r *recorder) OnInterfaceRemoved(id domain.InterfaceID)                           { r.removed <- id }

func (r *recorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

// stack is the full driver wired against the simulated firmware.
type stack struct {
	fw   *Firmware
	ch   *fwcmd.Channel
	mgr  *ifmgr.Manager
	ring *rxring.Ring
	disp *rxpath.Dispatcher
	rec  *recorder
}

func newStack(t *testing.T, opts ifmgr.Options) *stack {
	t.Helper()
	log := zap.NewNop()
	fw := New(log)
	ch := fwcmd.New(fw, 32, time.Second, log)
	rec := newRecorder()
	mgr := ifmgr.New(ch, rec, nil, opts, log)
	fw.Wire(ch, mgr)

	ring, err := rxring.New(64, 2048, fakeHW{}, log)
	require.NoError(t, err)
	disp := rxpath.New(ring, 100*time.Millisecond, rec, mgr.ResolveMAC, log)
	fw.AttachRxPath(ring, disp)

	t.Cleanup(func() {
		disp.Stop()
		ring.Close()
		mgr.Close()
		ch.Close()
		fw.Close()
	})
	return &stack{fw: fw, ch: ch, mgr: mgr, ring: ring, disp: disp, rec: rec}
}

func (s *stack) client(t *testing.T) domain.InterfaceID {
	t.Helper()
	id, err := s.mgr.CreateInterface(context.Background(), domain.RoleClient, clientMAC)
	require.NoError(t, err)
	return id
}

func TestConnect_ToBeaconingAP(t *testing.T) {
	s := newStack(t, ifmgr.Options{AuthRetryMax: 3, AssocRetryMax: 5})
	s.fw.AddAP(APConfig{SSID: fakeAPSSID, BSSID: fakeAPBSSID, Channel: 6, Security: "OPEN"})
	id := s.client(t)

	require.NoError(t, s.mgr.Connect(id, domain.ConnectConfig{SSID: fakeAPSSID}))

	res := waitFor(t, s.rec.results, "connect result")
	assert.Equal(t, domain.ConnectSuccess, res.Code)
	assert.Equal(t, fakeAPBSSID, res.BSSID)
	assert.NotEmpty(t, res.NegotiatedIEs, "association response elements expected")

	// One result only, even if we linger.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.rec.results)
	assert.Len(t, s.fw.AirFrames("auth"), 1)
	assert.Len(t, s.fw.AirFrames("assoc_req"), 1)
	assert.Empty(t, s.fw.AirFrames("deauth"))
}

func TestConnect_NoMatchingAP(t *testing.T) {
	s := newStack(t, ifmgr.Options{AuthRetryMax: 3, AssocRetryMax: 5})
	id := s.client(t)

	require.NoError(t, s.mgr.Connect(id, domain.ConnectConfig{SSID: "no-such-network"}))
	res := waitFor(t, s.rec.results, "connect result")
	assert.Equal(t, domain.ConnectNotFound, res.Code)
	assert.Empty(t, s.fw.AirFrames("auth"), "no auth frame without a target")
	assert.Empty(t, s.fw.AirFrames("assoc_req"))
}

func TestConnect_AssocRejectedUntilGiveUp(t *testing.T) {
	const maxRetries = 3
	s := newStack(t, ifmgr.Options{AuthRetryMax: 3, AssocRetryMax: maxRetries})
	s.fw.AddAP(APConfig{SSID: fakeAPSSID, BSSID: fakeAPBSSID, Channel: 6, AssocRejects: 1000})
	id := s.client(t)

	require.NoError(t, s.mgr.Connect(id, domain.ConnectConfig{SSID: fakeAPSSID}))
	res := waitFor(t, s.rec.results, "connect result")
	assert.Equal(t, domain.ConnectRefused, res.Code)

	// Every retry redoes the full auth+assoc exchange, and the one deauth
	// clearing peer state is already on the air when the result lands.
	assert.Len(t, s.fw.AirFrames("auth"), maxRetries+1, "fresh auth before every association attempt")
	assert.Len(t, s.fw.AirFrames("assoc_req"), maxRetries+1, "initial try plus max retries")
	deauths := s.fw.AirFrames("deauth")
	require.Len(t, deauths, 1, "one deauth clears peer state")

	pkt := gopacket.NewPacket(deauths[0].Data, layers.LayerTypeDot11, gopacket.Default)
	l := pkt.Layer(layers.LayerTypeDot11MgmtDeauthentication)
	require.NotNil(t, l, "air frame must re-parse as a deauthentication")
	assert.Equal(t, layers.Dot11Reason(domain.ReasonLeaving), l.(*layers.Dot11MgmtDeauthentication).Reason)
}

func TestConnect_SharedKeyFallback(t *testing.T) {
	s := newStack(t, ifmgr.Options{AuthRetryMax: 3, AssocRetryMax: 5})
	s.fw.AddAP(APConfig{SSID: fakeAPSSID, BSSID: fakeAPBSSID, Channel: 6, SharedKeyUnsupported: true})
	id := s.client(t)

	require.NoError(t, s.mgr.Connect(id, domain.ConnectConfig{
		SSID: fakeAPSSID, Auth: domain.AuthSharedKey, AllowFallback: true,
	}))
	res := waitFor(t, s.rec.results, "connect result")
	assert.Equal(t, domain.ConnectSuccess, res.Code)

	auths := s.fw.AirFrames("auth")
	require.Len(t, auths, 2)
	assertAuthAlgorithm(t, auths[0].Data, layers.Dot11AlgorithmSharedKey)
	assertAuthAlgorithm(t, auths[1].Data, layers.Dot11AlgorithmOpen)
}

func assertAuthAlgorithm(t *testing.T, frame []byte, want layers.Dot11Algorithm) {
	t.Helper()
	pkt := gopacket.NewPacket(frame, layers.LayerTypeDot11, gopacket.Default)
	l := pkt.Layer(layers.LayerTypeDot11MgmtAuthentication)
	require.NotNil(t, l, "air frame must be an authentication frame")
	assert.Equal(t, want, l.(*layers.Dot11MgmtAuthentication).Algorithm)
}

func TestScan_FindsBeaconingAPs(t *testing.T) {
	s := newStack(t, ifmgr.Options{})
	s.fw.AddAP(APConfig{SSID: "alpha", BSSID: "02:aa:aa:aa:aa:01", Channel: 1})
	s.fw.AddAP(APConfig{SSID: "beta", BSSID: "02:aa:aa:aa:aa:02", Channel: 6})
	s.fw.AddAP(APConfig{SSID: "gamma", BSSID: "02:aa:aa:aa:aa:03", Channel: 11})
	id := s.client(t)

	_, err := s.mgr.Scan(id, domain.ScanRequest{Channels: []int{1, 6}})
	require.NoError(t, err)
	status := waitFor(t, s.rec.scans, "scan completion")
	assert.Equal(t, domain.ScanStatusDone, status)

	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()
	assert.Len(t, s.rec.found, 2, "channel filter must exclude gamma")
	for _, b := range s.rec.found {
		assert.NotEmpty(t, b.IEs, "beacon elements travel with the result")
	}
}

func TestCrashRecovery_EndToEnd(t *testing.T) {
	s := newStack(t, ifmgr.Options{AuthRetryMax: 3, AssocRetryMax: 5})
	s.fw.AddAP(APConfig{SSID: fakeAPSSID, BSSID: fakeAPBSSID, Channel: 6})
	id := s.client(t)

	require.NoError(t, s.mgr.Connect(id, domain.ConnectConfig{SSID: fakeAPSSID}))
	waitFor(t, s.rec.results, "connect result")

	s.fw.Crash()
	ind := waitFor(t, s.rec.inds, "disconnect indication")
	assert.Equal(t, domain.ReasonFirmwareReset, ind.Reason)
	assert.Equal(t, id, waitFor(t, s.rec.removed, "interface removed"))

	s.fw.Restart()
	require.NoError(t, s.mgr.Connect(id, domain.ConnectConfig{SSID: fakeAPSSID}))
	res := waitFor(t, s.rec.results, "post-recovery connect result")
	assert.Equal(t, domain.ConnectSuccess, res.Code)
}

func TestDataPath_EndToEnd(t *testing.T) {
	s := newStack(t, ifmgr.Options{AuthRetryMax: 3, AssocRetryMax: 5})
	s.fw.AddAP(APConfig{SSID: fakeAPSSID, BSSID: fakeAPBSSID, Channel: 6})
	id := s.client(t)
	require.NoError(t, s.mgr.Connect(id, domain.ConnectConfig{SSID: fakeAPSSID}))
	waitFor(t, s.rec.results, "connect result")

	require.NoError(t, s.disp.AddBASession(fakeAPBSSID, 0, 0, 64))

	// The AP transmits 0,1,2 but the queues hand them over scrambled.
	require.NoError(t, s.fw.InjectDataFrame(testQoSFrame(t, 2)))
	require.NoError(t, s.fw.InjectDataFrame(testQoSFrame(t, 0)))
	require.NoError(t, s.fw.InjectDataFrame(testQoSFrame(t, 1)))

	require.Eventually(t, func() bool { return s.rec.frameCount() == 3 }, 2*time.Second, 5*time.Millisecond)
	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()
	for i, frame := range s.rec.frames {
		pkt := gopacket.NewPacket(frame, layers.LayerTypeDot11, gopacket.Default)
		dot11 := pkt.Layer(layers.LayerTypeDot11).(*layers.Dot11)
		assert.Equal(t, uint16(i), dot11.SequenceNumber, "frames must arrive in order")
	}
}

func testQoSFrame(t *testing.T, seq uint16) []byte {
	t.Helper()
	dst, err := net.ParseMAC(clientMAC)
	require.NoError(t, err)
	src, err := net.ParseMAC(fakeAPBSSID)
	require.NoError(t, err)
	dot11 := &layers.Dot11{
		Type:           layers.Dot11TypeDataQOSData,
		Flags:          layers.Dot11FlagsFromDS,
		Address1:       dst,
		Address2:       src,
		Address3:       src,
		SequenceNumber: seq,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	payload := append([]byte{0x00, 0x00}, byte(seq))
	require.NoError(t, gopacket.SerializeLayers(buf, opts, dot11, gopacket.Payload(payload)))
	return append(buf.Bytes(), 0xde, 0xad, 0xbe, 0xef)
}
