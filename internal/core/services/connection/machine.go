// Package connection drives the client connect lifecycle for one interface:
// join, authenticate, associate, the established link, and teardown. All
// transitions run on a single loop goroutine; the public API and the firmware
// event path post work to it, so no handler ever observes a half-applied
// transition.
package connection

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/lcalzada-xor/fullmac/internal/core/domain"
	"github.com/lcalzada-xor/fullmac/internal/core/ports"
	"github.com/lcalzada-xor/fullmac/internal/core/sched"
	"github.com/lcalzada-xor/fullmac/internal/core/services/fwcmd"
)

var (
	connectResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fullmac",
		Name:      "connect_results_total",
		Help:      "Terminal connect attempt outcomes, by result code",
	}, []string{"code"})
	connectRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fullmac",
		Name:      "connect_retries_total",
		Help:      "Auth/assoc frames re-sent within one attempt, by stage",
	}, []string{"stage"})
	disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fullmac",
		Name:      "disconnects_total",
		Help:      "Established links torn down, by initiator",
	}, []string{"initiator"})
)

// State is the connection lifecycle state of one client interface.
type State string

const (
	StateReady          State = "READY"
	StateJoining        State = "JOINING"
	StateAuthenticating State = "AUTHENTICATING"
	StateAssociating    State = "ASSOCIATING"
	// StateEAPPending holds a successful association until the external
	// supplicant confirms the key exchange.
	StateEAPPending    State = "EAP_PENDING"
	StateConnected     State = "CONNECTED"
	StateDisconnecting State = "DISCONNECTING"
)

const (
	defaultConnectTimeout       = 1500 * time.Millisecond
	defaultDisconnectTimeout    = 50 * time.Millisecond
	defaultSignalReportInterval = 10 * time.Second

	// maxSavedIEs bounds the association response elements kept on success.
	maxSavedIEs = 2048
)

// attempt is the per-connect bookkeeping. A fresh one is allocated for every
// accepted Connect call and discarded on the terminal result.
type attempt struct {
	gen uint64
	cfg domain.ConnectConfig
	// timer is this attempt's connect deadline. It lives on the attempt so
	// a late firing can never be confused with a successor's deadline.
	timer      *sched.Task
	bssid      string
	alg        domain.AuthAlgorithm
	fellBack   bool
	authTries  int
	assocTries int
	// authSent marks that the peer has seen an auth frame from us, so a
	// failed attempt must clear its station state with one deauth.
	authSent   bool
	deauthSent bool
	// resultSent marks the terminal code as decided; reported marks it as
	// delivered to MLME. They differ only while a deauth ack is awaited.
	resultSent bool
	reported   bool
	code       domain.ConnectResultCode
	ies        []byte
	started    time.Time
}

// Machine is the connect/disconnect state machine for one client interface.
// It implements the connection half of ports.EventSink; the interface manager
// routes firmware events here.
type Machine struct {
	log     *zap.Logger
	iface   domain.InterfaceID
	cmd     *fwcmd.Channel
	mlme    ports.MLME
	timings domain.ConnectTimings

	authRetryMax  int
	assocRetryMax int

	ops  chan func()
	quit chan struct{}
	wg   sync.WaitGroup

	disconnectTimer *sched.Task
	signalTimer     *sched.Task

	mu      sync.Mutex
	state   State
	att     *attempt
	gen     uint64
	bssid   string // peer of the established link
	ssid    string
	linkUp  time.Time
	stopped bool
}

// New builds the machine and starts its loop. Zero timing values take the
// documented defaults; retry maxima of zero mean a single try.
func New(iface domain.InterfaceID, cmd *fwcmd.Channel, mlme ports.MLME, timings domain.ConnectTimings, authRetryMax, assocRetryMax int, log *zap.Logger) *Machine {
	if timings.ConnectTimeout <= 0 {
		timings.ConnectTimeout = defaultConnectTimeout
	}
	if timings.DisconnectTimeout <= 0 {
		timings.DisconnectTimeout = defaultDisconnectTimeout
	}
	if timings.SignalReportInterval <= 0 {
		timings.SignalReportInterval = defaultSignalReportInterval
	}
	m := &Machine{
		log:           log.With(zap.Uint16("iface", uint16(iface))),
		iface:         iface,
		cmd:           cmd,
		mlme:          mlme,
		timings:       timings,
		authRetryMax:  authRetryMax,
		assocRetryMax: assocRetryMax,
		ops:           make(chan func(), 64),
		quit:          make(chan struct{}),
		state:         StateReady,
	}
	m.disconnectTimer = sched.NewTask(func() { m.post(m.onDisconnectTimeout) })
	m.signalTimer = sched.NewTask(func() { m.post(m.onSignalTick) })
	m.wg.Add(1)
	go m.loop()
	return m
}

func (m *Machine) loop() {
	defer m.wg.Done()
	for {
		select {
		case op := <-m.ops:
			op()
		case <-m.quit:
			return
		}
	}
}

// post hands work to the loop goroutine. After Stop the work is dropped.
func (m *Machine) post(op func()) {
	select {
	case m.ops <- op:
	case <-m.quit:
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status is a point-in-time snapshot for diagnostics.
type Status struct {
	State   State     `json:"state"`
	SSID    string    `json:"ssid,omitempty"`
	BSSID   string    `json:"bssid,omitempty"`
	LinkUp  time.Time `json:"link_up,omitempty"`
	InEAP   bool      `json:"in_eap,omitempty"`
	Retries int       `json:"retries,omitempty"`
}

// Snapshot returns the current state for the inspect surface.
func (m *Machine) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{State: m.state, SSID: m.ssid, BSSID: m.bssid, LinkUp: m.linkUp}
	if m.att != nil {
		s.SSID = m.att.cfg.SSID
		s.BSSID = m.att.bssid
		s.Retries = m.att.authTries + m.att.assocTries
		s.InEAP = m.state == StateEAPPending
	}
	return s
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.log.Debug("state transition", zap.String("from", string(prev)), zap.String("to", string(s)))
	}
}

// Connect starts a connect attempt. Any state other than READY rejects the
// call immediately with ErrAlreadyInProgress; callers retry after the current
// attempt or link resolves.
func (m *Machine) Connect(cfg domain.ConnectConfig) error {
	if cfg.SSID == "" && cfg.BSSID == "" {
		return fmt.Errorf("connection: no target (ssid and bssid both empty): %w", domain.ErrNotFound)
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("connection: machine stopped: %w", domain.ErrChannelReset)
	}
	if m.state != StateReady {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("connection: busy in %s: %w", st, domain.ErrAlreadyInProgress)
	}
	m.state = StateJoining
	m.gen++
	att := &attempt{gen: m.gen, cfg: cfg, alg: cfg.Auth, started: time.Now()}
	if att.alg == "" {
		att.alg = domain.AuthOpenSystem
	}
	att.timer = sched.NewTask(func() { m.post(func() { m.onConnectTimeout(att) }) })
	m.att = att
	m.mu.Unlock()

	m.post(func() { m.startAttempt(att) })
	return nil
}

func (m *Machine) startAttempt(a *attempt) {
	if !m.current(a) {
		return
	}
	m.log.Info("connect attempt started",
		zap.String("ssid", a.cfg.SSID), zap.String("bssid", a.cfg.BSSID),
		zap.String("auth", string(a.alg)))
	a.timer.Arm(m.timings.ConnectTimeout)
	m.sendCmd(a, domain.CmdJoin, domain.Marshal(domain.JoinParams{
		SSID:    a.cfg.SSID,
		BSSID:   a.cfg.BSSID,
		Channel: a.cfg.Channel,
	}))
}

// current reports whether a is still the live attempt. Timer and callback
// closures from a finished attempt fail this check and become no-ops.
func (m *Machine) current(a *attempt) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.att != nil && m.att.gen == a.gen
}

// sendCmd submits one control command for the attempt. The firmware's real
// answer arrives as an event; the completion only acknowledges queue
// acceptance, so only its error path matters here.
func (m *Machine) sendCmd(a *attempt, id domain.CommandID, payload []byte) {
	err := m.cmd.SendAsync(m.iface, id, true, payload, func(_ domain.CommandCompletion, err error) {
		if err != nil {
			m.post(func() { m.onCommandError(a, id, err) })
		}
	})
	if err != nil {
		m.post(func() { m.onCommandError(a, id, err) })
	}
}

func (m *Machine) onCommandError(a *attempt, id domain.CommandID, err error) {
	if !m.current(a) {
		return
	}
	m.log.Warn("command failed during attempt", zap.Uint16("cmd", uint16(id)), zap.Error(err))
	if errors.Is(err, domain.ErrChannelReset) {
		m.finishAttempt(a, domain.ConnectAborted)
		return
	}
	m.finishAttempt(a, domain.ConnectTimedOut)
}

// HandleEvent implements the event boundary for this interface's lifecycle
// events. Events for other concerns never reach here; the interface manager
// routes them.
func (m *Machine) HandleEvent(ev domain.Event) {
	m.post(func() { m.handleEvent(ev) })
}

func (m *Machine) handleEvent(ev domain.Event) {
	switch ev.Kind {
	case domain.EventJoinConfirm:
		m.onJoinConfirm(ev)
	case domain.EventAuthResponse:
		m.onAuthResponse(ev)
	case domain.EventAssocResponse:
		m.onAssocResponse(ev)
	case domain.EventSAEComplete:
		m.onSAEComplete(ev)
	case domain.EventDeauthInd, domain.EventDisassocInd:
		m.onPeerTeardown(ev.Reason)
	case domain.EventLinkDown:
		m.onPeerTeardown(domain.ReasonBeaconLoss)
	case domain.EventSignalReport:
		if m.State() == StateConnected {
			m.mlme.OnSignalReport(domain.SignalReport{Iface: m.iface, RSSI: ev.RSSI, SNR: ev.SNR})
		}
	case domain.EventFirmwareCrash:
		m.onCrash()
	default:
		m.log.Debug("event ignored by connection machine", zap.String("kind", string(ev.Kind)))
	}
}

func (m *Machine) onJoinConfirm(ev domain.Event) {
	a := m.liveAttempt(StateJoining)
	if a == nil {
		return
	}
	if ev.Status != domain.StatusSuccess || ev.BSS == nil {
		m.finishAttempt(a, domain.ConnectNotFound)
		return
	}
	a.bssid = ev.BSS.BSSID
	m.setState(StateAuthenticating)
	m.sendAuth(a)
}

func (m *Machine) sendAuth(a *attempt) {
	a.authTries++
	a.authSent = true
	m.sendCmd(a, domain.CmdAuthenticate, domain.Marshal(domain.AuthParams{BSSID: a.bssid, Alg: a.alg}))
}

func (m *Machine) onAuthResponse(ev domain.Event) {
	a := m.liveAttempt(StateAuthenticating)
	if a == nil {
		return
	}
	if ev.Status == domain.StatusSuccess {
		m.setState(StateAssociating)
		m.sendAssoc(a)
		return
	}
	// Shared-key rejection can fall back to open-system once when the
	// config allows it; the retry still counts against the budget.
	if a.alg == domain.AuthSharedKey && a.cfg.AllowFallback && !a.fellBack {
		a.fellBack = true
		a.alg = domain.AuthOpenSystem
		m.log.Info("auth fallback to open-system", zap.Uint16("status", uint16(ev.Status)))
	}
	if a.authTries <= m.authRetryMax {
		connectRetries.WithLabelValues("auth").Inc()
		m.sendAuth(a)
		return
	}
	m.finishAttempt(a, domain.ConnectAuthRejected)
}

func (m *Machine) sendAssoc(a *attempt) {
	a.assocTries++
	m.sendCmd(a, domain.CmdAssociate, domain.Marshal(domain.AssocParams{
		BSSID: a.bssid,
		PMK:   a.cfg.Security.PMK,
	}))
}

func (m *Machine) onAssocResponse(ev domain.Event) {
	a := m.liveAttempt(StateAssociating)
	if a == nil {
		return
	}
	if ev.Status != domain.StatusSuccess {
		if a.assocTries <= m.assocRetryMax {
			connectRetries.WithLabelValues("assoc").Inc()
			// The reject may have voided our authentication at the peer;
			// each retry restarts from the auth exchange.
			m.setState(StateAuthenticating)
			m.sendAuth(a)
			return
		}
		m.finishAttempt(a, domain.ConnectRefused)
		return
	}
	a.ies = ev.IEs
	if len(a.ies) > maxSavedIEs {
		a.ies = a.ies[:maxSavedIEs]
	}
	if a.cfg.Security.SAEPending {
		m.setState(StateEAPPending)
		return
	}
	m.finishAttempt(a, domain.ConnectSuccess)
}

func (m *Machine) onSAEComplete(ev domain.Event) {
	a := m.liveAttempt(StateEAPPending)
	if a == nil {
		return
	}
	if ev.Status != domain.StatusSuccess {
		m.finishAttempt(a, domain.ConnectAuthRejected)
		return
	}
	m.finishAttempt(a, domain.ConnectSuccess)
}

// liveAttempt returns the current attempt when the machine is in want,
// otherwise nil. Late firmware events for a finished attempt land here and
// are dropped.
func (m *Machine) liveAttempt(want State) *attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != want || m.att == nil {
		m.log.Debug("event arrived in wrong state", zap.String("state", string(m.state)), zap.String("want", string(want)))
		return nil
	}
	return m.att
}

// onConnectTimeout fires the deadline armed for a specific attempt. A firing
// that outlived its attempt is dropped here; it must never touch a successor.
func (m *Machine) onConnectTimeout(a *attempt) {
	if !m.current(a) {
		return
	}
	m.log.Warn("connect attempt timed out",
		zap.Duration("after", time.Since(a.started)),
		zap.String("state", string(m.State())))
	m.finishAttempt(a, domain.ConnectTimedOut)
}

// finishAttempt decides the terminal result exactly once and tears peer state
// down on failure. When a deauth is owed, the result is held until the
// firmware acknowledges it, so anyone observing the result also observes the
// deauth on the air.
func (m *Machine) finishAttempt(a *attempt, code domain.ConnectResultCode) {
	if a.resultSent {
		return
	}
	a.resultSent = true
	a.code = code
	a.timer.Cancel()

	if code != domain.ConnectSuccess && a.authSent && !a.deauthSent {
		// One deauth per failed attempt clears our station state at the
		// peer, no matter how many retries preceded the failure.
		a.deauthSent = true
		err := m.cmd.SendAsync(m.iface, domain.CmdDeauthenticate, true,
			domain.Marshal(domain.LeaveParams{BSSID: a.bssid, Reason: domain.ReasonLeaving}),
			func(domain.CommandCompletion, error) {
				m.post(func() { m.reportResult(a) })
			})
		if err == nil {
			return
		}
		// Queue saturated or firmware gone; the deauth is lost but the
		// result still goes out.
	}
	m.reportResult(a)
}

// reportResult delivers the decided terminal result exactly once and returns
// the machine to READY or CONNECTED.
func (m *Machine) reportResult(a *attempt) {
	if a.reported {
		return
	}
	a.reported = true
	code := a.code

	m.mu.Lock()
	m.att = nil
	if code == domain.ConnectSuccess {
		m.state = StateConnected
		m.bssid = a.bssid
		m.ssid = a.cfg.SSID
		m.linkUp = time.Now()
	} else {
		m.state = StateReady
		m.bssid = ""
		m.ssid = ""
	}
	m.mu.Unlock()

	connectResults.WithLabelValues(string(code)).Inc()
	m.log.Info("connect attempt finished",
		zap.String("code", string(code)),
		zap.String("bssid", a.bssid),
		zap.Duration("took", time.Since(a.started)))
	if code == domain.ConnectSuccess {
		m.signalTimer.Arm(m.timings.SignalReportInterval)
	}
	m.mlme.OnConnectResult(domain.ConnectResult{
		Iface:         m.iface,
		Code:          code,
		BSSID:         a.bssid,
		NegotiatedIEs: a.ies,
	})
}

// Disconnect tears down the established link. Only valid while CONNECTED.
func (m *Machine) Disconnect(reason domain.ReasonCode) error {
	m.mu.Lock()
	if m.state != StateConnected {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("connection: not connected (state %s): %w", st, domain.ErrNotFound)
	}
	m.state = StateDisconnecting
	bssid := m.bssid
	m.mu.Unlock()

	m.post(func() {
		m.signalTimer.Cancel()
		m.disconnectTimer.Arm(m.timings.DisconnectTimeout)
		err := m.cmd.SendAsync(m.iface, domain.CmdDisassociate, true,
			domain.Marshal(domain.LeaveParams{BSSID: bssid, Reason: reason}),
			func(domain.CommandCompletion, error) {
				m.post(func() { m.finishDisconnect(reason, true) })
			})
		if err != nil {
			m.finishDisconnect(reason, true)
		}
	})
	return nil
}

func (m *Machine) onDisconnectTimeout() {
	// Firmware never acknowledged the disassociate; the link is torn down
	// locally regardless.
	m.finishDisconnect(domain.ReasonLeaving, true)
}

func (m *Machine) finishDisconnect(reason domain.ReasonCode, local bool) {
	m.mu.Lock()
	if m.state != StateDisconnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateReady
	m.bssid = ""
	m.ssid = ""
	m.linkUp = time.Time{}
	m.mu.Unlock()

	m.disconnectTimer.Cancel()
	initiator := "peer"
	if local {
		initiator = "local"
	}
	disconnects.WithLabelValues(initiator).Inc()
	m.log.Info("link down", zap.Uint16("reason", uint16(reason)), zap.String("initiator", initiator))
	m.mlme.OnDisconnectInd(domain.DisconnectIndication{Iface: m.iface, Reason: reason, LocallyInitiated: local})
}

// onPeerTeardown handles deauth/disassoc indications and beacon loss. During
// an attempt the peer has withdrawn mid-handshake and the attempt aborts; on
// an established link it becomes a disconnect indication.
func (m *Machine) onPeerTeardown(reason domain.ReasonCode) {
	m.mu.Lock()
	a := m.att
	st := m.state
	if st == StateConnected {
		m.state = StateDisconnecting
	}
	m.mu.Unlock()

	switch {
	case a != nil:
		// The peer cleared our state itself; no deauth needed from us.
		a.authSent = false
		m.finishAttempt(a, domain.ConnectAborted)
	case st == StateConnected:
		m.signalTimer.Cancel()
		m.finishDisconnect(reason, false)
	}
}

// onCrash voids everything tied to the dead firmware instance. In-flight
// commands were already failed by the channel reset; here the lifecycle
// unwinds without touching the (gone) peer.
func (m *Machine) onCrash() {
	m.mu.Lock()
	a := m.att
	st := m.state
	if st == StateConnected || st == StateDisconnecting {
		m.state = StateDisconnecting
	}
	m.mu.Unlock()

	m.signalTimer.Cancel()

	switch {
	case a != nil:
		a.authSent = false
		m.finishAttempt(a, domain.ConnectAborted)
		// A result decided earlier but still waiting on a deauth ack goes
		// out now; the firmware that owed the ack is gone.
		m.reportResult(a)
	case st == StateConnected, st == StateDisconnecting:
		m.finishDisconnect(domain.ReasonFirmwareReset, false)
	}
}

// NotifyCrash aborts the current attempt or link for crash recovery. It
// returns after the abort has been applied, so the caller can stop the
// machine immediately afterwards without losing the notification.
func (m *Machine) NotifyCrash() {
	done := make(chan struct{})
	m.post(func() {
		m.onCrash()
		close(done)
	})
	select {
	case <-done:
	case <-m.quit:
	}
}

func (m *Machine) onSignalTick() {
	if m.State() != StateConnected {
		return
	}
	err := m.cmd.SendAsync(m.iface, domain.CmdGetSignal, false, nil, func(c domain.CommandCompletion, err error) {
		if err != nil {
			return
		}
		m.post(func() { m.onSignalResult(c.Payload) })
	})
	if err != nil {
		// Window saturated; skip this tick.
		m.log.Debug("signal poll skipped", zap.Error(err))
	}
	m.signalTimer.Arm(m.timings.SignalReportInterval)
}

func (m *Machine) onSignalResult(payload []byte) {
	if m.State() != StateConnected {
		return
	}
	var info domain.SignalInfo
	if err := domain.Unmarshal(payload, &info); err != nil {
		m.log.Warn("malformed signal payload", zap.Error(err))
		return
	}
	m.mlme.OnSignalReport(domain.SignalReport{Iface: m.iface, RSSI: info.RSSI, SNR: info.SNR})
}

// Stop halts the loop and cancels all timers. Pending work is dropped; no
// result or indication is emitted after Stop returns.
func (m *Machine) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	att := m.att
	m.mu.Unlock()

	if att != nil {
		att.timer.Cancel()
	}
	m.disconnectTimer.Cancel()
	m.signalTimer.Cancel()
	close(m.quit)
	m.wg.Wait()
}
