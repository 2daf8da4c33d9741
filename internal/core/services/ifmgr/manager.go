// Package ifmgr owns the set of virtual interfaces. It enforces role
// cardinality, creates the connection machine and scan engine pair for each
// interface, routes firmware events to the right owner, and runs the crash
// recovery cascade.
package ifmgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/lcalzada-xor/fullmac/internal/core/domain"
	"github.com/lcalzada-xor/fullmac/internal/core/ports"
	"github.com/lcalzada-xor/fullmac/internal/core/services/connection"
	"github.com/lcalzada-xor/fullmac/internal/core/services/fwcmd"
	"github.com/lcalzada-xor/fullmac/internal/core/services/scan"
)

var (
	ifacesLive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fullmac",
		Name:      "interfaces_live",
		Help:      "Virtual interfaces currently alive, by role",
	}, []string{"role"})
	crashRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fullmac",
		Name:      "crash_recoveries_total",
		Help:      "Firmware crash recovery cascades executed",
	})
	eventsUnrouted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fullmac",
		Name:      "events_unrouted_total",
		Help:      "Firmware events dropped for naming an unknown interface",
	})
)

// Options are the per-machine knobs the manager hands to every connection
// machine it creates.
type Options struct {
	Timings       domain.ConnectTimings
	AuthRetryMax  int
	AssocRetryMax int
	// AllowDualRole permits one client and one AP interface to coexist.
	// Manufacturing firmware images clear this.
	AllowDualRole bool
}

// vif is one live virtual interface and its service pair.
type vif struct {
	id      domain.InterfaceID
	token   string
	role    domain.Role
	mac     string
	machine *connection.Machine
	scanner *scan.Engine
	// pendingConnect holds at most one connect deferred behind a running
	// scan. Scans always run to completion first.
	pendingConnect *domain.ConnectConfig
}

// Manager implements ports.EventSink for the whole device and multiplexes the
// per-interface services behind it.
type Manager struct {
	log   *zap.Logger
	cmd   *fwcmd.Channel
	mlme  ports.MLME
	store ports.BSSStore
	opts  Options

	mu     sync.Mutex
	ifaces map[domain.InterfaceID]*vif
	nextID domain.InterfaceID
}

// New builds an empty manager. store may be nil.
func New(cmd *fwcmd.Channel, mlme ports.MLME, store ports.BSSStore, opts Options, log *zap.Logger) *Manager {
	return &Manager{
		log:    log,
		cmd:    cmd,
		mlme:   mlme,
		store:  store,
		opts:   opts,
		ifaces: make(map[domain.InterfaceID]*vif),
	}
}

// CreateInterface allocates an id, tells firmware, and brings up the service
// pair. At most one interface per role may exist; combining the two roles
// requires AllowDualRole.
func (m *Manager) CreateInterface(ctx context.Context, role domain.Role, mac string) (domain.InterfaceID, error) {
	if !role.Valid() {
		return 0, fmt.Errorf("ifmgr: unknown role %q: %w", role, domain.ErrNotFound)
	}
	m.mu.Lock()
	for _, v := range m.ifaces {
		if v.role == role {
			m.mu.Unlock()
			return 0, fmt.Errorf("ifmgr: %s interface already exists: %w", role, domain.ErrAlreadyInProgress)
		}
		if !m.opts.AllowDualRole {
			m.mu.Unlock()
			return 0, fmt.Errorf("ifmgr: firmware image forbids dual role (%s up): %w", v.role, domain.ErrResourceExhausted)
		}
	}
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	payload := domain.Marshal(domain.IfaceParams{ID: id, Role: role, MAC: mac})
	if c, err := m.cmd.Send(ctx, id, domain.CmdCreateIface, true, payload); err != nil {
		return 0, fmt.Errorf("ifmgr: create %s interface: %w", role, err)
	} else if c.Status != domain.StatusSuccess {
		return 0, fmt.Errorf("ifmgr: firmware refused %s interface (status %d): %w", role, c.Status, domain.ErrResourceExhausted)
	}

	v := m.buildVIF(id, role, mac)
	m.mu.Lock()
	m.ifaces[id] = v
	m.mu.Unlock()
	ifacesLive.WithLabelValues(string(role)).Inc()
	m.log.Info("interface created", zap.Uint16("iface", uint16(id)),
		zap.String("role", string(role)), zap.String("mac", mac), zap.String("token", v.token))
	return id, nil
}

func (m *Manager) buildVIF(id domain.InterfaceID, role domain.Role, mac string) *vif {
	v := &vif{id: id, token: uuid.NewString(), role: role, mac: mac}
	v.machine = connection.New(id, m.cmd, m.mlme, m.opts.Timings, m.opts.AuthRetryMax, m.opts.AssocRetryMax, m.log)
	v.scanner = scan.New(id, m.cmd, m.mlme, m.store, func() { m.onScanIdle(id) }, m.log)
	return v
}

// DestroyInterface tears down the service pair and tells firmware. Pending
// timers die with the machine; no result or indication is emitted.
func (m *Manager) DestroyInterface(ctx context.Context, id domain.InterfaceID) error {
	m.mu.Lock()
	v, ok := m.ifaces[id]
	if ok {
		delete(m.ifaces, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("ifmgr: interface %d: %w", id, domain.ErrNotFound)
	}

	v.scanner.Stop()
	v.machine.Stop()
	ifacesLive.WithLabelValues(string(v.role)).Dec()
	if _, err := m.cmd.Send(ctx, id, domain.CmdDestroyIface, true, nil); err != nil {
		// The driver-side teardown already happened; firmware cleanup
		// failing is logged, not propagated.
		m.log.Warn("firmware destroy failed", zap.Uint16("iface", uint16(id)), zap.Error(err))
	}
	m.log.Info("interface destroyed", zap.Uint16("iface", uint16(id)))
	return nil
}

func (m *Manager) lookup(id domain.InterfaceID) (*vif, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.ifaces[id]
	if !ok {
		return nil, fmt.Errorf("ifmgr: interface %d: %w", id, domain.ErrNotFound)
	}
	return v, nil
}

// Connect starts a connect attempt on id. While a scan is running the request
// is parked and fired when the scan reaches its terminal status; only one
// request can be parked.
func (m *Manager) Connect(id domain.InterfaceID, cfg domain.ConnectConfig) error {
	m.mu.Lock()
	v, ok := m.ifaces[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("ifmgr: interface %d: %w", id, domain.ErrNotFound)
	}
	if v.scanner.Active() {
		if v.pendingConnect != nil {
			m.mu.Unlock()
			return fmt.Errorf("ifmgr: connect already queued behind scan: %w", domain.ErrAlreadyInProgress)
		}
		if v.machine.State() != connection.StateReady {
			m.mu.Unlock()
			return fmt.Errorf("ifmgr: machine busy: %w", domain.ErrAlreadyInProgress)
		}
		v.pendingConnect = &cfg
		m.mu.Unlock()
		m.log.Info("connect queued behind running scan", zap.Uint16("iface", uint16(id)))
		return nil
	}
	m.mu.Unlock()
	return v.machine.Connect(cfg)
}

// onScanIdle releases the parked connect once its scan has finished.
func (m *Manager) onScanIdle(id domain.InterfaceID) {
	m.mu.Lock()
	v, ok := m.ifaces[id]
	if !ok || v.pendingConnect == nil {
		m.mu.Unlock()
		return
	}
	cfg := *v.pendingConnect
	v.pendingConnect = nil
	m.mu.Unlock()

	if err := v.machine.Connect(cfg); err != nil {
		m.log.Warn("queued connect failed to start", zap.Uint16("iface", uint16(id)), zap.Error(err))
		m.mlme.OnConnectResult(domain.ConnectResult{Iface: id, Code: domain.ConnectAborted, BSSID: cfg.BSSID})
	}
}

// Disconnect tears down the link on id.
func (m *Manager) Disconnect(id domain.InterfaceID, reason domain.ReasonCode) error {
	v, err := m.lookup(id)
	if err != nil {
		return err
	}
	return v.machine.Disconnect(reason)
}

// Scan starts a scan on id and returns its transaction id.
func (m *Manager) Scan(id domain.InterfaceID, req domain.ScanRequest) (string, error) {
	v, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	req.Iface = id
	return v.scanner.Start(req)
}

// AbortScan cancels the running scan on id.
func (m *Manager) AbortScan(id domain.InterfaceID) error {
	v, err := m.lookup(id)
	if err != nil {
		return err
	}
	return v.scanner.Abort()
}

// HandleEvent is the single inbound firmware event entry point. Crash events
// concern the whole device; everything else is routed to the owning
// interface's scan engine or connection machine by kind.
func (m *Manager) HandleEvent(ev domain.Event) {
	if ev.Kind == domain.EventFirmwareCrash {
		m.recoverFromCrash()
		return
	}
	v, err := m.lookup(ev.Iface)
	if err != nil {
		eventsUnrouted.Inc()
		m.log.Debug("event for unknown interface dropped",
			zap.String("kind", string(ev.Kind)), zap.Uint16("iface", uint16(ev.Iface)))
		return
	}
	switch ev.Kind {
	case domain.EventScanResult, domain.EventScanComplete:
		v.scanner.HandleEvent(ev)
	default:
		v.machine.HandleEvent(ev)
	}
}

// recoverFromCrash runs the cascade: void all in-flight commands, abort every
// machine and scan, tell the upper layer each interface is gone, then rebuild
// the same interfaces on the restarted firmware.
func (m *Manager) recoverFromCrash() {
	crashRecoveries.Inc()
	m.log.Error("firmware crash, running recovery cascade")

	m.cmd.Reset()

	m.mu.Lock()
	old := make([]*vif, 0, len(m.ifaces))
	for _, v := range m.ifaces {
		old = append(old, v)
	}
	m.ifaces = make(map[domain.InterfaceID]*vif)
	m.mu.Unlock()

	for _, v := range old {
		v.scanner.NotifyCrash()
		v.machine.NotifyCrash()
		v.scanner.Stop()
		v.machine.Stop()
		m.mlme.OnInterfaceRemoved(v.id)
	}

	// Recreate with the same ids and roles so the upper layer can simply
	// retry its last operation.
	for _, v := range old {
		nv := m.buildVIF(v.id, v.role, v.mac)
		m.mu.Lock()
		m.ifaces[v.id] = nv
		m.mu.Unlock()
		payload := domain.Marshal(domain.IfaceParams{ID: v.id, Role: v.role, MAC: v.mac})
		_ = m.cmd.SendAsync(v.id, domain.CmdCreateIface, true, payload,
			func(_ domain.CommandCompletion, err error) {
				if err != nil {
					m.log.Error("interface recreate failed", zap.Uint16("iface", uint16(v.id)), zap.Error(err))
				}
			})
		m.log.Info("interface recreated", zap.Uint16("iface", uint16(v.id)), zap.String("role", string(v.role)))
	}
}

// Interfaces returns an inspectable snapshot of every live interface.
func (m *Manager) Interfaces() []domain.InterfaceInfo {
	m.mu.Lock()
	vifs := make([]*vif, 0, len(m.ifaces))
	for _, v := range m.ifaces {
		vifs = append(vifs, v)
	}
	m.mu.Unlock()

	out := make([]domain.InterfaceInfo, 0, len(vifs))
	for _, v := range vifs {
		out = append(out, domain.InterfaceInfo{
			ID:              v.id,
			Role:            v.role,
			MAC:             v.mac,
			ConnectionState: string(v.machine.State()),
			ScanInProgress:  v.scanner.Active(),
		})
	}
	return out
}

// ResolveMAC maps a frame's destination address to the owning interface. The
// rx dispatcher uses this to route unicast data frames.
func (m *Manager) ResolveMAC(mac string) (domain.InterfaceID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, v := range m.ifaces {
		if v.mac == mac {
			return id, true
		}
	}
	return 0, false
}

// Machine exposes the connection machine for id, for the inspect surface.
func (m *Manager) Machine(id domain.InterfaceID) (*connection.Machine, error) {
	v, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return v.machine, nil
}

// Close destroys every interface without firmware round trips. Used at
// process shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	old := m.ifaces
	m.ifaces = make(map[domain.InterfaceID]*vif)
	m.mu.Unlock()
	for _, v := range old {
		v.scanner.Stop()
		v.machine.Stop()
		ifacesLive.WithLabelValues(string(v.role)).Dec()
	}
}
