// Package scan runs BSS discovery for one interface: it issues the scan
// command, correlates streamed results by transaction id, forwards them
// upward, and persists them in the BSS table.
package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/lcalzada-xor/fullmac/internal/core/domain"
	"github.com/lcalzada-xor/fullmac/internal/core/ports"
	"github.com/lcalzada-xor/fullmac/internal/core/sched"
	"github.com/lcalzada-xor/fullmac/internal/core/services/fwcmd"
)

var (
	scansFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fullmac",
		Name:      "scans_total",
		Help:      "Scans reaching a terminal status",
	}, []string{"status"})
	scanResults = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fullmac",
		Name:      "scan_results_total",
		Help:      "BSS entries received from firmware scans",
	})
	staleScanResults = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fullmac",
		Name:      "scan_results_stale_total",
		Help:      "Scan results dropped for carrying an unknown transaction id",
	})
)

const defaultScanWatchdog = 30 * time.Second

// Engine runs at most one scan at a time on its interface. Results stream in
// as events; a scan ends with a completion event, an abort, a watchdog expiry,
// or a firmware crash.
type Engine struct {
	log   *zap.Logger
	iface domain.InterfaceID
	cmd   *fwcmd.Channel
	mlme  ports.MLME
	store ports.BSSStore // nil disables persistence

	watchdog *sched.Task

	mu      sync.Mutex
	txn     string // active transaction, empty when idle
	aborted bool
	found   int
	// onIdle fires after every terminal scan status, outside the lock. The
	// interface manager uses it to release a queued connect.
	onIdle func()
}

// New builds an idle engine. onIdle may be nil.
func New(iface domain.InterfaceID, cmd *fwcmd.Channel, mlme ports.MLME, store ports.BSSStore, onIdle func(), log *zap.Logger) *Engine {
	e := &Engine{
		log:    log.With(zap.Uint16("iface", uint16(iface))),
		iface:  iface,
		cmd:    cmd,
		mlme:   mlme,
		store:  store,
		onIdle: onIdle,
	}
	e.watchdog = sched.NewTask(e.onWatchdog)
	return e
}

// Active reports whether a scan is in progress.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.txn != ""
}

// Txn returns the active transaction id, empty when idle.
func (e *Engine) Txn() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.txn
}

// Start launches a scan and returns its transaction id. A second scan while
// one is running fails with ErrAlreadyInProgress.
func (e *Engine) Start(req domain.ScanRequest) (string, error) {
	e.mu.Lock()
	if e.txn != "" {
		e.mu.Unlock()
		return "", fmt.Errorf("scan: already running: %w", domain.ErrAlreadyInProgress)
	}
	txn := uuid.NewString()
	e.txn = txn
	e.aborted = false
	e.found = 0
	e.mu.Unlock()

	params := domain.ScanParams{
		Txn:      txn,
		SSIDs:    req.SSIDs,
		Channels: req.Channels,
		Passive:  req.Passive,
		DwellMs:  int(req.DwellTime / time.Millisecond),
	}
	err := e.cmd.SendAsync(e.iface, domain.CmdScanStart, true, domain.Marshal(params),
		func(_ domain.CommandCompletion, err error) {
			if err != nil {
				e.log.Warn("scan start failed", zap.String("txn", txn), zap.Error(err))
				e.finish(txn, domain.ScanStatusError)
			}
		})
	if err != nil {
		e.finish(txn, domain.ScanStatusError)
		return "", fmt.Errorf("scan: start: %w", err)
	}

	e.watchdog.Arm(defaultScanWatchdog)
	e.log.Info("scan started", zap.String("txn", txn),
		zap.Int("ssids", len(req.SSIDs)), zap.Bool("passive", req.Passive))
	return txn, nil
}

// Abort asks firmware to stop the running scan. The terminal status still
// arrives through the completion event; the watchdog covers firmware that
// never answers.
func (e *Engine) Abort() error {
	e.mu.Lock()
	txn := e.txn
	if txn == "" {
		e.mu.Unlock()
		return fmt.Errorf("scan: no scan running: %w", domain.ErrNotFound)
	}
	e.aborted = true
	e.mu.Unlock()

	return e.cmd.SendAsync(e.iface, domain.CmdScanAbort, true, nil,
		func(domain.CommandCompletion, error) {})
}

// HandleEvent consumes scan_result and scan_complete events routed here by
// the interface manager.
func (e *Engine) HandleEvent(ev domain.Event) {
	switch ev.Kind {
	case domain.EventScanResult:
		e.onResult(ev)
	case domain.EventScanComplete:
		e.onComplete(ev)
	case domain.EventFirmwareCrash:
		e.NotifyCrash()
	}
}

func (e *Engine) onResult(ev domain.Event) {
	e.mu.Lock()
	live := e.txn != "" && ev.ScanTxn == e.txn
	if live {
		e.found++
	}
	e.mu.Unlock()

	if !live || ev.BSS == nil {
		// Results from a finished or foreign scan; the table must not
		// resurrect stale entries.
		staleScanResults.Inc()
		e.log.Debug("stale scan result dropped", zap.String("txn", ev.ScanTxn))
		return
	}
	scanResults.Inc()

	bss := *ev.BSS
	if bss.LastSeen.IsZero() {
		bss.LastSeen = time.Now()
	}
	if e.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := e.store.Upsert(ctx, bss); err != nil {
			e.log.Warn("bss table upsert failed", zap.String("bssid", bss.BSSID), zap.Error(err))
		}
		cancel()
	}
	e.mlme.OnScanResult(e.iface, bss)
}

func (e *Engine) onComplete(ev domain.Event) {
	e.mu.Lock()
	txn := e.txn
	aborted := e.aborted
	e.mu.Unlock()
	if txn == "" || ev.ScanTxn != txn {
		e.log.Debug("completion for unknown scan dropped", zap.String("txn", ev.ScanTxn))
		return
	}
	status := domain.ScanStatusDone
	switch {
	case aborted:
		status = domain.ScanStatusAborted
	case ev.Status != domain.StatusSuccess:
		status = domain.ScanStatusError
	}
	e.finish(txn, status)
}

func (e *Engine) onWatchdog() {
	e.mu.Lock()
	txn := e.txn
	e.mu.Unlock()
	if txn == "" {
		return
	}
	e.log.Warn("scan watchdog expired", zap.String("txn", txn))
	e.finish(txn, domain.ScanStatusError)
}

// NotifyCrash voids the running scan; partial results already delivered stay
// in the BSS table.
func (e *Engine) NotifyCrash() {
	e.mu.Lock()
	txn := e.txn
	e.mu.Unlock()
	if txn != "" {
		e.finish(txn, domain.ScanStatusAborted)
	}
}

// finish reports the terminal status exactly once per transaction.
func (e *Engine) finish(txn string, status domain.ScanStatus) {
	e.mu.Lock()
	if e.txn != txn {
		e.mu.Unlock()
		return
	}
	e.txn = ""
	found := e.found
	onIdle := e.onIdle
	e.mu.Unlock()

	e.watchdog.Cancel()
	scansFinished.WithLabelValues(string(status)).Inc()
	e.log.Info("scan finished", zap.String("txn", txn),
		zap.String("status", string(status)), zap.Int("found", found))
	e.mlme.OnScanComplete(e.iface, txn, status)
	if onIdle != nil {
		onIdle()
	}
}

// Stop cancels the watchdog. A running scan is finished as aborted so waiters
// are not left hanging.
func (e *Engine) Stop() {
	e.NotifyCrash()
	e.watchdog.Cancel()
}
