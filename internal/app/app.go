// Package app wires the driver together: simulated firmware, command
// channel, receive path, interface manager, BSS cache and the inspect
// server. It is the facade the binary runs.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/lcalzada-xor/fullmac/internal/adapters/simfw"
	"github.com/lcalzada-xor/fullmac/internal/adapters/storage"
	webserver "github.com/lcalzada-xor/fullmac/internal/adapters/web/server"
	"github.com/lcalzada-xor/fullmac/internal/config"
	"github.com/lcalzada-xor/fullmac/internal/core/domain"
	"github.com/lcalzada-xor/fullmac/internal/core/services/fwcmd"
	"github.com/lcalzada-xor/fullmac/internal/core/services/ifmgr"
	"github.com/lcalzada-xor/fullmac/internal/core/services/rxpath"
	"github.com/lcalzada-xor/fullmac/internal/core/services/rxring"
	"github.com/lcalzada-xor/fullmac/internal/telemetry"
)

// DefaultClientMAC is the MAC assigned to the client interface the binary
// brings up at start.
const DefaultClientMAC = "02:00:00:00:00:01"

// Application holds the core components of the driver. It acts as the facade
// for the entire system, orchestrating services and adapters.
type Application struct {
	Config     *config.Config
	Log        *zap.Logger
	Firmware   *simfw.Firmware
	Channel    *fwcmd.Channel
	Ring       *rxring.Ring
	Dispatcher *rxpath.Dispatcher
	Manager    *ifmgr.Manager
	Store      *storage.SQLiteStore
	WebServer  *webserver.Server

	bridge *mlmeBridge
}

// New creates an Application and bootstraps its components against the
// simulated firmware. Real hardware swaps simfw for a bus adapter
// implementing the same transport and rx ports.
func New(cfg *config.Config, log *zap.Logger) (*Application, error) {
	app := &Application{Config: cfg, Log: log}
	if err := app.bootstrap(); err != nil {
		app.Close()
		return nil, fmt.Errorf("driver bootstrap failed: %w", err)
	}
	return app, nil
}

func (app *Application) bootstrap() error {
	telemetry.InitMetrics()

	store, err := app.initStorage()
	if err != nil {
		return err
	}
	app.Store = store

	app.Firmware = simfw.New(app.Log)
	seedSimulatedAPs(app.Firmware)

	app.Channel = fwcmd.New(app.Firmware, app.Config.Command.QueueDepth, app.Config.Command.Timeout, app.Log)

	app.bridge = &mlmeBridge{log: app.Log}
	app.Manager = ifmgr.New(app.Channel, app.bridge, app.Store, ifmgr.Options{
		Timings: domain.ConnectTimings{
			ConnectTimeout:       app.Config.Connect.Timeout,
			DisconnectTimeout:    app.Config.Connect.DisconnectTimeout,
			SignalReportInterval: app.Config.Connect.SignalReportInterval,
		},
		AuthRetryMax:  app.Config.Connect.AuthRetryMax,
		AssocRetryMax: app.Config.Connect.AssocRetryMax,
		AllowDualRole: app.Config.Connect.AllowDualRole,
	}, app.Log)
	app.Firmware.Wire(app.Channel, app.Manager)

	ring, err := rxring.New(app.Config.Rx.RingCapacity, app.Config.Rx.BufferSize, app.Firmware, app.Log)
	if err != nil {
		return err
	}
	app.Ring = ring
	app.Dispatcher = rxpath.New(ring, app.Config.Rx.ReorderTimeout, app.bridge, app.Manager.ResolveMAC, app.Log)
	app.Firmware.AttachRxPath(ring, app.Dispatcher)

	app.WebServer = webserver.NewServer(app.Config.HTTP.Addr, app.Manager, app.Dispatcher, app.Ring, app.Store, app.Log)
	app.bridge.ws = app.WebServer.WS

	return nil
}

func (app *Application) initStorage() (*storage.SQLiteStore, error) {
	path := app.Config.DB.Path
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	return storage.NewSQLiteStore(path, app.Log)
}

// seedSimulatedAPs puts a small neighborhood on the simulated air.
func seedSimulatedAPs(fw *simfw.Firmware) {
	fw.AddAP(simfw.APConfig{SSID: "CoffeeShop_Free", BSSID: "02:aa:10:00:00:01", Channel: 1, Security: "OPEN", RSSI: -62})
	fw.AddAP(simfw.APConfig{SSID: "Apartment_5G", BSSID: "02:aa:10:00:00:02", Channel: 36, Security: "WPA2", RSSI: -48})
	fw.AddAP(simfw.APConfig{SSID: "Hotel-Guest", BSSID: "02:aa:10:00:00:03", Channel: 11, Security: "WPA3", RSSI: -71})
}

// Run brings up the default client interface, starts the inspect server and
// the cache pruner, then blocks until ctx is cancelled or a component fails.
func (app *Application) Run(ctx context.Context) error {
	if _, err := app.Manager.CreateInterface(ctx, domain.RoleClient, DefaultClientMAC); err != nil {
		return fmt.Errorf("bring up client interface: %w", err)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := app.WebServer.Run(ctx); err != nil {
			errChan <- fmt.Errorf("inspect server error: %w", err)
		}
	}()
	go app.runCachePruner(ctx)

	app.Log.Info("driver ready",
		zap.String("inspect", app.Config.HTTP.Addr),
		zap.String("db", app.Config.DB.Path))

	select {
	case <-ctx.Done():
		app.Log.Info("termination signal received")
	case err := <-errChan:
		return err
	}
	return app.Close()
}

// runCachePruner drops stale BSS cache entries on a fixed cadence.
func (app *Application) runCachePruner(ctx context.Context) {
	interval := app.Config.DB.PruneAge / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, err := app.Store.PruneOlderThan(pruneCtx, app.Config.DB.PruneAge); err != nil {
				app.Log.Warn("bss cache prune failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Close tears the driver down in dependency order. Safe to call on a
// partially bootstrapped application.
func (app *Application) Close() error {
	if app.Dispatcher != nil {
		app.Dispatcher.Stop()
	}
	if app.Ring != nil {
		app.Ring.Close()
	}
	if app.Manager != nil {
		app.Manager.Close()
	}
	if app.Channel != nil {
		app.Channel.Close()
	}
	if app.Firmware != nil {
		app.Firmware.Close()
	}
	if app.Store != nil {
		if err := app.Store.Close(); err != nil {
			return err
		}
	}
	return nil
}
