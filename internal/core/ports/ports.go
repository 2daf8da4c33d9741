// Package ports defines the boundary interfaces between the driver core and
// its collaborators: the firmware/bus below, the MLME above, and the
// persistence and hardware-signalling adapters to the side. Core services
// accept these interfaces and never import adapter packages.
package ports

import (
	"context"
	"time"

	"github.com/lcalzada-xor/fullmac/internal/core/domain"
)

// CommandTransport is the raw hardware command queue. Submit must not block;
// it only places the command on the queue. The matching completion arrives
// later through the CompletionSink the adapter was wired with.
type CommandTransport interface {
	Submit(cmd domain.Command) error
}

// CompletionSink receives command completions from the bus adapter. The
// command channel implements this.
type CompletionSink interface {
	OnCompletion(c domain.CommandCompletion)
}

// EventSink receives asynchronous firmware events. The interface manager
// implements this and fans events out to the owning state machine or scan
// engine.
type EventSink interface {
	HandleEvent(ev domain.Event)
}

// RxHardware is the receive-side hardware surface the descriptor ring talks
// to: a write pointer it can publish, and a power state that decides whether
// publishing is worthwhile right now.
type RxHardware interface {
	// RingDoorbell publishes the new write pointer to hardware.
	RingDoorbell(writeIndex int) error
	// Awake reports whether the device can accept a doorbell write. When
	// false the ring defers the update and flushes it on the next restock.
	Awake() bool
}

// RxSink consumes hardware receive completions. The rx dispatcher implements
// this; bus adapters call it from their interrupt context, so implementations
// must be short and non-blocking.
type RxSink interface {
	OnRxInterrupt(completions []domain.RxCompletion)
}

// MLME is the upper-layer boundary. Implementations must tolerate calls from
// the driver's worker contexts and must not call back into the driver
// synchronously.
type MLME interface {
	DeliverFrame(iface domain.InterfaceID, frame []byte)
	OnConnectResult(res domain.ConnectResult)
	OnDisconnectInd(ind domain.DisconnectIndication)
	OnScanResult(iface domain.InterfaceID, bss domain.BSSDescription)
	OnScanComplete(iface domain.InterfaceID, txn string, status domain.ScanStatus)
	OnSignalReport(rep domain.SignalReport)
	// OnInterfaceRemoved reports that an interface disappeared outside an
	// explicit destroy request (firmware crash recovery).
	OnInterfaceRemoved(iface domain.InterfaceID)
}

// BSSStore persists scan results so the BSS table survives driver restarts.
type BSSStore interface {
	Upsert(ctx context.Context, bss domain.BSSDescription) error
	All(ctx context.Context) ([]domain.BSSDescription, error)
	FindBySSID(ctx context.Context, ssid string) ([]domain.BSSDescription, error)
	PruneOlderThan(ctx context.Context, age time.Duration) (int64, error)
	Close() error
}
