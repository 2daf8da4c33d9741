package app

import (
	"strconv"

	"go.uber.org/zap"

	"github.com/lcalzada-xor/fullmac/internal/adapters/web"
	"github.com/lcalzada-xor/fullmac/internal/core/domain"
	"github.com/lcalzada-xor/fullmac/internal/core/ports"
	"github.com/lcalzada-xor/fullmac/internal/telemetry"
)

// mlmeBridge is the binary's MLME boundary: it logs every upcall, counts it,
// and mirrors it onto the inspect server's websocket stream. A real system
// replaces this with the netstack-facing SME glue.
type mlmeBridge struct {
	log *zap.Logger
	ws  *web.WSManager // set once during bootstrap, before events flow
}

var _ ports.MLME = (*mlmeBridge)(nil)

func (b *mlmeBridge) upcall(kind string, payload interface{}) {
	telemetry.MLMEUpcalls.WithLabelValues(kind).Inc()
	if b.ws != nil {
		b.ws.Broadcast(kind, payload)
	}
}

func (b *mlmeBridge) DeliverFrame(iface domain.InterfaceID, frame []byte) {
	telemetry.FramesDelivered.WithLabelValues(strconv.Itoa(int(iface))).Inc()
	b.log.Debug("frame delivered", zap.Uint16("iface", uint16(iface)), zap.Int("len", len(frame)))
}

func (b *mlmeBridge) OnConnectResult(res domain.ConnectResult) {
	b.log.Info("connect result",
		zap.Uint16("iface", uint16(res.Iface)),
		zap.String("code", string(res.Code)),
		zap.String("bssid", res.BSSID))
	b.upcall("connect_result", res)
}

func (b *mlmeBridge) OnDisconnectInd(ind domain.DisconnectIndication) {
	b.log.Info("disconnected",
		zap.Uint16("iface", uint16(ind.Iface)),
		zap.Uint16("reason", uint16(ind.Reason)),
		zap.Bool("local", ind.LocallyInitiated))
	b.upcall("disconnect", ind)
}

func (b *mlmeBridge) OnScanResult(iface domain.InterfaceID, bss domain.BSSDescription) {
	b.upcall("scan_result", bss)
}

func (b *mlmeBridge) OnScanComplete(iface domain.InterfaceID, txn string, status domain.ScanStatus) {
	b.log.Info("scan complete",
		zap.Uint16("iface", uint16(iface)),
		zap.String("txn", txn),
		zap.String("status", string(status)))
	b.upcall("scan_complete", map[string]string{"txn": txn, "status": string(status)})
}

func (b *mlmeBridge) OnSignalReport(rep domain.SignalReport) {
	b.upcall("signal_report", rep)
}

func (b *mlmeBridge) OnInterfaceRemoved(iface domain.InterfaceID) {
	b.log.Warn("interface removed", zap.Uint16("iface", uint16(iface)))
	b.upcall("interface_removed", map[string]uint16{"iface": uint16(iface)})
}
