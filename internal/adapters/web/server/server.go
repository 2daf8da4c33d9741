// Package server is the inspect HTTP server: a debug surface over the live
// driver exposing interface state, connection snapshots, reorder windows,
// ring accounting, the cached BSS table, Prometheus metrics and a websocket
// event stream. It observes the driver; the MLME boundary stays the only
// control path for connect and disconnect.
package server

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/lcalzada-xor/fullmac/internal/adapters/web"
	"github.com/lcalzada-xor/fullmac/internal/core/ports"
	"github.com/lcalzada-xor/fullmac/internal/core/services/ifmgr"
	"github.com/lcalzada-xor/fullmac/internal/core/services/rxpath"
	"github.com/lcalzada-xor/fullmac/internal/core/services/rxring"
)

// Server handles HTTP and WebSocket connections.
type Server struct {
	Addr       string
	Manager    *ifmgr.Manager
	Dispatcher *rxpath.Dispatcher
	Ring       *rxring.Ring
	Store      ports.BSSStore
	WS         *web.WSManager

	log *zap.Logger
	srv *http.Server
}

// NewServer creates the inspect server. Store may be nil when the BSS cache
// is disabled.
func NewServer(addr string, mgr *ifmgr.Manager, disp *rxpath.Dispatcher, ring *rxring.Ring, store ports.BSSStore, log *zap.Logger) *Server {
	return &Server{
		Addr:       addr,
		Manager:    mgr,
		Dispatcher: disp,
		Ring:       ring,
		Store:      store,
		WS:         web.NewWSManager(log),
		log:        log,
	}
}

// Run starts the server and blocks until ctx is cancelled or the listener
// fails.
func (s *Server) Run(ctx context.Context) error {
	handler := SetupRoutes(s)

	// Instrument with OpenTelemetry
	instrumentedHandler := otelhttp.NewHandler(handler, "fullmac-inspect")

	s.srv = &http.Server{
		Addr:              s.Addr,
		Handler:           instrumentedHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("inspect server shutting down")
		s.WS.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("inspect server shutdown error", zap.Error(err))
		}
	}()

	s.log.Info("inspect server listening", zap.String("addr", s.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// BroadcastEvent pushes one driver event onto the websocket stream.
func (s *Server) BroadcastEvent(msgType string, payload interface{}) {
	s.WS.Broadcast(msgType, payload)
}
