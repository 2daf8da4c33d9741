package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lcalzada-xor/fullmac/internal/core/domain"
)

func SetupRoutes(s *Server) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/interfaces", s.handleInterfaces).Methods(http.MethodGet)
	r.HandleFunc("/api/interfaces/{id:[0-9]+}/connection", s.handleConnection).Methods(http.MethodGet)
	r.HandleFunc("/api/scan", s.handleScan).Methods(http.MethodPost)
	r.HandleFunc("/api/bss", s.handleBSS).Methods(http.MethodGet)
	r.HandleFunc("/api/reorder/sessions", s.handleReorderSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/ring", s.handleRing).Methods(http.MethodGet)

	// WebSocket event stream
	r.HandleFunc("/ws", s.WS.HandleWebSocket)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyInProgress):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrResourceExhausted):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleInterfaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Manager.Interfaces())
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 16)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad interface id"})
		return
	}
	m, err := s.Manager.Machine(domain.InterfaceID(id))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m.Snapshot())
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req domain.ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad scan request"})
		return
	}
	txn, err := s.Manager.Scan(req.Iface, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"txn": txn})
}

func (s *Server) handleBSS(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "bss cache disabled"})
		return
	}
	var (
		list []domain.BSSDescription
		err  error
	)
	if ssid := r.URL.Query().Get("ssid"); ssid != "" {
		list, err = s.Store.FindBySSID(r.Context(), ssid)
	} else {
		list, err = s.Store.All(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleReorderSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Dispatcher.Sessions())
}

func (s *Server) handleRing(w http.ResponseWriter, r *http.Request) {
	free, posted, extracted := s.Ring.Accounting()
	writeJSON(w, http.StatusOK, map[string]int{
		"capacity":  s.Ring.Capacity(),
		"free":      free,
		"posted":    posted,
		"extracted": extracted,
	})
}
