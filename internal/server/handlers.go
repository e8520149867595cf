package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/broker"
	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/protocol"
	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleHubSocket authorizes and upgrades an inbound hub connection.
func (s *Server) handleHubSocket(w http.ResponseWriter, r *http.Request) {
	hubID := chi.URLParam(r, "hubID")

	err := s.registry.Broker(hubID).AcceptConnection(w, r)
	switch {
	case err == nil:
		return
	case errors.Is(err, broker.ErrNotFound):
		http.Error(w, "Unknown hub", http.StatusNotFound)
	case errors.Is(err, broker.ErrForbidden):
		http.Error(w, "Hub not claimed", http.StatusForbidden)
	case errors.Is(err, broker.ErrAlreadyConnected):
		http.Error(w, "Hub already connected", http.StatusConflict)
	default:
		// The upgrader replies to handshake failures itself.
		s.log.Warn().Err(err).Str("hub", hubID).Msg("socket accept failed")
	}
}

func (s *Server) handleHubStatus(w http.ResponseWriter, r *http.Request) {
	hubID := chi.URLParam(r, "hubID")

	if _, err := s.store.GetHub(hubID); errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Unknown hub", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, s.registry.Status(hubID))
}

// commandRequest selects the outbound command kind and its parameters.
type commandRequest struct {
	Kind       string `json:"kind"`
	WaitForAck bool   `json:"waitForAck"`
	TimeoutMs  int    `json:"timeoutMs,omitempty"`

	Action    string                   `json:"action,omitempty"`
	Printer   protocol.PrinterDetails  `json:"printer,omitempty"`
	PrinterID string                   `json:"printerId,omitempty"`
	JobID     string                   `json:"jobId,omitempty"`
	FileURL   string                   `json:"fileUrl,omitempty"`
	FileName  string                   `json:"fileName,omitempty"`
	GPIOPin   *int                     `json:"gpioPin,omitempty"`
	GPIOState *bool                    `json:"gpioState,omitempty"`
	HubName   string                   `json:"hubName,omitempty"`
}

func buildCommand(req *commandRequest) (broker.Command, error) {
	switch req.Kind {
	case protocol.TypeConfigurePrinter:
		return broker.NewConfigurePrinter(req.Action, req.Printer)
	case protocol.TypePrintCommand:
		return broker.NewPrintCommand(req.PrinterID, req.JobID, req.FileURL, req.FileName)
	case protocol.TypePrinterCommand:
		return broker.NewPrinterCommand(req.PrinterID, req.Action)
	case protocol.TypeDiscoverPrinters:
		return broker.NewDiscoverPrinters()
	case protocol.TypeHubCommand:
		return broker.NewHubCommand(req.Action, req.GPIOPin, req.GPIOState)
	case protocol.TypeHubConfig:
		return broker.NewHubConfig(req.HubName)
	default:
		return broker.Command{}, errors.New("unknown command kind: " + req.Kind)
	}
}

// handleHubCommand dispatches a command to a hub, optionally waiting for its
// acknowledgment.
func (s *Server) handleHubCommand(w http.ResponseWriter, r *http.Request) {
	hubID := chi.URLParam(r, "hubID")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	cmd, err := buildCommand(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	opts := broker.SendOptions{WaitForAck: req.WaitForAck}
	if req.TimeoutMs > 0 {
		opts.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	result, err := s.registry.SendCommand(r.Context(), hubID, cmd, opts)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, broker.ErrUnavailable):
		http.Error(w, "Hub offline", http.StatusServiceUnavailable)
	case errors.Is(err, broker.ErrTimeout):
		http.Error(w, "Command timed out", http.StatusGatewayTimeout)
	case errors.Is(err, broker.ErrDisconnected):
		http.Error(w, "Hub disconnected", http.StatusBadGateway)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "Request cancelled", http.StatusRequestTimeout)
	default:
		s.log.Error().Err(err).Str("hub", hubID).Msg("command dispatch failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// handleDiscovered returns a hub's latest printer discovery snapshot.
func (s *Server) handleDiscovered(w http.ResponseWriter, r *http.Request) {
	hubID := chi.URLParam(r, "hubID")

	payload, discoveredAt, err := s.store.LoadDiscovery(hubID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "No discovery result", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("hub", hubID).Msg("failed to load discovery snapshot")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hubId":        hubID,
		"discoveredAt": discoveredAt.Format(time.RFC3339),
		"result":       json.RawMessage(payload),
	})
}

// handleListHubs returns all hub records.
func (s *Server) handleListHubs(w http.ResponseWriter, r *http.Request) {
	hubs, err := s.store.ListHubs()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query hubs")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(hubs))
	for _, h := range hubs {
		entry := map[string]any{
			"id":              h.ID,
			"tenantId":        h.TenantID,
			"name":            h.Name,
			"online":          h.Online,
			"firmwareVersion": h.FirmwareVersion,
			"hardwareVersion": h.HardwareVersion,
			"macAddress":      h.MACAddress,
		}
		if !h.LastSeen.IsZero() {
			entry["lastSeen"] = h.LastSeen.Format(time.RFC3339)
		}
		out = append(out, entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{"hubs": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
