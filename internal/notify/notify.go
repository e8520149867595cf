// Package notify pushes broker events to the rest of the system. Delivery is
// fire-and-forget: implementations log failures and never return errors into
// the broker's message path.
package notify

import (
	"time"

	"github.com/rs/zerolog"
)

// Notifier receives hub lifecycle and status events from brokers.
type Notifier interface {
	HubOnline(hubID, tenantID string)
	HubOffline(hubID, tenantID string)
	PrinterStatus(hubID, printerID, status string, connected bool)
	JobUpdate(jobID, status string, progress float64)
	CommandResult(hubID, commandID string, success bool, errMsg string)
}

// Event is the JSON shape published to upstream consumers.
type Event struct {
	HubID     string  `json:"hubId,omitempty"`
	TenantID  string  `json:"tenantId,omitempty"`
	PrinterID string  `json:"printerId,omitempty"`
	JobID     string  `json:"jobId,omitempty"`
	CommandID string  `json:"commandId,omitempty"`
	Status    string  `json:"status,omitempty"`
	Connected *bool   `json:"connected,omitempty"`
	Success   *bool   `json:"success,omitempty"`
	Progress  float64 `json:"progress,omitempty"`
	Error     string  `json:"error,omitempty"`
	At        string  `json:"at"`
}

func newEvent() Event {
	return Event{At: time.Now().UTC().Format(time.RFC3339)}
}

// LogNotifier writes events to the log only. It is the default when no
// upstream bus is configured.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) HubOnline(hubID, tenantID string) {
	n.log.Info().Str("hub", hubID).Str("tenant", tenantID).Msg("hub online")
}

func (n *LogNotifier) HubOffline(hubID, tenantID string) {
	n.log.Info().Str("hub", hubID).Str("tenant", tenantID).Msg("hub offline")
}

func (n *LogNotifier) PrinterStatus(hubID, printerID, status string, connected bool) {
	n.log.Debug().Str("hub", hubID).Str("printer", printerID).
		Str("status", status).Bool("connected", connected).Msg("printer status")
}

func (n *LogNotifier) JobUpdate(jobID, status string, progress float64) {
	n.log.Debug().Str("job", jobID).Str("status", status).
		Float64("progress", progress).Msg("job update")
}

func (n *LogNotifier) CommandResult(hubID, commandID string, success bool, errMsg string) {
	n.log.Debug().Str("hub", hubID).Str("command", commandID).
		Bool("success", success).Str("error", errMsg).Msg("command result")
}
