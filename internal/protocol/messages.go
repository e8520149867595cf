// Package protocol defines the WebSocket frame types exchanged between the
// server and hub controllers.
package protocol

import "encoding/json"

// Message is the envelope for all WebSocket frames.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage creates a frame with the given type and payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    msgType,
		Payload: data,
	}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Encode serializes the full frame for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Frame types (hub → server)
const (
	TypeHello        = "hello"
	TypeStatus       = "status"
	TypeFileProgress = "fileProgress"
	TypeCommandAck   = "commandAck"
	TypeDiscovered   = "discovered"
)

// Frame types (server → hub)
const (
	TypeWelcome          = "welcome"
	TypeError            = "error"
	TypeConfigurePrinter = "configurePrinter"
	TypePrintCommand     = "printCommand"
	TypePrinterCommand   = "printerCommand"
	TypeDiscoverPrinters = "discoverPrinters"
	TypeHubCommand       = "hubCommand"
	TypeHubConfig        = "hubConfig"
)

// WebSocket close codes in the private-use range. Stable so that hub-side
// tooling can distinguish the cause without parsing the reason string.
const (
	CloseAuthTimeout      = 4001
	CloseHeartbeatTimeout = 4002
	CloseHubIDMismatch    = 4003
)

// HelloPayload is sent by the hub immediately after connecting. Signature is
// the hex HMAC-SHA256 of the hub id keyed by the hub secret; it is required
// whenever the hub has a secret provisioned.
type HelloPayload struct {
	HubID           string `json:"hubId"`
	FirmwareVersion string `json:"firmwareVersion"`
	HardwareVersion string `json:"hardwareVersion,omitempty"`
	MACAddress      string `json:"macAddress,omitempty"`
	Signature       string `json:"signature,omitempty"`
}

// WelcomePayload confirms authentication.
type WelcomePayload struct {
	HubID      string `json:"hubId"`
	HubName    string `json:"hubName"`
	TenantID   string `json:"tenantId"`
	ServerTime string `json:"serverTime"`
}

// ErrorPayload is sent for recoverable protocol errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes used in ErrorPayload.
const (
	ErrCodeInvalidMessage   = "INVALID_MESSAGE"
	ErrCodeNotAuthenticated = "NOT_AUTHENTICATED"
	ErrCodeAuthTimeout      = "AUTH_TIMEOUT"
	ErrCodeHubIDMismatch    = "HUB_ID_MISMATCH"
)

// StatusPayload reports one printer's state.
type StatusPayload struct {
	PrinterID            string   `json:"printerId"`
	Status               string   `json:"status"`
	ProgressPercentage   *float64 `json:"progressPercentage,omitempty"`
	RemainingTimeSeconds *int     `json:"remainingTimeSeconds,omitempty"`
	CurrentLayer         *int     `json:"currentLayer,omitempty"`
	ErrorMessage         string   `json:"errorMessage,omitempty"`
}

// FileProgressPayload reports model file transfer progress for a job.
type FileProgressPayload struct {
	JobID              string  `json:"jobId"`
	Stage              string  `json:"stage"` // downloading, uploading, complete, failed
	ProgressPercentage float64 `json:"progressPercentage"`
	Error              string  `json:"error,omitempty"`
}

// File transfer stages.
const (
	StageDownloading = "downloading"
	StageUploading   = "uploading"
	StageComplete    = "complete"
	StageFailed      = "failed"
)

// CommandAckPayload acknowledges a previously dispatched command.
type CommandAckPayload struct {
	CommandID string `json:"commandId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// DiscoveredPayload lists printers found by a discovery scan.
type DiscoveredPayload struct {
	Printers []DiscoveredPrinter `json:"printers"`
}

// DiscoveredPrinter is one entry in a discovery result.
type DiscoveredPrinter struct {
	SerialNumber string `json:"serialNumber"`
	IPAddress    string `json:"ipAddress"`
	Model        string `json:"model"`
	Name         string `json:"name,omitempty"`
}

// ConfigurePrinterPayload adds, removes, or updates a printer on the hub.
type ConfigurePrinterPayload struct {
	CommandID string         `json:"commandId"`
	Action    string         `json:"action"` // add, remove, update
	Printer   PrinterDetails `json:"printer"`
}

// PrinterDetails describes a printer being configured on the hub.
type PrinterDetails struct {
	PrinterID    string `json:"printerId"`
	Name         string `json:"name,omitempty"`
	Model        string `json:"model,omitempty"`
	IPAddress    string `json:"ipAddress,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	AccessCode   string `json:"accessCode,omitempty"`
}

// PrintCommandPayload starts a print job on a printer.
type PrintCommandPayload struct {
	CommandID string `json:"commandId"`
	PrinterID string `json:"printerId"`
	JobID     string `json:"jobId"`
	FileURL   string `json:"fileUrl"`
	FileName  string `json:"fileName"`
}

// PrinterCommandPayload controls a running printer (pause, resume, stop, ...).
type PrinterCommandPayload struct {
	CommandID string `json:"commandId"`
	PrinterID string `json:"printerId"`
	Action    string `json:"action"`
}

// DiscoverPrintersPayload asks the hub to scan its network for printers.
type DiscoverPrintersPayload struct {
	CommandID string `json:"commandId"`
}

// HubCommandPayload controls the hub itself (restart, GPIO, ...).
type HubCommandPayload struct {
	CommandID string `json:"commandId"`
	Action    string `json:"action"`
	GPIOPin   *int   `json:"gpioPin,omitempty"`
	GPIOState *bool  `json:"gpioState,omitempty"`
}

// HubConfigPayload pushes configuration to the hub.
type HubConfigPayload struct {
	CommandID string `json:"commandId"`
	HubName   string `json:"hubName,omitempty"`
}
