// Package hubsim implements a simulated hub controller for exercising the
// server without real hardware. It dials the hub socket endpoint, completes
// the hello handshake, reports printer status on an interval, and acknowledges
// every command the server pushes.
package hubsim

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/protocol"
)

const (
	writeWait        = 10 * time.Second
	maxBackoff       = 60 * time.Second
	initialBackoff   = 1 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Config controls a simulated hub.
type Config struct {
	ServerURL       string // ws://host:port, without the /ws/hubs/<id> path
	HubID           string
	Secret          string // signs the hello when set
	FirmwareVersion string
	HardwareVersion string
	MACAddress      string
	PrinterIDs      []string
	StatusInterval  time.Duration
}

// Simulator maintains a connection to the server and plays the hub side of
// the protocol.
type Simulator struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	backoff time.Duration

	// jobs maps printer id to the job currently "printing" on it.
	jobs map[string]string
}

// New creates a simulator. PrinterIDs default to a single printer and the
// status interval defaults to 10s.
func New(cfg Config, log zerolog.Logger) *Simulator {
	if len(cfg.PrinterIDs) == 0 {
		cfg.PrinterIDs = []string{cfg.HubID + "-P1"}
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 10 * time.Second
	}
	if cfg.FirmwareVersion == "" {
		cfg.FirmwareVersion = "sim-1.0"
	}
	return &Simulator{
		cfg:     cfg,
		log:     log.With().Str("component", "hubsim").Str("hub", cfg.HubID).Logger(),
		backoff: initialBackoff,
		jobs:    make(map[string]string),
	}
}

// Run connects and reconnects until the context is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.connect(ctx); err != nil {
			s.log.Error().Err(err).Dur("backoff", s.backoff).Msg("connection failed, retrying")
			s.waitBackoff(ctx)
			continue
		}
		s.backoff = initialBackoff

		s.session(ctx)
		s.waitBackoff(ctx)
	}
}

func (s *Simulator) connect(ctx context.Context) error {
	url := s.cfg.ServerURL + "/ws/hubs/" + s.cfg.HubID
	s.log.Debug().Str("url", url).Msg("connecting")

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %w (http %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := s.sendHello(); err != nil {
		s.mu.Lock()
		_ = conn.Close()
		s.conn = nil
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Simulator) sendHello() error {
	hello := protocol.HelloPayload{
		HubID:           s.cfg.HubID,
		FirmwareVersion: s.cfg.FirmwareVersion,
		HardwareVersion: s.cfg.HardwareVersion,
		MACAddress:      s.cfg.MACAddress,
	}
	if s.cfg.Secret != "" {
		hello.Signature = protocol.SignHello(s.cfg.HubID, s.cfg.Secret)
	}
	return s.send(protocol.TypeHello, hello)
}

// session reads frames until the connection drops. Status reporting runs on
// its own ticker so the read loop stays blocked on the socket.
func (s *Simulator) session(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()
		s.log.Info().Msg("disconnected")
	}()

	statusCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.statusLoop(statusCtx)

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if code := closeCode(err); code != 0 {
				s.log.Warn().Int("code", code).Msg("server closed session")
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Error().Err(err).Msg("malformed frame from server")
			continue
		}
		s.handleFrame(&msg)
	}
}

func closeCode(err error) int {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code
	}
	return 0
}

func (s *Simulator) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reportStatus()
		}
	}
}

func (s *Simulator) reportStatus() {
	s.mu.Lock()
	jobs := make(map[string]string, len(s.jobs))
	for k, v := range s.jobs {
		jobs[k] = v
	}
	s.mu.Unlock()

	for _, printerID := range s.cfg.PrinterIDs {
		st := protocol.StatusPayload{PrinterID: printerID, Status: "idle"}
		if _, printing := jobs[printerID]; printing {
			st.Status = "printing"
			progress := 50.0
			st.ProgressPercentage = &progress
		}
		if err := s.send(protocol.TypeStatus, st); err != nil {
			s.log.Debug().Err(err).Msg("status send failed")
			return
		}
	}
}

func (s *Simulator) handleFrame(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeWelcome:
		var w protocol.WelcomePayload
		if err := msg.ParsePayload(&w); err == nil {
			s.log.Info().Str("name", w.HubName).Str("tenant", w.TenantID).Msg("authenticated")
		}
		s.reportStatus()

	case protocol.TypeError:
		var e protocol.ErrorPayload
		_ = msg.ParsePayload(&e)
		s.log.Warn().Str("code", e.Code).Str("message", e.Message).Msg("server error frame")

	case protocol.TypeConfigurePrinter:
		var cmd protocol.ConfigurePrinterPayload
		if err := msg.ParsePayload(&cmd); err != nil {
			return
		}
		s.log.Info().Str("action", cmd.Action).Str("printer", cmd.Printer.PrinterID).Msg("configure printer")
		s.ack(cmd.CommandID, true, "")

	case protocol.TypePrintCommand:
		var cmd protocol.PrintCommandPayload
		if err := msg.ParsePayload(&cmd); err != nil {
			return
		}
		s.ack(cmd.CommandID, true, "")
		s.startPrint(cmd)

	case protocol.TypePrinterCommand:
		var cmd protocol.PrinterCommandPayload
		if err := msg.ParsePayload(&cmd); err != nil {
			return
		}
		s.log.Info().Str("printer", cmd.PrinterID).Str("action", cmd.Action).Msg("printer command")
		if cmd.Action == "stop" {
			s.mu.Lock()
			delete(s.jobs, cmd.PrinterID)
			s.mu.Unlock()
		}
		s.ack(cmd.CommandID, true, "")

	case protocol.TypeDiscoverPrinters:
		var cmd protocol.DiscoverPrintersPayload
		if err := msg.ParsePayload(&cmd); err != nil {
			return
		}
		s.ack(cmd.CommandID, true, "")
		s.sendDiscovery()

	case protocol.TypeHubCommand:
		var cmd protocol.HubCommandPayload
		if err := msg.ParsePayload(&cmd); err != nil {
			return
		}
		s.log.Info().Str("action", cmd.Action).Msg("hub command")
		s.ack(cmd.CommandID, true, "")

	case protocol.TypeHubConfig:
		var cmd protocol.HubConfigPayload
		if err := msg.ParsePayload(&cmd); err != nil {
			return
		}
		s.log.Info().Str("hubName", cmd.HubName).Msg("hub config")
		s.ack(cmd.CommandID, true, "")

	default:
		s.log.Debug().Str("type", msg.Type).Msg("ignoring unknown frame")
	}
}

// startPrint simulates the file transfer for a new job and marks the printer
// as printing so later status frames carry progress.
func (s *Simulator) startPrint(cmd protocol.PrintCommandPayload) {
	_ = s.send(protocol.TypeFileProgress, protocol.FileProgressPayload{
		JobID:              cmd.JobID,
		Stage:              protocol.StageDownloading,
		ProgressPercentage: 0,
	})
	_ = s.send(protocol.TypeFileProgress, protocol.FileProgressPayload{
		JobID:              cmd.JobID,
		Stage:              protocol.StageComplete,
		ProgressPercentage: 100,
	})

	s.mu.Lock()
	s.jobs[cmd.PrinterID] = cmd.JobID
	s.mu.Unlock()
}

func (s *Simulator) sendDiscovery() {
	printers := make([]protocol.DiscoveredPrinter, 0, len(s.cfg.PrinterIDs))
	for i, id := range s.cfg.PrinterIDs {
		printers = append(printers, protocol.DiscoveredPrinter{
			SerialNumber: fmt.Sprintf("SIM%04d", i+1),
			IPAddress:    fmt.Sprintf("192.0.2.%d", i+10),
			Model:        "SimPrinter",
			Name:         id,
		})
	}
	_ = s.send(protocol.TypeDiscovered, protocol.DiscoveredPayload{Printers: printers})
}

func (s *Simulator) ack(commandID string, success bool, errMsg string) {
	err := s.send(protocol.TypeCommandAck, protocol.CommandAckPayload{
		CommandID: commandID,
		Success:   success,
		Error:     errMsg,
	})
	if err != nil {
		s.log.Debug().Err(err).Str("command", commandID).Msg("ack send failed")
	}
}

func (s *Simulator) send(msgType string, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return websocket.ErrCloseSent
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Simulator) waitBackoff(ctx context.Context) {
	timer := time.NewTimer(s.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	s.backoff *= 2
	if s.backoff > maxBackoff {
		s.backoff = maxBackoff
	}
}
