// Package broker owns the persistent WebSocket sessions with hub controllers.
// Each hub id maps to exactly one Broker, which serializes every mutation of
// that hub's session, pending command table, and liveness timer.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/notify"
	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/protocol"
	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/store"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send protocol-level pings with this period to keep NAT mappings warm.
	pingPeriod = 25 * time.Second

	// Maximum message size allowed from a hub.
	maxMessageSize = 256 * 1024

	// DefaultAckTimeout bounds SendCommand when the caller does not pick one.
	DefaultAckTimeout = 30 * time.Second

	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Hubs are headless devices; origin checks do not apply.
		return true
	},
}

// Config holds the broker timing parameters.
type Config struct {
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	AckTimeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	return c
}

// Broker is the connection actor for a single hub.
type Broker struct {
	hubID    string
	cfg      Config
	store    *store.Store
	notifier notify.Notifier
	log      zerolog.Logger

	mu        sync.Mutex
	accepting bool
	conn      *websocket.Conn
	send      chan []byte
	gen       int // bumped per accepted socket; guards stale pump/timer callbacks
	session   *Session
	pending   map[string]*pendingCommand
	timer     *time.Timer

	// close frame sent by writePump after the send channel is drained
	closeCode   int
	closeReason string
}

func newBroker(hubID string, cfg Config, st *store.Store, n notify.Notifier, log zerolog.Logger) *Broker {
	return &Broker{
		hubID:    hubID,
		cfg:      cfg.withDefaults(),
		store:    st,
		notifier: n,
		log:      log.With().Str("component", "broker").Str("hub", hubID).Logger(),
		pending:  make(map[string]*pendingCommand),
	}
}

// HubID returns the hub this broker is bound to.
func (b *Broker) HubID() string {
	return b.hubID
}

// AcceptConnection authorizes and upgrades an inbound socket request for this
// hub. It fails with ErrNotFound for unknown hubs, ErrForbidden for hubs not
// claimed by a tenant, and ErrAlreadyConnected when a live socket is already
// bound. On success a fresh unauthenticated Session exists and the auth
// timeout is armed.
func (b *Broker) AcceptConnection(w http.ResponseWriter, r *http.Request) error {
	hub, err := b.store.GetHub(b.hubID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if hub.TenantID == "" {
		return ErrForbidden
	}

	// Reserve the binding before the upgrade so a near-simultaneous second
	// request is rejected instead of creating a competing socket.
	b.mu.Lock()
	if b.conn != nil || b.accepting {
		b.mu.Unlock()
		return ErrAlreadyConnected
	}
	b.accepting = true
	b.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.mu.Lock()
		b.accepting = false
		b.mu.Unlock()
		return err
	}

	now := time.Now().UTC()
	sess := &Session{
		HubID:         b.hubID,
		TenantID:      hub.TenantID,
		HubName:       hub.Name,
		Secret:        hub.Secret,
		ConnectedAt:   now,
		LastMessageAt: now,
	}

	b.mu.Lock()
	b.accepting = false
	b.gen++
	gen := b.gen
	b.conn = conn
	b.send = make(chan []byte, sendBufferSize)
	b.session = sess
	b.closeCode = 0
	b.closeReason = ""
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.cfg.AuthTimeout, func() { b.onTimer(gen) })
	send := b.send
	b.mu.Unlock()

	if err := b.store.SaveSession(sess.durable()); err != nil {
		b.log.Warn().Err(err).Msg("failed to persist new session")
	}

	go b.writePump(conn, send)
	go b.readPump(gen, conn)

	b.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("hub connected, awaiting hello")
	return nil
}

// readPump is the single reader for one socket; per-hub message processing is
// therefore strictly sequential in arrival order.
func (b *Broker) readPump(gen int, conn *websocket.Conn) {
	defer b.teardown(gen, "socket closed", 0)

	conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.log.Debug().Err(err).Msg("socket read error")
			}
			return
		}
		b.handleMessage(gen, data)
	}
}

// writePump owns all writes to one socket. It drains the send channel, emits
// the final close frame once the channel is closed, and closes the socket on
// every exit path.
func (b *Broker) writePump(conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				b.mu.Lock()
				code, reason := b.closeCode, b.closeReason
				b.mu.Unlock()
				if code == 0 {
					code = websocket.CloseNormalClosure
				}
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueueLocked queues a frame for the write pump. Caller holds b.mu.
func (b *Broker) enqueueLocked(data []byte) error {
	if b.conn == nil || b.send == nil {
		return ErrUnavailable
	}
	select {
	case b.send <- data:
		return nil
	default:
		return ErrUnavailable
	}
}

func (b *Broker) sendFrameLocked(msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	if err := b.enqueueLocked(data); err != nil {
		b.log.Debug().Str("type", msgType).Msg("dropped outbound frame, no socket")
	}
}

func (b *Broker) sendErrorLocked(code, message string) {
	b.sendFrameLocked(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}

// handleMessage parses and routes one inbound frame. Unknown or malformed
// frames get an error reply; the session survives.
func (b *Broker) handleMessage(gen int, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.gen || b.conn == nil {
		return
	}

	now := time.Now().UTC()
	if b.session != nil {
		b.session.LastMessageAt = now
	}
	if err := b.store.TouchSession(b.hubID, now); err != nil {
		b.log.Debug().Err(err).Msg("failed to persist last-message timestamp")
	}

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		b.log.Warn().Err(err).Msg("unparseable frame")
		b.sendErrorLocked(protocol.ErrCodeInvalidMessage, "unparseable frame")
		return
	}

	switch msg.Type {
	case protocol.TypeHello:
		b.handleHelloLocked(gen, &msg)
	case protocol.TypeStatus:
		b.handleStatusLocked(&msg)
	case protocol.TypeFileProgress:
		b.handleFileProgressLocked(&msg)
	case protocol.TypeCommandAck:
		b.handleCommandAckLocked(&msg)
	case protocol.TypeDiscovered:
		b.handleDiscoveredLocked(&msg)
	default:
		b.sendErrorLocked(protocol.ErrCodeInvalidMessage, "unknown frame type: "+msg.Type)
	}
}

func (b *Broker) handleHelloLocked(gen int, msg *protocol.Message) {
	var p protocol.HelloPayload
	if err := msg.ParsePayload(&p); err != nil {
		b.sendErrorLocked(protocol.ErrCodeInvalidMessage, "invalid hello payload")
		return
	}

	sess := b.session
	if sess == nil {
		_ = b.restoreSessionLocked()
		if sess = b.session; sess == nil {
			b.sendErrorLocked(protocol.ErrCodeNotAuthenticated, "no session for hello")
			return
		}
	}
	if sess.Authenticated {
		b.log.Debug().Msg("duplicate hello on authenticated session")
		b.sendErrorLocked(protocol.ErrCodeInvalidMessage, "session already authenticated")
		return
	}
	if p.HubID != b.hubID {
		b.log.Warn().Str("claimed", p.HubID).Msg("hello hub id mismatch")
		b.sendErrorLocked(protocol.ErrCodeHubIDMismatch, "hello hub id does not match connection")
		b.teardownLocked(gen, "hub id mismatch", protocol.CloseHubIDMismatch)
		return
	}
	if sess.Secret != "" && !protocol.VerifyHello(p.HubID, sess.Secret, p.Signature) {
		b.log.Warn().Msg("hello signature verification failed")
		b.sendErrorLocked(protocol.ErrCodeHubIDMismatch, "invalid hello signature")
		b.teardownLocked(gen, "bad hello signature", protocol.CloseHubIDMismatch)
		return
	}

	sess.Authenticated = true
	sess.FirmwareVersion = p.FirmwareVersion
	sess.HardwareVersion = p.HardwareVersion
	sess.MACAddress = p.MACAddress

	if err := b.store.SaveSession(sess.durable()); err != nil {
		b.log.Warn().Err(err).Msg("failed to persist authenticated session")
	}
	if err := b.store.MarkHubOnline(b.hubID, p.FirmwareVersion, p.HardwareVersion, p.MACAddress); err != nil {
		b.log.Warn().Err(err).Msg("failed to mark hub online")
	}

	b.sendFrameLocked(protocol.TypeWelcome, protocol.WelcomePayload{
		HubID:      b.hubID,
		HubName:    sess.HubName,
		TenantID:   sess.TenantID,
		ServerTime: time.Now().UTC().Format(time.RFC3339),
	})

	b.timer.Reset(b.cfg.HeartbeatInterval)
	b.notifier.HubOnline(b.hubID, sess.TenantID)

	b.log.Info().Str("firmware", p.FirmwareVersion).Msg("hub authenticated")
}

func (b *Broker) handleStatusLocked(msg *protocol.Message) {
	if b.session == nil || !b.session.Authenticated {
		b.sendErrorLocked(protocol.ErrCodeNotAuthenticated, "status before hello")
		return
	}

	var p protocol.StatusPayload
	if err := msg.ParsePayload(&p); err != nil {
		b.sendErrorLocked(protocol.ErrCodeInvalidMessage, "invalid status payload")
		return
	}

	printer, err := b.store.GetPrinter(p.PrinterID)
	if err != nil {
		b.log.Warn().Err(err).Str("printer", p.PrinterID).Msg("status for unknown printer")
		return
	}
	if printer.HubID != b.hubID {
		b.log.Warn().Str("printer", p.PrinterID).Msg("status for printer owned by another hub")
		return
	}

	if err := b.store.UpdatePrinterStatus(p.PrinterID, p.Status, true, p.ErrorMessage); err != nil {
		b.log.Warn().Err(err).Str("printer", p.PrinterID).Msg("failed to update printer status")
	}
	if err := b.store.TouchHub(b.hubID); err != nil {
		b.log.Warn().Err(err).Msg("failed to update hub last-seen")
	}

	b.notifier.PrinterStatus(b.hubID, p.PrinterID, p.Status, true)

	if p.ProgressPercentage != nil {
		jobID, err := b.store.LatestActiveJob(p.PrinterID)
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			b.log.Warn().Err(err).Str("printer", p.PrinterID).Msg("failed to look up active job")
			return
		}
		if err := b.store.UpdateJobProgress(jobID, *p.ProgressPercentage); err != nil {
			b.log.Warn().Err(err).Str("job", jobID).Msg("failed to update job progress")
		}
	}
}

// fileProgress stages map onto job status transitions: both transfer
// directions count as processing, completion means the file landed on the hub.
var stageToJobStatus = map[string]string{
	protocol.StageDownloading: store.JobStatusProcessing,
	protocol.StageUploading:   store.JobStatusProcessing,
	protocol.StageComplete:    store.JobStatusUploaded,
	protocol.StageFailed:      store.JobStatusFailed,
}

func (b *Broker) handleFileProgressLocked(msg *protocol.Message) {
	if b.session == nil || !b.session.Authenticated {
		b.sendErrorLocked(protocol.ErrCodeNotAuthenticated, "fileProgress before hello")
		return
	}

	var p protocol.FileProgressPayload
	if err := msg.ParsePayload(&p); err != nil {
		b.sendErrorLocked(protocol.ErrCodeInvalidMessage, "invalid fileProgress payload")
		return
	}

	status, ok := stageToJobStatus[p.Stage]
	if !ok {
		b.sendErrorLocked(protocol.ErrCodeInvalidMessage, "unknown transfer stage: "+p.Stage)
		return
	}

	// The job must belong to a printer behind this hub.
	job, err := b.store.GetJob(p.JobID)
	if err != nil {
		b.log.Warn().Err(err).Str("job", p.JobID).Msg("fileProgress for unknown job")
		return
	}
	printer, err := b.store.GetPrinter(job.PrinterID)
	if err != nil {
		b.log.Warn().Err(err).Str("job", p.JobID).Msg("fileProgress for job with unknown printer")
		return
	}
	if printer.HubID != b.hubID {
		b.log.Warn().Str("job", p.JobID).Msg("fileProgress for job owned by another hub")
		return
	}

	if err := b.store.UpdateJobStatus(p.JobID, status); err != nil {
		b.log.Warn().Err(err).Str("job", p.JobID).Msg("failed to update job status")
	}

	b.notifier.JobUpdate(p.JobID, status, p.ProgressPercentage)
}

func (b *Broker) handleCommandAckLocked(msg *protocol.Message) {
	var p protocol.CommandAckPayload
	if err := msg.ParsePayload(&p); err != nil {
		b.sendErrorLocked(protocol.ErrCodeInvalidMessage, "invalid commandAck payload")
		return
	}

	pc := b.takePendingLocked(p.CommandID)
	if pc == nil {
		// Late or duplicate ack; not an error.
		b.log.Debug().Str("command", p.CommandID).Msg("ack for unknown command, discarded")
		return
	}

	pc.result <- ackResult{success: p.Success, errMsg: p.Error}

	outcome := "acked"
	if !p.Success {
		outcome = "failed"
	}
	if err := b.store.CompleteCommand(p.CommandID, outcome, p.Error); err != nil {
		b.log.Warn().Err(err).Str("command", p.CommandID).Msg("failed to record command outcome")
	}
	b.notifier.CommandResult(b.hubID, p.CommandID, p.Success, p.Error)
}

func (b *Broker) handleDiscoveredLocked(msg *protocol.Message) {
	if b.session == nil || !b.session.Authenticated {
		b.sendErrorLocked(protocol.ErrCodeNotAuthenticated, "discovered before hello")
		return
	}

	var p protocol.DiscoveredPayload
	if err := msg.ParsePayload(&p); err != nil {
		b.sendErrorLocked(protocol.ErrCodeInvalidMessage, "invalid discovered payload")
		return
	}

	if err := b.store.SaveDiscovery(b.hubID, msg.Payload); err != nil {
		b.log.Warn().Err(err).Msg("failed to save discovery snapshot")
		return
	}
	b.log.Info().Int("printers", len(p.Printers)).Msg("discovery result stored")
}

// SendOptions controls SendCommand behavior.
type SendOptions struct {
	WaitForAck bool
	Timeout    time.Duration // 0 means the configured ack timeout
}

// CommandResult is what a SendCommand caller sees.
type CommandResult struct {
	Accepted  bool   `json:"accepted"`
	CommandID string `json:"commandId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// SendCommand writes a command frame to the hub's socket. With WaitForAck it
// registers the command in the pending table and blocks the caller until the
// matching ack arrives, the deadline elapses (ErrTimeout), or the session is
// torn down (ErrDisconnected). This is the only blocking operation in the
// broker and it is always bounded.
func (b *Broker) SendCommand(ctx context.Context, cmd Command, opts SendOptions) (*CommandResult, error) {
	data, err := cmd.Frame.Encode()
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.conn == nil {
		b.mu.Unlock()
		return nil, ErrUnavailable
	}
	if b.session == nil {
		if err := b.restoreSessionLocked(); err != nil {
			b.mu.Unlock()
			return nil, err
		}
	}
	if err := b.enqueueLocked(data); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if err := b.store.LogCommand(b.hubID, cmd.ID, cmd.Kind); err != nil {
		b.log.Warn().Err(err).Str("command", cmd.ID).Msg("failed to record command dispatch")
	}

	if !opts.WaitForAck {
		b.mu.Unlock()
		return &CommandResult{Accepted: true, CommandID: cmd.ID}, nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.cfg.AckTimeout
	}
	pc := &pendingCommand{
		id:     cmd.ID,
		kind:   cmd.Kind,
		result: make(chan ackResult, 1),
	}
	pc.timer = time.AfterFunc(timeout, func() { b.expirePending(cmd.ID) })
	b.pending[cmd.ID] = pc
	b.mu.Unlock()

	select {
	case res := <-pc.result:
		if res.err != nil {
			return nil, res.err
		}
		return &CommandResult{Accepted: true, CommandID: cmd.ID, Success: res.success, Error: res.errMsg}, nil
	case <-ctx.Done():
		// A concurrent ack may already have removed the entry; its buffered
		// result is simply discarded in that case.
		b.mu.Lock()
		b.takePendingLocked(cmd.ID)
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}

// restoreSessionLocked lazily rebuilds the in-memory session from the durable
// store after the hosting process was evicted between messages.
func (b *Broker) restoreSessionLocked() error {
	d, err := b.store.LoadSession(b.hubID)
	if err != nil {
		return ErrUnavailable
	}
	if !d.Authenticated || d.HubID == "" || d.TenantID == "" {
		return ErrUnavailable
	}
	b.session = sessionFromDurable(d)
	b.log.Info().Msg("session restored from durable store")
	return nil
}

// onTimer is the single wake-up callback, reused for the auth timeout, the
// heartbeat timeout, and periodic liveness checks.
func (b *Broker) onTimer(gen int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.gen {
		return
	}
	if b.conn == nil {
		// Socket already detached; teardown has run.
		return
	}

	// The in-memory session may have been evicted while the socket stayed
	// attached; consult the durable store before treating it as unauthenticated.
	if b.session == nil {
		_ = b.restoreSessionLocked()
	}
	if b.session == nil || !b.session.Authenticated {
		b.sendErrorLocked(protocol.ErrCodeAuthTimeout, "no hello within auth window")
		b.teardownLocked(gen, "auth timeout", protocol.CloseAuthTimeout)
		return
	}

	if time.Since(b.session.LastMessageAt) > b.cfg.HeartbeatTimeout {
		b.teardownLocked(gen, "heartbeat timeout", protocol.CloseHeartbeatTimeout)
		return
	}

	b.timer.Reset(b.cfg.HeartbeatInterval)
}

// teardown is the idempotent cleanup for every termination path: socket close,
// socket error, auth timeout, heartbeat timeout. First trigger wins.
func (b *Broker) teardown(gen int, reason string, closeCode int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teardownLocked(gen, reason, closeCode)
}

func (b *Broker) teardownLocked(gen int, reason string, closeCode int) {
	if gen != b.gen || b.conn == nil {
		return
	}

	b.conn = nil
	b.closeCode = closeCode
	b.closeReason = reason
	close(b.send) // writePump flushes queued frames, sends the close frame, closes the socket
	b.send = nil

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	b.failAllPendingLocked()

	sess := b.session
	b.session = nil

	if err := b.store.MarkHubOffline(b.hubID); err != nil {
		b.log.Warn().Err(err).Msg("failed to mark hub offline")
	}
	if err := b.store.MarkHubPrintersDisconnected(b.hubID); err != nil {
		b.log.Warn().Err(err).Msg("failed to mark printers disconnected")
	}
	if err := b.store.ClearSessionAuth(b.hubID); err != nil {
		b.log.Warn().Err(err).Msg("failed to clear durable session")
	}

	tenant := ""
	if sess != nil {
		tenant = sess.TenantID
	}
	b.notifier.HubOffline(b.hubID, tenant)

	b.log.Info().Str("reason", reason).Msg("session torn down")
}

// Status is the broker's externally visible state snapshot. Authenticated is
// true only while a socket is attached and the session (in-memory or durable)
// is authenticated.
type Status struct {
	Connected           bool   `json:"connected"`
	Authenticated       bool   `json:"authenticated"`
	ConnectedAt         string `json:"connectedAt,omitempty"`
	LastMessageAt       string `json:"lastMessageAt,omitempty"`
	FirmwareVersion     string `json:"firmwareVersion,omitempty"`
	PendingCommandCount int    `json:"pendingCommandCount"`
}

// Status reports the current connection state, consulting the durable session
// store when the in-memory session is gone.
func (b *Broker) Status() Status {
	b.mu.Lock()
	connected := b.conn != nil
	pendingCount := len(b.pending)
	mem := b.session
	b.mu.Unlock()

	st := Status{Connected: connected, PendingCommandCount: pendingCount}

	var (
		auth          bool
		connectedAt   time.Time
		lastMessageAt time.Time
		firmware      string
	)
	if mem != nil {
		auth = mem.Authenticated
		connectedAt = mem.ConnectedAt
		lastMessageAt = mem.LastMessageAt
		firmware = mem.FirmwareVersion
	} else if d, err := b.store.LoadSession(b.hubID); err == nil {
		auth = d.Authenticated
		connectedAt = d.ConnectedAt
		lastMessageAt = d.LastMessageAt
		firmware = d.FirmwareVersion
	}

	st.Authenticated = connected && auth
	if !connectedAt.IsZero() {
		st.ConnectedAt = connectedAt.Format(time.RFC3339)
	}
	if !lastMessageAt.IsZero() {
		st.LastMessageAt = lastMessageAt.Format(time.RFC3339)
	}
	st.FirmwareVersion = firmware
	return st
}
