package broker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/protocol"
	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/store"
)

// recordingNotifier captures upstream events for assertions.
type recordingNotifier struct {
	mu             sync.Mutex
	online         []string
	offline        []string
	printerEvents  []string
	jobEvents      []string
	commandResults []string
}

func (n *recordingNotifier) HubOnline(hubID, tenantID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.online = append(n.online, hubID)
}

func (n *recordingNotifier) HubOffline(hubID, tenantID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = append(n.offline, hubID)
}

func (n *recordingNotifier) PrinterStatus(hubID, printerID, status string, connected bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.printerEvents = append(n.printerEvents, printerID+":"+status)
}

func (n *recordingNotifier) JobUpdate(jobID, status string, progress float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobEvents = append(n.jobEvents, jobID+":"+status)
}

func (n *recordingNotifier) CommandResult(hubID, commandID string, success bool, errMsg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.commandResults = append(n.commandResults, commandID)
}

func (n *recordingNotifier) offlineCount(hubID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, id := range n.offline {
		if id == hubID {
			count++
		}
	}
	return count
}

func (n *recordingNotifier) onlineCount(hubID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, id := range n.online {
		if id == hubID {
			count++
		}
	}
	return count
}

// testEnv wires a registry to an in-process websocket endpoint, standing in
// for the HTTP server package.
type testEnv struct {
	store    *store.Store
	notifier *recordingNotifier
	registry *Registry
	server   *httptest.Server
}

func defaultTestConfig() Config {
	return Config{
		AuthTimeout:       2 * time.Second,
		HeartbeatInterval: 2 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		AckTimeout:        2 * time.Second,
	}
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "broker.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	notifier := &recordingNotifier{}
	registry := NewRegistry(cfg, st, notifier, zerolog.Nop())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/hubs/", func(w http.ResponseWriter, r *http.Request) {
		hubID := strings.TrimPrefix(r.URL.Path, "/ws/hubs/")
		switch err := registry.Broker(hubID).AcceptConnection(w, r); err {
		case nil:
		case ErrNotFound:
			http.Error(w, "Unknown hub", http.StatusNotFound)
		case ErrForbidden:
			http.Error(w, "Hub not claimed", http.StatusForbidden)
		case ErrAlreadyConnected:
			http.Error(w, "Hub already connected", http.StatusConflict)
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{store: st, notifier: notifier, registry: registry, server: srv}
}

func (e *testEnv) wsURL(hubID string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/hubs/" + hubID
}

func (e *testEnv) dial(hubID string) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.Dial(e.wsURL(hubID), nil)
}

func (e *testEnv) mustDial(t *testing.T, hubID string) *websocket.Conn {
	t.Helper()
	conn, _, err := e.dial(hubID)
	if err != nil {
		t.Fatalf("dial %s: %v", hubID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *testEnv) createHub(t *testing.T, id, tenant string) {
	t.Helper()
	if err := e.store.CreateHub(&store.Hub{ID: id, TenantID: tenant, Name: "Hub " + id}); err != nil {
		t.Fatalf("create hub: %v", err)
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// readFrame reads the next data frame with a bounded deadline.
func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return &msg
}

// readCloseCode drains data frames until the peer closes, returning the close
// code.
func readCloseCode(t *testing.T, conn *websocket.Conn, within time.Duration) int {
	t.Helper()
	deadline := time.Now().Add(within)
	_ = conn.SetReadDeadline(deadline)
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		if !ok {
			t.Fatalf("expected close frame, got %v", err)
		}
		return closeErr.Code
	}
}

// authenticate performs the hello/welcome handshake.
func authenticate(t *testing.T, conn *websocket.Conn, hubID string) *protocol.WelcomePayload {
	t.Helper()
	sendFrame(t, conn, protocol.TypeHello, protocol.HelloPayload{HubID: hubID, FirmwareVersion: "1.2"})
	msg := readFrame(t, conn)
	if msg.Type != protocol.TypeWelcome {
		t.Fatalf("expected welcome, got %s", msg.Type)
	}
	var welcome protocol.WelcomePayload
	if err := msg.ParsePayload(&welcome); err != nil {
		t.Fatalf("parse welcome: %v", err)
	}
	return &welcome
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}
