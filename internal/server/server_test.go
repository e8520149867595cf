package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/broker"
	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/config"
	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/notify"
	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/protocol"
	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/store"
)

type testServer struct {
	store *store.Store
	http  *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	log := zerolog.Nop()
	cfg := config.Default()
	registry := broker.NewRegistry(broker.Config{
		AuthTimeout:       2 * time.Second,
		HeartbeatInterval: 2 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		AckTimeout:        2 * time.Second,
	}, st, notify.NewLogNotifier(log), log)

	srv := New(cfg, st, registry, log)
	hs := httptest.NewServer(srv.Router())
	t.Cleanup(hs.Close)

	return &testServer{store: st, http: hs}
}

func (ts *testServer) wsURL(hubID string) string {
	return "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws/hubs/" + hubID
}

// connectHub dials the socket endpoint and completes the hello handshake.
func (ts *testServer) connectHub(t *testing.T, hubID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(hubID), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	msg, err := protocol.NewMessage(protocol.TypeHello, protocol.HelloPayload{HubID: hubID, FirmwareVersion: "1.2"})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := msg.Encode()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	var welcome protocol.Message
	if err := json.Unmarshal(raw, &welcome); err != nil {
		t.Fatal(err)
	}
	if welcome.Type != protocol.TypeWelcome {
		t.Fatalf("expected welcome, got %s", welcome.Type)
	}
	return conn
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.http.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStatusUnknownHub(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.http.URL + "/api/hubs/HX/status")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCommandToOfflineHub(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.store.CreateHub(&store.Hub{ID: "H1", TenantID: "T1"}); err != nil {
		t.Fatal(err)
	}

	body := `{"kind":"discoverPrinters"}`
	resp, err := http.Post(ts.http.URL+"/api/hubs/H1/commands", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}

func TestCommandRoundTripOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.store.CreateHub(&store.Hub{ID: "H1", TenantID: "T1", Name: "Garage"}); err != nil {
		t.Fatal(err)
	}

	conn := ts.connectHub(t, "H1")

	// The hub echoes an ack for whatever command arrives.
	go func() {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		var cmd protocol.PrinterCommandPayload
		if err := msg.ParsePayload(&cmd); err != nil {
			return
		}
		ack, _ := protocol.NewMessage(protocol.TypeCommandAck, protocol.CommandAckPayload{
			CommandID: cmd.CommandID,
			Success:   true,
		})
		data, _ := ack.Encode()
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}()

	body, _ := json.Marshal(map[string]any{
		"kind":       protocol.TypePrinterCommand,
		"printerId":  "P1",
		"action":     "pause",
		"waitForAck": true,
		"timeoutMs":  3000,
	})
	resp, err := http.Post(ts.http.URL+"/api/hubs/H1/commands", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var result broker.CommandResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.CommandID == "" {
		t.Errorf("unexpected result: %+v", result)
	}

	// Status reflects the authenticated connection.
	statusResp, err := http.Get(ts.http.URL + "/api/hubs/H1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = statusResp.Body.Close() }()
	var st broker.Status
	if err := json.NewDecoder(statusResp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if !st.Connected || !st.Authenticated || st.FirmwareVersion != "1.2" {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestUnknownCommandKindRejected(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.store.CreateHub(&store.Hub{ID: "H1", TenantID: "T1"}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(ts.http.URL+"/api/hubs/H1/commands", "application/json",
		strings.NewReader(`{"kind":"selfDestruct"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDiscoveredEndpoint(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.store.CreateHub(&store.Hub{ID: "H1", TenantID: "T1"}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.http.URL + "/api/hubs/H1/printers/discovered")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 before any discovery, got %d", resp.StatusCode)
	}

	if err := ts.store.SaveDiscovery("H1", []byte(`{"printers":[{"serialNumber":"SN1","ipAddress":"10.0.0.5","model":"X1C"}]}`)); err != nil {
		t.Fatal(err)
	}

	resp, err = http.Get(ts.http.URL + "/api/hubs/H1/printers/discovered")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out struct {
		HubID        string `json:"hubId"`
		DiscoveredAt string `json:"discoveredAt"`
		Result       struct {
			Printers []protocol.DiscoveredPrinter `json:"printers"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.HubID != "H1" || len(out.Result.Printers) != 1 || out.Result.Printers[0].SerialNumber != "SN1" {
		t.Errorf("unexpected discovery response: %+v", out)
	}
}

func TestListHubs(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.store.CreateHub(&store.Hub{ID: "H1", TenantID: "T1", Name: "Garage"}); err != nil {
		t.Fatal(err)
	}
	if err := ts.store.CreateHub(&store.Hub{ID: "H2", TenantID: "T2", Name: "Attic"}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.http.URL + "/api/hubs")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out struct {
		Hubs []map[string]any `json:"hubs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Hubs) != 2 {
		t.Errorf("expected 2 hubs, got %d", len(out.Hubs))
	}
}

func TestSocketUpgradeErrors(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.store.CreateHub(&store.Hub{ID: "H-unclaimed", TenantID: ""}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		hubID    string
		wantCode int
	}{
		{"unknown hub", "H-none", http.StatusNotFound},
		{"unclaimed hub", "H-unclaimed", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(tt.hubID), nil)
			if err == nil {
				t.Fatal("expected handshake failure")
			}
			if resp == nil || resp.StatusCode != tt.wantCode {
				t.Fatalf("expected %d, got %+v", tt.wantCode, resp)
			}
		})
	}
}
