package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHubLifecycle(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetHub("H1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.CreateHub(&Hub{ID: "H1", TenantID: "T1", Name: "Garage", Secret: "s3cret"}); err != nil {
		t.Fatalf("create hub: %v", err)
	}

	h, err := s.GetHub("H1")
	if err != nil {
		t.Fatalf("get hub: %v", err)
	}
	if h.TenantID != "T1" || h.Name != "Garage" || h.Secret != "s3cret" {
		t.Errorf("unexpected hub record: %+v", h)
	}
	if h.Online {
		t.Error("new hub should be offline")
	}

	if err := s.MarkHubOnline("H1", "1.2", "rev-b", "aa:bb:cc"); err != nil {
		t.Fatalf("mark online: %v", err)
	}
	h, _ = s.GetHub("H1")
	if !h.Online || h.FirmwareVersion != "1.2" || h.HardwareVersion != "rev-b" || h.MACAddress != "aa:bb:cc" {
		t.Errorf("online fields not applied: %+v", h)
	}
	if h.LastSeen.IsZero() {
		t.Error("last seen not set")
	}

	if err := s.MarkHubOffline("H1"); err != nil {
		t.Fatalf("mark offline: %v", err)
	}
	h, _ = s.GetHub("H1")
	if h.Online {
		t.Error("hub should be offline")
	}
}

func TestUnclaimedHubHasEmptyTenant(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateHub(&Hub{ID: "H2"}); err != nil {
		t.Fatalf("create hub: %v", err)
	}
	h, err := s.GetHub("H2")
	if err != nil {
		t.Fatalf("get hub: %v", err)
	}
	if h.TenantID != "" {
		t.Errorf("expected empty tenant, got %q", h.TenantID)
	}
}

func TestMarkAllHubsOffline(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"H1", "H2"} {
		if err := s.CreateHub(&Hub{ID: id, TenantID: "T1"}); err != nil {
			t.Fatal(err)
		}
		if err := s.MarkHubOnline(id, "", "", ""); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.MarkAllHubsOffline()
	if err != nil {
		t.Fatalf("mark all offline: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows affected, got %d", n)
	}
}

func TestPrinterStatusAndCascade(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateHub(&Hub{ID: "H1", TenantID: "T1"}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"P1", "P2"} {
		if err := s.CreatePrinter(&Printer{ID: id, HubID: "H1"}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.UpdatePrinterStatus("P1", "printing", true, ""); err != nil {
		t.Fatalf("update printer: %v", err)
	}
	p, err := s.GetPrinter("P1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != "printing" || !p.Connected {
		t.Errorf("unexpected printer state: %+v", p)
	}

	if err := s.MarkHubPrintersDisconnected("H1"); err != nil {
		t.Fatalf("cascade: %v", err)
	}
	for _, id := range []string{"P1", "P2"} {
		p, err := s.GetPrinter(id)
		if err != nil {
			t.Fatal(err)
		}
		if p.Connected || p.Status != "offline" {
			t.Errorf("printer %s not disconnected: %+v", id, p)
		}
	}
}

func TestLatestActiveJobOrdering(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateHub(&Hub{ID: "H1", TenantID: "T1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreatePrinter(&Printer{ID: "P1", HubID: "H1"}); err != nil {
		t.Fatal(err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	jobs := []Job{
		{ID: "J1", PrinterID: "P1", Status: JobStatusPrinting, StartedAt: base},
		{ID: "J2", PrinterID: "P1", Status: JobStatusPrinting, StartedAt: base.Add(10 * time.Minute)},
		{ID: "J3", PrinterID: "P1", Status: "completed", StartedAt: base.Add(20 * time.Minute)},
	}
	for i := range jobs {
		if err := s.CreateJob(&jobs[i]); err != nil {
			t.Fatal(err)
		}
	}

	// J3 is newest but finished; J2 is the most recent active job.
	id, err := s.LatestActiveJob("P1")
	if err != nil {
		t.Fatalf("latest active job: %v", err)
	}
	if id != "J2" {
		t.Errorf("expected J2, got %s", id)
	}

	if err := s.UpdateJobProgress("J2", 42.5); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	j, err := s.GetJob("J2")
	if err != nil {
		t.Fatal(err)
	}
	if j.Progress != 42.5 {
		t.Errorf("expected progress 42.5, got %v", j.Progress)
	}

	if _, err := s.LatestActiveJob("P-none"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDurableSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	sess := &DurableSession{
		HubID:           "H1",
		TenantID:        "T1",
		Secret:          "s3cret",
		Authenticated:   true,
		ConnectedAt:     now,
		LastMessageAt:   now,
		FirmwareVersion: "1.2",
	}
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("save session: %v", err)
	}

	got, err := s.LoadSession("H1")
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if !got.Authenticated || got.TenantID != "T1" || got.FirmwareVersion != "1.2" {
		t.Errorf("unexpected session: %+v", got)
	}
	if !got.ConnectedAt.Equal(now) {
		t.Errorf("connectedAt mismatch: want %v got %v", now, got.ConnectedAt)
	}

	// Upsert replaces, never duplicates.
	sess.FirmwareVersion = "1.3"
	if err := s.SaveSession(sess); err != nil {
		t.Fatal(err)
	}
	got, _ = s.LoadSession("H1")
	if got.FirmwareVersion != "1.3" {
		t.Errorf("upsert did not replace firmware: %+v", got)
	}

	if err := s.ClearSessionAuth("H1"); err != nil {
		t.Fatalf("clear auth: %v", err)
	}
	got, err = s.LoadSession("H1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Authenticated {
		t.Error("authenticated flag survived clear")
	}
	if !got.ConnectedAt.IsZero() || !got.LastMessageAt.IsZero() {
		t.Errorf("timestamps survived clear: %+v", got)
	}

	if _, err := s.LoadSession("H-none"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDiscoverySnapshotUpsert(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveDiscovery("H1", []byte(`{"printers":[]}`)); err != nil {
		t.Fatalf("save discovery: %v", err)
	}
	if err := s.SaveDiscovery("H1", []byte(`{"printers":[{"serialNumber":"SN1"}]}`)); err != nil {
		t.Fatalf("second save: %v", err)
	}

	payload, at, err := s.LoadDiscovery("H1")
	if err != nil {
		t.Fatalf("load discovery: %v", err)
	}
	if string(payload) != `{"printers":[{"serialNumber":"SN1"}]}` {
		t.Errorf("snapshot not replaced: %s", payload)
	}
	if at.IsZero() {
		t.Error("discovery timestamp not set")
	}

	if _, _, err := s.LoadDiscovery("H-none"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCommandLog(t *testing.T) {
	s := newTestStore(t)

	if err := s.LogCommand("H1", "cmd-1", "printCommand"); err != nil {
		t.Fatalf("log command: %v", err)
	}
	if err := s.CompleteCommand("cmd-1", "acked", ""); err != nil {
		t.Fatalf("complete command: %v", err)
	}

	var status string
	err := s.DB().QueryRow(`SELECT status FROM command_log WHERE command_id = ?`, "cmd-1").Scan(&status)
	if err != nil {
		t.Fatal(err)
	}
	if status != "acked" {
		t.Errorf("expected acked, got %s", status)
	}
}
