// Package store persists hubs, printers, jobs, and durable session state in
// SQLite. The broker treats all writes triggered by inbound messages as
// best-effort; failures are logged by the caller and never close a socket.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed initializes) the database at path.
func Open(path string) (*Store, error) {
	db, err := openDatabase(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for schema-level test setup.
func (s *Store) DB() *sql.DB {
	return s.db
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Hub is the persisted record of one hub controller.
type Hub struct {
	ID              string
	TenantID        string
	Name            string
	Secret          string
	Online          bool
	LastSeen        time.Time
	FirmwareVersion string
	HardwareVersion string
	MACAddress      string
}

// GetHub looks up a hub by id.
func (s *Store) GetHub(id string) (*Hub, error) {
	var (
		h        Hub
		tenant   sql.NullString
		lastSeen sql.NullString
		fw, hw   sql.NullString
		mac      sql.NullString
		online   int
	)
	err := s.db.QueryRow(`
		SELECT id, tenant_id, name, secret, online, last_seen,
		       firmware_version, hardware_version, mac_address
		FROM hubs WHERE id = ?
	`, id).Scan(&h.ID, &tenant, &h.Name, &h.Secret, &online, &lastSeen, &fw, &hw, &mac)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	h.TenantID = tenant.String
	h.Online = online != 0
	h.LastSeen = parseTime(lastSeen)
	h.FirmwareVersion = fw.String
	h.HardwareVersion = hw.String
	h.MACAddress = mac.String
	return &h, nil
}

// CreateHub inserts a hub record. Used by provisioning and tests.
func (s *Store) CreateHub(h *Hub) error {
	var tenant any
	if h.TenantID != "" {
		tenant = h.TenantID
	}
	_, err := s.db.Exec(`
		INSERT INTO hubs (id, tenant_id, name, secret) VALUES (?, ?, ?, ?)
	`, h.ID, tenant, h.Name, h.Secret)
	return err
}

// MarkHubOnline records a successful authentication.
func (s *Store) MarkHubOnline(id, firmware, hardware, mac string) error {
	_, err := s.db.Exec(`
		UPDATE hubs SET online = 1, last_seen = ?,
			firmware_version = ?, hardware_version = ?, mac_address = ?
		WHERE id = ?
	`, now(), firmware, hardware, mac, id)
	return err
}

// MarkHubOffline records a disconnect.
func (s *Store) MarkHubOffline(id string) error {
	_, err := s.db.Exec(`UPDATE hubs SET online = 0, last_seen = ? WHERE id = ?`, now(), id)
	return err
}

// TouchHub updates a hub's last-seen timestamp.
func (s *Store) TouchHub(id string) error {
	_, err := s.db.Exec(`UPDATE hubs SET last_seen = ? WHERE id = ?`, now(), id)
	return err
}

// MarkAllHubsOffline resets stale online flags, typically at startup.
func (s *Store) MarkAllHubsOffline() (int64, error) {
	res, err := s.db.Exec(`UPDATE hubs SET online = 0 WHERE online = 1`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListHubs returns all hub records.
func (s *Store) ListHubs() ([]Hub, error) {
	rows, err := s.db.Query(`
		SELECT id, tenant_id, name, online, last_seen, firmware_version, hardware_version, mac_address
		FROM hubs ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var hubs []Hub
	for rows.Next() {
		var (
			h           Hub
			tenant      sql.NullString
			lastSeen    sql.NullString
			fw, hw, mac sql.NullString
			online      int
		)
		if err := rows.Scan(&h.ID, &tenant, &h.Name, &online, &lastSeen, &fw, &hw, &mac); err != nil {
			return nil, err
		}
		h.TenantID = tenant.String
		h.Online = online != 0
		h.LastSeen = parseTime(lastSeen)
		h.FirmwareVersion = fw.String
		h.HardwareVersion = hw.String
		h.MACAddress = mac.String
		hubs = append(hubs, h)
	}
	return hubs, rows.Err()
}

// Printer is the persisted record of one machine behind a hub.
type Printer struct {
	ID           string
	HubID        string
	Name         string
	Status       string
	Connected    bool
	ErrorMessage string
}

// CreatePrinter inserts a printer record.
func (s *Store) CreatePrinter(p *Printer) error {
	status := p.Status
	if status == "" {
		status = "idle"
	}
	_, err := s.db.Exec(`
		INSERT INTO printers (id, hub_id, name, status, connected) VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.HubID, p.Name, status, boolInt(p.Connected))
	return err
}

// GetPrinter looks up a printer by id.
func (s *Store) GetPrinter(id string) (*Printer, error) {
	var (
		p         Printer
		connected int
		errMsg    sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT id, hub_id, name, status, connected, error_message FROM printers WHERE id = ?
	`, id).Scan(&p.ID, &p.HubID, &p.Name, &p.Status, &connected, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Connected = connected != 0
	p.ErrorMessage = errMsg.String
	return &p, nil
}

// UpdatePrinterStatus applies a status report from the hub.
func (s *Store) UpdatePrinterStatus(id, status string, connected bool, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE printers SET status = ?, connected = ?, error_message = ?, updated_at = ?
		WHERE id = ?
	`, status, boolInt(connected), nullIfEmpty(errMsg), now(), id)
	return err
}

// MarkHubPrintersDisconnected flags every printer under a hub as offline.
func (s *Store) MarkHubPrintersDisconnected(hubID string) error {
	_, err := s.db.Exec(`
		UPDATE printers SET connected = 0, status = 'offline', updated_at = ?
		WHERE hub_id = ?
	`, now(), hubID)
	return err
}

// Job is the persisted record of one print job.
type Job struct {
	ID        string
	PrinterID string
	Status    string
	Progress  float64
	StartedAt time.Time
}

// Job statuses touched by the broker.
const (
	JobStatusProcessing = "processing"
	JobStatusUploaded   = "uploaded"
	JobStatusPrinting   = "printing"
	JobStatusFailed     = "failed"
)

// CreateJob inserts a job record.
func (s *Store) CreateJob(j *Job) error {
	started := j.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, printer_id, status, progress, started_at) VALUES (?, ?, ?, ?, ?)
	`, j.ID, j.PrinterID, j.Status, j.Progress, started.Format(time.RFC3339Nano))
	return err
}

// LatestActiveJob returns the id of the most recently started job still in
// flight on a printer.
func (s *Store) LatestActiveJob(printerID string) (string, error) {
	var id string
	err := s.db.QueryRow(`
		SELECT id FROM jobs
		WHERE printer_id = ? AND status IN ('processing', 'uploaded', 'printing')
		ORDER BY started_at DESC LIMIT 1
	`, printerID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateJobProgress sets a job's progress percentage.
func (s *Store) UpdateJobProgress(id string, progress float64) error {
	_, err := s.db.Exec(`UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?`,
		progress, now(), id)
	return err
}

// UpdateJobStatus transitions a job's status.
func (s *Store) UpdateJobStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		status, now(), id)
	return err
}

// GetJob looks up a job by id.
func (s *Store) GetJob(id string) (*Job, error) {
	var (
		j       Job
		started sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT id, printer_id, status, progress, started_at FROM jobs WHERE id = ?
	`, id).Scan(&j.ID, &j.PrinterID, &j.Status, &j.Progress, &started)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.StartedAt = parseTime(started)
	return &j, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
