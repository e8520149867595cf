package store

import (
	"database/sql"
	"errors"
	"time"
)

// DurableSession is the subset of session state that survives process
// eviction. It is written at connection acceptance and on authentication, and
// its authenticated fields are cleared on teardown.
type DurableSession struct {
	HubID           string
	TenantID        string
	Secret          string
	Authenticated   bool
	ConnectedAt     time.Time
	LastMessageAt   time.Time
	FirmwareVersion string
}

// SaveSession upserts the durable session for a hub.
func (s *Store) SaveSession(sess *DurableSession) error {
	_, err := s.db.Exec(`
		INSERT INTO hub_sessions (hub_id, tenant_id, secret, authenticated, connected_at, last_message_at, firmware_version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hub_id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			secret = excluded.secret,
			authenticated = excluded.authenticated,
			connected_at = excluded.connected_at,
			last_message_at = excluded.last_message_at,
			firmware_version = excluded.firmware_version
	`, sess.HubID, sess.TenantID, sess.Secret, boolInt(sess.Authenticated),
		formatTime(sess.ConnectedAt), formatTime(sess.LastMessageAt), sess.FirmwareVersion)
	return err
}

// LoadSession reads the durable session for a hub.
func (s *Store) LoadSession(hubID string) (*DurableSession, error) {
	var (
		sess          DurableSession
		tenant        sql.NullString
		secret        sql.NullString
		authenticated int
		connectedAt   sql.NullString
		lastMessageAt sql.NullString
		firmware      sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT hub_id, tenant_id, secret, authenticated, connected_at, last_message_at, firmware_version
		FROM hub_sessions WHERE hub_id = ?
	`, hubID).Scan(&sess.HubID, &tenant, &secret, &authenticated, &connectedAt, &lastMessageAt, &firmware)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.TenantID = tenant.String
	sess.Secret = secret.String
	sess.Authenticated = authenticated != 0
	sess.ConnectedAt = parseTime(connectedAt)
	sess.LastMessageAt = parseTime(lastMessageAt)
	sess.FirmwareVersion = firmware.String
	return &sess, nil
}

// TouchSession updates the durable last-message timestamp.
func (s *Store) TouchSession(hubID string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE hub_sessions SET last_message_at = ? WHERE hub_id = ?`,
		formatTime(at), hubID)
	return err
}

// ClearSessionAuth drops the authenticated fields so a later restore will not
// resurrect a torn-down session.
func (s *Store) ClearSessionAuth(hubID string) error {
	_, err := s.db.Exec(`
		UPDATE hub_sessions SET authenticated = 0, connected_at = NULL, last_message_at = NULL
		WHERE hub_id = ?
	`, hubID)
	return err
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
