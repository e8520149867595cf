package store

import (
	"database/sql"
	"errors"
	"time"
)

// SaveDiscovery stores the most recent discovery snapshot for a hub.
func (s *Store) SaveDiscovery(hubID string, payload []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO hub_discoveries (hub_id, payload, discovered_at) VALUES (?, ?, ?)
		ON CONFLICT(hub_id) DO UPDATE SET
			payload = excluded.payload,
			discovered_at = excluded.discovered_at
	`, hubID, string(payload), now())
	return err
}

// LoadDiscovery returns the latest discovery snapshot and its timestamp.
func (s *Store) LoadDiscovery(hubID string) ([]byte, time.Time, error) {
	var (
		payload      string
		discoveredAt sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT payload, discovered_at FROM hub_discoveries WHERE hub_id = ?
	`, hubID).Scan(&payload, &discoveredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return []byte(payload), parseTime(discoveredAt), nil
}

// LogCommand records a dispatched command for auditing.
func (s *Store) LogCommand(hubID, commandID, kind string) error {
	_, err := s.db.Exec(`
		INSERT INTO command_log (hub_id, command_id, kind, status, created_at)
		VALUES (?, ?, ?, 'sent', ?)
	`, hubID, commandID, kind, now())
	return err
}

// CompleteCommand records a command's final outcome.
func (s *Store) CompleteCommand(commandID, status, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE command_log SET status = ?, error = ?, completed_at = ? WHERE command_id = ?
	`, status, nullIfEmpty(errMsg), now(), commandID)
	return err
}
