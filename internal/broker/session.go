package broker

import (
	"time"

	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/store"
)

// Session is the in-memory record of one hub's current connection. The owning
// Broker is the only writer. A fresh Session is created for every accepted
// socket; the authenticated flag only ever transitions false to true.
type Session struct {
	HubID    string
	TenantID string

	// HubName and Secret are cached from the hub record at acceptance so the
	// hello handler does not depend on a live database read.
	HubName string
	Secret  string

	Authenticated bool

	ConnectedAt   time.Time
	LastMessageAt time.Time

	FirmwareVersion string
	HardwareVersion string
	MACAddress      string
}

// durable extracts the fields persisted to the session store.
func (s *Session) durable() *store.DurableSession {
	return &store.DurableSession{
		HubID:           s.HubID,
		TenantID:        s.TenantID,
		Secret:          s.Secret,
		Authenticated:   s.Authenticated,
		ConnectedAt:     s.ConnectedAt,
		LastMessageAt:   s.LastMessageAt,
		FirmwareVersion: s.FirmwareVersion,
	}
}

// sessionFromDurable rebuilds an in-memory Session after the hosting process
// was evicted between messages. Missing timestamps default to now.
func sessionFromDurable(d *store.DurableSession) *Session {
	s := &Session{
		HubID:           d.HubID,
		TenantID:        d.TenantID,
		Secret:          d.Secret,
		Authenticated:   d.Authenticated,
		ConnectedAt:     d.ConnectedAt,
		LastMessageAt:   d.LastMessageAt,
		FirmwareVersion: d.FirmwareVersion,
	}
	if s.ConnectedAt.IsZero() {
		s.ConnectedAt = time.Now().UTC()
	}
	if s.LastMessageAt.IsZero() {
		s.LastMessageAt = time.Now().UTC()
	}
	return s
}
