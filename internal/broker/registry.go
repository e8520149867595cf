package broker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/notify"
	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/store"
)

// Registry maps hub ids to their broker instances with get-or-create
// semantics. Exactly one broker exists per hub id; concurrent lookups for the
// same id always return the same instance.
type Registry struct {
	cfg      Config
	store    *store.Store
	notifier notify.Notifier
	log      zerolog.Logger

	mu      sync.Mutex
	brokers map[string]*Broker
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, st *store.Store, n notify.Notifier, log zerolog.Logger) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		store:    st,
		notifier: n,
		log:      log,
		brokers:  make(map[string]*Broker),
	}
}

// Broker returns the broker for a hub id, creating it on first use. A broker
// with no socket and no armed timer is fully passive, so creating one for an
// unknown hub costs nothing; AcceptConnection and SendCommand do the
// existence checks.
func (r *Registry) Broker(hubID string) *Broker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.brokers[hubID]
	if !ok {
		b = newBroker(hubID, r.cfg, r.store, r.notifier, r.log)
		r.brokers[hubID] = b
	}
	return b
}

// SendCommand routes a command to the broker for hubID.
func (r *Registry) SendCommand(ctx context.Context, hubID string, cmd Command, opts SendOptions) (*CommandResult, error) {
	return r.Broker(hubID).SendCommand(ctx, cmd, opts)
}

// Status reports the connection status for hubID.
func (r *Registry) Status(hubID string) Status {
	return r.Broker(hubID).Status()
}
