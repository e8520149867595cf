package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subjects follow printfarm.hub.<hubID>.<event> so consumers can subscribe
// per hub or with wildcards.
const subjectPrefix = "printfarm.hub"

// NATSNotifier publishes broker events to a NATS bus.
type NATSNotifier struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NewNATSNotifier connects to NATS and returns a notifier publishing there.
func NewNATSNotifier(url string, log zerolog.Logger) (*NATSNotifier, error) {
	lg := log.With().Str("component", "notify").Logger()

	opts := []nats.Option{
		nats.Name("printfarm-server"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			lg.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			lg.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			lg.Info().Msg("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &NATSNotifier{conn: conn, log: lg}, nil
}

// Close drains and closes the NATS connection.
func (n *NATSNotifier) Close() {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}

func (n *NATSNotifier) publish(subject string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := n.conn.Publish(subject, data); err != nil {
		n.log.Warn().Err(err).Str("subject", subject).Msg("publish failed")
	}
}

func (n *NATSNotifier) HubOnline(hubID, tenantID string) {
	ev := newEvent()
	ev.HubID = hubID
	ev.TenantID = tenantID
	n.publish(fmt.Sprintf("%s.%s.online", subjectPrefix, hubID), ev)
}

func (n *NATSNotifier) HubOffline(hubID, tenantID string) {
	ev := newEvent()
	ev.HubID = hubID
	ev.TenantID = tenantID
	n.publish(fmt.Sprintf("%s.%s.offline", subjectPrefix, hubID), ev)
}

func (n *NATSNotifier) PrinterStatus(hubID, printerID, status string, connected bool) {
	ev := newEvent()
	ev.HubID = hubID
	ev.PrinterID = printerID
	ev.Status = status
	ev.Connected = &connected
	n.publish(fmt.Sprintf("%s.%s.printer", subjectPrefix, hubID), ev)
}

func (n *NATSNotifier) JobUpdate(jobID, status string, progress float64) {
	ev := newEvent()
	ev.JobID = jobID
	ev.Status = status
	ev.Progress = progress
	n.publish(fmt.Sprintf("printfarm.job.%s.update", jobID), ev)
}

func (n *NATSNotifier) CommandResult(hubID, commandID string, success bool, errMsg string) {
	ev := newEvent()
	ev.HubID = hubID
	ev.CommandID = commandID
	ev.Success = &success
	ev.Error = errMsg
	n.publish(fmt.Sprintf("%s.%s.command", subjectPrefix, hubID), ev)
}
