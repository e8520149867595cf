package broker

import (
	"time"
)

// ackResult is what resolves a waiting SendCommand caller. Exactly one of a
// matching ack, the deadline, or session teardown produces it.
type ackResult struct {
	success bool
	errMsg  string
	err     error
}

// pendingCommand correlates an asynchronous acknowledgment back to the
// synchronous caller that dispatched the command.
type pendingCommand struct {
	id     string
	kind   string
	result chan ackResult // buffered, capacity 1
	timer  *time.Timer
}

// takePendingLocked removes and returns the entry for a command id. The
// caller holds b.mu; whoever removes the entry is the one that resolves it.
func (b *Broker) takePendingLocked(commandID string) *pendingCommand {
	pc, ok := b.pending[commandID]
	if !ok {
		return nil
	}
	delete(b.pending, commandID)
	pc.timer.Stop()
	return pc
}

// expirePending fires when a pending command's deadline elapses.
func (b *Broker) expirePending(commandID string) {
	b.mu.Lock()
	pc, ok := b.pending[commandID]
	if ok {
		delete(b.pending, commandID)
	}
	b.mu.Unlock()
	if !ok {
		// Already resolved by an ack or by teardown.
		return
	}
	pc.result <- ackResult{err: ErrTimeout}
	if err := b.store.CompleteCommand(commandID, "timeout", ""); err != nil {
		b.log.Warn().Err(err).Str("command", commandID).Msg("failed to record command timeout")
	}
}

// failAllPendingLocked resolves every outstanding command with
// ErrDisconnected. Called from teardown with b.mu held.
func (b *Broker) failAllPendingLocked() {
	for id, pc := range b.pending {
		delete(b.pending, id)
		pc.timer.Stop()
		pc.result <- ackResult{err: ErrDisconnected}
		if err := b.store.CompleteCommand(id, "disconnected", ""); err != nil {
			b.log.Warn().Err(err).Str("command", id).Msg("failed to record command disconnect")
		}
	}
}
