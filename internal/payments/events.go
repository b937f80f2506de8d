package payments

import "github.com/btcsuite/btcd/btcutil"

// EventType names a payment lifecycle event.
type EventType string

const (
	EventPrepared  EventType = "tx_prepared"
	EventSent      EventType = "tx_sent"
	EventCancelled EventType = "tx_cancelled"
	EventFailed    EventType = "tx_failed"
)

// Event is emitted to the Notifier on every lifecycle change.
type Event struct {
	Type      EventType      `json:"type"`
	PendingID string         `json:"pending_id"`
	TxID      string         `json:"txid,omitempty"`
	Fee       btcutil.Amount `json:"fee,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Notifier receives payment events. Notify must not block.
type Notifier interface {
	Notify(ev Event)
}

func (s *Service) notify(ev Event) {
	if s.cfg.Notifier != nil {
		s.cfg.Notifier.Notify(ev)
	}
}
