// Package notify publishes settlement outcomes and operator alerts.
package notify

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

// Type is the last token of the subject an event is published on.
type Type string

const (
	TypeCompleted Type = "completed"
	TypeFailed    Type = "failed"
	TypeExpired   Type = "expired"
	TypeAlert     Type = "alert"
)

// Event is the JSON payload published for an outcome or an alert.
type Event struct {
	Type        Type                `json:"type"`
	Pipeline    settlement.Pipeline `json:"pipeline"`
	RequestID   *big.Int            `json:"requestId,omitempty"`
	Beneficiary *common.Address     `json:"beneficiary,omitempty"`
	Amount      *big.Int            `json:"amount,omitempty"`
	Status      string              `json:"status,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	TxHash      string              `json:"txHash,omitempty"`
	Task        string              `json:"task,omitempty"`
	Attempts    int                 `json:"attempts,omitempty"`
	Error       string              `json:"error,omitempty"`
	At          time.Time           `json:"at"`
}

// Notifier delivers events. Delivery is best effort; callers log failures and move on.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Outcome builds the event for a record that reached a terminal state. The second
// result is false for a Pending record.
func Outcome(rec settlement.Request, tx common.Hash, at time.Time) (Event, bool) {
	var t Type
	switch rec.Status {
	case settlement.StatusCompleted:
		t = TypeCompleted
	case settlement.StatusFailed:
		t = TypeFailed
	case settlement.StatusExpired:
		t = TypeExpired
	default:
		return Event{}, false
	}
	beneficiary := rec.Beneficiary
	ev := Event{
		Type:        t,
		Pipeline:    rec.Pipeline,
		RequestID:   rec.RequestID,
		Beneficiary: &beneficiary,
		Amount:      rec.Amount,
		Status:      rec.Status.String(),
		Reason:      rec.FailureReason,
		Attempts:    int(rec.AttemptCount),
		At:          at,
	}
	if tx != (common.Hash{}) {
		ev.TxHash = tx.Hex()
	}
	return ev, true
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
