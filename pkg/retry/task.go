package retry

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

// Kind is the operation a task retries.
type Kind uint8

const (
	KindSubmit Kind = iota + 1
	KindExecute
)

func (k Kind) String() string {
	switch k {
	case KindSubmit:
		return "submit"
	case KindExecute:
		return "execute"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Task is one unit of pending work for a request id.
type Task struct {
	ID        string
	Kind      Kind
	Pipeline  settlement.Pipeline
	RequestID *big.Int
	// Event is carried by submit tasks so a retry does not need to re-read the log.
	Event *settlement.BetResolved

	// Attempts counts failed attempts, not deferrals.
	Attempts  int
	NextAt    time.Time
	LastError string
}

// NewTask returns a task with a fresh id.
func NewTask(kind Kind, p settlement.Pipeline, id *big.Int) Task {
	return Task{ID: uuid.NewString(), Kind: kind, Pipeline: p, RequestID: id}
}

// NewSubmitTask carries the resolution event for a later submit attempt.
func NewSubmitTask(p settlement.Pipeline, ev settlement.BetResolved) Task {
	t := NewTask(KindSubmit, p, ev.RequestID)
	t.Event = &ev
	return t
}

// Key identifies the task for de-duplication.
func (t Task) Key() string {
	return fmt.Sprintf("%s:%s:%s", t.Kind, t.Pipeline, settlement.IDString(t.RequestID))
}

// DeferError asks the scheduler to run the task again at Until without counting
// a failed attempt.
type DeferError struct {
	Until  time.Time
	Reason string
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred until %s: %s", e.Until.Format(time.RFC3339), e.Reason)
}

// Defer returns a *DeferError.
func Defer(until time.Time, reason string) error {
	return &DeferError{Until: until, Reason: reason}
}
