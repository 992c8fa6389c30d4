package transfer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/savesync/internal/logging"
	"github.com/fruitsalade/savesync/internal/metrics"
)

// State is a transaction's position in its lifecycle. Ended and Cancelled
// are terminal.
type State int

const (
	Idle State = iota
	Begun
	Transferring
	Ended
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Begun:
		return "begun"
	case Transferring:
		return "transferring"
	case Ended:
		return "ended"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Txn tracks one ticket. Its guard cancels the ticket on the server unless
// the transaction reached Ended.
type Txn struct {
	// parent supplies values to the cancel call, never its cancellation.
	parent  context.Context
	kind    string
	ticket  string
	state   State
	cancel  func(ctx context.Context, ticket string) error
	timeout time.Duration
	log     *zap.Logger
}

func newTxn(parent context.Context, kind string, cancel func(context.Context, string) error, timeout time.Duration, log *zap.Logger) *Txn {
	return &Txn{parent: parent, kind: kind, cancel: cancel, timeout: timeout, log: log}
}

// State returns the current state.
func (t *Txn) State() State { return t.state }

// Ticket returns the server ticket, empty before Begun.
func (t *Txn) Ticket() string { return t.ticket }

func (t *Txn) begin(ticket string) {
	t.ticket = ticket
	t.state = Begun
	t.log = t.log.With(logging.Ticket(ticket))
}

func (t *Txn) transferring() {
	if t.state == Begun {
		t.state = Transferring
	}
}

// end runs the server-side end call. A failed end leaves the state for the
// guard to cancel.
func (t *Txn) end(ctx context.Context, fn func(context.Context, string) error) error {
	if err := fn(ctx, t.ticket); err != nil {
		return err
	}
	t.state = Ended
	metrics.RecordTransaction(t.kind, Ended.String())
	return nil
}

// guard is deferred right after a successful begin.
func (t *Txn) guard() {
	if t.state != Begun && t.state != Transferring {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.parent), t.timeout)
	defer cancel()
	if err := t.cancel(ctx, t.ticket); err != nil {
		t.log.Warn("cancel failed", zap.Stringer("state", t.state), zap.Error(err))
	} else {
		t.log.Info("transaction cancelled", zap.Stringer("state", t.state))
	}
	t.state = Cancelled
	metrics.RecordTransaction(t.kind, Cancelled.String())
}
