// Package audit keeps an append-only record of every verify and settle
// decision taken by the facilitator.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"agentspend/go-backend/internal/metrics"
)

const componentName = "audit"

type Action string

const (
	ActionVerify Action = "verify"
	ActionSettle Action = "settle"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Governance results recorded with each entry.
const (
	GovernanceApproved          = "approved"
	GovernanceRejected          = "rejected"
	GovernanceFeeReserveBlocked = "fee_reserve_blocked"
	GovernanceError             = "error"
)

var ErrInvalidEntry = errors.New("audit: invalid entry")

type Entry struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Action           Action    `json:"action"`
	Status           Status    `json:"status"`
	PayerAddress     string    `json:"payerAddress"`
	RecipientAddress string    `json:"recipientAddress"`
	Amount           uint64    `json:"amount"`
	TokenMint        string    `json:"tokenMint"`
	Network          string    `json:"network"`
	GovernanceResult string    `json:"governanceResult"`
	LatencyMs        int64     `json:"latencyMs"`
	TxSignature      string    `json:"txSignature,omitempty"`
	ErrorReason      string    `json:"errorReason,omitempty"`
}

func (e Entry) validate() error {
	switch e.Action {
	case ActionVerify, ActionSettle:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidEntry, e.Action)
	}
	switch e.Status {
	case StatusSuccess, StatusFailure:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEntry, e.Status)
	}
	return nil
}

// Sink stores entries. Implementations never rewrite or drop prior entries.
type Sink interface {
	Name() string
	Write(ctx context.Context, entry Entry) error
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collectors
	Now     func() time.Time
}

// Ledger stamps entries and fans them out to every configured sink.
type Ledger struct {
	sinks   []Sink
	logger  *slog.Logger
	metrics *metrics.Collectors
	now     func() time.Time
}

func New(opts Options, sinks ...Sink) *Ledger {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	kept := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			kept = append(kept, sink)
		}
	}
	return &Ledger{sinks: kept, logger: logger, metrics: opts.Metrics, now: now}
}

// Log appends entry to every sink. A failing sink does not stop the others;
// all failures are returned joined.
func (l *Ledger) Log(ctx context.Context, entry Entry) (Entry, error) {
	if err := entry.validate(); err != nil {
		return Entry{}, err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	var errs []error
	for _, sink := range l.sinks {
		if err := sink.Write(ctx, entry); err != nil {
			l.metrics.RecordAuditFailure(sink.Name())
			l.logger.Error("audit sink write failed",
				"component", componentName,
				"operation", "log",
				"sink", sink.Name(),
				"entry_id", entry.ID,
				"error", err.Error(),
			)
			errs = append(errs, fmt.Errorf("audit: sink %s: %w", sink.Name(), err))
		}
	}
	return entry, errors.Join(errs...)
}

// Close releases sinks that hold resources.
func (l *Ledger) Close() error {
	var errs []error
	for _, sink := range l.sinks {
		if closer, ok := sink.(interface{ Close() error }); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}
