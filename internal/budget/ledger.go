// Package budget tracks an agent's cumulative spend against a fixed budget
// and reconciles it with the remaining on-chain delegation.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/delegation"
	"agentspend/go-backend/internal/metrics"
)

const componentName = "budget"

var (
	ErrInvalidAmount    = errors.New("budget: amount must be positive")
	ErrMissingReference = errors.New("budget: settlement reference is required")
	ErrBudgetExceeded   = errors.New("budget: budget exceeded")
	ErrCorruptSnapshot  = errors.New("budget: snapshot violates ledger invariants")
)

// Inspector reads the remaining on-chain delegation.
type Inspector interface {
	Inspect(ctx context.Context, ownerAccount string) (delegation.Status, error)
}

type SpendEntry struct {
	Amount    uint64    `json:"amount"`
	Reference string    `json:"reference"`
	At        time.Time `json:"at"`
}

type Check struct {
	RemainingOnChain uint64 `json:"remainingOnChain"`
	Spent            uint64 `json:"spent"`
	Available        uint64 `json:"available"`
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collectors
	Now     func() time.Time
}

// Ledger serializes every budget operation through one mutex, held across
// the on-chain read in CheckBudget, so check-then-spend is atomic per ledger.
type Ledger struct {
	mu        sync.Mutex
	initial   uint64
	spent     uint64
	history   []SpendEntry
	inspector Inspector

	logger  *slog.Logger
	metrics *metrics.Collectors
	now     func() time.Time
}

func New(initialBudget uint64, inspector Inspector, opts Options) (*Ledger, error) {
	if initialBudget == 0 {
		return nil, apperr.Validation(fmt.Errorf("%w: initial budget", ErrInvalidAmount))
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		initial:   initialBudget,
		inspector: inspector,
		logger:    logger,
		metrics:   opts.Metrics,
		now:       now,
	}, nil
}

// RecordSpend commits amount against the budget. The check and the mutation
// happen under the ledger lock.
func (l *Ledger) RecordSpend(amount uint64, reference string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordLocked(amount, reference)
}

func (l *Ledger) recordLocked(amount uint64, reference string) error {
	if amount == 0 {
		return apperr.Validation(ErrInvalidAmount)
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return apperr.Validation(ErrMissingReference)
	}
	if amount > l.initial-l.spent {
		return apperr.Precondition(fmt.Errorf("%w: spent %d + %d > budget %d", ErrBudgetExceeded, l.spent, amount, l.initial))
	}
	l.spent += amount
	l.history = append(l.history, SpendEntry{Amount: amount, Reference: reference, At: l.now().UTC()})
	l.logger.Info("spend recorded",
		"component", componentName,
		"operation", "record_spend",
		"correlation_id", reference,
		"amount", amount,
		"total_spent", l.spent,
	)
	return nil
}

// CheckBudget reads the on-chain remaining delegation and returns the more
// conservative of the on-chain and local figures as Available.
func (l *Ledger) CheckBudget(ctx context.Context, ownerAccount string) (Check, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(ctx, ownerAccount)
}

func (l *Ledger) checkLocked(ctx context.Context, ownerAccount string) (Check, error) {
	if l.inspector == nil {
		return Check{}, errors.New("budget: ledger has no delegation inspector")
	}
	status, err := l.inspector.Inspect(ctx, ownerAccount)
	if err != nil {
		return Check{}, err
	}
	remaining := status.RemainingAmount
	if !status.IsActive {
		remaining = 0
	}
	check := Check{
		RemainingOnChain: remaining,
		Spent:            l.spent,
		Available:        min(remaining, l.initial-l.spent),
	}
	l.metrics.ObserveBudget(check.Spent, check.Available)
	return check, nil
}

// SpendWithinBudget holds the ledger lock across check, settle and record.
// settle runs only when amount fits. A non-empty reference is recorded even
// when settle also returns an error, because the spend may still land.
func (l *Ledger) SpendWithinBudget(ctx context.Context, ownerAccount string, amount uint64, settle func(context.Context) (string, error)) (string, error) {
	if amount == 0 {
		return "", apperr.Validation(ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	check, err := l.checkLocked(ctx, ownerAccount)
	if err != nil {
		return "", err
	}
	if amount > check.Available {
		return "", apperr.Precondition(fmt.Errorf("%w: requested %d available %d", ErrBudgetExceeded, amount, check.Available))
	}

	reference, settleErr := settle(ctx)
	if strings.TrimSpace(reference) == "" {
		if settleErr == nil {
			settleErr = apperr.Integrity(ErrMissingReference)
		}
		return "", settleErr
	}
	if err := l.recordLocked(amount, reference); err != nil {
		return reference, errors.Join(settleErr, err)
	}
	if settleErr != nil {
		l.logger.Warn("spend recorded despite settlement error",
			"component", componentName,
			"operation", "spend_within_budget",
			"correlation_id", reference,
			"error", settleErr.Error(),
		)
	}
	return reference, settleErr
}

// Reset clears spend and history; the initial budget is unchanged.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.spent = 0
	l.history = nil
}

// SpendHistory returns a copy of the history.
func (l *Ledger) SpendHistory() []SpendEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SpendEntry(nil), l.history...)
}

func (l *Ledger) TotalSpent() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spent
}

func (l *Ledger) InitialBudget() uint64 {
	return l.initial
}
