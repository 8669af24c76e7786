// Package feereserve watches the balance of the account that pays network
// fees for settlements.
package feereserve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/chain"
	"agentspend/go-backend/internal/metrics"
)

const (
	componentName = "feereserve"

	DefaultAlertThreshold       = 10_000_000 // 0.01 SOL
	DefaultLamportsPerOperation = 5_000
)

var ErrInvalidConfig = errors.New("feereserve: invalid configuration")

type BalanceReader interface {
	Balance(ctx context.Context, address string) (uint64, error)
}

type Health struct {
	Balance                      uint64 `json:"balance"`
	IsHealthy                    bool   `json:"isHealthy"`
	EstimatedOperationsRemaining uint64 `json:"estimatedOperationsRemaining"`
	Address                      string `json:"address"`
	AlertThreshold               uint64 `json:"alertThreshold"`
}

type Options struct {
	AlertThreshold       uint64
	LamportsPerOperation uint64
	Logger               *slog.Logger
	Metrics              *metrics.Collectors
}

type Monitor struct {
	reader       BalanceReader
	address      string
	threshold    uint64
	perOperation uint64
	logger       *slog.Logger
	metrics      *metrics.Collectors
}

func New(reader BalanceReader, address string, opts Options) (*Monitor, error) {
	if reader == nil {
		return nil, apperr.Validation(fmt.Errorf("%w: balance reader is required", ErrInvalidConfig))
	}
	if err := chain.ValidateAddress(address); err != nil {
		return nil, apperr.Validation(fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}
	threshold := opts.AlertThreshold
	if threshold == 0 {
		threshold = DefaultAlertThreshold
	}
	perOperation := opts.LamportsPerOperation
	if perOperation == 0 {
		perOperation = DefaultLamportsPerOperation
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		reader:       reader,
		address:      address,
		threshold:    threshold,
		perOperation: perOperation,
		logger:       logger,
		metrics:      opts.Metrics,
	}, nil
}

// CheckBalance reads the fee payer balance. Read failures are returned.
func (m *Monitor) CheckBalance(ctx context.Context) (Health, error) {
	balance, err := m.reader.Balance(ctx, m.address)
	if err != nil {
		return Health{}, err
	}
	health := Health{
		Balance:                      balance,
		IsHealthy:                    balance >= m.threshold,
		EstimatedOperationsRemaining: balance / m.perOperation,
		Address:                      m.address,
		AlertThreshold:               m.threshold,
	}
	m.metrics.ObserveFeeReserve(balance, health.IsHealthy)
	if !health.IsHealthy {
		m.logger.Warn("fee reserve below alert threshold",
			"component", componentName,
			"operation", "check_balance",
			"address", m.address,
			"balance", balance,
			"threshold", m.threshold,
		)
	}
	return health, nil
}

// CanAffordSettlement fails open: only an observed low balance blocks. An
// unreadable balance lets the settlement proceed.
func (m *Monitor) CanAffordSettlement(ctx context.Context) bool {
	health, err := m.CheckBalance(ctx)
	if err != nil {
		m.logger.Warn("fee reserve unreadable, allowing settlement",
			"component", componentName,
			"operation", "can_afford_settlement",
			"category", apperr.CategoryOf(err),
			"error", err.Error(),
		)
		return true
	}
	return health.IsHealthy
}

func (m *Monitor) Address() string {
	return m.address
}
