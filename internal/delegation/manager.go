// Package delegation builds and reads delegated token authority: grants,
// delegated transfers and revocations, checked against fresh ledger state on
// every call.
package delegation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/chain"

	"github.com/gagliardetto/solana-go"
)

const (
	componentName = "delegation"
	MaxDecimals   = 18
)

type Options struct {
	Logger *slog.Logger
}

// Manager is safe for concurrent use. It keeps no cached ledger state; the
// only local memory is the cap of grants it issued, used to report the
// original amount.
type Manager struct {
	ledger    chain.LedgerQuery
	anchors   chain.AnchorSource
	simulator chain.Simulator
	submitter chain.Submitter
	logger    *slog.Logger

	mu     sync.Mutex
	grants map[string]grantRecord
}

type grantRecord struct {
	cap          uint64
	revokeIssued bool
}

func NewManager(client chain.Client, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ledger:    client,
		anchors:   client,
		simulator: client,
		submitter: client,
		logger:    logger,
		grants:    make(map[string]grantRecord),
	}
}

type GrantRequest struct {
	OwnerAccount string
	// Owner is the wallet that owns OwnerAccount; it signs and pays fees.
	Owner    string
	Delegate string
	AssetID  string
	Cap      uint64
	Decimals uint8
}

// Grant builds an unsigned ApproveChecked transaction for the owner to sign.
// The anchor is fetched last so the message is as fresh as possible.
func (m *Manager) Grant(ctx context.Context, req GrantRequest) (*UnsignedMessage, error) {
	if err := validateAddresses(
		"ownerAccount", req.OwnerAccount,
		"owner", req.Owner,
		"delegate", req.Delegate,
		"assetId", req.AssetID,
	); err != nil {
		return nil, err
	}
	if err := validateAmount(req.Cap, req.Decimals); err != nil {
		return nil, err
	}

	account, err := m.ledger.TokenAccount(ctx, req.OwnerAccount)
	if err != nil {
		return nil, err
	}
	if account.Mint != req.AssetID {
		return nil, apperr.Precondition(fmt.Errorf("%w: want %s got %s", ErrAssetMismatch, req.AssetID, account.Mint))
	}
	if account.Owner != req.Owner {
		return nil, apperr.Precondition(fmt.Errorf("%w: want %s got %s", ErrOwnerMismatch, req.Owner, account.Owner))
	}

	owner := solana.MustPublicKeyFromBase58(req.Owner)
	inst, err := approveChecked(account.ProgramID, req.Cap, req.Decimals,
		solana.MustPublicKeyFromBase58(req.OwnerAccount),
		solana.MustPublicKeyFromBase58(req.AssetID),
		solana.MustPublicKeyFromBase58(req.Delegate),
		owner,
	)
	if err != nil {
		return nil, err
	}
	anchor, err := m.anchors.LatestAnchor(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := buildTransaction(inst, owner, anchor)
	if err != nil {
		return nil, err
	}
	msg, err := unsignedMessage(tx, anchor)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.grants[req.OwnerAccount] = grantRecord{cap: req.Cap}
	m.mu.Unlock()

	m.logInfo("grant", req.OwnerAccount, "grant message built",
		"delegate", req.Delegate, "mint", req.AssetID, "cap", req.Cap)
	return msg, nil
}

// Inspect reads the account's delegation from the ledger. Transport failures
// are returned, never masked by a default status.
func (m *Manager) Inspect(ctx context.Context, ownerAccount string) (Status, error) {
	if err := validateAddresses("ownerAccount", ownerAccount); err != nil {
		return Status{}, err
	}
	account, err := m.ledger.TokenAccount(ctx, ownerAccount)
	if err != nil {
		return Status{}, err
	}
	status := statusFromAccount(account)

	m.mu.Lock()
	record, ok := m.grants[ownerAccount]
	m.mu.Unlock()
	if ok {
		if record.cap > 0 {
			status.OriginalAmount = record.cap
		}
		status.Revoked = record.revokeIssued && !status.Delegate.IsSome()
	}
	return status, nil
}

type SpendRequest struct {
	Delegate    Signer
	Source      string
	Destination string
	AssetID     string
	Amount      uint64
	Decimals    uint8
	// FeePayer pays network fees. Spend requires a signer; BuildSpend only
	// needs the address.
	FeePayer        Signer
	FeePayerAddress string
}

// PartialTransaction is a delegated transfer signed by the delegate with the
// fee payer slot left for the settling party.
type PartialTransaction struct {
	Transaction []byte
	Status      Status
	// DelegateSignature identifies this transfer before the fee payer has
	// signed, and so before it has a transaction id.
	DelegateSignature string
}

// BuildSpend re-checks the delegation and returns a delegate-signed
// TransferChecked transaction for FeePayerAddress to complete.
func (m *Manager) BuildSpend(ctx context.Context, req SpendRequest) (*PartialTransaction, error) {
	tx, status, err := m.prepareSpend(ctx, req)
	if err != nil {
		return nil, err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &PartialTransaction{
		Transaction:       raw,
		Status:            status,
		DelegateSignature: signatureOf(tx, req.Delegate.PublicAddress()),
	}, nil
}

// Spend re-checks the delegation, signs as delegate and fee payer, simulates
// and only then submits. It returns the settlement reference.
func (m *Manager) Spend(ctx context.Context, req SpendRequest) (string, error) {
	if req.FeePayer == nil {
		return "", apperr.Validation(fmt.Errorf("%w: fee payer", ErrMissingSigner))
	}
	req.FeePayerAddress = req.FeePayer.PublicAddress()
	tx, _, err := m.prepareSpend(ctx, req)
	if err != nil {
		return "", err
	}
	if err := signInto(ctx, tx, req.FeePayer); err != nil {
		return "", err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", err
	}

	result, err := m.simulator.Simulate(ctx, raw)
	if err != nil {
		return "", err
	}
	if !result.Succeeded() {
		failure := chain.SimulationFailure(result)
		m.logWarn("spend", req.Source, "spend simulation failed", "error", failure.Error())
		return "", failure
	}
	reference, err := m.submitter.Submit(ctx, raw)
	if err != nil {
		return "", err
	}
	m.logInfo("spend", reference, "delegated transfer submitted",
		"source", req.Source, "destination", req.Destination, "amount", req.Amount)
	return reference, nil
}

func (m *Manager) prepareSpend(ctx context.Context, req SpendRequest) (*solana.Transaction, Status, error) {
	if req.Delegate == nil {
		return nil, Status{}, apperr.Validation(fmt.Errorf("%w: delegate", ErrMissingSigner))
	}
	delegate := req.Delegate.PublicAddress()
	if err := validateAddresses(
		"delegate", delegate,
		"source", req.Source,
		"destination", req.Destination,
		"assetId", req.AssetID,
		"feePayer", req.FeePayerAddress,
	); err != nil {
		return nil, Status{}, err
	}
	if err := validateAmount(req.Amount, req.Decimals); err != nil {
		return nil, Status{}, err
	}

	status, err := m.Inspect(ctx, req.Source)
	if err != nil {
		return nil, status, err
	}
	if !status.IsActive || !status.Delegate.Is(delegate) {
		return nil, status, apperr.Precondition(fmt.Errorf("%w: %s for %s", ErrNoActiveDelegation, req.Source, delegate))
	}
	if status.AssetID != req.AssetID {
		return nil, status, apperr.Precondition(fmt.Errorf("%w: want %s got %s", ErrAssetMismatch, req.AssetID, status.AssetID))
	}
	if req.Amount > status.RemainingAmount {
		return nil, status, apperr.Precondition(fmt.Errorf("%w: requested %d remaining %d", ErrInsufficientDelegation, req.Amount, status.RemainingAmount))
	}

	inst, err := transferChecked(status.ProgramID, req.Amount, req.Decimals,
		solana.MustPublicKeyFromBase58(req.Source),
		solana.MustPublicKeyFromBase58(req.AssetID),
		solana.MustPublicKeyFromBase58(req.Destination),
		solana.MustPublicKeyFromBase58(delegate),
	)
	if err != nil {
		return nil, status, err
	}
	anchor, err := m.anchors.LatestAnchor(ctx)
	if err != nil {
		return nil, status, err
	}
	tx, err := buildTransaction(inst, solana.MustPublicKeyFromBase58(req.FeePayerAddress), anchor)
	if err != nil {
		return nil, status, err
	}
	if err := signInto(ctx, tx, req.Delegate); err != nil {
		return nil, status, err
	}
	return tx, status, nil
}

// Revoke builds an unsigned Revoke transaction signed and paid by the owner.
func (m *Manager) Revoke(ctx context.Context, owner, ownerAccount string) (*UnsignedMessage, error) {
	if err := validateAddresses("owner", owner, "ownerAccount", ownerAccount); err != nil {
		return nil, err
	}
	account, err := m.ledger.TokenAccount(ctx, ownerAccount)
	if err != nil {
		return nil, err
	}
	if account.Owner != owner {
		return nil, apperr.Precondition(fmt.Errorf("%w: want %s got %s", ErrOwnerMismatch, owner, account.Owner))
	}

	ownerKey := solana.MustPublicKeyFromBase58(owner)
	inst, err := revoke(account.ProgramID, solana.MustPublicKeyFromBase58(ownerAccount), ownerKey)
	if err != nil {
		return nil, err
	}
	anchor, err := m.anchors.LatestAnchor(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := buildTransaction(inst, ownerKey, anchor)
	if err != nil {
		return nil, err
	}
	msg, err := unsignedMessage(tx, anchor)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	record := m.grants[ownerAccount]
	record.revokeIssued = true
	m.grants[ownerAccount] = record
	m.mu.Unlock()

	m.logInfo("revoke", ownerAccount, "revoke message built")
	return msg, nil
}

// validateAddresses takes name/value pairs.
func validateAddresses(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := chain.ValidateAddress(pairs[i+1]); err != nil {
			return apperr.Validation(fmt.Errorf("%w: %s: %v", ErrInvalidAddress, pairs[i], err))
		}
	}
	return nil
}

func validateAmount(amount uint64, decimals uint8) error {
	if amount == 0 {
		return apperr.Validation(ErrInvalidAmount)
	}
	if decimals > MaxDecimals {
		return apperr.Validation(fmt.Errorf("%w: got %d", ErrInvalidDecimals, decimals))
	}
	return nil
}

func (m *Manager) logInfo(operation, correlationID, message string, attrs ...any) {
	base := []any{
		"component", componentName,
		"operation", operation,
		"correlation_id", strings.TrimSpace(correlationID),
	}
	m.logger.Info(message, append(base, attrs...)...)
}

func (m *Manager) logWarn(operation, correlationID, message string, attrs ...any) {
	base := []any{
		"component", componentName,
		"operation", operation,
		"correlation_id", strings.TrimSpace(correlationID),
	}
	m.logger.Warn(message, append(base, attrs...)...)
}
