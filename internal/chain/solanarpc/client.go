// Package solanarpc implements the chain ports on a Solana JSON-RPC node.
package solanarpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/chain"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

const (
	componentName = "solanarpc"
	// tokenAccountSize is the base layout shared by both token programs;
	// Token-2022 extensions follow it.
	tokenAccountSize = 165
)

var ErrMalformedTransaction = errors.New("solanarpc: malformed transaction bytes")

type Options struct {
	// Commitment applies to reads and preflight. Defaults to confirmed.
	Commitment string
	Logger     *slog.Logger
}

// Client adapts an rpc.Client to chain.Client.
type Client struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
	logger     *slog.Logger
}

var _ chain.Client = (*Client)(nil)

func New(endpoint string, opts Options) *Client {
	return NewWithRPC(rpc.New(strings.TrimSpace(endpoint)), opts)
}

func NewWithRPC(client *rpc.Client, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		rpc:        client,
		commitment: parseCommitment(opts.Commitment),
		logger:     logger,
	}
}

func parseCommitment(s string) rpc.CommitmentType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "processed":
		return rpc.CommitmentProcessed
	case "finalized":
		return rpc.CommitmentFinalized
	default:
		return rpc.CommitmentConfirmed
	}
}

func (c *Client) TokenAccount(ctx context.Context, address string) (chain.TokenAccount, error) {
	key, err := parseAddress(address)
	if err != nil {
		return chain.TokenAccount{}, err
	}
	started := time.Now()
	out, err := c.rpc.GetAccountInfoWithOpts(ctx, key, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: c.commitment,
	})
	c.logCall("getAccountInfo", started, err)
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && (out == nil || out.Value == nil)) {
		return chain.TokenAccount{}, apperr.Precondition(fmt.Errorf("%w: %s", chain.ErrAccountNotFound, address))
	}
	if err != nil {
		return chain.TokenAccount{}, chain.Transport("getAccountInfo", err)
	}

	programID := out.Value.Owner.String()
	if !chain.IsTokenProgram(programID) {
		return chain.TokenAccount{}, apperr.Precondition(fmt.Errorf("%w: %s is owned by %s", chain.ErrNotTokenAccount, address, programID))
	}
	data := out.Value.Data.GetBinary()
	if len(data) < tokenAccountSize {
		return chain.TokenAccount{}, apperr.Integrity(fmt.Errorf("%w: %s has %d bytes", chain.ErrNotTokenAccount, address, len(data)))
	}
	var decoded token.Account
	if err := bin.NewBinDecoder(data[:tokenAccountSize]).Decode(&decoded); err != nil {
		return chain.TokenAccount{}, apperr.Integrity(fmt.Errorf("%w: %v", chain.ErrNotTokenAccount, err))
	}

	delegate := chain.NoDelegate()
	if decoded.Delegate != nil {
		delegate = chain.SomeDelegate(decoded.Delegate.String())
	}
	return chain.TokenAccount{
		Address:         address,
		ProgramID:       programID,
		Mint:            decoded.Mint.String(),
		Owner:           decoded.Owner.String(),
		Amount:          decoded.Amount,
		Delegate:        delegate,
		DelegatedAmount: decoded.DelegatedAmount,
		Frozen:          decoded.State == token.Frozen,
	}, nil
}

func (c *Client) Balance(ctx context.Context, address string) (uint64, error) {
	key, err := parseAddress(address)
	if err != nil {
		return 0, err
	}
	started := time.Now()
	out, err := c.rpc.GetBalance(ctx, key, c.commitment)
	c.logCall("getBalance", started, err)
	if err != nil {
		return 0, chain.Transport("getBalance", err)
	}
	return out.Value, nil
}

func (c *Client) LatestAnchor(ctx context.Context) (chain.Anchor, error) {
	started := time.Now()
	out, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	c.logCall("getLatestBlockhash", started, err)
	if err != nil {
		return chain.Anchor{}, chain.Transport("getLatestBlockhash", err)
	}
	if out == nil || out.Value == nil {
		return chain.Anchor{}, chain.Transport("getLatestBlockhash", errors.New("empty result"))
	}
	return chain.Anchor{
		Blockhash:            out.Value.Blockhash.String(),
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

func (c *Client) Simulate(ctx context.Context, rawTx []byte) (chain.SimulationResult, error) {
	tx, err := decodeTransaction(rawTx)
	if err != nil {
		return chain.SimulationResult{}, err
	}
	started := time.Now()
	out, err := c.rpc.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:  false,
		Commitment: c.commitment,
	})
	c.logCall("simulateTransaction", started, err)
	if err != nil {
		return chain.SimulationResult{}, chain.Transport("simulateTransaction", err)
	}
	if out == nil || out.Value == nil {
		return chain.SimulationResult{}, chain.Transport("simulateTransaction", errors.New("empty result"))
	}
	result := chain.SimulationResult{
		Err:  out.Value.Err,
		Logs: append([]string(nil), out.Value.Logs...),
	}
	if out.Value.UnitsConsumed != nil {
		result.UnitsConsumed = *out.Value.UnitsConsumed
	}
	return result, nil
}

func (c *Client) Submit(ctx context.Context, rawTx []byte) (string, error) {
	tx, err := decodeTransaction(rawTx)
	if err != nil {
		return "", err
	}
	started := time.Now()
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: c.commitment,
	})
	c.logCall("sendTransaction", started, err)
	if err != nil {
		return "", chain.Transport("sendTransaction", err)
	}
	return sig.String(), nil
}

func (c *Client) logCall(method string, started time.Time, err error) {
	attrs := []any{
		"component", componentName,
		"operation", method,
		"latency_ms", time.Since(started).Milliseconds(),
	}
	if err != nil && !errors.Is(err, rpc.ErrNotFound) {
		c.logger.Warn("rpc call failed", append(attrs, "error", err.Error())...)
		return
	}
	c.logger.Debug("rpc call", attrs...)
}

func parseAddress(address string) (solana.PublicKey, error) {
	if err := chain.ValidateAddress(address); err != nil {
		return solana.PublicKey{}, apperr.Validation(err)
	}
	return solana.PublicKeyFromBase58(address)
}

func decodeTransaction(rawTx []byte) (*solana.Transaction, error) {
	if len(rawTx) == 0 {
		return nil, apperr.Validation(ErrMalformedTransaction)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(rawTx))
	if err != nil {
		return nil, apperr.Validation(fmt.Errorf("%w: %v", ErrMalformedTransaction, err))
	}
	return tx, nil
}
