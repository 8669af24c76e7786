// Package payer is the agent side of the x402 flow: it answers a 402
// challenge with a delegated payment built under the budget lock and retries
// the request with the payment attached.
package payer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/delegation"
	"agentspend/go-backend/internal/facilitator"
)

const (
	componentName = "payer"
	maxBodyBytes  = 4 << 20
)

// SettlementPolicy decides what a settled payment with a failed retry means.
type SettlementPolicy int

const (
	// TrustFacilitatorSettlement treats a successful X-PAYMENT-RESPONSE as
	// success even when the resource server answers the retry with a non-200.
	// The facilitator's settlement is what moved funds.
	TrustFacilitatorSettlement SettlementPolicy = iota
	// RequireResourceSuccess reports a non-200 retry as an error. The spend is
	// still recorded against the budget.
	RequireResourceSuccess
)

var (
	ErrNoAcceptableRequirement = errors.New("payer: no acceptable payment requirement")
	ErrSettlementFailed        = errors.New("payer: facilitator did not settle the payment")
	ErrResourceRejected        = errors.New("payer: resource server rejected the paid request")
	ErrOutcomeUnknown          = errors.New("payer: payment sent but settlement outcome unknown")
)

// UnconfirmedPrefix marks budget references recorded for payments whose
// settlement was never confirmed back to the payer.
const UnconfirmedPrefix = "unconfirmed:"

// SpendBuilder produces the delegate-signed transfer.
type SpendBuilder interface {
	BuildSpend(ctx context.Context, req delegation.SpendRequest) (*delegation.PartialTransaction, error)
}

// BudgetGuard runs settle only when amount fits the budget and records it.
type BudgetGuard interface {
	SpendWithinBudget(ctx context.Context, ownerAccount string, amount uint64, settle func(context.Context) (string, error)) (string, error)
}

type Options struct {
	Network    string
	Policy     SettlementPolicy
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	builder  SpendBuilder
	budget   BudgetGuard
	delegate delegation.Signer
	source   string
	network  string
	policy   SettlementPolicy
	http     *http.Client
	logger   *slog.Logger
}

// New pays from source, the owner token account delegated to delegate.
func New(builder SpendBuilder, guard BudgetGuard, delegate delegation.Signer, source string, opts Options) (*Client, error) {
	if builder == nil || guard == nil || delegate == nil {
		return nil, errors.New("payer: builder, budget and delegate are required")
	}
	network := strings.TrimSpace(opts.Network)
	if network == "" {
		return nil, errors.New("payer: network is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		builder:  builder,
		budget:   guard,
		delegate: delegate,
		source:   strings.TrimSpace(source),
		network:  network,
		policy:   opts.Policy,
		http:     client,
		logger:   logger,
	}, nil
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Paid is set when a payment was settled for this request.
	Paid       bool
	Settlement *facilitator.SettleResponse
}

// Fetch GETs url, paying once if the server demands it.
func (c *Client) Fetch(ctx context.Context, url string) (*Response, error) {
	first, err := c.get(ctx, url, "")
	if err != nil {
		return nil, err
	}
	if first.StatusCode != http.StatusPaymentRequired {
		return first, nil
	}

	var challenge facilitator.Challenge
	if err := json.Unmarshal(first.Body, &challenge); err != nil {
		return nil, apperr.Validation(fmt.Errorf("%w: challenge is not json", ErrNoAcceptableRequirement))
	}
	reqs, err := c.pick(challenge)
	if err != nil {
		return nil, err
	}
	amount, err := reqs.Amount()
	if err != nil {
		return nil, err
	}

	var paid *Response
	reference, err := c.budget.SpendWithinBudget(ctx, c.source, amount, func(ctx context.Context) (string, error) {
		resp, reference, err := c.pay(ctx, url, reqs, amount)
		paid = resp
		if err != nil {
			return reference, err
		}
		return reference, c.judge(resp)
	})
	if err != nil {
		c.logger.Warn("paid request failed",
			"component", componentName,
			"operation", "fetch",
			"correlation_id", reference,
			"amount", amount,
			"category", apperr.CategoryOf(err),
			"error", err.Error(),
		)
		return paid, err
	}
	c.logger.Info("payment settled",
		"component", componentName,
		"operation", "fetch",
		"correlation_id", reference,
		"amount", amount,
		"status", paid.StatusCode,
	)
	return paid, nil
}

func (c *Client) pick(challenge facilitator.Challenge) (facilitator.Requirements, error) {
	for _, reqs := range challenge.Accepts {
		if reqs.Scheme != facilitator.SchemeExact || reqs.Network != c.network {
			continue
		}
		if strings.TrimSpace(reqs.Extra.FeePayer) == "" {
			continue
		}
		return reqs, nil
	}
	return facilitator.Requirements{}, apperr.Precondition(fmt.Errorf("%w: network %s", ErrNoAcceptableRequirement, c.network))
}

// pay sends the payment and returns the reference to record. Once the
// signed transfer has left the process without a readable settlement, the
// facilitator may still have settled it, so an unconfirmed reference derived
// from the delegate signature is returned alongside the error.
func (c *Client) pay(ctx context.Context, url string, reqs facilitator.Requirements, amount uint64) (*Response, string, error) {
	partial, err := c.builder.BuildSpend(ctx, delegation.SpendRequest{
		Delegate:        c.delegate,
		Source:          c.source,
		Destination:     reqs.PayTo,
		AssetID:         reqs.Asset,
		Amount:          amount,
		Decimals:        reqs.Extra.Decimals,
		FeePayerAddress: reqs.Extra.FeePayer,
	})
	if err != nil {
		return nil, "", err
	}
	header, err := facilitator.EncodeHeader(facilitator.PaymentPayload{
		X402Version: facilitator.X402Version,
		Scheme:      facilitator.SchemeExact,
		Network:     c.network,
		Payload:     facilitator.ExactPayload{Transaction: base64.StdEncoding.EncodeToString(partial.Transaction)},
	})
	if err != nil {
		return nil, "", err
	}
	unconfirmed := UnconfirmedPrefix + partial.DelegateSignature

	resp, err := c.get(ctx, url, header)
	if err != nil {
		return nil, unconfirmed, fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
	}
	if value := resp.Header.Get(facilitator.PaymentResponseHeader); value != "" {
		var settlement facilitator.SettleResponse
		if err := facilitator.DecodeHeader(value, &settlement); err != nil {
			return resp, unconfirmed, apperr.Integrity(fmt.Errorf("%w: unreadable %s: %v", ErrOutcomeUnknown, facilitator.PaymentResponseHeader, err))
		}
		resp.Settlement = &settlement
	}
	if resp.Settlement == nil || !resp.Settlement.Success || strings.TrimSpace(resp.Settlement.Transaction) == "" {
		reason := "no settlement reported"
		if resp.Settlement != nil && resp.Settlement.ErrorReason != "" {
			reason = resp.Settlement.ErrorReason
		}
		return resp, "", apperr.Verification(fmt.Errorf("%w: status %d: %s", ErrSettlementFailed, resp.StatusCode, reason))
	}
	resp.Paid = true
	return resp, resp.Settlement.Transaction, nil
}

// judge applies the settlement policy to a settled response.
func (c *Client) judge(resp *Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	if c.policy == TrustFacilitatorSettlement {
		c.logger.Warn("resource returned non-200 after settlement; trusting facilitator",
			"component", componentName,
			"operation", "fetch",
			"correlation_id", resp.Settlement.Transaction,
			"status", resp.StatusCode,
		)
		return nil
	}
	return apperr.Precondition(fmt.Errorf("%w: status %d", ErrResourceRejected, resp.StatusCode))
}

func (c *Client) get(ctx context.Context, url, payment string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.Validation(err)
	}
	if payment != "" {
		req.Header.Set(facilitator.PaymentHeader, payment)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Transport(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, apperr.Transport(err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}
