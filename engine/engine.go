// Package engine settles delegated token payments.
//
// A settlement verifies the payer's typed-data signature at the payer's current
// account nonce, submits the delegation proof to the ledger, pulls the funds
// into the engine's custody, triggers the relay fee mechanism, forwards the
// engine's entire balance of the token to the receiver and appends a payment
// record. All of it runs in one ledger transaction: it commits as a whole or
// not at all. The dry run executes the same path in a transaction that is
// always rolled back.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/access"
	"github.com/mark3labs/permitpay-go/fee"
	"github.com/mark3labs/permitpay-go/ledger"
)

// Engine is one settlement engine instance bound to a fixed typed-data domain.
type Engine struct {
	address common.Address
	domain  permitpay.Domain
	schema  permitpay.Schema

	ledger  ledger.Ledger
	policy  access.Policy
	charger fee.Charger

	now    func() time.Time
	logger *slog.Logger

	// reverting is the dry-run entry VerifyData calls; replaced in tests.
	reverting func(ctx context.Context, rc permitpay.RelayContext, auth *permitpay.PaymentAuthorization, sig permitpay.Signature) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithSchema selects the signed payment payload shape. Defaults to permitpay.SchemaBound.
func WithSchema(schema permitpay.Schema) Option {
	return func(e *Engine) {
		e.schema = schema
	}
}

// WithFeeCharger sets the relay fee mechanism. Defaults to fee.TransferCharger{}.
func WithFeeCharger(c fee.Charger) Option {
	return func(e *Engine) {
		e.charger = c
	}
}

// WithClock sets the time source stamped on payment records.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an engine at address on chainID. The address is both the
// domain's verifying contract and the spender the delegation proofs name.
func New(address common.Address, chainID *big.Int, l ledger.Ledger, policy access.Policy, opts ...Option) (*Engine, error) {
	if address == (common.Address{}) {
		return nil, fmt.Errorf("engine address cannot be the zero address")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id must be positive")
	}
	if l == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if policy == nil {
		return nil, fmt.Errorf("access policy is required")
	}

	e := &Engine{
		address: address,
		domain:  permitpay.NewDomain(chainID, address),
		schema:  permitpay.SchemaBound,
		ledger:  l,
		policy:  policy,
		charger: fee.TransferCharger{},
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.reverting = func(ctx context.Context, rc permitpay.RelayContext, auth *permitpay.PaymentAuthorization, sig permitpay.Signature) error {
		return e.simulate(ctx, rc, auth, sig, true)
	}
	return e, nil
}

// Address returns the engine's address.
func (e *Engine) Address() common.Address {
	return e.address
}

// Domain returns the typed-data domain payment signatures are bound to.
func (e *Engine) Domain() permitpay.Domain {
	return e.domain
}

// Schema returns the signed payment payload shape.
func (e *Engine) Schema() permitpay.Schema {
	return e.schema
}

// Nonce returns the account nonce the next payment from owner in token must be signed at.
func (e *Engine) Nonce(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	nonce, err := e.ledger.NonceOf(ctx, token, owner)
	if err != nil {
		return nil, ledgerError("read nonce", err)
	}
	return nonce, nil
}

// Records lists committed payment records.
func (e *Engine) Records(ctx context.Context, filter ledger.RecordFilter) ([]permitpay.PaymentRecord, error) {
	recs, err := e.ledger.Records(ctx, filter)
	if err != nil {
		return nil, ledgerError("list records", err)
	}
	return recs, nil
}

func ledgerError(op string, err error) *permitpay.PaymentError {
	return permitpay.NewPaymentError(permitpay.CodeOf(err), op+" failed", err)
}
