package facilitator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/access"
	"github.com/mark3labs/permitpay-go/engine"
	"github.com/mark3labs/permitpay-go/ledger"
	"github.com/mark3labs/permitpay-go/relayauth"
	"github.com/mark3labs/permitpay-go/validation"
)

// Local serves Interface and Admin from an engine in the same process.
type Local struct {
	engine *engine.Engine
	guard  *access.Guard
	ledger ledger.Reader
	tokens []common.Address
	logger *slog.Logger
}

var (
	_ Interface = (*Local)(nil)
	_ Admin     = (*Local)(nil)
)

// Option configures a Local facilitator.
type Option func(*Local)

// WithTokens lists the tokens Supported reports.
func WithTokens(tokens ...common.Address) Option {
	return func(l *Local) {
		l.tokens = append(l.tokens, tokens...)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Local) {
		l.logger = logger
	}
}

// NewLocal wraps e. guard must be the policy e was built with; r reads the
// same ledger for token metadata.
func NewLocal(e *engine.Engine, guard *access.Guard, r ledger.Reader, opts ...Option) (*Local, error) {
	if e == nil || guard == nil || r == nil {
		return nil, fmt.Errorf("engine, guard and ledger are required")
	}
	l := &Local{
		engine: e,
		guard:  guard,
		ledger: r,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// decode turns a wire request into engine arguments for the caller in ctx.
func decode(ctx context.Context, req permitpay.PaymentRequest) (permitpay.RelayContext, *permitpay.PaymentAuthorization, permitpay.Signature, error) {
	if err := validation.ValidatePaymentRequest(req); err != nil {
		return permitpay.RelayContext{}, nil, permitpay.Signature{}, malformed(err)
	}
	auth, sig, err := req.Decode()
	if err != nil {
		return permitpay.RelayContext{}, nil, permitpay.Signature{}, malformed(err)
	}
	caller, _ := relayauth.CallerFrom(ctx)
	rc, err := req.RelayContext(caller)
	if err != nil {
		return permitpay.RelayContext{}, nil, permitpay.Signature{}, malformed(err)
	}
	return rc, auth, sig, nil
}

func malformed(err error) *permitpay.PaymentError {
	return permitpay.NewPaymentError(permitpay.ErrCodeMalformedRequest, "malformed payment request", err)
}

// Verify implements Interface.
func (l *Local) Verify(ctx context.Context, req permitpay.PaymentRequest) (*permitpay.VerifyResponse, error) {
	rc, auth, sig, err := decode(ctx, req)
	if err != nil {
		return &permitpay.VerifyResponse{
			IsValid:       false,
			InvalidReason: err.Error(),
			Code:          permitpay.ErrCodeMalformedRequest,
			Payer:         req.Authorization.Payer,
		}, nil
	}

	result, err := l.engine.VerifyData(ctx, rc, auth, sig)
	if err != nil {
		return nil, err
	}
	return &permitpay.VerifyResponse{
		IsValid:       result.Valid,
		InvalidReason: result.Reason,
		Code:          result.Code,
		Payer:         result.Payer.Hex(),
	}, nil
}

// VerifyReverting implements Interface.
func (l *Local) VerifyReverting(ctx context.Context, req permitpay.PaymentRequest) error {
	rc, auth, sig, err := decode(ctx, req)
	if err != nil {
		return err
	}
	return l.engine.SettleReverting(ctx, rc, auth, sig)
}

// VerifySignature implements Interface.
func (l *Local) VerifySignature(ctx context.Context, req permitpay.PaymentRequest) (bool, error) {
	_, auth, sig, err := decode(ctx, req)
	if err != nil {
		return false, nil
	}
	return l.engine.VerifySignature(ctx, auth, sig)
}

// Settle implements Interface.
func (l *Local) Settle(ctx context.Context, req permitpay.PaymentRequest) (*permitpay.SettlementResponse, error) {
	rc, auth, sig, err := decode(ctx, req)
	if err != nil {
		return nil, err
	}
	rec, err := l.engine.Pay(ctx, rc, auth, sig)
	if err != nil {
		return nil, err
	}
	return permitpay.NewSettlementResponse(rec), nil
}

// Nonce implements Interface.
func (l *Local) Nonce(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return l.engine.Nonce(ctx, token, owner)
}

// Records implements Interface.
func (l *Local) Records(ctx context.Context, filter ledger.RecordFilter) ([]Record, error) {
	recs, err := l.engine.Records(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		out = append(out, NewRecord(rec))
	}
	return out, nil
}

// Supported implements Interface. Tokens the ledger no longer knows are skipped.
func (l *Local) Supported(ctx context.Context) (*SupportedResponse, error) {
	domain := l.engine.Domain()
	resp := &SupportedResponse{
		Engine:        l.engine.Address().Hex(),
		ChainID:       domain.ChainID.String(),
		DomainName:    domain.Name,
		DomainVersion: domain.Version,
		PaymentType:   l.engine.Schema().String(),
		Paused:        l.guard.Paused(),
		Tokens:        []SupportedToken{},
	}
	for _, addr := range l.tokens {
		cfg, err := l.ledger.Token(ctx, addr)
		if err != nil {
			if errors.Is(err, permitpay.ErrUnknownToken) {
				l.logger.Warn("configured token is not registered", "token", addr.Hex())
				continue
			}
			return nil, err
		}
		resp.Tokens = append(resp.Tokens, SupportedToken{
			Address:       cfg.Address.Hex(),
			Symbol:        cfg.Symbol,
			Decimals:      cfg.Decimals,
			PermitName:    cfg.PermitName,
			PermitVersion: cfg.PermitVersion,
		})
	}
	return resp, nil
}

func caller(ctx context.Context) common.Address {
	c, _ := relayauth.CallerFrom(ctx)
	return c
}

func adminError(err error) error {
	if err == nil {
		return nil
	}
	return permitpay.NewPaymentError(permitpay.CodeOf(err), "admin operation refused", err)
}

// Pause implements Admin.
func (l *Local) Pause(ctx context.Context) error {
	return adminError(l.guard.Pause(caller(ctx)))
}

// Unpause implements Admin.
func (l *Local) Unpause(ctx context.Context) error {
	return adminError(l.guard.Unpause(caller(ctx)))
}

// TransferOwnership implements Admin.
func (l *Local) TransferOwnership(ctx context.Context, newOwner common.Address) error {
	return adminError(l.guard.TransferOwnership(caller(ctx), newOwner))
}

// AddRelay implements Admin.
func (l *Local) AddRelay(ctx context.Context, relay common.Address) error {
	return adminError(l.guard.AddRelay(caller(ctx), relay))
}

// RemoveRelay implements Admin.
func (l *Local) RemoveRelay(ctx context.Context, relay common.Address) error {
	return adminError(l.guard.RemoveRelay(caller(ctx), relay))
}

// Status implements Admin. It is readable by anyone.
func (l *Local) Status(_ context.Context) (*Status, error) {
	relays := l.guard.Relays()
	st := &Status{
		Owner:  l.guard.Owner().Hex(),
		Paused: l.guard.Paused(),
		Relays: make([]string, 0, len(relays)),
		Open:   relays == nil,
	}
	for _, r := range relays {
		st.Relays = append(st.Relays, r.Hex())
	}
	sort.Strings(st.Relays)
	return st, nil
}
