package engine

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go"
)

// SettleReverting runs the full settlement path inside a transaction that is
// always rolled back. It returns permitpay.ErrAllSuccess when every step
// succeeded and the failing step's error otherwise; it never returns nil.
//
// It is not pause-gated and does not check the relay identity.
func (e *Engine) SettleReverting(ctx context.Context, rc permitpay.RelayContext, auth *permitpay.PaymentAuthorization, sig permitpay.Signature) error {
	return e.simulate(ctx, rc, auth, sig, false)
}

// simulate is SettleReverting with an optional access check made once the
// transaction holds the writer, mirroring Pay's.
func (e *Engine) simulate(ctx context.Context, rc permitpay.RelayContext, auth *permitpay.PaymentAuthorization, sig permitpay.Signature, gated bool) error {
	if err := e.checkAuthorization(auth); err != nil {
		return err
	}

	tx, err := e.ledger.Begin(ctx)
	if err != nil {
		return ledgerError("begin transaction", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil {
			e.logger.Error("dry run rollback failed", "payer", auth.Payer.Hex(), "error", err)
		}
	}()

	if gated {
		if err := e.admit(rc, "verification refused"); err != nil {
			return err
		}
	}

	if _, err := e.settle(ctx, tx, rc, auth, sig); err != nil {
		return err
	}
	return permitpay.ErrAllSuccess
}

// VerifyData predicts whether Pay with the same arguments would succeed
// against the current ledger state, without changing it. A failing settlement,
// including a caller that is not a relay, is reported in the result, not as
// an error; the only errors are a paused engine and a dry run that returned
// without aborting, which is a defect.
func (e *Engine) VerifyData(ctx context.Context, rc permitpay.RelayContext, auth *permitpay.PaymentAuthorization, sig permitpay.Signature) (*permitpay.VerifyResult, error) {
	if err := e.policy.RequireActive(); err != nil {
		return nil, permitpay.NewPaymentError(permitpay.ErrCodePaused, "verification refused", err)
	}

	payer := payerOf(auth)
	if err := e.policy.RequireRelay(rc.Relay); err != nil {
		perr := permitpay.NewPaymentError(permitpay.ErrCodeUnauthorized, "verification refused", err)
		return &permitpay.VerifyResult{Valid: false, Reason: perr.Error(), Code: perr.Code, Payer: payer}, nil
	}

	err := e.reverting(ctx, rc, auth, sig)
	switch {
	case err == nil:
		e.logger.Error("dry run returned without aborting", "payer", payer.Hex())
		return nil, permitpay.NewPaymentError(
			permitpay.ErrCodeInvariantViolation,
			"dry run returned without aborting",
			permitpay.ErrInvariantViolation,
		)
	case errors.Is(err, permitpay.ErrAllSuccess):
		return &permitpay.VerifyResult{Valid: true, Payer: payer}, nil
	case permitpay.CodeOf(err) == permitpay.ErrCodePaused:
		// Paused while the dry run waited for the ledger.
		return nil, err
	default:
		return &permitpay.VerifyResult{
			Valid:  false,
			Reason: err.Error(),
			Code:   permitpay.CodeOf(err),
			Payer:  payer,
		}, nil
	}
}

func payerOf(auth *permitpay.PaymentAuthorization) common.Address {
	if auth == nil {
		return common.Address{}
	}
	return auth.Payer
}
