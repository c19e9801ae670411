package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/ledger"
	"github.com/mark3labs/permitpay-go/validation"
)

// Pay settles auth on behalf of the relay in rc. It refuses to run while
// paused or for a caller that is not a relay, both before touching the ledger
// and again once the transaction holds the writer slot.
// On success the returned record has been committed; on failure nothing has.
func (e *Engine) Pay(ctx context.Context, rc permitpay.RelayContext, auth *permitpay.PaymentAuthorization, sig permitpay.Signature) (*permitpay.PaymentRecord, error) {
	if err := e.admit(rc, "settlement refused"); err != nil {
		return nil, err
	}
	if err := e.checkAuthorization(auth); err != nil {
		return nil, err
	}

	logger := e.logger.With("payer", auth.Payer.Hex(), "token", auth.Token.Hex(), "amount", auth.Amount.String(), "relay", rc.Relay.Hex())
	logger.Debug("settlement started")

	tx, err := e.ledger.Begin(ctx)
	if err != nil {
		return nil, ledgerError("begin transaction", err)
	}

	// The policy may have changed while Begin waited for the writer.
	if err := e.admit(rc, "settlement refused"); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("rollback failed", "error", rbErr)
		}
		logger.Warn("settlement refused after begin", "code", permitpay.CodeOf(err))
		return nil, err
	}

	rec, err := e.settle(ctx, tx, rc, auth, sig)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("rollback failed", "error", rbErr)
		}
		logger.Warn("settlement failed", "code", permitpay.CodeOf(err), "error", err)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		logger.Error("commit failed", "error", err)
		return nil, ledgerError("commit", err)
	}

	logger.Info("settlement committed", "receiver", rec.Receiver.Hex(), "forwarded", rec.Forwarded.String(), "nonce", rec.Nonce.String())
	return rec, nil
}

// admit applies the access policy for rc.
func (e *Engine) admit(rc permitpay.RelayContext, msg string) error {
	if err := e.policy.RequireActive(); err != nil {
		return permitpay.NewPaymentError(permitpay.ErrCodePaused, msg, err)
	}
	if err := e.policy.RequireRelay(rc.Relay); err != nil {
		return permitpay.NewPaymentError(permitpay.ErrCodeUnauthorized, msg, err)
	}
	return nil
}

// checkAuthorization validates auth's shape. The receiver may be neither the
// zero address nor the engine, or the forward would leave funds behind.
func (e *Engine) checkAuthorization(auth *permitpay.PaymentAuthorization) error {
	if err := validation.ValidateAuthorization(auth); err != nil {
		return permitpay.NewPaymentError(permitpay.ErrCodeMalformedRequest, "invalid authorization", err)
	}
	var reason string
	switch auth.Receiver {
	case common.Address{}:
		reason = "receiver is the zero address"
	case e.address:
		reason = "receiver is the engine"
	default:
		return nil
	}
	return permitpay.NewPaymentError(
		permitpay.ErrCodeMalformedRequest,
		"invalid authorization",
		fmt.Errorf("%w: %s", permitpay.ErrMalformedRequest, reason),
	).WithDetails("receiver", auth.Receiver.Hex())
}

// settle runs every settlement step inside tx. It neither commits nor rolls back.
func (e *Engine) settle(ctx context.Context, tx ledger.Tx, rc permitpay.RelayContext, auth *permitpay.PaymentAuthorization, sig permitpay.Signature) (*permitpay.PaymentRecord, error) {
	nonce, ok, err := e.verify(ctx, tx, auth, sig)
	if err != nil {
		return nil, ledgerError("read nonce", err)
	}
	if !ok {
		return nil, permitpay.NewPaymentError(
			permitpay.ErrCodeInvalidSignature,
			"payment signature does not recover to the payer",
			permitpay.ErrInvalidSignature,
		).WithDetails("payer", auth.Payer.Hex()).WithDetails("nonce", nonce.String())
	}

	if err := e.applyDelegation(ctx, tx, auth); err != nil {
		return nil, stepError("delegation", permitpay.ErrCodeDelegationRejected, permitpay.ErrDelegationRejected, err)
	}

	if err := tx.TransferFrom(ctx, auth.Token, e.address, auth.Payer, e.address, auth.Amount); err != nil {
		return nil, stepError("pull", permitpay.ErrCodeInsufficientFunds, permitpay.ErrInsufficientFunds, err)
	}

	if err := e.charger.Charge(ctx, tx, e.address, rc, auth); err != nil {
		return nil, permitpay.NewPaymentError(
			permitpay.ErrCodeFeeFailed,
			"fee step failed",
			fmt.Errorf("%w: %w", permitpay.ErrFeeFailed, err),
		).WithDetails("step", "fee")
	}

	// Forward everything the engine holds, not just auth.Amount.
	forwarded, err := tx.BalanceOf(ctx, auth.Token, e.address)
	if err != nil {
		return nil, ledgerError("read engine balance", err)
	}
	if forwarded.Sign() > 0 {
		if err := tx.Transfer(ctx, auth.Token, e.address, auth.Receiver, forwarded); err != nil {
			return nil, stepError("forward", permitpay.ErrCodeInsufficientFunds, permitpay.ErrInsufficientFunds, err)
		}
	}

	rec := &permitpay.PaymentRecord{
		Token:     auth.Token,
		Payer:     auth.Payer,
		Receiver:  auth.Receiver,
		Amount:    new(big.Int).Set(auth.Amount),
		Forwarded: new(big.Int).Set(forwarded),
		Nonce:     new(big.Int).Set(nonce),
		Relay:     rc.Relay,
		SettledAt: e.now().UTC(),
	}
	if err := tx.AppendRecord(ctx, *rec); err != nil {
		return nil, ledgerError("append record", err)
	}
	return rec, nil
}

// stepError classifies a failed step. Errors that are not the step's expected
// sentinel (storage failures, cancellation) keep their own classification.
func stepError(step string, code permitpay.ErrorCode, sentinel, err error) *permitpay.PaymentError {
	if !errors.Is(err, sentinel) {
		code = permitpay.CodeOf(err)
	}
	return permitpay.NewPaymentError(code, step+" step failed", err).WithDetails("step", step)
}
