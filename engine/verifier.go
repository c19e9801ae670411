package engine

import (
	"context"
	"math/big"

	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/ledger"
	"github.com/mark3labs/permitpay-go/signers/evm"
)

// verify reports whether sig over auth recovers to auth.Payer at the payer's
// current account nonce, which it also returns. Signature anomalies of any
// kind yield false; only a ledger read failure is an error.
func (e *Engine) verify(ctx context.Context, r ledger.Reader, auth *permitpay.PaymentAuthorization, sig permitpay.Signature) (*big.Int, bool, error) {
	nonce, err := r.NonceOf(ctx, auth.Token, auth.Payer)
	if err != nil {
		return nil, false, err
	}

	digest, err := evm.PayDigest(e.domain, e.schema, auth, nonce)
	if err != nil {
		e.logger.Debug("payment digest unavailable", "payer", auth.Payer.Hex(), "error", err)
		return nonce, false, nil
	}
	return nonce, evm.VerifySigner(digest, sig, auth.Payer), nil
}

// VerifySignature reports whether sig authorizes auth at the payer's current
// account nonce. It reads committed state only and has no side effects.
func (e *Engine) VerifySignature(ctx context.Context, auth *permitpay.PaymentAuthorization, sig permitpay.Signature) (bool, error) {
	if auth == nil {
		return false, nil
	}
	_, ok, err := e.verify(ctx, e.ledger, auth, sig)
	if err != nil {
		return false, ledgerError("read nonce", err)
	}
	return ok, nil
}
