package engine

import (
	"context"

	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/ledger"
)

// applyDelegation submits the payer's delegation proof, granting the engine an
// allowance of exactly auth.Amount and advancing the payer's account nonce.
func (e *Engine) applyDelegation(ctx context.Context, tx ledger.Tx, auth *permitpay.PaymentAuthorization) error {
	return tx.Permit(ctx, ledger.PermitRequest{
		Token:     auth.Token,
		Owner:     auth.Payer,
		Spender:   e.address,
		Value:     auth.Amount,
		Deadline:  auth.Delegation.Deadline,
		Signature: auth.Delegation.Signature,
	})
}
