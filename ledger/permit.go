package ledger

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/signers/evm"
)

// CheckPermit validates a delegated-allowance grant the way an EIP-2612 token
// does: the deadline must not have passed, and the signature over
// Permit(owner,spender,value,nonce,deadline) under the token's domain must
// recover to the owner at the owner's current nonce.
func CheckPermit(token permitpay.TokenConfig, req PermitRequest, nonce *big.Int, now time.Time) error {
	if req.Owner == (common.Address{}) || req.Spender == (common.Address{}) {
		return fmt.Errorf("%w: owner and spender are required", permitpay.ErrDelegationRejected)
	}
	if req.Value == nil || req.Value.Sign() < 0 {
		return fmt.Errorf("%w: invalid value", permitpay.ErrDelegationRejected)
	}
	if req.Deadline == nil || req.Deadline.Cmp(big.NewInt(now.Unix())) < 0 {
		return fmt.Errorf("%w: permit expired", permitpay.ErrDelegationRejected)
	}

	digest, err := evm.PermitDigest(token, req.Owner, req.Spender, req.Value, nonce, req.Deadline)
	if err != nil {
		return fmt.Errorf("%w: %v", permitpay.ErrDelegationRejected, err)
	}
	if !evm.VerifySigner(digest, req.Signature, req.Owner) {
		return fmt.Errorf("%w: invalid signature", permitpay.ErrDelegationRejected)
	}
	return nil
}

// CheckTransfer validates amounts and recipients common to every transfer.
func CheckTransfer(to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: invalid transfer amount", permitpay.ErrInvalidAmount)
	}
	if to == (common.Address{}) {
		return fmt.Errorf("%w: transfer to the zero address", permitpay.ErrInsufficientFunds)
	}
	return nil
}
