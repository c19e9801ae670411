package permitpay

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Signer produces the two signatures a payer attaches to a delegated payment:
// the payment signature under the engine's domain and the delegation proof
// under the token's own domain.
type Signer interface {
	// Address returns the payer address the signatures recover to.
	Address() common.Address

	// SignPayment signs the payment payload for auth at the given account nonce.
	SignPayment(domain Domain, schema Schema, auth *PaymentAuthorization, nonce *big.Int) (Signature, error)

	// SignDelegation signs a delegated-allowance grant of value to spender.
	SignDelegation(token TokenConfig, spender common.Address, value, nonce, deadline *big.Int) (Signature, error)
}
