// Package ledger defines the token ledger the settlement engine runs against:
// balances, per-account nonces, delegated allowances granted by signature, and
// the payment records emitted by successful settlements.
//
// Every mutation happens inside a Tx. A backend must serialize transactions
// (one writer at a time) and must discard every effect of a Tx that is rolled
// back, so a settlement either fully commits or leaves no trace.
package ledger

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go"
)

// ErrTxDone is returned when a Tx is used after Commit or Rollback.
var ErrTxDone = errors.New("ledger: transaction already finished")

// PermitRequest is a delegated-allowance grant authorized by the owner's signature.
type PermitRequest struct {
	Token     common.Address
	Owner     common.Address
	Spender   common.Address
	Value     *big.Int
	Deadline  *big.Int
	Signature permitpay.Signature
}

// Reader exposes ledger state.
type Reader interface {
	// Token returns the registered configuration of token.
	Token(ctx context.Context, token common.Address) (permitpay.TokenConfig, error)

	// BalanceOf returns the balance of account in token. Unknown accounts hold zero.
	BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)

	// NonceOf returns the delegation nonce of owner for token.
	NonceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)

	// Allowance returns what spender may still pull from owner.
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

// Tx is an exclusive unit of work against the ledger.
type Tx interface {
	Reader

	// Permit verifies the delegation signature against the owner's current nonce,
	// sets the allowance to exactly Value and advances the nonce. Failures wrap
	// permitpay.ErrDelegationRejected.
	Permit(ctx context.Context, req PermitRequest) error

	// TransferFrom moves amount from from to to, consuming spender's allowance.
	// Failures wrap permitpay.ErrInsufficientFunds.
	TransferFrom(ctx context.Context, token, spender, from, to common.Address, amount *big.Int) error

	// Transfer moves amount from from to to. Failures wrap permitpay.ErrInsufficientFunds.
	Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error

	// AppendRecord stores a payment record; it becomes visible only on Commit.
	AppendRecord(ctx context.Context, rec permitpay.PaymentRecord) error

	Commit() error
	Rollback() error
}

// Ledger is a transactional token ledger.
type Ledger interface {
	Reader

	// Begin opens an exclusive transaction. It blocks while another one is open.
	Begin(ctx context.Context) (Tx, error)

	// Records lists committed payment records matching filter, oldest first.
	Records(ctx context.Context, filter RecordFilter) ([]permitpay.PaymentRecord, error)
}

// Admin is implemented by backends that can be provisioned directly.
type Admin interface {
	RegisterToken(ctx context.Context, cfg permitpay.TokenConfig) error
	Mint(ctx context.Context, token, account common.Address, amount *big.Int) error
}

// RecordFilter selects payment records by any of their indexed fields.
// Nil fields match everything.
type RecordFilter struct {
	Token    *common.Address
	Payer    *common.Address
	Receiver *common.Address

	// Limit caps the result size. Zero means no limit.
	Limit int
}

// Match reports whether rec satisfies the filter.
func (f RecordFilter) Match(rec permitpay.PaymentRecord) bool {
	if f.Token != nil && *f.Token != rec.Token {
		return false
	}
	if f.Payer != nil && *f.Payer != rec.Payer {
		return false
	}
	if f.Receiver != nil && *f.Receiver != rec.Receiver {
		return false
	}
	return true
}
