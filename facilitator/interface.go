// Package facilitator defines the contract between relays and a settlement
// service. The local implementation runs an engine in-process; the HTTP client
// in package http reaches a remote one.
package facilitator

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/ledger"
)

// Interface defines the settlement contract a relay calls.
// The caller identity travels in the context (see relayauth.WithCaller).
type Interface interface {
	// Verify predicts whether Settle would succeed for req without changing state.
	Verify(ctx context.Context, req permitpay.PaymentRequest) (*permitpay.VerifyResponse, error)

	// VerifyReverting runs the always-reverting dry run. It returns an error
	// matching permitpay.ErrAllSuccess when every step succeeded, and never nil.
	VerifyReverting(ctx context.Context, req permitpay.PaymentRequest) error

	// VerifySignature reports whether the payment signature in req is valid
	// at the payer's current account nonce.
	VerifySignature(ctx context.Context, req permitpay.PaymentRequest) (bool, error)

	// Settle executes the payment. A failed settlement is returned as an error
	// carrying a permitpay.ErrorCode.
	Settle(ctx context.Context, req permitpay.PaymentRequest) (*permitpay.SettlementResponse, error)

	// Nonce returns owner's current account nonce for token.
	Nonce(ctx context.Context, token, owner common.Address) (*big.Int, error)

	// Records lists committed payment records.
	Records(ctx context.Context, filter ledger.RecordFilter) ([]Record, error)

	// Supported describes the engine and the tokens it settles.
	Supported(ctx context.Context) (*SupportedResponse, error)
}

// Admin is the owner-only surface of a settlement service.
type Admin interface {
	Pause(ctx context.Context) error
	Unpause(ctx context.Context) error
	TransferOwnership(ctx context.Context, newOwner common.Address) error
	AddRelay(ctx context.Context, relay common.Address) error
	RemoveRelay(ctx context.Context, relay common.Address) error
	Status(ctx context.Context) (*Status, error)
}

// Record is the wire form of a permitpay.PaymentRecord.
type Record struct {
	Token     string    `json:"token"`
	Payer     string    `json:"payer"`
	Receiver  string    `json:"receiver"`
	Amount    string    `json:"amount"`
	Forwarded string    `json:"forwarded"`
	Nonce     string    `json:"nonce"`
	Relay     string    `json:"relay"`
	SettledAt time.Time `json:"settledAt"`
}

// NewRecord renders rec in wire form.
func NewRecord(rec permitpay.PaymentRecord) Record {
	return Record{
		Token:     rec.Token.Hex(),
		Payer:     rec.Payer.Hex(),
		Receiver:  rec.Receiver.Hex(),
		Amount:    rec.Amount.String(),
		Forwarded: rec.Forwarded.String(),
		Nonce:     rec.Nonce.String(),
		Relay:     rec.Relay.Hex(),
		SettledAt: rec.SettledAt,
	}
}

// RecordsResponse is the body of a records listing.
type RecordsResponse struct {
	Records []Record `json:"records"`
}

// NonceResponse is the body of a nonce query.
type NonceResponse struct {
	Token string `json:"token"`
	Owner string `json:"owner"`
	Nonce string `json:"nonce"`
}

// SupportedToken describes one token the engine settles.
type SupportedToken struct {
	Address       string `json:"address"`
	Symbol        string `json:"symbol"`
	Decimals      int    `json:"decimals"`
	PermitName    string `json:"permitName"`
	PermitVersion string `json:"permitVersion"`
}

// SupportedResponse describes the engine's typed-data domain and its tokens.
type SupportedResponse struct {
	Engine        string           `json:"engine"`
	ChainID       string           `json:"chainId"`
	DomainName    string           `json:"domainName"`
	DomainVersion string           `json:"domainVersion"`
	PaymentType   string           `json:"paymentType"`
	Paused        bool             `json:"paused"`
	Tokens        []SupportedToken `json:"tokens"`
}

// Status is the administrative state of the engine.
type Status struct {
	Owner  string   `json:"owner"`
	Paused bool     `json:"paused"`
	Relays []string `json:"relays"`

	// Open is true when no relay allow-list is configured.
	Open bool `json:"open"`
}

// AdminRequest is the body of an owner-only mutation.
type AdminRequest struct {
	Address string `json:"address,omitempty"`
}
