// Package fee implements the relay fee mechanism a settlement triggers after
// pulling the payer's funds and before forwarding the remainder.
package fee

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/ledger"
)

// Charger extracts the relay fee inside the settlement transaction. engine is
// the address currently holding the pulled funds. Any error aborts the
// settlement.
type Charger interface {
	Charge(ctx context.Context, tx ledger.Tx, engine common.Address, rc permitpay.RelayContext, auth *permitpay.PaymentAuthorization) error
}

// ChargerFunc adapts a function to Charger.
type ChargerFunc func(ctx context.Context, tx ledger.Tx, engine common.Address, rc permitpay.RelayContext, auth *permitpay.PaymentAuthorization) error

// Charge implements Charger.
func (f ChargerFunc) Charge(ctx context.Context, tx ledger.Tx, engine common.Address, rc permitpay.RelayContext, auth *permitpay.PaymentAuthorization) error {
	return f(ctx, tx, engine, rc, auth)
}

// NoFee charges nothing.
var NoFee Charger = ChargerFunc(func(context.Context, ledger.Tx, common.Address, permitpay.RelayContext, *permitpay.PaymentAuthorization) error {
	return nil
})

// TransferCharger pays the fee the relay asked for in its RelayContext.
//
// The fee asset defaults to the payment token and the collector to the relay.
// When the fee is paid in the payment token out of the engine's custody it
// reduces what the receiver gets.
type TransferCharger struct {
	// Source pays the fee. The zero address means the engine's own custody.
	Source common.Address

	// Max caps a single fee. Nil means uncapped.
	Max *big.Int
}

var _ Charger = TransferCharger{}

// Charge implements Charger.
func (c TransferCharger) Charge(ctx context.Context, tx ledger.Tx, engine common.Address, rc permitpay.RelayContext, auth *permitpay.PaymentAuthorization) error {
	if rc.Fee == nil || rc.Fee.Sign() == 0 {
		return nil
	}
	if rc.Fee.Sign() < 0 {
		return fmt.Errorf("negative fee %s", rc.Fee)
	}
	if c.Max != nil && rc.Fee.Cmp(c.Max) > 0 {
		return fmt.Errorf("fee %s exceeds cap %s", rc.Fee, c.Max)
	}

	token := rc.FeeToken
	if token == (common.Address{}) {
		token = auth.Token
	}
	collector := rc.FeeCollector
	if collector == (common.Address{}) {
		collector = rc.Relay
	}
	source := c.Source
	if source == (common.Address{}) {
		source = engine
	}
	return tx.Transfer(ctx, token, source, collector, rc.Fee)
}

// BasisPoints charges a fixed share of the payment amount in the payment token
// out of the engine's custody, ignoring the relay's fee instruction amount.
type BasisPoints struct {
	// Rate is the share in basis points (1/100 of a percent).
	Rate uint16

	// Collector receives the fee. The zero address means the relay.
	Collector common.Address
}

var _ Charger = BasisPoints{}

// Quote returns the fee for amount.
func (b BasisPoints) Quote(amount *big.Int) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(amount, big.NewInt(int64(b.Rate)))
	return fee.Quo(fee, big.NewInt(10_000))
}

// Charge implements Charger.
func (b BasisPoints) Charge(ctx context.Context, tx ledger.Tx, engine common.Address, rc permitpay.RelayContext, auth *permitpay.PaymentAuthorization) error {
	if b.Rate > 10_000 {
		return fmt.Errorf("rate %d exceeds 10000 basis points", b.Rate)
	}
	fee := b.Quote(auth.Amount)
	if fee.Sign() == 0 {
		return nil
	}
	collector := b.Collector
	if collector == (common.Address{}) {
		collector = rc.Relay
	}
	return tx.Transfer(ctx, auth.Token, engine, collector, fee)
}
