// Package stacktest assembles an in-memory settlement stack for tests of the
// layers above the engine.
package stacktest

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/access"
	"github.com/mark3labs/permitpay-go/engine"
	"github.com/mark3labs/permitpay-go/facilitator"
	"github.com/mark3labs/permitpay-go/ledger/memory"
	"github.com/mark3labs/permitpay-go/signers/evm"
)

// Test key (DO NOT use in production)
const PayerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	Token    = permitpay.NewUSDCTokenConfig(permitpay.BaseSepolia)
	Engine   = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	Receiver = common.HexToAddress("0x2222222222222222222222222222222222222222")
	Relay    = common.HexToAddress("0x3000000000000000000000000000000000000003")
	Owner    = common.HexToAddress("0x1000000000000000000000000000000000000001")
)

// Stack is a funded payer, an engine that only accepts Relay and a local
// facilitator around both.
type Stack struct {
	Ledger      *memory.Ledger
	Guard       *access.Guard
	Engine      *engine.Engine
	Facilitator *facilitator.Local
	Payer       *evm.Signer
}

// New builds a stack whose payer holds balance units of Token.
func New(t *testing.T, balance int64) *Stack {
	t.Helper()
	ctx := context.Background()

	l := memory.New()
	if err := l.RegisterToken(ctx, Token); err != nil {
		t.Fatalf("register token: %v", err)
	}
	payer, err := evm.NewSigner(evm.WithPrivateKey(PayerKey))
	if err != nil {
		t.Fatalf("payer: %v", err)
	}
	if err := l.Mint(ctx, Token.Address, payer.Address(), big.NewInt(balance)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	guard, err := access.NewGuard(Owner, access.WithRelays(Relay))
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	e, err := engine.New(Engine, Token.ChainID, l, guard)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	local, err := facilitator.NewLocal(e, guard, l, facilitator.WithTokens(Token.Address))
	if err != nil {
		t.Fatalf("facilitator: %v", err)
	}
	return &Stack{Ledger: l, Guard: guard, Engine: e, Facilitator: local, Payer: payer}
}

// Request signs a payment of amount to Receiver at the payer's current nonce.
func (s *Stack) Request(t *testing.T, amount int64) permitpay.PaymentRequest {
	t.Helper()
	nonce, err := s.Ledger.NonceOf(context.Background(), Token.Address, s.Payer.Address())
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	auth, sig, err := evm.Authorize(s.Payer, s.Engine.Domain(), s.Engine.Schema(), evm.AuthorizeRequest{
		Token:    Token,
		Receiver: Receiver,
		Amount:   big.NewInt(amount),
		Nonce:    nonce,
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	return permitpay.NewPaymentRequest(auth, sig)
}

// Balance returns account's committed balance of Token.
func (s *Stack) Balance(t *testing.T, account common.Address) int64 {
	t.Helper()
	v, err := s.Ledger.BalanceOf(context.Background(), Token.Address, account)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return v.Int64()
}
