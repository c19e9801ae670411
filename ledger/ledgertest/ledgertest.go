// Package ledgertest is a conformance suite every ledger backend runs in its tests.
package ledgertest

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/ledger"
	"github.com/mark3labs/permitpay-go/signers/evm"
)

// Backend is a ledger that can be provisioned by the suite.
type Backend interface {
	ledger.Ledger
	ledger.Admin
}

// Opener returns a fresh, empty backend whose deadline checks use now.
type Opener func(t *testing.T, now func() time.Time) Backend

// Test keys (DO NOT use in production)
const (
	ownerKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	otherKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

// Now is the fixed time the suite runs at.
var Now = time.Unix(1_700_000_000, 0)

var (
	Token    = permitpay.NewUSDCTokenConfig(permitpay.BaseSepolia)
	Spender  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	Receiver = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type fixture struct {
	ledger Backend
	owner  *evm.Signer
	other  *evm.Signer
}

func setup(t *testing.T, open Opener) *fixture {
	t.Helper()
	owner, err := evm.NewSigner(evm.WithPrivateKey(ownerKeyHex))
	if err != nil {
		t.Fatalf("owner signer: %v", err)
	}
	other, err := evm.NewSigner(evm.WithPrivateKey(otherKeyHex))
	if err != nil {
		t.Fatalf("other signer: %v", err)
	}

	l := open(t, func() time.Time { return Now })
	ctx := context.Background()
	if err := l.RegisterToken(ctx, Token); err != nil {
		t.Fatalf("register token: %v", err)
	}
	if err := l.Mint(ctx, Token.Address, owner.Address(), big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	return &fixture{ledger: l, owner: owner, other: other}
}

func (f *fixture) permit(t *testing.T, signer *evm.Signer, value, nonce int64, deadline time.Time) ledger.PermitRequest {
	t.Helper()
	d := big.NewInt(deadline.Unix())
	sig, err := signer.SignDelegation(Token, Spender, big.NewInt(value), big.NewInt(nonce), d)
	if err != nil {
		t.Fatalf("sign delegation: %v", err)
	}
	return ledger.PermitRequest{
		Token:     Token.Address,
		Owner:     f.owner.Address(),
		Spender:   Spender,
		Value:     big.NewInt(value),
		Deadline:  d,
		Signature: sig,
	}
}

func expectInt(t *testing.T, what string, got *big.Int, err error, want int64) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", what, err)
	}
	if got.Cmp(big.NewInt(want)) != 0 {
		t.Errorf("%s = %s, want %d", what, got, want)
	}
}

// Run executes the suite against backends produced by open.
func Run(t *testing.T, open Opener) {
	t.Run("Reads", func(t *testing.T) { testReads(t, open) })
	t.Run("Permit", func(t *testing.T) { testPermit(t, open) })
	t.Run("Transfers", func(t *testing.T) { testTransfers(t, open) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, open) })
	t.Run("Records", func(t *testing.T) { testRecords(t, open) })
	t.Run("SingleWriter", func(t *testing.T) { testSingleWriter(t, open) })
}

func testReads(t *testing.T, open Opener) {
	f := setup(t, open)
	ctx := context.Background()

	bal, err := f.ledger.BalanceOf(ctx, Token.Address, f.owner.Address())
	expectInt(t, "owner balance", bal, err, 100)
	bal, err = f.ledger.BalanceOf(ctx, Token.Address, Receiver)
	expectInt(t, "unknown account balance", bal, err, 0)
	nonce, err := f.ledger.NonceOf(ctx, Token.Address, f.owner.Address())
	expectInt(t, "fresh nonce", nonce, err, 0)

	cfg, err := f.ledger.Token(ctx, Token.Address)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if cfg.PermitName != Token.PermitName || cfg.ChainID.Cmp(Token.ChainID) != 0 {
		t.Errorf("token config round trip mismatch: %+v", cfg)
	}
	if _, err := f.ledger.Token(ctx, Receiver); !errors.Is(err, permitpay.ErrUnknownToken) {
		t.Errorf("expected ErrUnknownToken, got %v", err)
	}
}

func testPermit(t *testing.T, open Opener) {
	f := setup(t, open)
	ctx := context.Background()

	tests := []struct {
		name string
		req  func() ledger.PermitRequest
	}{
		{
			name: "expired deadline",
			req:  func() ledger.PermitRequest { return f.permit(t, f.owner, 50, 0, Now.Add(-time.Second)) },
		},
		{
			name: "stale nonce",
			req:  func() ledger.PermitRequest { return f.permit(t, f.owner, 50, 1, Now.Add(time.Hour)) },
		},
		{
			name: "wrong signer",
			req:  func() ledger.PermitRequest { return f.permit(t, f.other, 50, 0, Now.Add(time.Hour)) },
		},
		{
			name: "value differs from signed value",
			req: func() ledger.PermitRequest {
				req := f.permit(t, f.owner, 50, 0, Now.Add(time.Hour))
				req.Value = big.NewInt(60)
				return req
			},
		},
		{
			name: "unknown token",
			req: func() ledger.PermitRequest {
				req := f.permit(t, f.owner, 50, 0, Now.Add(time.Hour))
				req.Token = Receiver
				return req
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := f.ledger.Begin(ctx)
			if err != nil {
				t.Fatalf("begin: %v", err)
			}
			defer func() { _ = tx.Rollback() }()

			if err := tx.Permit(ctx, tt.req()); !errors.Is(err, permitpay.ErrDelegationRejected) {
				t.Fatalf("expected ErrDelegationRejected, got %v", err)
			}
			nonce, err := tx.NonceOf(ctx, Token.Address, f.owner.Address())
			expectInt(t, "nonce after rejection", nonce, err, 0)
		})
	}

	t.Run("valid grant", func(t *testing.T) {
		tx, err := f.ledger.Begin(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		req := f.permit(t, f.owner, 50, 0, Now)
		if err := tx.Permit(ctx, req); err != nil {
			t.Fatalf("permit: %v", err)
		}
		// The same grant cannot be replayed at the advanced nonce.
		if err := tx.Permit(ctx, req); !errors.Is(err, permitpay.ErrDelegationRejected) {
			t.Errorf("expected replayed permit to be rejected, got %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}

		nonce, err := f.ledger.NonceOf(ctx, Token.Address, f.owner.Address())
		expectInt(t, "nonce", nonce, err, 1)
		allowance, err := f.ledger.Allowance(ctx, Token.Address, f.owner.Address(), Spender)
		expectInt(t, "allowance", allowance, err, 50)
	})
}

func testTransfers(t *testing.T, open Opener) {
	f := setup(t, open)
	ctx := context.Background()
	owner := f.owner.Address()

	tx, err := f.ledger.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.TransferFrom(ctx, Token.Address, Spender, owner, Spender, big.NewInt(1)); !errors.Is(err, permitpay.ErrInsufficientFunds) {
		t.Errorf("expected pull without allowance to fail, got %v", err)
	}
	if err := tx.Permit(ctx, f.permit(t, f.owner, 50, 0, Now.Add(time.Hour))); err != nil {
		t.Fatalf("permit: %v", err)
	}
	if err := tx.TransferFrom(ctx, Token.Address, Spender, owner, Spender, big.NewInt(51)); !errors.Is(err, permitpay.ErrInsufficientFunds) {
		t.Errorf("expected pull above allowance to fail, got %v", err)
	}
	if err := tx.TransferFrom(ctx, Token.Address, Spender, owner, Spender, big.NewInt(50)); err != nil {
		t.Fatalf("transfer from: %v", err)
	}
	allowance, err := tx.Allowance(ctx, Token.Address, owner, Spender)
	expectInt(t, "allowance after pull", allowance, err, 0)

	if err := tx.Transfer(ctx, Token.Address, Spender, Receiver, big.NewInt(51)); !errors.Is(err, permitpay.ErrInsufficientFunds) {
		t.Errorf("expected overdraft to fail, got %v", err)
	}
	if err := tx.Transfer(ctx, Token.Address, Spender, common.Address{}, big.NewInt(1)); !errors.Is(err, permitpay.ErrInsufficientFunds) {
		t.Errorf("expected transfer to zero address to fail, got %v", err)
	}
	if err := tx.Transfer(ctx, Token.Address, Spender, Receiver, big.NewInt(50)); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	bal, err := tx.BalanceOf(ctx, Token.Address, owner)
	expectInt(t, "owner balance", bal, err, 50)
	bal, err = tx.BalanceOf(ctx, Token.Address, Spender)
	expectInt(t, "spender balance", bal, err, 0)
	bal, err = tx.BalanceOf(ctx, Token.Address, Receiver)
	expectInt(t, "receiver balance", bal, err, 50)
}

func testRollback(t *testing.T, open Opener) {
	f := setup(t, open)
	ctx := context.Background()
	owner := f.owner.Address()

	tx, err := f.ledger.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Permit(ctx, f.permit(t, f.owner, 50, 0, Now.Add(time.Hour))); err != nil {
		t.Fatalf("permit: %v", err)
	}
	if err := tx.TransferFrom(ctx, Token.Address, Spender, owner, Receiver, big.NewInt(50)); err != nil {
		t.Fatalf("transfer from: %v", err)
	}
	if err := tx.AppendRecord(ctx, permitpay.PaymentRecord{Token: Token.Address, Payer: owner, Receiver: Receiver, Amount: big.NewInt(50), Forwarded: big.NewInt(50), Nonce: big.NewInt(0), SettledAt: Now}); err != nil {
		t.Fatalf("append record: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := tx.Commit(); !errors.Is(err, ledger.ErrTxDone) {
		t.Errorf("expected ErrTxDone after rollback, got %v", err)
	}

	bal, err := f.ledger.BalanceOf(ctx, Token.Address, owner)
	expectInt(t, "owner balance", bal, err, 100)
	bal, err = f.ledger.BalanceOf(ctx, Token.Address, Receiver)
	expectInt(t, "receiver balance", bal, err, 0)
	nonce, err := f.ledger.NonceOf(ctx, Token.Address, owner)
	expectInt(t, "nonce", nonce, err, 0)
	allowance, err := f.ledger.Allowance(ctx, Token.Address, owner, Spender)
	expectInt(t, "allowance", allowance, err, 0)
	recs, err := f.ledger.Records(ctx, ledger.RecordFilter{})
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected no records after rollback, got %d", len(recs))
	}
}

func testRecords(t *testing.T, open Opener) {
	f := setup(t, open)
	ctx := context.Background()
	owner := f.owner.Address()
	other := f.other.Address()

	tx, err := f.ledger.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for i, payer := range []common.Address{owner, other, owner} {
		rec := permitpay.PaymentRecord{
			Token:     Token.Address,
			Payer:     payer,
			Receiver:  Receiver,
			Amount:    big.NewInt(int64(10 * (i + 1))),
			Forwarded: big.NewInt(int64(9 * (i + 1))),
			Nonce:     big.NewInt(int64(i)),
			Relay:     Spender,
			SettledAt: Now.Add(time.Duration(i) * time.Second),
		}
		if err := tx.AppendRecord(ctx, rec); err != nil {
			t.Fatalf("append record: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tokenAddr := Token.Address
	tests := []struct {
		name    string
		filter  ledger.RecordFilter
		amounts []int64
	}{
		{"all", ledger.RecordFilter{}, []int64{10, 20, 30}},
		{"by token", ledger.RecordFilter{Token: &tokenAddr}, []int64{10, 20, 30}},
		{"by payer", ledger.RecordFilter{Payer: &owner}, []int64{10, 30}},
		{"by receiver", ledger.RecordFilter{Receiver: &owner}, nil},
		{"limited", ledger.RecordFilter{Payer: &owner, Limit: 1}, []int64{10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := f.ledger.Records(ctx, tt.filter)
			if err != nil {
				t.Fatalf("records: %v", err)
			}
			if len(recs) != len(tt.amounts) {
				t.Fatalf("expected %d records, got %d", len(tt.amounts), len(recs))
			}
			for i, rec := range recs {
				if rec.Amount.Cmp(big.NewInt(tt.amounts[i])) != 0 {
					t.Errorf("record %d amount = %s, want %d", i, rec.Amount, tt.amounts[i])
				}
			}
		})
	}

	recs, err := f.ledger.Records(ctx, ledger.RecordFilter{Payer: &other})
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected one record for other payer, got %d (%v)", len(recs), err)
	}
	rec := recs[0]
	if rec.Forwarded.Cmp(big.NewInt(18)) != 0 || rec.Nonce.Cmp(big.NewInt(1)) != 0 || rec.Relay != Spender || !rec.SettledAt.Equal(Now.Add(time.Second)) {
		t.Errorf("record fields did not round trip: %+v", rec)
	}
}

func testSingleWriter(t *testing.T, open Opener) {
	f := setup(t, open)
	ctx := context.Background()

	tx, err := f.ledger.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if second, err := f.ledger.Begin(waitCtx); err == nil {
		_ = second.Rollback()
		t.Fatal("second transaction must wait for the first")
	}

	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	second, err := f.ledger.Begin(ctx)
	if err != nil {
		t.Fatalf("begin after rollback: %v", err)
	}
	_ = second.Rollback()
}
