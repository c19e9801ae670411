package memory

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/permitpay-go/ledger/ledgertest"
)

func TestLedgerConformance(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T, now func() time.Time) ledgertest.Backend {
		return New(WithClock(now))
	})
}

func TestMint_Validation(t *testing.T) {
	l := New()
	ctx := context.Background()

	if err := l.Mint(ctx, ledgertest.Token.Address, ledgertest.Receiver, big.NewInt(1)); err == nil {
		t.Error("expected minting an unregistered token to fail")
	}
	if err := l.RegisterToken(ctx, ledgertest.Token); err != nil {
		t.Fatalf("register token: %v", err)
	}
	if err := l.Mint(ctx, ledgertest.Token.Address, ledgertest.Receiver, big.NewInt(0)); err == nil {
		t.Error("expected zero mint to fail")
	}
}

func TestReadsSeeCommittedStateOnly(t *testing.T) {
	l := New()
	ctx := context.Background()
	if err := l.RegisterToken(ctx, ledgertest.Token); err != nil {
		t.Fatalf("register token: %v", err)
	}

	tx, err := l.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	tx.(*Tx).state.balances[accountKey{ledgertest.Token.Address, ledgertest.Receiver}] = big.NewInt(7)

	bal, err := l.BalanceOf(ctx, ledgertest.Token.Address, ledgertest.Receiver)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Sign() != 0 {
		t.Errorf("uncommitted balance leaked: %s", bal)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	bal, _ = l.BalanceOf(ctx, ledgertest.Token.Address, ledgertest.Receiver)
	if bal.Cmp(big.NewInt(7)) != 0 {
		t.Errorf("committed balance = %s, want 7", bal)
	}
}

func TestConcurrentMints(t *testing.T) {
	l := New()
	ctx := context.Background()
	if err := l.RegisterToken(ctx, ledgertest.Token); err != nil {
		t.Fatalf("register token: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Mint(ctx, ledgertest.Token.Address, ledgertest.Receiver, big.NewInt(2)); err != nil {
				t.Errorf("mint: %v", err)
			}
		}()
	}
	wg.Wait()

	bal, _ := l.BalanceOf(ctx, ledgertest.Token.Address, ledgertest.Receiver)
	if bal.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("balance = %s, want 100", bal)
	}
}
