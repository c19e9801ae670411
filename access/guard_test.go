package access

import (
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go"
)

var (
	owner    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	stranger = common.HexToAddress("0x2000000000000000000000000000000000000002")
	relay    = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

func newTestGuard(t *testing.T, opts ...Option) *Guard {
	t.Helper()
	g, err := NewGuard(owner, opts...)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	return g
}

func TestNewGuard_ZeroOwner(t *testing.T) {
	if _, err := NewGuard(common.Address{}); !errors.Is(err, permitpay.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestPauseUnpause(t *testing.T) {
	g := newTestGuard(t)

	if err := g.RequireActive(); err != nil {
		t.Fatalf("new guard should be active: %v", err)
	}

	tests := []struct {
		name    string
		op      func() error
		wantErr error
		paused  bool
	}{
		{"stranger cannot pause", func() error { return g.Pause(stranger) }, permitpay.ErrUnauthorized, false},
		{"unpause while active", func() error { return g.Unpause(owner) }, permitpay.ErrNotPaused, false},
		{"owner pauses", func() error { return g.Pause(owner) }, nil, true},
		{"pause twice", func() error { return g.Pause(owner) }, permitpay.ErrPaused, true},
		{"stranger cannot unpause", func() error { return g.Unpause(stranger) }, permitpay.ErrUnauthorized, true},
		{"owner unpauses", func() error { return g.Unpause(owner) }, nil, false},
	}

	// Steps run in order against the same guard.
	for _, tt := range tests {
		err := tt.op()
		if !errors.Is(err, tt.wantErr) {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.wantErr, err)
		}
		if g.Paused() != tt.paused {
			t.Fatalf("%s: paused = %v, want %v", tt.name, g.Paused(), tt.paused)
		}
		wantActive := error(nil)
		if tt.paused {
			wantActive = permitpay.ErrPaused
		}
		if err := g.RequireActive(); !errors.Is(err, wantActive) {
			t.Fatalf("%s: RequireActive = %v, want %v", tt.name, err, wantActive)
		}
	}
}

func TestTransferOwnership(t *testing.T) {
	g := newTestGuard(t)

	if err := g.TransferOwnership(stranger, stranger); !errors.Is(err, permitpay.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for non-owner, got %v", err)
	}
	if err := g.TransferOwnership(owner, common.Address{}); !errors.Is(err, permitpay.ErrUnauthorized) {
		t.Errorf("expected zero new owner to be refused, got %v", err)
	}
	if err := g.TransferOwnership(owner, stranger); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if g.Owner() != stranger {
		t.Errorf("owner = %s, want %s", g.Owner().Hex(), stranger.Hex())
	}

	// Takes effect immediately: the old owner is locked out.
	if err := g.Pause(owner); !errors.Is(err, permitpay.ErrUnauthorized) {
		t.Errorf("expected old owner to be refused, got %v", err)
	}
	if err := g.Pause(stranger); err != nil {
		t.Errorf("new owner should pause: %v", err)
	}
}

func TestRelayAllowList(t *testing.T) {
	t.Run("open by default", func(t *testing.T) {
		g := newTestGuard(t)
		if err := g.RequireRelay(stranger); err != nil {
			t.Errorf("expected any relay to be accepted, got %v", err)
		}
		if g.Relays() != nil {
			t.Errorf("expected nil allow-list, got %v", g.Relays())
		}
	})

	t.Run("configured", func(t *testing.T) {
		g := newTestGuard(t, WithRelays(relay))
		if err := g.RequireRelay(relay); err != nil {
			t.Errorf("relay should be accepted: %v", err)
		}
		if err := g.RequireRelay(stranger); !errors.Is(err, permitpay.ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("owner managed", func(t *testing.T) {
		g := newTestGuard(t)
		if err := g.AddRelay(stranger, relay); !errors.Is(err, permitpay.ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
		if err := g.AddRelay(owner, relay); err != nil {
			t.Fatalf("add relay: %v", err)
		}
		if err := g.RequireRelay(stranger); !errors.Is(err, permitpay.ErrUnauthorized) {
			t.Errorf("adding a relay should close the list, got %v", err)
		}
		if err := g.RemoveRelay(owner, relay); err != nil {
			t.Fatalf("remove relay: %v", err)
		}
		if err := g.RequireRelay(relay); !errors.Is(err, permitpay.ErrUnauthorized) {
			t.Errorf("removed relay should be refused, got %v", err)
		}
		if len(g.Relays()) != 0 {
			t.Errorf("expected empty allow-list, got %v", g.Relays())
		}
	})
}

func TestGuard_Concurrent(t *testing.T) {
	g := newTestGuard(t, WithPaused())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = g.RequireActive()
			_ = g.RequireRelay(relay)
		}()
		go func() {
			defer wg.Done()
			_ = g.Unpause(owner)
			_ = g.Pause(owner)
		}()
	}
	wg.Wait()
}
