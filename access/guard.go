// Package access implements the administrative policy checked at the top of
// every settlement entry point: a single owner, a paused switch and the set of
// relays allowed to submit settlements.
package access

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go"
)

// Policy is what the engine consults before running an entry point.
type Policy interface {
	// RequireActive fails with permitpay.ErrPaused while paused.
	RequireActive() error

	// RequireRelay fails with permitpay.ErrUnauthorized unless caller may settle.
	RequireRelay(caller common.Address) error
}

// Guard is a Policy with owner-only administration.
type Guard struct {
	mu     sync.RWMutex
	owner  common.Address
	paused bool

	// relays is the allow-list; nil means any caller may relay.
	relays map[common.Address]struct{}

	logger *slog.Logger
}

var _ Policy = (*Guard)(nil)

// Option configures a Guard.
type Option func(*Guard)

// WithRelays restricts settlement to the given relays. Without it any caller
// may relay until the owner adds the first relay.
func WithRelays(relays ...common.Address) Option {
	return func(g *Guard) {
		if g.relays == nil {
			g.relays = make(map[common.Address]struct{}, len(relays))
		}
		for _, r := range relays {
			g.relays[r] = struct{}{}
		}
	}
}

// WithPaused starts the guard paused.
func WithPaused() Option {
	return func(g *Guard) {
		g.paused = true
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

// NewGuard creates a guard owned by owner.
func NewGuard(owner common.Address, opts ...Option) (*Guard, error) {
	if owner == (common.Address{}) {
		return nil, fmt.Errorf("%w: owner cannot be the zero address", permitpay.ErrUnauthorized)
	}
	g := &Guard{
		owner:  owner,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Owner returns the current owner.
func (g *Guard) Owner() common.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.owner
}

// Paused reports whether the guard is paused.
func (g *Guard) Paused() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.paused
}

// Relays returns the allow-list, or nil when any caller may relay.
func (g *Guard) Relays() []common.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.relays == nil {
		return nil
	}
	out := make([]common.Address, 0, len(g.relays))
	for r := range g.relays {
		out = append(out, r)
	}
	return out
}

func (g *Guard) requireOwner(caller common.Address) error {
	if caller != g.owner {
		return fmt.Errorf("%w: %s is not the owner", permitpay.ErrUnauthorized, caller.Hex())
	}
	return nil
}

// Pause stops every pause-gated entry point.
func (g *Guard) Pause(caller common.Address) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.requireOwner(caller); err != nil {
		return err
	}
	if g.paused {
		return permitpay.ErrPaused
	}
	g.paused = true
	g.logger.Info("engine paused", "by", caller.Hex())
	return nil
}

// Unpause resumes the pause-gated entry points.
func (g *Guard) Unpause(caller common.Address) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.requireOwner(caller); err != nil {
		return err
	}
	if !g.paused {
		return permitpay.ErrNotPaused
	}
	g.paused = false
	g.logger.Info("engine unpaused", "by", caller.Hex())
	return nil
}

// TransferOwnership hands ownership to newOwner immediately. There is no
// acceptance step.
func (g *Guard) TransferOwnership(caller, newOwner common.Address) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.requireOwner(caller); err != nil {
		return err
	}
	if newOwner == (common.Address{}) {
		return fmt.Errorf("%w: new owner cannot be the zero address", permitpay.ErrUnauthorized)
	}
	g.owner = newOwner
	g.logger.Info("ownership transferred", "from", caller.Hex(), "to", newOwner.Hex())
	return nil
}

// AddRelay allows relay to submit settlements.
func (g *Guard) AddRelay(caller, relay common.Address) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.requireOwner(caller); err != nil {
		return err
	}
	if g.relays == nil {
		g.relays = make(map[common.Address]struct{})
	}
	g.relays[relay] = struct{}{}
	g.logger.Info("relay added", "relay", relay.Hex())
	return nil
}

// RemoveRelay revokes relay. Removing the last relay leaves an empty
// allow-list, which rejects every caller.
func (g *Guard) RemoveRelay(caller, relay common.Address) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.requireOwner(caller); err != nil {
		return err
	}
	if g.relays == nil {
		g.relays = make(map[common.Address]struct{})
	}
	delete(g.relays, relay)
	g.logger.Info("relay removed", "relay", relay.Hex())
	return nil
}

// RequireActive implements Policy.
func (g *Guard) RequireActive() error {
	if g.Paused() {
		return permitpay.ErrPaused
	}
	return nil
}

// RequireRelay implements Policy.
func (g *Guard) RequireRelay(caller common.Address) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.relays == nil {
		return nil
	}
	if _, ok := g.relays[caller]; !ok {
		return fmt.Errorf("%w: %s is not a relay", permitpay.ErrUnauthorized, caller.Hex())
	}
	return nil
}
