// Package memory provides an in-memory ledger. Transactions work on a private
// copy of the committed state and swap it in on Commit; only one transaction
// may be open at a time.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/ledger"
)

type accountKey struct {
	token   common.Address
	account common.Address
}

type allowanceKey struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

type state struct {
	tokens     map[common.Address]permitpay.TokenConfig
	balances   map[accountKey]*big.Int
	nonces     map[accountKey]*big.Int
	allowances map[allowanceKey]*big.Int
	records    []permitpay.PaymentRecord
}

func newState() *state {
	return &state{
		tokens:     make(map[common.Address]permitpay.TokenConfig),
		balances:   make(map[accountKey]*big.Int),
		nonces:     make(map[accountKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
}

// clone deep-copies every value so a transaction can mutate big.Ints in place.
func (s *state) clone() *state {
	c := &state{
		tokens:     make(map[common.Address]permitpay.TokenConfig, len(s.tokens)),
		balances:   make(map[accountKey]*big.Int, len(s.balances)),
		nonces:     make(map[accountKey]*big.Int, len(s.nonces)),
		allowances: make(map[allowanceKey]*big.Int, len(s.allowances)),
		records:    make([]permitpay.PaymentRecord, len(s.records)),
	}
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = new(big.Int).Set(v)
	}
	for k, v := range s.nonces {
		c.nonces[k] = new(big.Int).Set(v)
	}
	for k, v := range s.allowances {
		c.allowances[k] = new(big.Int).Set(v)
	}
	copy(c.records, s.records)
	return c
}

func (s *state) token(addr common.Address) (permitpay.TokenConfig, error) {
	cfg, ok := s.tokens[addr]
	if !ok {
		return permitpay.TokenConfig{}, fmt.Errorf("%w: %s", permitpay.ErrUnknownToken, addr.Hex())
	}
	return cfg, nil
}

func valueOf(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// copyRecord detaches rec's amounts from the caller's.
func copyRecord(rec permitpay.PaymentRecord) permitpay.PaymentRecord {
	for _, v := range []**big.Int{&rec.Amount, &rec.Forwarded, &rec.Nonce} {
		if *v != nil {
			*v = new(big.Int).Set(*v)
		}
	}
	return rec
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the time source used to check delegation deadlines.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// Ledger is an in-memory ledger.Ledger.
type Ledger struct {
	// writer is a one-slot semaphore held by the open transaction.
	writer chan struct{}

	mu    sync.RWMutex
	state *state

	now    func() time.Time
	logger *slog.Logger
}

var (
	_ ledger.Ledger = (*Ledger)(nil)
	_ ledger.Admin  = (*Ledger)(nil)
)

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		writer: make(chan struct{}, 1),
		state:  newState(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) committed() *state {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Token implements ledger.Reader.
func (l *Ledger) Token(_ context.Context, token common.Address) (permitpay.TokenConfig, error) {
	return l.committed().token(token)
}

// BalanceOf implements ledger.Reader.
func (l *Ledger) BalanceOf(_ context.Context, token, account common.Address) (*big.Int, error) {
	return valueOf(l.committed().balances[accountKey{token, account}]), nil
}

// NonceOf implements ledger.Reader.
func (l *Ledger) NonceOf(_ context.Context, token, owner common.Address) (*big.Int, error) {
	return valueOf(l.committed().nonces[accountKey{token, owner}]), nil
}

// Allowance implements ledger.Reader.
func (l *Ledger) Allowance(_ context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return valueOf(l.committed().allowances[allowanceKey{token, owner, spender}]), nil
}

// Records implements ledger.Ledger.
func (l *Ledger) Records(ctx context.Context, filter ledger.RecordFilter) ([]permitpay.PaymentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []permitpay.PaymentRecord
	for _, rec := range l.committed().records {
		if !filter.Match(rec) {
			continue
		}
		out = append(out, copyRecord(rec))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Begin implements ledger.Ledger. It waits for the open transaction to finish
// or for ctx to be done.
func (l *Ledger) Begin(ctx context.Context) (ledger.Tx, error) {
	select {
	case l.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Tx{ledger: l, state: l.committed().clone()}, nil
}

// RegisterToken implements ledger.Admin.
func (l *Ledger) RegisterToken(ctx context.Context, cfg permitpay.TokenConfig) error {
	return l.update(ctx, func(s *state) error {
		if cfg.Address == (common.Address{}) {
			return fmt.Errorf("%w: token address is required", permitpay.ErrUnknownToken)
		}
		s.tokens[cfg.Address] = cfg
		return nil
	})
}

// Mint implements ledger.Admin.
func (l *Ledger) Mint(ctx context.Context, token, account common.Address, amount *big.Int) error {
	return l.update(ctx, func(s *state) error {
		if _, err := s.token(token); err != nil {
			return err
		}
		if amount == nil || amount.Sign() <= 0 {
			return permitpay.ErrInvalidAmount
		}
		key := accountKey{token, account}
		s.balances[key] = new(big.Int).Add(valueOf(s.balances[key]), amount)
		return nil
	})
}

func (l *Ledger) update(ctx context.Context, fn func(*state) error) error {
	tx, err := l.Begin(ctx)
	if err != nil {
		return err
	}
	t := tx.(*Tx)
	if err := fn(t.state); err != nil {
		_ = t.Rollback()
		return err
	}
	return t.Commit()
}

// Tx is an open transaction against a Ledger.
type Tx struct {
	ledger *Ledger
	state  *state
	done   bool
}

var _ ledger.Tx = (*Tx)(nil)

func (t *Tx) check(ctx context.Context) error {
	if t.done {
		return ledger.ErrTxDone
	}
	return ctx.Err()
}

// Token implements ledger.Reader.
func (t *Tx) Token(ctx context.Context, token common.Address) (permitpay.TokenConfig, error) {
	if err := t.check(ctx); err != nil {
		return permitpay.TokenConfig{}, err
	}
	return t.state.token(token)
}

// BalanceOf implements ledger.Reader.
func (t *Tx) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return valueOf(t.state.balances[accountKey{token, account}]), nil
}

// NonceOf implements ledger.Reader.
func (t *Tx) NonceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return valueOf(t.state.nonces[accountKey{token, owner}]), nil
}

// Allowance implements ledger.Reader.
func (t *Tx) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return valueOf(t.state.allowances[allowanceKey{token, owner, spender}]), nil
}

// Permit implements ledger.Tx.
func (t *Tx) Permit(ctx context.Context, req ledger.PermitRequest) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	cfg, err := t.state.token(req.Token)
	if err != nil {
		return fmt.Errorf("%w: %v", permitpay.ErrDelegationRejected, err)
	}

	key := accountKey{req.Token, req.Owner}
	nonce := valueOf(t.state.nonces[key])
	if err := ledger.CheckPermit(cfg, req, nonce, t.ledger.now()); err != nil {
		t.ledger.logger.Debug("permit rejected", "token", req.Token.Hex(), "owner", req.Owner.Hex(), "nonce", nonce.String(), "error", err)
		return err
	}

	t.state.allowances[allowanceKey{req.Token, req.Owner, req.Spender}] = new(big.Int).Set(req.Value)
	t.state.nonces[key] = nonce.Add(nonce, big.NewInt(1))
	return nil
}

// TransferFrom implements ledger.Tx.
func (t *Tx) TransferFrom(ctx context.Context, token, spender, from, to common.Address, amount *big.Int) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if err := ledger.CheckTransfer(to, amount); err != nil {
		return err
	}
	akey := allowanceKey{token, from, spender}
	allowance := valueOf(t.state.allowances[akey])
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: allowance %s below %s", permitpay.ErrInsufficientFunds, allowance, amount)
	}
	if err := t.move(token, from, to, amount); err != nil {
		return err
	}
	t.state.allowances[akey] = allowance.Sub(allowance, amount)
	return nil
}

// Transfer implements ledger.Tx.
func (t *Tx) Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if err := ledger.CheckTransfer(to, amount); err != nil {
		return err
	}
	return t.move(token, from, to, amount)
}

func (t *Tx) move(token, from, to common.Address, amount *big.Int) error {
	if _, err := t.state.token(token); err != nil {
		return err
	}
	fromKey := accountKey{token, from}
	balance := valueOf(t.state.balances[fromKey])
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: balance %s below %s", permitpay.ErrInsufficientFunds, balance, amount)
	}
	t.state.balances[fromKey] = balance.Sub(balance, amount)

	toKey := accountKey{token, to}
	t.state.balances[toKey] = new(big.Int).Add(valueOf(t.state.balances[toKey]), amount)
	return nil
}

// AppendRecord implements ledger.Tx.
func (t *Tx) AppendRecord(ctx context.Context, rec permitpay.PaymentRecord) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	t.state.records = append(t.state.records, copyRecord(rec))
	return nil
}

// Commit publishes the transaction's state and releases the writer slot.
func (t *Tx) Commit() error {
	if t.done {
		return ledger.ErrTxDone
	}
	t.done = true

	t.ledger.mu.Lock()
	t.ledger.state = t.state
	t.ledger.mu.Unlock()

	<-t.ledger.writer
	return nil
}

// Rollback discards the transaction's state and releases the writer slot.
func (t *Tx) Rollback() error {
	if t.done {
		return ledger.ErrTxDone
	}
	t.done = true
	t.state = nil
	<-t.ledger.writer
	return nil
}
