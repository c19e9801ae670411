// Package sqlite provides a SQLite-backed ledger. Amounts are stored as
// decimal TEXT, and every transaction is a SQL transaction on the single pooled
// connection, so settlements are serialized and roll back natively.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/ledger"
	"github.com/mark3labs/permitpay-go/ledger/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func storageErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, sql.ErrTxDone) {
		return ledger.ErrTxDone
	}
	return fmt.Errorf("%w: %s: %v", permitpay.ErrLedgerFailure, op, err)
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used to check delegation deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store persists ledger state in SQLite.
type Store struct {
	reader
	sqlDB  *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

var (
	_ ledger.Ledger = (*Store)(nil)
	_ ledger.Admin  = (*Store)(nil)
)

// Open opens a SQLite ledger at path and applies embedded migrations.
// Use ":memory:" for a private in-memory database.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection: a ledger transaction owns it until Commit or Rollback,
	// which also keeps a ":memory:" database alive for the life of the Store.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{
		reader: reader{q: sqlDB},
		sqlDB:  sqlDB,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Begin implements ledger.Ledger. It waits for the pooled connection, so only
// one transaction is open at a time.
func (s *Store) Begin(ctx context.Context) (ledger.Tx, error) {
	sqlTx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, storageErr("begin", err)
	}
	return &Tx{reader: reader{q: sqlTx}, sqlTx: sqlTx, store: s}, nil
}

// Records implements ledger.Ledger.
func (s *Store) Records(ctx context.Context, filter ledger.RecordFilter) ([]permitpay.PaymentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if filter.Token != nil {
		where = append(where, "token = ?")
		args = append(args, filter.Token.Hex())
	}
	if filter.Payer != nil {
		where = append(where, "payer = ?")
		args = append(args, filter.Payer.Hex())
	}
	if filter.Receiver != nil {
		where = append(where, "receiver = ?")
		args = append(args, filter.Receiver.Hex())
	}

	query := `SELECT token, payer, receiver, amount, forwarded, nonce, relay, settled_at FROM payment_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list payment records", err)
	}
	defer rows.Close()

	var out []permitpay.PaymentRecord
	for rows.Next() {
		var (
			token, payer, receiver, relay string
			amount, forwarded, nonce      string
			settledAt                     int64
		)
		if err := rows.Scan(&token, &payer, &receiver, &amount, &forwarded, &nonce, &relay, &settledAt); err != nil {
			return nil, storageErr("scan payment record", err)
		}
		rec := permitpay.PaymentRecord{
			Token:     common.HexToAddress(token),
			Payer:     common.HexToAddress(payer),
			Receiver:  common.HexToAddress(receiver),
			Relay:     common.HexToAddress(relay),
			SettledAt: fromMillis(settledAt),
		}
		if rec.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		if rec.Forwarded, err = parseAmount(forwarded); err != nil {
			return nil, err
		}
		if rec.Nonce, err = parseAmount(nonce); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate payment records", err)
	}
	return out, nil
}

// RegisterToken implements ledger.Admin.
func (s *Store) RegisterToken(ctx context.Context, cfg permitpay.TokenConfig) error {
	if cfg.Address == (common.Address{}) {
		return fmt.Errorf("%w: token address is required", permitpay.ErrUnknownToken)
	}
	chainID := "0"
	if cfg.ChainID != nil {
		chainID = cfg.ChainID.String()
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO tokens (address, symbol, decimals, permit_name, permit_version, chain_id)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET
		   symbol = excluded.symbol,
		   decimals = excluded.decimals,
		   permit_name = excluded.permit_name,
		   permit_version = excluded.permit_version,
		   chain_id = excluded.chain_id`,
		cfg.Address.Hex(),
		cfg.Symbol,
		cfg.Decimals,
		cfg.PermitName,
		cfg.PermitVersion,
		chainID,
	)
	if err != nil {
		return storageErr("register token", err)
	}
	return nil
}

// Mint implements ledger.Admin.
func (s *Store) Mint(ctx context.Context, token, account common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return permitpay.ErrInvalidAmount
	}
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	t := tx.(*Tx)
	if _, err := t.Token(ctx, token); err != nil {
		_ = t.Rollback()
		return err
	}
	balance, err := t.BalanceOf(ctx, token, account)
	if err != nil {
		_ = t.Rollback()
		return err
	}
	if err := t.setBalance(ctx, token, account, balance.Add(balance, amount)); err != nil {
		_ = t.Rollback()
		return err
	}
	return t.Commit()
}

// Tx is an open SQL transaction against a Store.
type Tx struct {
	reader
	sqlTx *sql.Tx
	store *Store
	done  bool
}

var _ ledger.Tx = (*Tx)(nil)

// Permit implements ledger.Tx.
func (t *Tx) Permit(ctx context.Context, req ledger.PermitRequest) error {
	cfg, err := t.Token(ctx, req.Token)
	if err != nil {
		if errors.Is(err, permitpay.ErrUnknownToken) {
			return fmt.Errorf("%w: %v", permitpay.ErrDelegationRejected, err)
		}
		return err
	}
	nonce, err := t.NonceOf(ctx, req.Token, req.Owner)
	if err != nil {
		return err
	}
	if err := ledger.CheckPermit(cfg, req, nonce, t.store.now()); err != nil {
		t.store.logger.Debug("permit rejected", "token", req.Token.Hex(), "owner", req.Owner.Hex(), "nonce", nonce.String(), "error", err)
		return err
	}

	if _, err := t.sqlTx.ExecContext(
		ctx,
		`INSERT INTO allowances (token, owner, spender, amount) VALUES (?, ?, ?, ?)
		 ON CONFLICT(token, owner, spender) DO UPDATE SET amount = excluded.amount`,
		req.Token.Hex(), req.Owner.Hex(), req.Spender.Hex(), req.Value.String(),
	); err != nil {
		return storageErr("set allowance", err)
	}
	if _, err := t.sqlTx.ExecContext(
		ctx,
		`INSERT INTO nonces (token, owner, nonce) VALUES (?, ?, ?)
		 ON CONFLICT(token, owner) DO UPDATE SET nonce = excluded.nonce`,
		req.Token.Hex(), req.Owner.Hex(), nonce.Add(nonce, big.NewInt(1)).String(),
	); err != nil {
		return storageErr("advance nonce", err)
	}
	return nil
}

// TransferFrom implements ledger.Tx.
func (t *Tx) TransferFrom(ctx context.Context, token, spender, from, to common.Address, amount *big.Int) error {
	if err := ledger.CheckTransfer(to, amount); err != nil {
		return err
	}
	allowance, err := t.Allowance(ctx, token, from, spender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: allowance %s below %s", permitpay.ErrInsufficientFunds, allowance, amount)
	}
	if err := t.move(ctx, token, from, to, amount); err != nil {
		return err
	}
	if _, err := t.sqlTx.ExecContext(
		ctx,
		`UPDATE allowances SET amount = ? WHERE token = ? AND owner = ? AND spender = ?`,
		allowance.Sub(allowance, amount).String(), token.Hex(), from.Hex(), spender.Hex(),
	); err != nil {
		return storageErr("consume allowance", err)
	}
	return nil
}

// Transfer implements ledger.Tx.
func (t *Tx) Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error {
	if err := ledger.CheckTransfer(to, amount); err != nil {
		return err
	}
	return t.move(ctx, token, from, to, amount)
}

func (t *Tx) move(ctx context.Context, token, from, to common.Address, amount *big.Int) error {
	if _, err := t.Token(ctx, token); err != nil {
		return err
	}
	balance, err := t.BalanceOf(ctx, token, from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: balance %s below %s", permitpay.ErrInsufficientFunds, balance, amount)
	}
	if err := t.setBalance(ctx, token, from, balance.Sub(balance, amount)); err != nil {
		return err
	}

	// Read the destination after debiting so from == to nets to zero.
	dest, err := t.BalanceOf(ctx, token, to)
	if err != nil {
		return err
	}
	return t.setBalance(ctx, token, to, dest.Add(dest, amount))
}

func (t *Tx) setBalance(ctx context.Context, token, account common.Address, amount *big.Int) error {
	_, err := t.sqlTx.ExecContext(
		ctx,
		`INSERT INTO balances (token, account, amount) VALUES (?, ?, ?)
		 ON CONFLICT(token, account) DO UPDATE SET amount = excluded.amount`,
		token.Hex(), account.Hex(), amount.String(),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: %s", permitpay.ErrUnknownToken, token.Hex())
		}
		return storageErr("set balance", err)
	}
	return nil
}

// AppendRecord implements ledger.Tx.
func (t *Tx) AppendRecord(ctx context.Context, rec permitpay.PaymentRecord) error {
	_, err := t.sqlTx.ExecContext(
		ctx,
		`INSERT INTO payment_records (token, payer, receiver, amount, forwarded, nonce, relay, settled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Token.Hex(),
		rec.Payer.Hex(),
		rec.Receiver.Hex(),
		amountString(rec.Amount),
		amountString(rec.Forwarded),
		amountString(rec.Nonce),
		rec.Relay.Hex(),
		toMillis(rec.SettledAt),
	)
	if err != nil {
		return storageErr("append payment record", err)
	}
	return nil
}

// Commit implements ledger.Tx.
func (t *Tx) Commit() error {
	if t.done {
		return ledger.ErrTxDone
	}
	t.done = true
	if err := t.sqlTx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

// Rollback implements ledger.Tx.
func (t *Tx) Rollback() error {
	if t.done {
		return ledger.ErrTxDone
	}
	t.done = true
	if err := t.sqlTx.Rollback(); err != nil {
		return storageErr("rollback", err)
	}
	return nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: corrupt amount %q", permitpay.ErrLedgerFailure, s)
	}
	return v, nil
}
