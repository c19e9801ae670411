package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// reader implements ledger.Reader over committed state or an open transaction.
type reader struct {
	q querier
}

// Token implements ledger.Reader.
func (r reader) Token(ctx context.Context, token common.Address) (permitpay.TokenConfig, error) {
	var (
		cfg     permitpay.TokenConfig
		chainID string
	)
	err := r.q.QueryRowContext(
		ctx,
		`SELECT symbol, decimals, permit_name, permit_version, chain_id FROM tokens WHERE address = ?`,
		token.Hex(),
	).Scan(&cfg.Symbol, &cfg.Decimals, &cfg.PermitName, &cfg.PermitVersion, &chainID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return permitpay.TokenConfig{}, fmt.Errorf("%w: %s", permitpay.ErrUnknownToken, token.Hex())
		}
		return permitpay.TokenConfig{}, storageErr("get token", err)
	}
	id, err := parseAmount(chainID)
	if err != nil {
		return permitpay.TokenConfig{}, err
	}
	cfg.Address = token
	cfg.ChainID = id
	return cfg, nil
}

// BalanceOf implements ledger.Reader.
func (r reader) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	return r.amount(ctx, "get balance",
		`SELECT amount FROM balances WHERE token = ? AND account = ?`,
		token.Hex(), account.Hex())
}

// NonceOf implements ledger.Reader.
func (r reader) NonceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return r.amount(ctx, "get nonce",
		`SELECT nonce FROM nonces WHERE token = ? AND owner = ?`,
		token.Hex(), owner.Hex())
}

// Allowance implements ledger.Reader.
func (r reader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return r.amount(ctx, "get allowance",
		`SELECT amount FROM allowances WHERE token = ? AND owner = ? AND spender = ?`,
		token.Hex(), owner.Hex(), spender.Hex())
}

// amount reads a single decimal column; a missing row is zero.
func (r reader) amount(ctx context.Context, op, query string, args ...any) (*big.Int, error) {
	var raw string
	if err := r.q.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return new(big.Int), nil
		}
		return nil, storageErr(op, err)
	}
	return parseAmount(raw)
}
