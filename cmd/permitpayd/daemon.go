package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/access"
	"github.com/mark3labs/permitpay-go/engine"
	"github.com/mark3labs/permitpay-go/facilitator"
	"github.com/mark3labs/permitpay-go/fee"
	permithttp "github.com/mark3labs/permitpay-go/http"
	permitchi "github.com/mark3labs/permitpay-go/http/chi"
	"github.com/mark3labs/permitpay-go/ledger"
	"github.com/mark3labs/permitpay-go/ledger/memory"
	"github.com/mark3labs/permitpay-go/ledger/sqlite"
	mcpserver "github.com/mark3labs/permitpay-go/mcp/server"
	"github.com/mark3labs/permitpay-go/relayauth"
)

const version = "0.1.0"

// store is what the daemon needs from a ledger backend.
type store interface {
	ledger.Ledger
	ledger.Admin
}

// daemon holds the assembled service.
type daemon struct {
	cfg    Config
	logger *slog.Logger

	ledger store
	close  func() error
	guard  *access.Guard
	engine *engine.Engine
	local  *facilitator.Local
	issuer *relayauth.Issuer

	api http.Handler
	mcp http.Handler
}

func openStore(cfg Config, logger *slog.Logger) (store, func() error, error) {
	switch cfg.Ledger {
	case backendSQLite:
		if dir := filepath.Dir(cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		s, err := sqlite.Open(cfg.DBPath, sqlite.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return memory.New(memory.WithLogger(logger)), func() error { return nil }, nil
	}
}

func newDaemon(ctx context.Context, cfg Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}

	l, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	d.ledger, d.close = l, closeStore

	if err := d.build(ctx); err != nil {
		_ = closeStore()
		return nil, err
	}
	return d, nil
}

func (d *daemon) build(ctx context.Context) error {
	cfg := d.cfg
	chain := cfg.Chain()
	token := permitpay.NewUSDCTokenConfig(chain)

	if err := d.ledger.RegisterToken(ctx, token); err != nil {
		return fmt.Errorf("register token: %w", err)
	}
	seeds, err := cfg.Seeds()
	if err != nil {
		return err
	}
	for _, s := range seeds {
		if err := d.ledger.Mint(ctx, token.Address, s.Account, s.Amount); err != nil {
			return fmt.Errorf("seed %s: %w", s.Account.Hex(), err)
		}
		d.logger.Info("seeded balance", "account", s.Account.Hex(), "amount", s.Amount.String(), "token", token.Symbol)
	}

	guardOpts := []access.Option{access.WithLogger(d.logger)}
	if relays := cfg.RelayAddresses(); relays != nil {
		guardOpts = append(guardOpts, access.WithRelays(relays...))
	}
	if cfg.Paused {
		guardOpts = append(guardOpts, access.WithPaused())
	}
	d.guard, err = access.NewGuard(common.HexToAddress(cfg.Owner), guardOpts...)
	if err != nil {
		return fmt.Errorf("create guard: %w", err)
	}

	schema, _ := permitpay.ParseSchema(cfg.Schema)
	d.engine, err = engine.New(
		common.HexToAddress(cfg.EngineAddress),
		chain.ChainIDBig(),
		d.ledger,
		d.guard,
		engine.WithSchema(schema),
		engine.WithFeeCharger(cfg.feeCharger()),
		engine.WithLogger(d.logger),
	)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	d.local, err = facilitator.NewLocal(d.engine, d.guard, d.ledger,
		facilitator.WithTokens(token.Address),
		facilitator.WithLogger(d.logger),
	)
	if err != nil {
		return fmt.Errorf("create facilitator: %w", err)
	}

	key := cfg.AuthKey
	if key == "" {
		d.logger.Warn("no auth key configured, generating an ephemeral one")
		if key, err = relayauth.GenerateKey(); err != nil {
			return err
		}
	}
	d.issuer, err = relayauth.NewIssuer(cfg.AuthKeyID, key)
	if err != nil {
		return fmt.Errorf("load auth key: %w", err)
	}
	verifier := d.issuer.Verifier()

	handlers := &permithttp.Handlers{Facilitator: d.local, Admin: d.local, Logger: d.logger}
	d.api = permitchi.NewRouter(handlers, permitchi.Config{
		Verifier:       verifier,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         d.logger,
	})

	tools := mcpserver.New("permitpayd", version, d.local,
		mcpserver.WithSettlement(),
		mcpserver.WithLogger(d.logger),
	)
	d.mcp = tools.Handler(permithttp.Authenticate(verifier, d.logger))
	return nil
}

func (c Config) feeCharger() fee.Charger {
	if c.FeeBasisPoints > 0 {
		return fee.BasisPoints{Rate: c.FeeBasisPoints}
	}
	var charger fee.TransferCharger
	if c.FeeCap != "" {
		charger.Max, _ = new(big.Int).SetString(c.FeeCap, 10)
	}
	return charger
}

// logDevTokens prints owner and relay tokens so a fresh process can be
// driven from curl.
func (d *daemon) logDevTokens() {
	callers := append([]common.Address{d.guard.Owner()}, d.guard.Relays()...)
	for _, caller := range callers {
		token, err := d.issuer.Token(caller, d.cfg.DevTokenTTL)
		if err != nil {
			d.logger.Error("failed to issue dev token", "caller", caller.Hex(), "error", err)
			continue
		}
		d.logger.Info("dev token", "caller", caller.Hex(), "ttl", d.cfg.DevTokenTTL, "token", token)
	}
}

// serve runs srv until ctx ends, then shuts it down.
func serve(ctx context.Context, srv *http.Server, timeout time.Duration, logger *slog.Logger) error {
	serveErr := make(chan error, 1)
	logger.Info("listening", "addr", srv.Addr)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		err := srv.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown %s: %w", srv.Addr, err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", srv.Addr, err)
	}
}

// Run serves the API, and the MCP tools when configured, until ctx ends or
// a listener fails.
func (d *daemon) Run(ctx context.Context) error {
	defer func() {
		if err := d.close(); err != nil {
			d.logger.Error("failed to close ledger", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	servers := []*http.Server{{
		Addr:              d.cfg.HTTPAddr,
		Handler:           d.api,
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if d.cfg.MCPAddr != "" {
		servers = append(servers, &http.Server{
			Addr:              d.cfg.MCPAddr,
			Handler:           d.mcp,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	errs := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			err := serve(ctx, srv, d.cfg.ShutdownTimeout, d.logger)
			// One listener failing stops the rest.
			cancel()
			errs <- err
		}()
	}

	var err error
	for range servers {
		err = errors.Join(err, <-errs)
	}
	return err
}
