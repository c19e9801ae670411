package main

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/validation"
)

// Ledger backends.
const (
	backendMemory = "memory"
	backendSQLite = "sqlite"
)

// Config is the daemon configuration, read from PERMITPAY_* variables.
type Config struct {
	HTTPAddr string `env:"PERMITPAY_HTTP_ADDR" envDefault:":8080"`

	// MCPAddr serves the MCP tools. Empty disables the listener.
	MCPAddr string `env:"PERMITPAY_MCP_ADDR" envDefault:":8081"`

	Ledger string `env:"PERMITPAY_LEDGER" envDefault:"memory"`
	DBPath string `env:"PERMITPAY_DB_PATH" envDefault:"data/permitpay.db"`

	// Network selects the chain and its USDC deployment.
	Network       string `env:"PERMITPAY_NETWORK" envDefault:"base-sepolia"`
	EngineAddress string `env:"PERMITPAY_ENGINE_ADDRESS,required"`
	Schema        string `env:"PERMITPAY_SCHEMA" envDefault:"bound"`

	Owner  string   `env:"PERMITPAY_OWNER,required"`
	Relays []string `env:"PERMITPAY_RELAYS" envSeparator:","`
	Paused bool     `env:"PERMITPAY_START_PAUSED"`

	// FeeBasisPoints charges a share of each payment to the relay. Zero
	// honours the relay's own fee instruction, capped by FeeCap.
	FeeBasisPoints uint16 `env:"PERMITPAY_FEE_BPS"`
	FeeCap         string `env:"PERMITPAY_FEE_CAP"`

	// AuthKey is the PEM key caller tokens are signed with. Empty generates
	// one for this process.
	AuthKey     string        `env:"PERMITPAY_AUTH_KEY_FILE,file"`
	AuthKeyID   string        `env:"PERMITPAY_AUTH_KEY_ID" envDefault:"permitpayd"`
	DevTokenTTL time.Duration `env:"PERMITPAY_DEV_TOKEN_TTL" envDefault:"1h"`

	// Seed mints "address=amount" balances of the network's USDC at start.
	Seed []string `env:"PERMITPAY_SEED" envSeparator:","`

	RequestTimeout  time.Duration `env:"PERMITPAY_REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"PERMITPAY_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel        slog.Level    `env:"PERMITPAY_LOG_LEVEL" envDefault:"info"`
}

// seed is one parsed PERMITPAY_SEED entry.
type seed struct {
	Account common.Address
	Amount  *big.Int
}

// LoadConfig reads the configuration from the process environment.
func LoadConfig() (Config, error) {
	return loadConfig(env.Options{})
}

func loadConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields the environment parser cannot.
func (c Config) Validate() error {
	switch c.Ledger {
	case backendMemory, backendSQLite:
	default:
		return fmt.Errorf("unknown ledger backend %q: must be %s or %s", c.Ledger, backendMemory, backendSQLite)
	}
	if c.Ledger == backendSQLite && strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("sqlite ledger requires PERMITPAY_DB_PATH")
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("PERMITPAY_HTTP_ADDR cannot be empty")
	}
	if _, err := permitpay.ChainByNetwork(c.Network); err != nil {
		return err
	}
	if _, ok := permitpay.ParseSchema(c.Schema); !ok {
		return fmt.Errorf("unknown payment schema %q", c.Schema)
	}
	if err := validation.ValidateAddress(c.EngineAddress); err != nil {
		return fmt.Errorf("engine address: %w", err)
	}
	if err := validation.ValidateAddress(c.Owner); err != nil {
		return fmt.Errorf("owner: %w", err)
	}
	for _, r := range c.Relays {
		if err := validation.ValidateAddress(strings.TrimSpace(r)); err != nil {
			return fmt.Errorf("relay: %w", err)
		}
	}
	if c.FeeBasisPoints > 10_000 {
		return fmt.Errorf("fee basis points %d exceed 10000", c.FeeBasisPoints)
	}
	if c.FeeCap != "" {
		if err := validation.ValidateAmount(c.FeeCap); err != nil {
			return fmt.Errorf("fee cap: %w", err)
		}
	}
	if _, err := c.Seeds(); err != nil {
		return err
	}
	if c.RequestTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

// Chain returns the configured chain.
func (c Config) Chain() permitpay.ChainConfig {
	chain, _ := permitpay.ChainByNetwork(c.Network)
	return chain
}

// RelayAddresses returns the relay allow-list, or nil when none is configured.
func (c Config) RelayAddresses() []common.Address {
	if len(c.Relays) == 0 {
		return nil
	}
	out := make([]common.Address, 0, len(c.Relays))
	for _, r := range c.Relays {
		out = append(out, common.HexToAddress(strings.TrimSpace(r)))
	}
	return out
}

// Seeds parses the seed balances.
func (c Config) Seeds() ([]seed, error) {
	out := make([]seed, 0, len(c.Seed))
	for _, entry := range c.Seed {
		addr, amount, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			return nil, fmt.Errorf("seed %q: expected address=amount", entry)
		}
		if err := validation.ValidateAddress(addr); err != nil {
			return nil, fmt.Errorf("seed %q: %w", entry, err)
		}
		if err := validation.ValidateAmount(amount); err != nil {
			return nil, fmt.Errorf("seed %q: %w", entry, err)
		}
		v, _ := new(big.Int).SetString(amount, 10)
		out = append(out, seed{Account: common.HexToAddress(addr), Amount: v})
	}
	return out, nil
}
