// Package permitpay settles delegated token payments: a payer signs an intent
// off-chain, a relay submits it and pays for execution, and the engine verifies
// the signature, pulls funds through an EIP-2612 style delegated allowance,
// skims the relay fee and forwards the remainder to the receiver.
//
// This file carries the chain table used to build typed-data domains, with
// verified USDC deployments that support permit-style delegation.
package permitpay

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ChainConfig contains chain-specific configuration for USDC tokens and typed-data domains.
// All USDC addresses and EIP-712 parameters were verified on 2025-10-28.
type ChainConfig struct {
	// NetworkID is the network identifier (e.g., "base", "polygon-amoy").
	NetworkID string

	// ChainID is the EIP-155 chain id bound into every domain separator.
	ChainID int64

	// USDCAddress is the official Circle USDC contract address.
	USDCAddress string

	// Decimals is the number of decimal places for USDC (always 6).
	Decimals uint8

	// PermitName is the token's EIP-712 domain parameter "name".
	PermitName string

	// PermitVersion is the token's EIP-712 domain parameter "version".
	PermitVersion string
}

// TokenConfig describes a token the ledger can move with delegated allowances.
type TokenConfig struct {
	// Address is the token contract address.
	Address common.Address

	// Symbol is the token symbol (e.g., "USDC").
	Symbol string

	// Decimals is the number of decimal places for the token.
	Decimals int

	// PermitName and PermitVersion form the token's own EIP-712 domain,
	// which delegation proofs are signed under.
	PermitName    string
	PermitVersion string

	// ChainID is the chain the token lives on.
	ChainID *big.Int
}

// PermitDomain returns the EIP-712 domain delegation proofs for this token are signed under.
func (t TokenConfig) PermitDomain() Domain {
	return Domain{
		Name:              t.PermitName,
		Version:           t.PermitVersion,
		ChainID:           t.ChainID,
		VerifyingContract: t.Address,
	}
}

// Mainnet chain configurations
var (
	// BaseMainnet is the configuration for Base mainnet.
	BaseMainnet = ChainConfig{
		NetworkID:     "base",
		ChainID:       8453,
		USDCAddress:   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:      6,
		PermitName:    "USD Coin",
		PermitVersion: "2",
	}

	// PolygonMainnet is the configuration for Polygon PoS mainnet.
	PolygonMainnet = ChainConfig{
		NetworkID:     "polygon",
		ChainID:       137,
		USDCAddress:   "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		Decimals:      6,
		PermitName:    "USD Coin",
		PermitVersion: "2",
	}

	// AvalancheMainnet is the configuration for Avalanche C-Chain mainnet.
	AvalancheMainnet = ChainConfig{
		NetworkID:     "avalanche",
		ChainID:       43114,
		USDCAddress:   "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
		Decimals:      6,
		PermitName:    "USD Coin",
		PermitVersion: "2",
	}
)

// Testnet chain configurations
var (
	// BaseSepolia is the configuration for Base Sepolia testnet.
	// USDC address and EIP-712 parameters verified 2025-10-30 via on-chain contract read.
	BaseSepolia = ChainConfig{
		NetworkID:     "base-sepolia",
		ChainID:       84532,
		USDCAddress:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Decimals:      6,
		PermitName:    "USDC",
		PermitVersion: "2",
	}

	// PolygonAmoy is the configuration for Polygon Amoy testnet.
	PolygonAmoy = ChainConfig{
		NetworkID:     "polygon-amoy",
		ChainID:       80002,
		USDCAddress:   "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		Decimals:      6,
		PermitName:    "USDC",
		PermitVersion: "2",
	}

	// AvalancheFuji is the configuration for Avalanche Fuji testnet.
	AvalancheFuji = ChainConfig{
		NetworkID:     "avalanche-fuji",
		ChainID:       43113,
		USDCAddress:   "0x5425890298aed601595a70AB815c96711a31Bc65",
		Decimals:      6,
		PermitName:    "USD Coin",
		PermitVersion: "2",
	}
)

var chainsByNetwork = map[string]ChainConfig{
	BaseMainnet.NetworkID:      BaseMainnet,
	PolygonMainnet.NetworkID:   PolygonMainnet,
	AvalancheMainnet.NetworkID: AvalancheMainnet,
	BaseSepolia.NetworkID:      BaseSepolia,
	PolygonAmoy.NetworkID:      PolygonAmoy,
	AvalancheFuji.NetworkID:    AvalancheFuji,
}

// ChainByNetwork returns the configuration for a network identifier.
func ChainByNetwork(networkID string) (ChainConfig, error) {
	if networkID == "" {
		return ChainConfig{}, fmt.Errorf("%w: networkID cannot be empty", ErrInvalidNetwork)
	}
	chain, ok := chainsByNetwork[strings.ToLower(networkID)]
	if !ok {
		return ChainConfig{}, fmt.Errorf("%w: %s", ErrInvalidNetwork, networkID)
	}
	return chain, nil
}

// ChainIDBig returns the chain id as a *big.Int.
func (c ChainConfig) ChainIDBig() *big.Int {
	return big.NewInt(c.ChainID)
}

// NewUSDCTokenConfig creates a TokenConfig for USDC on the given chain.
// This is a convenience helper for USDC. For other tokens, construct TokenConfig directly.
func NewUSDCTokenConfig(chain ChainConfig) TokenConfig {
	return TokenConfig{
		Address:       common.HexToAddress(chain.USDCAddress),
		Symbol:        "USDC",
		Decimals:      int(chain.Decimals),
		PermitName:    chain.PermitName,
		PermitVersion: chain.PermitVersion,
		ChainID:       chain.ChainIDBig(),
	}
}

// ValidateTokenAddress validates that a token address is a 0x-prefixed hex address (42 chars).
func ValidateTokenAddress(address string) error {
	if address == "" {
		return fmt.Errorf("token address cannot be empty")
	}
	if len(address) != 42 || (address[0:2] != "0x" && address[0:2] != "0X") {
		return fmt.Errorf("token address '%s' is invalid, expected 0x-prefixed hex address (42 chars)", address)
	}
	if !common.IsHexAddress(address) {
		return fmt.Errorf("token address '%s' is invalid, expected 0x-prefixed hex address (42 chars)", address)
	}
	return nil
}
