// Package validation checks payment requests and authorizations before they
// reach the ledger, so malformed input is refused without opening a transaction.
package validation

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go"
)

var (
	// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// signatureRegex matches a 65-byte hex signature with 0x prefix
	signatureRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{130}$`)
)

// ValidateAmount validates that an amount string is a valid positive integer.
// Returns an error if the amount is empty, malformed, or not greater than zero.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("%w: amount cannot be empty", permitpay.ErrInvalidAmount)
	}

	// Parse as big.Int to handle large values
	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("%w: invalid amount format: %s", permitpay.ErrInvalidAmount, amount)
	}

	if amt.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be greater than 0, got: %s", permitpay.ErrInvalidAmount, amount)
	}

	return nil
}

// ValidateAddress validates a 0x-prefixed EVM address.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("%w: address cannot be empty", permitpay.ErrMalformedRequest)
	}
	if !evmAddressRegex.MatchString(address) {
		return fmt.Errorf("%w: invalid address format: %s (expected 0x followed by 40 hex characters)", permitpay.ErrMalformedRequest, address)
	}
	return nil
}

// ValidateSignature validates a 0x-prefixed 65-byte hex signature.
func ValidateSignature(sig string) error {
	if !signatureRegex.MatchString(sig) {
		return fmt.Errorf("%w: signature must be 0x followed by 130 hex characters", permitpay.ErrMalformedRequest)
	}
	return nil
}

// ValidatePaymentRequest performs comprehensive validation of a wire payment request.
func ValidatePaymentRequest(req permitpay.PaymentRequest) error {
	a := req.Authorization

	for _, field := range []struct{ name, value string }{
		{"token", a.Token},
		{"payer", a.Payer},
		{"receiver", a.Receiver},
	} {
		if err := ValidateAddress(field.value); err != nil {
			return fmt.Errorf("invalid request: %s %w", field.name, err)
		}
	}

	if err := ValidateAmount(a.Amount); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}

	deadline, ok := new(big.Int).SetString(a.Deadline, 10)
	if !ok || deadline.Sign() < 0 {
		return fmt.Errorf("%w: invalid request: deadline must be a unix timestamp, got %q", permitpay.ErrMalformedRequest, a.Deadline)
	}

	if err := ValidateSignature(a.DelegationSignature); err != nil {
		return fmt.Errorf("invalid request: delegation %w", err)
	}
	if err := ValidateSignature(req.Signature); err != nil {
		return fmt.Errorf("invalid request: payment %w", err)
	}

	if req.Fee != nil && req.Fee.Amount != "" {
		fee, ok := new(big.Int).SetString(req.Fee.Amount, 10)
		if !ok || fee.Sign() < 0 {
			return fmt.Errorf("%w: invalid request: fee must be a non-negative integer, got %q", permitpay.ErrMalformedRequest, req.Fee.Amount)
		}
		if err := ValidateAddress(req.Fee.Token); err != nil {
			return fmt.Errorf("invalid request: fee token %w", err)
		}
		if err := ValidateAddress(req.Fee.Collector); err != nil {
			return fmt.Errorf("invalid request: fee collector %w", err)
		}
	}

	return nil
}

// ValidateAuthorization checks the fields a settlement cannot run without.
// The signatures themselves are judged by the engine and the ledger.
func ValidateAuthorization(auth *permitpay.PaymentAuthorization) error {
	if auth == nil {
		return fmt.Errorf("%w: authorization is required", permitpay.ErrMalformedRequest)
	}
	if auth.Token == (common.Address{}) {
		return fmt.Errorf("%w: token cannot be the zero address", permitpay.ErrMalformedRequest)
	}
	if auth.Payer == (common.Address{}) {
		return fmt.Errorf("%w: payer cannot be the zero address", permitpay.ErrMalformedRequest)
	}
	if auth.Amount == nil || auth.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be greater than 0", permitpay.ErrInvalidAmount)
	}
	if auth.Delegation.Deadline == nil || auth.Delegation.Deadline.Sign() < 0 {
		return fmt.Errorf("%w: delegation deadline is required", permitpay.ErrMalformedRequest)
	}
	return nil
}

// ValidateTokenConfig checks that a token carries the EIP-712 parameters its
// delegation proofs are signed under.
func ValidateTokenConfig(cfg permitpay.TokenConfig) error {
	if cfg.Address == (common.Address{}) {
		return fmt.Errorf("invalid token: address cannot be the zero address")
	}
	if cfg.PermitName == "" {
		return fmt.Errorf("invalid token %s: permit name cannot be empty", cfg.Address.Hex())
	}
	if cfg.PermitVersion == "" {
		return fmt.Errorf("invalid token %s: permit version cannot be empty", cfg.Address.Hex())
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return fmt.Errorf("invalid token %s: chain id must be positive", cfg.Address.Hex())
	}
	if cfg.Decimals < 0 {
		return fmt.Errorf("invalid token %s: decimals cannot be negative: %d", cfg.Address.Hex(), cfg.Decimals)
	}
	return nil
}
