package permitpay

import (
	"fmt"
	"time"
)

// TimeoutConfig bounds the remote calls a relay makes against a settlement service.
type TimeoutConfig struct {
	// VerifyTimeout bounds dry runs and signature checks.
	VerifyTimeout time.Duration

	// SettleTimeout bounds committed settlements.
	SettleTimeout time.Duration

	// RequestTimeout bounds any other request.
	RequestTimeout time.Duration
}

// DefaultTimeouts are the timeouts used when none are configured.
var DefaultTimeouts = TimeoutConfig{
	VerifyTimeout:  5 * time.Second,
	SettleTimeout:  60 * time.Second,
	RequestTimeout: 120 * time.Second,
}

// Validate reports whether every timeout is positive.
func (c TimeoutConfig) Validate() error {
	if c.VerifyTimeout <= 0 {
		return fmt.Errorf("verify timeout must be positive, got %v", c.VerifyTimeout)
	}
	if c.SettleTimeout <= 0 {
		return fmt.Errorf("settle timeout must be positive, got %v", c.SettleTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", c.RequestTimeout)
	}
	return nil
}
