package permitpay

import (
	"testing"
	"time"
)

func TestDefaultTimeouts(t *testing.T) {
	if DefaultTimeouts.VerifyTimeout != 5*time.Second {
		t.Errorf("expected VerifyTimeout to be 5s, got %v", DefaultTimeouts.VerifyTimeout)
	}
	if DefaultTimeouts.SettleTimeout != 60*time.Second {
		t.Errorf("expected SettleTimeout to be 60s, got %v", DefaultTimeouts.SettleTimeout)
	}
	if DefaultTimeouts.RequestTimeout != 120*time.Second {
		t.Errorf("expected RequestTimeout to be 120s, got %v", DefaultTimeouts.RequestTimeout)
	}
}

func TestTimeoutConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  TimeoutConfig
		wantErr bool
	}{
		{
			name:   "defaults",
			config: DefaultTimeouts,
		},
		{
			name: "custom",
			config: TimeoutConfig{
				VerifyTimeout:  time.Second,
				SettleTimeout:  10 * time.Second,
				RequestTimeout: 30 * time.Second,
			},
		},
		{
			name: "zero verify timeout",
			config: TimeoutConfig{
				SettleTimeout:  60 * time.Second,
				RequestTimeout: 120 * time.Second,
			},
			wantErr: true,
		},
		{
			name: "negative settle timeout",
			config: TimeoutConfig{
				VerifyTimeout:  5 * time.Second,
				SettleTimeout:  -time.Second,
				RequestTimeout: 120 * time.Second,
			},
			wantErr: true,
		},
		{
			name: "zero request timeout",
			config: TimeoutConfig{
				VerifyTimeout: 5 * time.Second,
				SettleTimeout: 60 * time.Second,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
