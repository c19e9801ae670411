package encoding

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/permitpay-go"
)

func testRequest() permitpay.PaymentRequest {
	return permitpay.PaymentRequest{
		Authorization: permitpay.AuthorizationPayload{
			Token:               "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Payer:               "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
			Receiver:            "0x2222222222222222222222222222222222222222",
			Amount:              "50",
			Deadline:            "1700003600",
			DelegationSignature: "0x" + strings.Repeat("ab", 65),
		},
		Signature: "0x" + strings.Repeat("cd", 65),
		Fee: &permitpay.FeePayload{
			Amount:    "2",
			Token:     "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Collector: "0x3000000000000000000000000000000000000003",
		},
	}
}

func TestRequestRoundTrip(t *testing.T) {
	req := testRequest()
	encoded, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	got, err := DecodeRequest(encoded)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if got.Authorization != req.Authorization || got.Signature != req.Signature || *got.Fee != *req.Fee {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestDecodeRequest_Errors(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{"empty", ""},
		{"not base64", "!!!not base64!!!"},
		{"not json", base64.StdEncoding.EncodeToString([]byte("not json"))},
		{"unknown field", base64.StdEncoding.EncodeToString([]byte(`{"signature":"0x","version":1}`))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest(tt.encoded)
			if !errors.Is(err, permitpay.ErrMalformedRequest) {
				t.Fatalf("DecodeRequest() error = %v, want ErrMalformedRequest", err)
			}
		})
	}
}

func TestDecodeRequest_URLSafe(t *testing.T) {
	raw := []byte(`{"signature":"0x01","authorization":{"amount":"1"}}`)
	for name, encoded := range map[string]string{
		"std":     base64.StdEncoding.EncodeToString(raw),
		"raw url": base64.RawURLEncoding.EncodeToString(raw),
		"padded":  "  " + base64.StdEncoding.EncodeToString(raw) + "\n",
	} {
		t.Run(name, func(t *testing.T) {
			got, err := DecodeRequest(encoded)
			if err != nil {
				t.Fatalf("DecodeRequest: %v", err)
			}
			if got.Signature != "0x01" || got.Authorization.Amount != "1" {
				t.Errorf("got %+v", got)
			}
		})
	}
}

func TestSettlementRoundTrip(t *testing.T) {
	want := permitpay.SettlementResponse{
		Success:   true,
		Token:     "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Payer:     "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		Receiver:  "0x2222222222222222222222222222222222222222",
		Amount:    "50",
		Forwarded: "48",
		Nonce:     "3",
	}
	encoded, err := EncodeSettlement(want)
	if err != nil {
		t.Fatalf("EncodeSettlement: %v", err)
	}
	got, err := DecodeSettlement(encoded)
	if err != nil {
		t.Fatalf("DecodeSettlement: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	want := permitpay.VerifyResponse{
		IsValid:       false,
		InvalidReason: "payment signature does not recover to the payer",
		Code:          permitpay.ErrCodeInvalidSignature,
		Payer:         "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
	}
	encoded, err := EncodeVerify(want)
	if err != nil {
		t.Fatalf("EncodeVerify: %v", err)
	}
	got, err := DecodeVerify(encoded)
	if err != nil {
		t.Fatalf("DecodeVerify: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}
