package helpers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/encoding"
)

const validBody = `{
	"authorization": {
		"token": "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		"payer": "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		"receiver": "0x2222222222222222222222222222222222222222",
		"amount": "50",
		"deadline": "1700003600",
		"delegationSignature": "0x01"
	},
	"signature": "0x02"
}`

func TestParsePaymentRequest(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		body    string
		wantErr bool
	}{
		{name: "json body", body: validBody},
		{name: "header", header: base64.StdEncoding.EncodeToString([]byte(validBody))},
		{name: "header wins over body", header: base64.StdEncoding.EncodeToString([]byte(validBody)), body: "garbage"},
		{name: "missing", wantErr: true},
		{name: "invalid header base64", header: "not-valid-base64!@#", wantErr: true},
		{name: "invalid json body", body: "not json", wantErr: true},
		{name: "unknown field", body: `{"version":1}`, wantErr: true},
		{name: "oversized body", body: `{"signature":"` + strings.Repeat("a", MaxBodyBytes) + `"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/pay", strings.NewReader(tt.body))
			if tt.header != "" {
				r.Header.Set(encoding.HeaderPayment, tt.header)
			}

			req, err := ParsePaymentRequest(r)
			if tt.wantErr {
				if !errors.Is(err, permitpay.ErrMalformedRequest) {
					t.Fatalf("ParsePaymentRequest() error = %v, want ErrMalformedRequest", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if req.Authorization.Amount != "50" || req.Signature != "0x02" {
				t.Errorf("parsed %+v", req)
			}
		})
	}
}

func TestReadBody_Restores(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("payload"))
	first, err := ReadBody(r)
	if err != nil {
		t.Fatal(err)
	}
	second, err := ReadBody(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != "payload" || string(second) != "payload" {
		t.Errorf("reads = %q, %q", first, second)
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[permitpay.ErrorCode]int{
		permitpay.ErrCodeMalformedRequest:   http.StatusBadRequest,
		permitpay.ErrCodeUnauthorized:       http.StatusForbidden,
		permitpay.ErrCodeInvalidSignature:   http.StatusPaymentRequired,
		permitpay.ErrCodeDelegationRejected: http.StatusPaymentRequired,
		permitpay.ErrCodeInsufficientFunds:  http.StatusPaymentRequired,
		permitpay.ErrCodeFeeFailed:          http.StatusPaymentRequired,
		permitpay.ErrCodePaused:             http.StatusConflict,
		permitpay.ErrCodeAllSuccess:         http.StatusUnprocessableEntity,
		permitpay.ErrCodeUnavailable:        http.StatusServiceUnavailable,
		permitpay.ErrCodeInvariantViolation: http.StatusInternalServerError,
		permitpay.ErrCodeLedgerFailure:      http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := StatusFor(code); got != want {
			t.Errorf("StatusFor(%s) = %d, want %d", code, got, want)
		}
	}
}

func TestWriteError(t *testing.T) {
	err := permitpay.NewPaymentError(permitpay.ErrCodeFeeFailed, "fee step failed", permitpay.ErrFeeFailed).
		WithDetails("step", "fee")

	rec := httptest.NewRecorder()
	WriteError(rec, err)

	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != permitpay.ErrCodeFeeFailed || resp.Details["step"] != "fee" {
		t.Errorf("response = %+v", resp)
	}
}

func TestAddPaymentResponseHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	settlement := &permitpay.SettlementResponse{Success: true, Payer: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", Forwarded: "48"}
	if err := AddPaymentResponseHeader(rec, settlement); err != nil {
		t.Fatal(err)
	}
	got, err := encoding.DecodeSettlement(rec.Header().Get(encoding.HeaderPaymentResponse))
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if got != *settlement {
		t.Errorf("header = %+v, want %+v", got, *settlement)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", true},
		{"bearer abc", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, ok := BearerToken(r)
		if got != tt.want || ok != tt.ok {
			t.Errorf("BearerToken(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}
