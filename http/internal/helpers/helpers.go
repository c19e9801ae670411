// Package helpers provides the request parsing and response writing shared by
// the stdlib, Chi and Gin bindings so all of them speak the same wire format.
package helpers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/encoding"
)

// MaxBodyBytes bounds request bodies.
const MaxBodyBytes = 64 << 10

// ErrorResponse is the body of every non-2xx response except a failed /pay.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    permitpay.ErrorCode    `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// StatusFor maps an error code to the HTTP status it is reported with.
func StatusFor(code permitpay.ErrorCode) int {
	switch code {
	case permitpay.ErrCodeMalformedRequest:
		return http.StatusBadRequest
	case permitpay.ErrCodeUnauthorized:
		return http.StatusForbidden
	case permitpay.ErrCodeInvalidSignature,
		permitpay.ErrCodeDelegationRejected,
		permitpay.ErrCodeInsufficientFunds,
		permitpay.ErrCodeFeeFailed:
		return http.StatusPaymentRequired
	case permitpay.ErrCodePaused:
		return http.StatusConflict
	case permitpay.ErrCodeAllSuccess:
		return http.StatusUnprocessableEntity
	case permitpay.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Ignore encoding errors - the status is already sent
	_ = json.NewEncoder(w).Encode(v)
}

// NewErrorResponse renders err with its code and details.
func NewErrorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error(), Code: permitpay.CodeOf(err)}
	var pe *permitpay.PaymentError
	if errors.As(err, &pe) && len(pe.Details) > 0 {
		resp.Details = pe.Details
	}
	return resp
}

// WriteError writes err as an ErrorResponse with the status for its code.
func WriteError(w http.ResponseWriter, err error) {
	resp := NewErrorResponse(err)
	WriteJSON(w, StatusFor(resp.Code), resp)
}

// ReadBody reads and returns the request body, leaving a fresh copy in r.Body
// for later readers.
func ReadBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", permitpay.ErrMalformedRequest, err)
	}
	if len(body) > MaxBodyBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", permitpay.ErrMalformedRequest, MaxBodyBytes)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// ParsePaymentRequest reads a PaymentRequest from the X-Payment header or,
// when the header is absent, from the JSON body.
func ParsePaymentRequest(r *http.Request) (permitpay.PaymentRequest, error) {
	if header := r.Header.Get(encoding.HeaderPayment); header != "" {
		return encoding.DecodeRequest(header)
	}

	body, err := ReadBody(r)
	if err != nil {
		return permitpay.PaymentRequest{}, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return permitpay.PaymentRequest{}, fmt.Errorf("%w: missing payment request", permitpay.ErrMalformedRequest)
	}

	var req permitpay.PaymentRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return permitpay.PaymentRequest{}, fmt.Errorf("%w: %v", permitpay.ErrMalformedRequest, err)
	}
	return req, nil
}

// AddPaymentResponseHeader adds the X-Payment-Response header with the
// base64-encoded settlement.
func AddPaymentResponseHeader(w http.ResponseWriter, settlement *permitpay.SettlementResponse) error {
	encoded, err := encoding.EncodeSettlement(*settlement)
	if err != nil {
		return err
	}
	w.Header().Set(encoding.HeaderPaymentResponse, encoded)
	return nil
}

// BearerToken returns the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
