// Package encoding carries payment requests and settlement results in headers
// and tool arguments as base64-encoded JSON.
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/permitpay-go"
)

const (
	// HeaderPayment carries an encoded PaymentRequest.
	HeaderPayment = "X-Payment"

	// HeaderPaymentResponse carries an encoded SettlementResponse.
	HeaderPaymentResponse = "X-Payment-Response"
)

// encode marshals v to JSON and base64-encodes it with standard padding.
func encode(kind string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// decode reverses encode. It also accepts unpadded and URL-safe base64, and
// refuses JSON fields the target type does not declare.
func decode(kind, encoded string, v any) error {
	encoded = strings.TrimSpace(encoded)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		var urlErr error
		raw, urlErr = base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if urlErr != nil {
			return fmt.Errorf("failed to decode base64: %w", err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", kind, err)
	}
	return nil
}

// EncodeRequest converts a PaymentRequest to a base64-encoded JSON string.
func EncodeRequest(req permitpay.PaymentRequest) (string, error) {
	return encode("payment request", req)
}

// DecodeRequest converts a base64-encoded JSON string to a PaymentRequest.
// Failures wrap permitpay.ErrMalformedRequest.
func DecodeRequest(encoded string) (permitpay.PaymentRequest, error) {
	var req permitpay.PaymentRequest
	if encoded == "" {
		return req, fmt.Errorf("%w: empty payment header", permitpay.ErrMalformedRequest)
	}
	if err := decode("payment request", encoded, &req); err != nil {
		return permitpay.PaymentRequest{}, fmt.Errorf("%w: %v", permitpay.ErrMalformedRequest, err)
	}
	return req, nil
}

// EncodeSettlement converts a SettlementResponse to a base64-encoded JSON string.
func EncodeSettlement(settlement permitpay.SettlementResponse) (string, error) {
	return encode("settlement", settlement)
}

// DecodeSettlement converts a base64-encoded JSON string to a SettlementResponse.
func DecodeSettlement(encoded string) (permitpay.SettlementResponse, error) {
	var settlement permitpay.SettlementResponse
	if err := decode("settlement", encoded, &settlement); err != nil {
		return permitpay.SettlementResponse{}, err
	}
	return settlement, nil
}

// EncodeVerify converts a VerifyResponse to a base64-encoded JSON string.
func EncodeVerify(resp permitpay.VerifyResponse) (string, error) {
	return encode("verify response", resp)
}

// DecodeVerify converts a base64-encoded JSON string to a VerifyResponse.
func DecodeVerify(encoded string) (permitpay.VerifyResponse, error) {
	var resp permitpay.VerifyResponse
	if err := decode("verify response", encoded, &resp); err != nil {
		return permitpay.VerifyResponse{}, err
	}
	return resp, nil
}
