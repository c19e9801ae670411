package permitpay

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Signature is a recoverable secp256k1 ECDSA signature.
type Signature struct {
	// V is the recovery id, either 0/1 or 27/28.
	V uint8

	R [32]byte
	S [32]byte
}

// ParseSignature decodes a 65-byte r||s||v signature from hex, with or without 0x prefix.
func ParseSignature(s string) (Signature, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return Signature{}, fmt.Errorf("%w: signature is not hex", ErrMalformedRequest)
	}
	if len(raw) != 65 {
		return Signature{}, fmt.Errorf("%w: signature must be 65 bytes, got %d", ErrMalformedRequest, len(raw))
	}
	var sig Signature
	copy(sig.R[:], raw[:32])
	copy(sig.S[:], raw[32:64])
	sig.V = raw[64]
	return sig, nil
}

// Bytes returns the 65-byte r||s||v encoding.
func (s Signature) Bytes() []byte {
	out := make([]byte, 65)
	copy(out[:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V
	return out
}

// Hex returns the 0x-prefixed hex encoding.
func (s Signature) Hex() string {
	return "0x" + hex.EncodeToString(s.Bytes())
}

// DelegationProof authorizes the ledger to let the engine move exactly Amount of
// Token from Payer, valid until Deadline.
type DelegationProof struct {
	// Deadline is the unix timestamp after which the proof is rejected.
	Deadline *big.Int

	// Signature is the payer's signature over the ledger's delegation message.
	Signature Signature
}

// PaymentAuthorization represents one intended transfer signed off-chain by the payer.
type PaymentAuthorization struct {
	Token      common.Address
	Payer      common.Address
	Receiver   common.Address
	Amount     *big.Int
	Delegation DelegationProof
}

// RelayContext describes the relay execution context of one call: the caller
// identity and the fee instruction the relay attaches to the submission.
type RelayContext struct {
	// Relay is the authenticated identity submitting the call.
	Relay common.Address

	// Fee is the amount the fee mechanism should extract. Nil or zero means no fee.
	Fee *big.Int

	// FeeToken is the asset the fee is paid in.
	FeeToken common.Address

	// FeeCollector receives the fee.
	FeeCollector common.Address
}

// PaymentRecord is emitted once per successful settlement.
type PaymentRecord struct {
	Token    common.Address
	Payer    common.Address
	Receiver common.Address

	// Amount is the intended amount from the authorization.
	Amount *big.Int

	// Forwarded is the balance actually pushed to the receiver after fees.
	Forwarded *big.Int

	// Nonce is the account nonce the payment consumed.
	Nonce *big.Int

	Relay     common.Address
	SettledAt time.Time
}

// VerifyResult is the structured outcome of a dry run.
type VerifyResult struct {
	Valid  bool
	Reason string
	Code   ErrorCode
	Payer  common.Address
}

// AuthorizationPayload is the wire form of a PaymentAuthorization.
type AuthorizationPayload struct {
	// Token is the token contract address.
	Token string `json:"token"`

	// Payer is the payer's address.
	Payer string `json:"payer"`

	// Receiver is the address that receives the forwarded funds.
	Receiver string `json:"receiver"`

	// Amount is the payment amount in atomic units.
	Amount string `json:"amount"`

	// Deadline is the unix timestamp bounding the delegation proof.
	Deadline string `json:"deadline"`

	// DelegationSignature is the hex-encoded delegation signature.
	DelegationSignature string `json:"delegationSignature"`
}

// FeePayload is the wire form of the relay's fee instruction.
type FeePayload struct {
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Collector string `json:"collector"`
}

// PaymentRequest is the JSON body a relay submits.
type PaymentRequest struct {
	Authorization AuthorizationPayload `json:"authorization"`

	// Signature is the hex-encoded payment signature.
	Signature string `json:"signature"`

	// Fee is the optional relay fee instruction.
	Fee *FeePayload `json:"fee,omitempty"`
}

// Decode converts the wire request into typed values.
func (r PaymentRequest) Decode() (*PaymentAuthorization, Signature, error) {
	a := r.Authorization
	for name, v := range map[string]string{"token": a.Token, "payer": a.Payer, "receiver": a.Receiver} {
		if !common.IsHexAddress(v) {
			return nil, Signature{}, fmt.Errorf("%w: %s is not an address", ErrMalformedRequest, name)
		}
	}

	amount, ok := new(big.Int).SetString(a.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, Signature{}, fmt.Errorf("%w: %q", ErrInvalidAmount, a.Amount)
	}
	deadline, ok := new(big.Int).SetString(a.Deadline, 10)
	if !ok || deadline.Sign() < 0 {
		return nil, Signature{}, fmt.Errorf("%w: invalid deadline %q", ErrMalformedRequest, a.Deadline)
	}

	delegationSig, err := ParseSignature(a.DelegationSignature)
	if err != nil {
		return nil, Signature{}, fmt.Errorf("delegation signature: %w", err)
	}
	sig, err := ParseSignature(r.Signature)
	if err != nil {
		return nil, Signature{}, fmt.Errorf("payment signature: %w", err)
	}

	return &PaymentAuthorization{
		Token:    common.HexToAddress(a.Token),
		Payer:    common.HexToAddress(a.Payer),
		Receiver: common.HexToAddress(a.Receiver),
		Amount:   amount,
		Delegation: DelegationProof{
			Deadline:  deadline,
			Signature: delegationSig,
		},
	}, sig, nil
}

// RelayContext builds the relay context for this request on behalf of relay.
func (r PaymentRequest) RelayContext(relay common.Address) (RelayContext, error) {
	rc := RelayContext{Relay: relay}
	if r.Fee == nil || r.Fee.Amount == "" {
		return rc, nil
	}
	fee, ok := new(big.Int).SetString(r.Fee.Amount, 10)
	if !ok || fee.Sign() < 0 {
		return rc, fmt.Errorf("%w: invalid fee %q", ErrMalformedRequest, r.Fee.Amount)
	}
	if !common.IsHexAddress(r.Fee.Token) || !common.IsHexAddress(r.Fee.Collector) {
		return rc, fmt.Errorf("%w: fee token and collector must be addresses", ErrMalformedRequest)
	}
	rc.Fee = fee
	rc.FeeToken = common.HexToAddress(r.Fee.Token)
	rc.FeeCollector = common.HexToAddress(r.Fee.Collector)
	return rc, nil
}

// NewPaymentRequest renders a typed authorization and signature into the wire form.
func NewPaymentRequest(auth *PaymentAuthorization, sig Signature) PaymentRequest {
	return PaymentRequest{
		Authorization: AuthorizationPayload{
			Token:               auth.Token.Hex(),
			Payer:               auth.Payer.Hex(),
			Receiver:            auth.Receiver.Hex(),
			Amount:              auth.Amount.String(),
			Deadline:            auth.Delegation.Deadline.String(),
			DelegationSignature: auth.Delegation.Signature.Hex(),
		},
		Signature: sig.Hex(),
	}
}

// VerifyResponse is the wire form of a verification answer.
type VerifyResponse struct {
	IsValid       bool      `json:"isValid"`
	InvalidReason string    `json:"invalidReason,omitempty"`
	Code          ErrorCode `json:"code,omitempty"`
	Payer         string    `json:"payer"`
}

// SettlementResponse represents the outcome of a settlement.
type SettlementResponse struct {
	// Success indicates whether the payment was settled.
	Success bool `json:"success"`

	// ErrorReason provides details if the payment failed.
	ErrorReason string `json:"errorReason,omitempty"`

	// Code classifies the failure.
	Code ErrorCode `json:"code,omitempty"`

	Token     string `json:"token,omitempty"`
	Payer     string `json:"payer"`
	Receiver  string `json:"receiver,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Forwarded string `json:"forwarded,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
}

// NewSettlementResponse renders a payment record as a successful response.
func NewSettlementResponse(rec *PaymentRecord) *SettlementResponse {
	return &SettlementResponse{
		Success:   true,
		Token:     rec.Token.Hex(),
		Payer:     rec.Payer.Hex(),
		Receiver:  rec.Receiver.Hex(),
		Amount:    bigString(rec.Amount),
		Forwarded: bigString(rec.Forwarded),
		Nonce:     bigString(rec.Nonce),
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// AmountToBigInt converts a decimal amount string to *big.Int in atomic units.
// For example, "1.5" with 6 decimals becomes 1500000.
func AmountToBigInt(amount string, decimals int) (*big.Int, error) {
	value, ok := new(big.Rat).SetString(amount)
	if !ok {
		return nil, ErrInvalidAmount
	}

	multiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	value.Mul(value, new(big.Rat).SetInt(multiplier))

	if !value.IsInt() {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(value.Num()), nil
}

// BigIntToAmount converts a *big.Int in atomic units to a decimal string.
// For example, 1500000 with 6 decimals becomes "1.500000".
func BigIntToAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Rat).SetFrac(value, divisor).FloatString(decimals)
}
