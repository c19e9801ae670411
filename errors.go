package permitpay

import (
	"errors"
	"fmt"
)

// Standard permitpay error definitions

var (
	// ErrInvalidSignature indicates the payment signature does not recover to the payer.
	ErrInvalidSignature = errors.New("permitpay: invalid signature")

	// ErrDelegationRejected indicates the ledger refused the delegated-allowance grant
	// (expired deadline, bad signature, stale nonce or malformed proof).
	ErrDelegationRejected = errors.New("permitpay: delegation rejected")

	// ErrInsufficientFunds indicates a pull or forward transfer could not be covered.
	ErrInsufficientFunds = errors.New("permitpay: insufficient funds")

	// ErrPaused indicates the engine is paused and refuses the entry point.
	ErrPaused = errors.New("permitpay: engine is paused")

	// ErrNotPaused indicates an unpause was requested while the engine is active.
	ErrNotPaused = errors.New("permitpay: engine is not paused")

	// ErrUnauthorized indicates the caller is not the owner or not a recognized relay.
	ErrUnauthorized = errors.New("permitpay: unauthorized caller")

	// ErrFeeFailed indicates the relay fee mechanism failed.
	ErrFeeFailed = errors.New("permitpay: fee charge failed")

	// ErrAllSuccess is the reserved marker carried by the always-reverting dry run
	// when every settlement step completed.
	ErrAllSuccess = errors.New("permitpay: all steps succeeded")

	// ErrInvariantViolation indicates a broken internal invariant. It is a defect, never a normal outcome.
	ErrInvariantViolation = errors.New("permitpay: invariant violation")

	// ErrInvalidAmount indicates a malformed or non-positive amount.
	ErrInvalidAmount = errors.New("permitpay: invalid amount")

	// ErrInvalidKey indicates an invalid private key.
	ErrInvalidKey = errors.New("permitpay: invalid private key")

	// ErrInvalidKeystore indicates an unreadable or undecryptable keystore file.
	ErrInvalidKeystore = errors.New("permitpay: invalid keystore file")

	// ErrInvalidMnemonic indicates an invalid mnemonic phrase.
	ErrInvalidMnemonic = errors.New("permitpay: invalid mnemonic phrase")

	// ErrInvalidNetwork indicates an invalid or unsupported network.
	ErrInvalidNetwork = errors.New("permitpay: invalid or unsupported network")

	// ErrUnknownToken indicates the token is not registered with the ledger.
	ErrUnknownToken = errors.New("permitpay: unknown token")

	// ErrMalformedRequest indicates a payment request that cannot be decoded.
	ErrMalformedRequest = errors.New("permitpay: malformed payment request")

	// ErrLedgerFailure indicates the ledger backend failed for reasons unrelated to the payment.
	ErrLedgerFailure = errors.New("permitpay: ledger failure")

	// ErrRelayUnavailable indicates the remote settlement service could not be reached.
	ErrRelayUnavailable = errors.New("permitpay: settlement service unavailable")
)

// ErrorCode classifies a PaymentError for callers that cannot use errors.Is,
// such as remote clients reading an HTTP body.
type ErrorCode string

const (
	ErrCodeInvalidSignature   ErrorCode = "INVALID_SIGNATURE"
	ErrCodeDelegationRejected ErrorCode = "DELEGATION_REJECTED"
	ErrCodeInsufficientFunds  ErrorCode = "INSUFFICIENT_FUNDS"
	ErrCodePaused             ErrorCode = "PAUSED"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeFeeFailed          ErrorCode = "FEE_FAILED"
	ErrCodeMalformedRequest   ErrorCode = "MALFORMED_REQUEST"
	ErrCodeLedgerFailure      ErrorCode = "LEDGER_FAILURE"
	ErrCodeInvariantViolation ErrorCode = "INVARIANT_VIOLATION"
	ErrCodeUnavailable        ErrorCode = "UNAVAILABLE"

	// ErrCodeAllSuccess marks a dry run in which every step succeeded.
	ErrCodeAllSuccess ErrorCode = "ALL_SUCCESS"
)

// PaymentError is a structured error with a code, a message and the underlying cause.
type PaymentError struct {
	Code    ErrorCode
	Message string
	Err     error
	Details map[string]interface{}
}

// NewPaymentError creates a PaymentError wrapping err.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails attaches a key/value detail and returns the same error for chaining.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	e.Details[key] = value
	return e
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// CodeOf returns the ErrorCode carried by err. Errors that are not PaymentErrors
// are classified by the sentinel they wrap; anything else is a ledger failure.
func CodeOf(err error) ErrorCode {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return ErrCodeInvalidSignature
	case errors.Is(err, ErrDelegationRejected):
		return ErrCodeDelegationRejected
	case errors.Is(err, ErrInsufficientFunds):
		return ErrCodeInsufficientFunds
	case errors.Is(err, ErrPaused), errors.Is(err, ErrNotPaused):
		return ErrCodePaused
	case errors.Is(err, ErrUnauthorized):
		return ErrCodeUnauthorized
	case errors.Is(err, ErrFeeFailed):
		return ErrCodeFeeFailed
	case errors.Is(err, ErrMalformedRequest), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrUnknownToken):
		return ErrCodeMalformedRequest
	case errors.Is(err, ErrInvariantViolation):
		return ErrCodeInvariantViolation
	case errors.Is(err, ErrAllSuccess):
		return ErrCodeAllSuccess
	case errors.Is(err, ErrRelayUnavailable):
		return ErrCodeUnavailable
	default:
		return ErrCodeLedgerFailure
	}
}

// ErrorForCode maps an ErrorCode back to its sentinel. Remote clients use it to
// rebuild errors that still satisfy errors.Is.
func ErrorForCode(code ErrorCode) error {
	switch code {
	case ErrCodeInvalidSignature:
		return ErrInvalidSignature
	case ErrCodeDelegationRejected:
		return ErrDelegationRejected
	case ErrCodeInsufficientFunds:
		return ErrInsufficientFunds
	case ErrCodePaused:
		return ErrPaused
	case ErrCodeUnauthorized:
		return ErrUnauthorized
	case ErrCodeFeeFailed:
		return ErrFeeFailed
	case ErrCodeMalformedRequest:
		return ErrMalformedRequest
	case ErrCodeInvariantViolation:
		return ErrInvariantViolation
	case ErrCodeAllSuccess:
		return ErrAllSuccess
	case ErrCodeUnavailable:
		return ErrRelayUnavailable
	default:
		return ErrLedgerFailure
	}
}
