package evm

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mark3labs/permitpay-go"
)

// Signer implements permitpay.Signer for a payer holding a secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	maxAmount  *big.Int
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates a new payer signer with the given options.
func NewSigner(opts ...SignerOption) (*Signer, error) {
	s := &Signer{}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.privateKey == nil {
		return nil, permitpay.ErrInvalidKey
	}

	s.address = crypto.PubkeyToAddress(s.privateKey.PublicKey)
	return s, nil
}

// WithPrivateKey sets the private key from a hex string.
func WithPrivateKey(hexKey string) SignerOption {
	return func(s *Signer) error {
		hexKey = strings.TrimPrefix(hexKey, "0x")

		privateKey, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			return permitpay.ErrInvalidKey
		}

		s.privateKey = privateKey
		return nil
	}
}

// WithECDSAKey sets an already parsed private key.
func WithECDSAKey(key *ecdsa.PrivateKey) SignerOption {
	return func(s *Signer) error {
		if key == nil {
			return permitpay.ErrInvalidKey
		}
		s.privateKey = key
		return nil
	}
}

// WithMaxAmountPerCall caps the amount a single authorization may delegate.
func WithMaxAmountPerCall(amount string) SignerOption {
	return func(s *Signer) error {
		maxAmount, ok := new(big.Int).SetString(amount, 10)
		if !ok || maxAmount.Sign() <= 0 {
			return permitpay.ErrInvalidAmount
		}
		s.maxAmount = maxAmount
		return nil
	}
}

// Address implements permitpay.Signer.
func (s *Signer) Address() common.Address {
	return s.address
}

// MaxAmount returns the per-call limit, or nil if none is set.
func (s *Signer) MaxAmount() *big.Int {
	return s.maxAmount
}

// SignPayment implements permitpay.Signer.
func (s *Signer) SignPayment(domain permitpay.Domain, schema permitpay.Schema, auth *permitpay.PaymentAuthorization, nonce *big.Int) (permitpay.Signature, error) {
	digest, err := PayDigest(domain, schema, auth, nonce)
	if err != nil {
		return permitpay.Signature{}, err
	}
	sig, err := SignDigest(s.privateKey, digest)
	if err != nil {
		return permitpay.Signature{}, fmt.Errorf("failed to sign payment: %w", err)
	}
	return sig, nil
}

// SignDelegation implements permitpay.Signer.
func (s *Signer) SignDelegation(token permitpay.TokenConfig, spender common.Address, value, nonce, deadline *big.Int) (permitpay.Signature, error) {
	if s.maxAmount != nil && value != nil && value.Cmp(s.maxAmount) > 0 {
		return permitpay.Signature{}, fmt.Errorf("%w: %s exceeds per-call limit %s", permitpay.ErrInvalidAmount, value, s.maxAmount)
	}
	digest, err := PermitDigest(token, s.address, spender, value, nonce, deadline)
	if err != nil {
		return permitpay.Signature{}, err
	}
	sig, err := SignDigest(s.privateKey, digest)
	if err != nil {
		return permitpay.Signature{}, fmt.Errorf("failed to sign delegation: %w", err)
	}
	return sig, nil
}

// AuthorizeRequest describes a payment a payer wants to authorize.
type AuthorizeRequest struct {
	Token    permitpay.TokenConfig
	Receiver common.Address
	Amount   *big.Int

	// Nonce is the payer's current account nonce for Token.
	Nonce *big.Int

	// TimeoutSeconds bounds the delegation deadline. Defaults to 300.
	TimeoutSeconds int
}

// Authorize builds a complete PaymentAuthorization against the engine domain:
// the delegation proof grants exactly Amount to the engine, and the payment
// signature binds the same account nonce.
func Authorize(signer permitpay.Signer, domain permitpay.Domain, schema permitpay.Schema, req AuthorizeRequest) (*permitpay.PaymentAuthorization, permitpay.Signature, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, permitpay.Signature{}, permitpay.ErrInvalidAmount
	}
	if req.Nonce == nil {
		return nil, permitpay.Signature{}, fmt.Errorf("account nonce is required")
	}

	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = 300
	}
	deadline := big.NewInt(time.Now().Unix() + int64(timeout))

	delegationSig, err := signer.SignDelegation(req.Token, domain.VerifyingContract, req.Amount, req.Nonce, deadline)
	if err != nil {
		return nil, permitpay.Signature{}, err
	}

	auth := &permitpay.PaymentAuthorization{
		Token:    req.Token.Address,
		Payer:    signer.Address(),
		Receiver: req.Receiver,
		Amount:   new(big.Int).Set(req.Amount),
		Delegation: permitpay.DelegationProof{
			Deadline:  deadline,
			Signature: delegationSig,
		},
	}

	sig, err := signer.SignPayment(domain, schema, auth, req.Nonce)
	if err != nil {
		return nil, permitpay.Signature{}, err
	}
	return auth, sig, nil
}
