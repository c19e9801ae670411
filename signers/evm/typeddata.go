package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/mark3labs/permitpay-go"
)

const (
	primaryTypePay    = "Pay"
	primaryTypePermit = "Permit"
)

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var payTypes = map[permitpay.Schema][]apitypes.Type{
	permitpay.SchemaBound: {
		{Name: "token", Type: "address"},
		{Name: "receiver", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "accountNonce", Type: "uint256"},
	},
	permitpay.SchemaReceiverOnly: {
		{Name: "receiver", Type: "address"},
		{Name: "accountNonce", Type: "uint256"},
	},
}

var permitType = []apitypes.Type{
	{Name: "owner", Type: "address"},
	{Name: "spender", Type: "address"},
	{Name: "value", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
	{Name: "deadline", Type: "uint256"},
}

func typedDataDomain(d permitpay.Domain) apitypes.TypedDataDomain {
	chainID := d.ChainID
	if chainID == nil {
		chainID = new(big.Int)
	}
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(chainID),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// PayTypedData builds the EIP-712 typed data a payer signs for auth at the given account nonce.
// With SchemaReceiverOnly the token and amount are left out of the message.
func PayTypedData(domain permitpay.Domain, schema permitpay.Schema, auth *permitpay.PaymentAuthorization, nonce *big.Int) (apitypes.TypedData, error) {
	fields, ok := payTypes[schema]
	if !ok {
		return apitypes.TypedData{}, fmt.Errorf("unknown payment schema %d", schema)
	}
	if auth == nil || nonce == nil {
		return apitypes.TypedData{}, fmt.Errorf("authorization and nonce are required")
	}

	message := apitypes.TypedDataMessage{
		"receiver":     auth.Receiver.Hex(),
		"accountNonce": (*math.HexOrDecimal256)(nonce),
	}
	if schema == permitpay.SchemaBound {
		if auth.Amount == nil {
			return apitypes.TypedData{}, fmt.Errorf("amount is required")
		}
		message["token"] = auth.Token.Hex()
		message["amount"] = (*math.HexOrDecimal256)(auth.Amount)
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			primaryTypePay: fields,
		},
		PrimaryType: primaryTypePay,
		Domain:      typedDataDomain(domain),
		Message:     message,
	}, nil
}

// PermitTypedData builds the EIP-2612 Permit typed data for a delegated-allowance grant.
func PermitTypedData(token permitpay.TokenConfig, owner, spender common.Address, value, nonce, deadline *big.Int) (apitypes.TypedData, error) {
	if value == nil || nonce == nil || deadline == nil {
		return apitypes.TypedData{}, fmt.Errorf("value, nonce and deadline are required")
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":    domainType,
			primaryTypePermit: permitType,
		},
		PrimaryType: primaryTypePermit,
		Domain:      typedDataDomain(token.PermitDomain()),
		Message: apitypes.TypedDataMessage{
			"owner":    owner.Hex(),
			"spender":  spender.Hex(),
			"value":    (*math.HexOrDecimal256)(value),
			"nonce":    (*math.HexOrDecimal256)(nonce),
			"deadline": (*math.HexOrDecimal256)(deadline),
		},
	}, nil
}

// Digest computes keccak256("\x19\x01" || domainSeparator || structHash) for typed data.
func Digest(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// PayDigest is PayTypedData followed by Digest.
func PayDigest(domain permitpay.Domain, schema permitpay.Schema, auth *permitpay.PaymentAuthorization, nonce *big.Int) ([]byte, error) {
	td, err := PayTypedData(domain, schema, auth, nonce)
	if err != nil {
		return nil, err
	}
	return Digest(td)
}

// PermitDigest is PermitTypedData followed by Digest.
func PermitDigest(token permitpay.TokenConfig, owner, spender common.Address, value, nonce, deadline *big.Int) ([]byte, error) {
	td, err := PermitTypedData(token, owner, spender, value, nonce, deadline)
	if err != nil {
		return nil, err
	}
	return Digest(td)
}

// SchemaTypeHash returns keccak256 of the schema's canonical type string.
func SchemaTypeHash(schema permitpay.Schema) common.Hash {
	return crypto.Keccak256Hash([]byte(schema.String()))
}
