package permitpay

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// DomainName is the EIP-712 domain name every payment signature is bound to.
	DomainName = "PaymentSettlement"

	// DomainVersion is the EIP-712 domain version.
	DomainVersion = "1"
)

// Domain is the EIP-712 domain of one settlement engine instance.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// NewDomain returns the fixed payment domain for the engine at address on chainID.
func NewDomain(chainID *big.Int, engine common.Address) Domain {
	return Domain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainID:           new(big.Int).Set(chainID),
		VerifyingContract: engine,
	}
}

// Schema selects the struct shape of the signed payment payload.
type Schema int

const (
	// SchemaBound signs Pay(address token,address receiver,uint256 amount,uint256 accountNonce).
	SchemaBound Schema = iota

	// SchemaReceiverOnly signs Pay(address receiver,uint256 accountNonce). The signature
	// does not commit to token or amount; those rely solely on the delegation proof.
	SchemaReceiverOnly
)

// String returns the canonical EIP-712 type string of the schema.
func (s Schema) String() string {
	switch s {
	case SchemaReceiverOnly:
		return "Pay(address receiver,uint256 accountNonce)"
	default:
		return "Pay(address token,address receiver,uint256 amount,uint256 accountNonce)"
	}
}

// ParseSchema maps a configuration name to a Schema.
func ParseSchema(name string) (Schema, bool) {
	switch name {
	case "", "bound":
		return SchemaBound, true
	case "receiver-only":
		return SchemaReceiverOnly, true
	default:
		return SchemaBound, false
	}
}
