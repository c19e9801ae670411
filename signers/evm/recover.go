package evm

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mark3labs/permitpay-go"
)

// SignDigest signs a 32-byte digest and returns a signature with V in {27, 28}.
func SignDigest(privateKey *ecdsa.PrivateKey, digest []byte) (permitpay.Signature, error) {
	raw, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return permitpay.Signature{}, err
	}
	// Adjust v value for Ethereum (27 or 28)
	raw[64] += 27

	var sig permitpay.Signature
	copy(sig.R[:], raw[:32])
	copy(sig.S[:], raw[32:64])
	sig.V = raw[64]
	return sig, nil
}

// Recover returns the address that produced sig over digest. It fails closed:
// a malformed recovery id, zero or out-of-range r/s, a high-s value or any
// recovery error yields the zero address and false.
func Recover(digest []byte, sig permitpay.Signature) (common.Address, bool) {
	if len(digest) != 32 {
		return common.Address{}, false
	}

	v := sig.V
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return common.Address{}, false
	}

	r := new(big.Int).SetBytes(sig.R[:])
	s := new(big.Int).SetBytes(sig.S[:])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, false
	}

	raw := make([]byte, 65)
	copy(raw[:32], sig.R[:])
	copy(raw[32:64], sig.S[:])
	raw[64] = v

	pub, err := crypto.SigToPub(digest, raw)
	if err != nil || pub == nil {
		return common.Address{}, false
	}
	return crypto.PubkeyToAddress(*pub), true
}

// VerifySigner reports whether sig over digest recovers to want.
// The zero address never verifies.
func VerifySigner(digest []byte, sig permitpay.Signature, want common.Address) bool {
	if want == (common.Address{}) {
		return false
	}
	got, ok := Recover(digest, sig)
	return ok && got == want
}
