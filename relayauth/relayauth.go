// Package relayauth authenticates the callers of a settlement service.
//
// The operator holds an ECDSA P-256 or Ed25519 key and issues short-lived
// JWTs whose subject is the caller's address. The access guard then decides
// what that address may do: the owner administers, relays settle. A token may
// also bind the SHA-256 hash of the request body it accompanies.
package relayauth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// DefaultIssuer is the iss claim of issued tokens.
const DefaultIssuer = "permitpayd"

// ErrBodyMismatch indicates the request body does not match the token's reqHash claim.
var ErrBodyMismatch = errors.New("relayauth: request body does not match token")

// Claims is the JWT claims set of a caller token.
type Claims struct {
	*jwt.Claims

	// ReqHash is the hex-encoded SHA-256 hash of the request body (optional).
	ReqHash string `json:"reqHash,omitempty"`
}

// Issuer signs caller tokens. It is immutable and safe for concurrent use.
type Issuer struct {
	keyID      string
	issuer     string
	privateKey crypto.Signer
	alg        jose.SignatureAlgorithm
}

// NewIssuer parses a PEM-encoded private key (SEC 1 EC or PKCS #8 EC/Ed25519).
func NewIssuer(keyID, pemKey string) (*Issuer, error) {
	if keyID == "" {
		return nil, fmt.Errorf("keyID must not be empty")
	}

	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block: invalid PEM format")
	}

	var privateKey interface{}
	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		privateKey, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
	}

	iss := &Issuer{keyID: keyID, issuer: DefaultIssuer}
	switch key := privateKey.(type) {
	case *ecdsa.PrivateKey:
		if key.Curve != elliptic.P256() {
			return nil, fmt.Errorf("unsupported curve %s: ES256 requires P-256", key.Curve.Params().Name)
		}
		iss.privateKey, iss.alg = key, jose.ES256
	case ed25519.PrivateKey:
		iss.privateKey, iss.alg = key, jose.EdDSA
	default:
		return nil, fmt.Errorf("unsupported private key type: must be ECDSA P-256 or Ed25519")
	}
	return iss, nil
}

// GenerateKey returns a fresh PEM-encoded P-256 private key.
func GenerateKey() (string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})), nil
}

// Token issues a bearer token for caller valid for ttl.
func (i *Issuer) Token(caller common.Address, ttl time.Duration) (string, error) {
	return i.sign(caller, nil, ttl)
}

// RequestToken issues a token bound to the SHA-256 hash of body.
func (i *Issuer) RequestToken(caller common.Address, body []byte, ttl time.Duration) (string, error) {
	hash := sha256.Sum256(body)
	return i.sign(caller, hash[:], ttl)
}

func (i *Issuer) sign(caller common.Address, bodyHash []byte, ttl time.Duration) (string, error) {
	if caller == (common.Address{}) {
		return "", fmt.Errorf("caller must not be the zero address")
	}

	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: i.alg, Key: i.privateKey},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", i.keyID),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create JWT signer: %w", err)
	}

	var reqHash string
	if len(bodyHash) > 0 {
		reqHash = hex.EncodeToString(bodyHash)
	}

	now := time.Now()
	claims := &Claims{
		Claims: &jwt.Claims{
			Subject:   caller.Hex(),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(ttl)),
		},
		ReqHash: reqHash,
	}

	token, err := jwt.Signed(sig).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize JWT: %w", err)
	}
	return token, nil
}

// Verifier returns a Verifier for tokens signed by this issuer.
func (i *Issuer) Verifier() *Verifier {
	return &Verifier{publicKey: i.privateKey.Public(), issuer: i.issuer, leeway: jwt.DefaultLeeway}
}

// Verifier checks caller tokens.
type Verifier struct {
	publicKey crypto.PublicKey
	issuer    string
	leeway    time.Duration
}

// NewVerifier creates a verifier for tokens signed with the private half of publicKey.
func NewVerifier(publicKey crypto.PublicKey) *Verifier {
	return &Verifier{publicKey: publicKey, issuer: DefaultIssuer, leeway: jwt.DefaultLeeway}
}

// Verify checks the token's signature, issuer and validity window and, when the
// token carries a reqHash, that body matches it. It returns the caller address.
func (v *Verifier) Verify(token string, body []byte) (common.Address, error) {
	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: malformed token", permitpay.ErrUnauthorized)
	}

	claims := Claims{Claims: &jwt.Claims{}}
	if err := parsed.Claims(v.publicKey, &claims); err != nil {
		return common.Address{}, fmt.Errorf("%w: invalid token signature", permitpay.ErrUnauthorized)
	}
	if err := claims.ValidateWithLeeway(jwt.Expected{Issuer: v.issuer, Time: time.Now()}, v.leeway); err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", permitpay.ErrUnauthorized, err)
	}
	if !common.IsHexAddress(claims.Subject) {
		return common.Address{}, fmt.Errorf("%w: subject is not an address", permitpay.ErrUnauthorized)
	}

	if claims.ReqHash != "" {
		hash := sha256.Sum256(body)
		if claims.ReqHash != hex.EncodeToString(hash[:]) {
			return common.Address{}, fmt.Errorf("%w: %w", permitpay.ErrUnauthorized, ErrBodyMismatch)
		}
	}
	return common.HexToAddress(claims.Subject), nil
}

type callerKey struct{}

// WithCaller returns a context carrying the authenticated caller.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the authenticated caller stored by WithCaller.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(callerKey{}).(common.Address)
	return caller, ok
}
