package evm

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mark3labs/permitpay-go"
)

// Test private key (DO NOT use in production)
const testPrivateKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	testEngine   = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testReceiver = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testToken    = permitpay.NewUSDCTokenConfig(permitpay.BaseSepolia)
	testDomain   = permitpay.NewDomain(big.NewInt(84532), testEngine)
)

func TestNewSigner(t *testing.T) {
	tests := []struct {
		name    string
		opts    []SignerOption
		wantErr error
	}{
		{
			name: "valid signer",
			opts: []SignerOption{WithPrivateKey(testPrivateKeyHex)},
		},
		{
			name: "valid signer with 0x prefix and limit",
			opts: []SignerOption{WithPrivateKey("0x" + testPrivateKeyHex), WithMaxAmountPerCall("1000000")},
		},
		{
			name:    "missing private key",
			opts:    nil,
			wantErr: permitpay.ErrInvalidKey,
		},
		{
			name:    "invalid private key",
			opts:    []SignerOption{WithPrivateKey("invalid")},
			wantErr: permitpay.ErrInvalidKey,
		},
		{
			name:    "nil ecdsa key",
			opts:    []SignerOption{WithECDSAKey(nil)},
			wantErr: permitpay.ErrInvalidKey,
		},
		{
			name:    "invalid max amount",
			opts:    []SignerOption{WithPrivateKey(testPrivateKeyHex), WithMaxAmountPerCall("invalid")},
			wantErr: permitpay.ErrInvalidAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer, err := NewSigner(tt.opts...)
			if tt.wantErr != nil {
				if err != tt.wantErr {
					t.Fatalf("expected error %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			want := crypto.PubkeyToAddress(signer.privateKey.PublicKey)
			if signer.Address() != want {
				t.Errorf("expected address %s, got %s", want.Hex(), signer.Address().Hex())
			}
		})
	}
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	signer, err := NewSigner(WithPrivateKey(testPrivateKeyHex))
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	return signer
}

func testAuthorization(payer common.Address) *permitpay.PaymentAuthorization {
	return &permitpay.PaymentAuthorization{
		Token:    testToken.Address,
		Payer:    payer,
		Receiver: testReceiver,
		Amount:   big.NewInt(50),
		Delegation: permitpay.DelegationProof{
			Deadline: big.NewInt(1 << 40),
		},
	}
}

func TestSignPayment_Recovers(t *testing.T) {
	signer := newTestSigner(t)
	auth := testAuthorization(signer.Address())
	nonce := big.NewInt(3)

	for _, schema := range []permitpay.Schema{permitpay.SchemaBound, permitpay.SchemaReceiverOnly} {
		t.Run(schema.String(), func(t *testing.T) {
			sig, err := signer.SignPayment(testDomain, schema, auth, nonce)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sig.V != 27 && sig.V != 28 {
				t.Errorf("expected v in {27,28}, got %d", sig.V)
			}

			digest, err := PayDigest(testDomain, schema, auth, nonce)
			if err != nil {
				t.Fatalf("failed to compute digest: %v", err)
			}
			if !VerifySigner(digest, sig, signer.Address()) {
				t.Error("signature should recover to the payer")
			}
		})
	}
}

func TestPayDigest_Binding(t *testing.T) {
	signer := newTestSigner(t)
	base := testAuthorization(signer.Address())
	nonce := big.NewInt(3)

	otherDomain := permitpay.NewDomain(big.NewInt(8453), testEngine)
	otherEngine := permitpay.NewDomain(big.NewInt(84532), common.HexToAddress("0x1111111111111111111111111111111111111111"))

	mutate := func(f func(a *permitpay.PaymentAuthorization)) *permitpay.PaymentAuthorization {
		a := *base
		a.Amount = new(big.Int).Set(base.Amount)
		f(&a)
		return &a
	}

	tests := []struct {
		name       string
		domain     permitpay.Domain
		auth       *permitpay.PaymentAuthorization
		nonce      *big.Int
		bound      bool // digest differs under SchemaBound
		narrowOnly bool // digest differs under SchemaReceiverOnly
	}{
		{"different chain", otherDomain, base, nonce, true, true},
		{"different engine", otherEngine, base, nonce, true, true},
		{"different nonce", testDomain, base, big.NewInt(4), true, true},
		{"different receiver", testDomain, mutate(func(a *permitpay.PaymentAuthorization) { a.Receiver = testEngine }), nonce, true, true},
		{"different amount", testDomain, mutate(func(a *permitpay.PaymentAuthorization) { a.Amount = big.NewInt(51) }), nonce, true, false},
		{"different token", testDomain, mutate(func(a *permitpay.PaymentAuthorization) { a.Token = testReceiver }), nonce, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for schema, wantDiff := range map[permitpay.Schema]bool{
				permitpay.SchemaBound:        tt.bound,
				permitpay.SchemaReceiverOnly: tt.narrowOnly,
			} {
				want, err := PayDigest(testDomain, schema, base, nonce)
				if err != nil {
					t.Fatalf("digest: %v", err)
				}
				got, err := PayDigest(tt.domain, schema, tt.auth, tt.nonce)
				if err != nil {
					t.Fatalf("digest: %v", err)
				}
				if diff := string(want) != string(got); diff != wantDiff {
					t.Errorf("%s: digest changed = %v, want %v", schema, diff, wantDiff)
				}
			}
		})
	}
}

func TestRecover_FailsClosed(t *testing.T) {
	signer := newTestSigner(t)
	digest := crypto.Keccak256([]byte("payment"))
	good, err := SignDigest(signer.privateKey, digest)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	n := crypto.S256().Params().N
	highS := new(big.Int).Sub(n, new(big.Int).SetBytes(good.S[:]))

	tests := []struct {
		name   string
		mutate func(s *permitpay.Signature)
		digest []byte
	}{
		{"zero signature", func(s *permitpay.Signature) { *s = permitpay.Signature{} }, digest},
		{"bad recovery id", func(s *permitpay.Signature) { s.V = 29 }, digest},
		{"zero r", func(s *permitpay.Signature) { s.R = [32]byte{} }, digest},
		{"r above curve order", func(s *permitpay.Signature) {
			for i := range s.R {
				s.R[i] = 0xff
			}
		}, digest},
		{"high s", func(s *permitpay.Signature) { highS.FillBytes(s.S[:]) }, digest},
		{"short digest", func(s *permitpay.Signature) {}, digest[:31]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := good
			tt.mutate(&sig)
			addr, ok := Recover(tt.digest, sig)
			if ok && addr == signer.Address() {
				t.Fatal("malformed signature must not recover to the signer")
			}
			if !ok && addr != (common.Address{}) {
				t.Errorf("failed recovery should return the zero address, got %s", addr.Hex())
			}
		})
	}

	// Raw 0/1 recovery ids are accepted as well.
	raw := good
	raw.V -= 27
	if !VerifySigner(digest, raw, signer.Address()) {
		t.Error("v in {0,1} should verify")
	}
	if VerifySigner(digest, good, common.Address{}) {
		t.Error("zero address must never verify")
	}
}

func TestSignDelegation(t *testing.T) {
	signer, err := NewSigner(WithPrivateKey(testPrivateKeyHex), WithMaxAmountPerCall("100"))
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	sig, err := signer.SignDelegation(testToken, testEngine, big.NewInt(50), big.NewInt(3), big.NewInt(1<<40))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	digest, err := PermitDigest(testToken, signer.Address(), testEngine, big.NewInt(50), big.NewInt(3), big.NewInt(1<<40))
	if err != nil {
		t.Fatalf("failed to compute permit digest: %v", err)
	}
	if !VerifySigner(digest, sig, signer.Address()) {
		t.Error("delegation signature should recover to the owner")
	}

	_, err = signer.SignDelegation(testToken, testEngine, big.NewInt(101), big.NewInt(3), big.NewInt(1<<40))
	if !errors.Is(err, permitpay.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount above the limit, got %v", err)
	}
}

func TestAuthorize(t *testing.T) {
	signer := newTestSigner(t)

	auth, sig, err := Authorize(signer, testDomain, permitpay.SchemaBound, AuthorizeRequest{
		Token:    testToken,
		Receiver: testReceiver,
		Amount:   big.NewInt(50),
		Nonce:    big.NewInt(7),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if auth.Payer != signer.Address() || auth.Receiver != testReceiver || auth.Token != testToken.Address {
		t.Errorf("unexpected authorization %+v", auth)
	}
	if auth.Delegation.Deadline.Sign() <= 0 {
		t.Error("expected deadline to be set")
	}

	digest, err := PayDigest(testDomain, permitpay.SchemaBound, auth, big.NewInt(7))
	if err != nil {
		t.Fatalf("failed to compute digest: %v", err)
	}
	if !VerifySigner(digest, sig, signer.Address()) {
		t.Error("payment signature should verify at the given nonce")
	}

	permit, err := PermitDigest(testToken, signer.Address(), testEngine, auth.Amount, big.NewInt(7), auth.Delegation.Deadline)
	if err != nil {
		t.Fatalf("failed to compute permit digest: %v", err)
	}
	if !VerifySigner(permit, auth.Delegation.Signature, signer.Address()) {
		t.Error("delegation should grant the engine exactly the amount")
	}

	if _, _, err := Authorize(signer, testDomain, permitpay.SchemaBound, AuthorizeRequest{Token: testToken, Nonce: big.NewInt(0)}); !errors.Is(err, permitpay.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for missing amount, got %v", err)
	}
}

func TestSchemaTypeHash(t *testing.T) {
	want := crypto.Keccak256Hash([]byte("Pay(address receiver,uint256 accountNonce)"))
	if got := SchemaTypeHash(permitpay.SchemaReceiverOnly); got != want {
		t.Errorf("receiver-only type hash = %s, want %s", got.Hex(), want.Hex())
	}
	if SchemaTypeHash(permitpay.SchemaBound) == want {
		t.Error("bound schema must have a distinct type hash")
	}
}
