package facilitator_test

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/facilitator"
	"github.com/mark3labs/permitpay-go/internal/stacktest"
	"github.com/mark3labs/permitpay-go/ledger"
	"github.com/mark3labs/permitpay-go/relayauth"
)

func relayCtx() context.Context {
	return relayauth.WithCaller(context.Background(), stacktest.Relay)
}

func ownerCtx() context.Context {
	return relayauth.WithCaller(context.Background(), stacktest.Owner)
}

func TestLocal_VerifyThenSettle(t *testing.T) {
	s := stacktest.New(t, 100)
	req := s.Request(t, 40)

	verify, err := s.Facilitator.Verify(relayCtx(), req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !verify.IsValid {
		t.Fatalf("Verify() invalid: %s (%s)", verify.InvalidReason, verify.Code)
	}
	if verify.Payer != s.Payer.Address().Hex() {
		t.Errorf("payer = %s, want %s", verify.Payer, s.Payer.Address().Hex())
	}

	if err := s.Facilitator.VerifyReverting(relayCtx(), req); !errors.Is(err, permitpay.ErrAllSuccess) {
		t.Fatalf("VerifyReverting() = %v, want ErrAllSuccess", err)
	}

	ok, err := s.Facilitator.VerifySignature(context.Background(), req)
	if err != nil || !ok {
		t.Fatalf("VerifySignature() = %v, %v; want true, nil", ok, err)
	}

	resp, err := s.Facilitator.Settle(relayCtx(), req)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !resp.Success || resp.Forwarded != "40" || resp.Nonce != "0" {
		t.Errorf("Settle() = %+v, want success forwarding 40 at nonce 0", resp)
	}
	if got := s.Balance(t, stacktest.Receiver); got != 40 {
		t.Errorf("receiver balance = %d, want 40", got)
	}

	nonce, err := s.Facilitator.Nonce(context.Background(), stacktest.Token.Address, s.Payer.Address())
	if err != nil || nonce.Int64() != 1 {
		t.Fatalf("Nonce() = %v, %v; want 1", nonce, err)
	}

	// The signature was bound to nonce 0.
	ok, err = s.Facilitator.VerifySignature(context.Background(), req)
	if err != nil || ok {
		t.Fatalf("VerifySignature() after settle = %v, %v; want false, nil", ok, err)
	}
	_, err = s.Facilitator.Settle(relayCtx(), req)
	if permitpay.CodeOf(err) != permitpay.ErrCodeInvalidSignature {
		t.Fatalf("replay code = %s, want %s", permitpay.CodeOf(err), permitpay.ErrCodeInvalidSignature)
	}

	recs, err := s.Facilitator.Records(context.Background(), ledger.RecordFilter{Receiver: &stacktest.Receiver})
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(recs) != 1 || recs[0].Amount != "40" || recs[0].Relay != stacktest.Relay.Hex() {
		t.Errorf("Records() = %+v", recs)
	}
}

func TestLocal_Failures(t *testing.T) {
	tests := []struct {
		name     string
		ctx      context.Context
		mutate   func(*permitpay.PaymentRequest)
		pause    bool
		wantCode permitpay.ErrorCode
	}{
		{
			name:     "unknown relay",
			ctx:      context.Background(),
			wantCode: permitpay.ErrCodeUnauthorized,
		},
		{
			name:     "malformed payer",
			ctx:      relayCtx(),
			mutate:   func(r *permitpay.PaymentRequest) { r.Authorization.Payer = "0x1234" },
			wantCode: permitpay.ErrCodeMalformedRequest,
		},
		{
			name:     "amount exceeds delegation",
			ctx:      relayCtx(),
			mutate:   func(r *permitpay.PaymentRequest) { r.Authorization.Amount = "41" },
			wantCode: permitpay.ErrCodeInvalidSignature,
		},
		{
			name:     "paused",
			ctx:      relayCtx(),
			pause:    true,
			wantCode: permitpay.ErrCodePaused,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := stacktest.New(t, 100)
			req := s.Request(t, 40)
			if tt.mutate != nil {
				tt.mutate(&req)
			}
			if tt.pause {
				if err := s.Facilitator.Pause(ownerCtx()); err != nil {
					t.Fatalf("Pause: %v", err)
				}
			}

			_, err := s.Facilitator.Settle(tt.ctx, req)
			if got := permitpay.CodeOf(err); got != tt.wantCode {
				t.Fatalf("Settle() code = %s (%v), want %s", got, err, tt.wantCode)
			}
			if got := s.Balance(t, s.Payer.Address()); got != 100 {
				t.Errorf("payer balance = %d, want 100", got)
			}
		})
	}
}

func TestLocal_VerifyMalformed(t *testing.T) {
	s := stacktest.New(t, 100)
	req := s.Request(t, 10)
	req.Signature = "0xdead"

	resp, err := s.Facilitator.Verify(relayCtx(), req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if resp.IsValid || resp.Code != permitpay.ErrCodeMalformedRequest {
		t.Errorf("Verify() = %+v, want invalid with MALFORMED_REQUEST", resp)
	}

	if err := s.Facilitator.VerifyReverting(relayCtx(), req); permitpay.CodeOf(err) != permitpay.ErrCodeMalformedRequest {
		t.Errorf("VerifyReverting() = %v, want MALFORMED_REQUEST", err)
	}
}

func TestLocal_Supported(t *testing.T) {
	s := stacktest.New(t, 0)

	resp, err := s.Facilitator.Supported(context.Background())
	if err != nil {
		t.Fatalf("Supported: %v", err)
	}
	if resp.Engine != stacktest.Engine.Hex() {
		t.Errorf("engine = %s, want %s", resp.Engine, stacktest.Engine.Hex())
	}
	if resp.ChainID != "84532" || resp.DomainName != permitpay.DomainName {
		t.Errorf("domain = %s/%s", resp.ChainID, resp.DomainName)
	}
	if resp.PaymentType != permitpay.SchemaBound.String() {
		t.Errorf("payment type = %q", resp.PaymentType)
	}
	if len(resp.Tokens) != 1 || resp.Tokens[0].Symbol != "USDC" || resp.Tokens[0].PermitName != "USDC" {
		t.Errorf("tokens = %+v", resp.Tokens)
	}
}

func TestLocal_Admin(t *testing.T) {
	s := stacktest.New(t, 0)
	ctx := ownerCtx()
	newRelay := stacktest.Receiver

	if err := s.Facilitator.Pause(relayCtx()); permitpay.CodeOf(err) != permitpay.ErrCodeUnauthorized {
		t.Fatalf("Pause() by relay = %v, want UNAUTHORIZED", err)
	}
	if err := s.Facilitator.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := s.Facilitator.AddRelay(ctx, newRelay); err != nil {
		t.Fatalf("AddRelay: %v", err)
	}

	st, err := s.Facilitator.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	want := facilitator.Status{Owner: stacktest.Owner.Hex(), Paused: true}
	if st.Owner != want.Owner || st.Paused != want.Paused || st.Open || len(st.Relays) != 2 {
		t.Errorf("Status() = %+v", st)
	}

	if err := s.Facilitator.Unpause(ctx); err != nil {
		t.Fatalf("Unpause: %v", err)
	}
	if err := s.Facilitator.Unpause(ctx); permitpay.CodeOf(err) != permitpay.ErrCodePaused {
		t.Errorf("second Unpause() = %v, want PAUSED code", err)
	}
	if err := s.Facilitator.RemoveRelay(ctx, newRelay); err != nil {
		t.Fatalf("RemoveRelay: %v", err)
	}
	if err := s.Facilitator.TransferOwnership(ctx, newRelay); err != nil {
		t.Fatalf("TransferOwnership: %v", err)
	}
	if err := s.Facilitator.Pause(ctx); permitpay.CodeOf(err) != permitpay.ErrCodeUnauthorized {
		t.Errorf("Pause() by former owner = %v, want UNAUTHORIZED", err)
	}
}
