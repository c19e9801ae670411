package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/internal/stacktest"
	"github.com/mark3labs/permitpay-go/ledger"
	"github.com/mark3labs/permitpay-go/retry"
)

var fastRetry = retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}

func newTestClient(t *testing.T, ts *testServer, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(ts.mux)
	t.Cleanup(srv.Close)
	opts = append([]ClientOption{WithRetryPolicy(fastRetry)}, opts...)
	c, err := NewClient(srv.URL, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestClient_RoundTrip(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, WithAuthorization(IssuerToken(ts.issuer, stacktest.Relay, time.Minute)))
	ctx := context.Background()
	req := ts.stack.Request(t, 25)

	v, err := c.Verify(ctx, req)
	if err != nil || !v.IsValid {
		t.Fatalf("Verify() = %+v, %v", v, err)
	}
	if err := c.VerifyReverting(ctx, req); !errors.Is(err, permitpay.ErrAllSuccess) {
		t.Fatalf("VerifyReverting() = %v, want ErrAllSuccess", err)
	}
	ok, err := c.VerifySignature(ctx, req)
	if err != nil || !ok {
		t.Fatalf("VerifySignature() = %v, %v", ok, err)
	}

	resp, err := c.Settle(ctx, req)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !resp.Success || resp.Forwarded != "25" {
		t.Errorf("Settle() = %+v", resp)
	}

	_, err = c.Settle(ctx, req)
	if !errors.Is(err, permitpay.ErrInvalidSignature) {
		t.Fatalf("replay error = %v, want ErrInvalidSignature", err)
	}
	if permitpay.CodeOf(err) != permitpay.ErrCodeInvalidSignature {
		t.Errorf("replay code = %s", permitpay.CodeOf(err))
	}

	nonce, err := c.Nonce(ctx, stacktest.Token.Address, ts.stack.Payer.Address())
	if err != nil || nonce.Int64() != 1 {
		t.Fatalf("Nonce() = %v, %v", nonce, err)
	}
	payer := ts.stack.Payer.Address()
	recs, err := c.Records(ctx, ledger.RecordFilter{Payer: &payer, Limit: 10})
	if err != nil || len(recs) != 1 {
		t.Fatalf("Records() = %+v, %v", recs, err)
	}
	sup, err := c.Supported(ctx)
	if err != nil || len(sup.Tokens) != 1 {
		t.Fatalf("Supported() = %+v, %v", sup, err)
	}
}

func TestClient_Admin(t *testing.T) {
	ts := newTestServer(t)
	owner := newTestClient(t, ts, WithAuthorization(IssuerToken(ts.issuer, stacktest.Owner, time.Minute)))
	relay := newTestClient(t, ts, WithAuthorization(IssuerToken(ts.issuer, stacktest.Relay, time.Minute)))
	ctx := context.Background()

	if err := relay.Pause(ctx); !errors.Is(err, permitpay.ErrUnauthorized) {
		t.Fatalf("Pause() by relay = %v, want ErrUnauthorized", err)
	}
	if err := owner.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := relay.Settle(ctx, ts.stack.Request(t, 1)); !errors.Is(err, permitpay.ErrPaused) {
		t.Fatalf("Settle() while paused = %v, want ErrPaused", err)
	}
	if err := owner.Unpause(ctx); err != nil {
		t.Fatalf("Unpause: %v", err)
	}
	if err := owner.AddRelay(ctx, stacktest.Receiver); err != nil {
		t.Fatalf("AddRelay: %v", err)
	}
	if err := owner.RemoveRelay(ctx, stacktest.Receiver); err != nil {
		t.Fatalf("RemoveRelay: %v", err)
	}
	st, err := owner.Status(ctx)
	if err != nil || st.Paused || len(st.Relays) != 1 {
		t.Fatalf("Status() = %+v, %v", st, err)
	}
	if err := owner.TransferOwnership(ctx, stacktest.Receiver); err != nil {
		t.Fatalf("TransferOwnership: %v", err)
	}
	if err := owner.Pause(ctx); !errors.Is(err, permitpay.ErrUnauthorized) {
		t.Fatalf("Pause() by former owner = %v", err)
	}
}

func TestClient_Unauthenticated(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts)

	_, err := c.Settle(context.Background(), ts.stack.Request(t, 1))
	if !errors.Is(err, permitpay.ErrUnauthorized) {
		t.Fatalf("Settle() without token = %v, want ErrUnauthorized", err)
	}
}

func TestClient_RetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"engine":"0x5FbDB2315678afecb367f032d93F642f64180aa3","tokens":[]}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, WithRetryPolicy(fastRetry))
	if err != nil {
		t.Fatal(err)
	}
	sup, err := c.Supported(context.Background())
	if err != nil {
		t.Fatalf("Supported: %v", err)
	}
	if sup.Engine == "" || calls.Load() != 3 {
		t.Errorf("got %+v after %d calls", sup, calls.Load())
	}
}

func TestClient_DoesNotRetryPaymentOutcomes(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"success":false,"errorReason":"pull step failed","code":"INSUFFICIENT_FUNDS","payer":"0x1"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, WithRetryPolicy(fastRetry))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Settle(context.Background(), permitpay.PaymentRequest{})
	if !errors.Is(err, permitpay.ErrInsufficientFunds) {
		t.Fatalf("Settle() = %v, want ErrInsufficientFunds", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(url, WithRetryPolicy(fastRetry))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Supported(context.Background())
	if !IsUnavailable(err) {
		t.Fatalf("Supported() = %v, want unavailable", err)
	}
}

func TestNewClient_Options(t *testing.T) {
	if _, err := NewClient("not a url"); err == nil {
		t.Error("expected error for invalid URL")
	}
	if _, err := NewClient("http://localhost", WithHTTPClient(nil)); err == nil {
		t.Error("expected error for nil http client")
	}
	if _, err := NewClient("http://localhost", WithTimeouts(permitpay.TimeoutConfig{})); err == nil {
		t.Error("expected error for zero timeouts")
	}
	if _, err := NewClient("http://localhost", WithRetryPolicy(retry.Policy{})); err == nil {
		t.Error("expected error for zero retry policy")
	}
	c, err := NewClient("http://localhost/", WithAuthorization(StaticToken("abc")))
	if err != nil {
		t.Fatal(err)
	}
	if c.BaseURL != "http://localhost" {
		t.Errorf("BaseURL = %q", c.BaseURL)
	}
	if _, ok := c.HTTPClient.Transport.(*AuthTransport); !ok {
		t.Errorf("transport = %T, want *AuthTransport", c.HTTPClient.Transport)
	}
}

func TestAuthTransport(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
	}))
	defer srv.Close()

	var seen []byte
	hc := &http.Client{Transport: &AuthTransport{Authorize: func(body []byte) (string, error) {
		seen = body
		return "tok", nil
	}}}
	resp, err := hc.Post(srv.URL, "text/plain", strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if gotAuth != "Bearer tok" || gotBody != "hello" || string(seen) != "hello" {
		t.Errorf("auth = %q, body = %q, provider saw %q", gotAuth, gotBody, seen)
	}
}
