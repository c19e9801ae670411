package chi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/permitpay-go"
	permithttp "github.com/mark3labs/permitpay-go/http"
	"github.com/mark3labs/permitpay-go/internal/stacktest"
	"github.com/mark3labs/permitpay-go/relayauth"
)

func newRouter(t *testing.T) (*stacktest.Stack, *relayauth.Issuer, http.Handler) {
	t.Helper()
	s := stacktest.New(t, 100)
	key, err := relayauth.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	iss, err := relayauth.NewIssuer("chi-test", key)
	if err != nil {
		t.Fatal(err)
	}
	h := &permithttp.Handlers{Facilitator: s.Facilitator, Admin: s.Facilitator}
	return s, iss, NewRouter(h, Config{Verifier: iss.Verifier(), RequestTimeout: time.Minute})
}

func TestRouter_Pay(t *testing.T) {
	s, iss, r := newRouter(t)
	body, err := json.Marshal(s.Request(t, 20))
	if err != nil {
		t.Fatal(err)
	}
	token, err := iss.RequestToken(stacktest.Relay, body, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/pay", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := s.Balance(t, stacktest.Receiver); got != 20 {
		t.Errorf("receiver balance = %d, want 20", got)
	}
	if rec.Header().Get("X-Payment-Response") == "" {
		t.Error("missing X-Payment-Response header")
	}
}

func TestRouter_RequiresToken(t *testing.T) {
	s, _, r := newRouter(t)
	body, _ := json.Marshal(s.Request(t, 20))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pay", bytes.NewReader(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var resp permithttp.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != permitpay.ErrCodeUnauthorized {
		t.Errorf("code = %s", resp.Code)
	}
}

func TestRouter_PublicRoutes(t *testing.T) {
	_, _, r := newRouter(t)
	for _, path := range []string{"/healthz", "/supported", "/admin/status"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pay", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /pay status = %d, want 405", rec.Code)
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	line := buf.String()
	if !strings.Contains(line, "status=418") || !strings.Contains(line, "path=/x") {
		t.Errorf("log line = %q", line)
	}
}
