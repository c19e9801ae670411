package http

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go/relayauth"
)

// AuthorizationProvider returns the bearer token for a request with the given body.
type AuthorizationProvider func(body []byte) (string, error)

// StaticToken always presents token.
func StaticToken(token string) AuthorizationProvider {
	return func([]byte) (string, error) {
		return token, nil
	}
}

// IssuerToken mints a fresh token for caller per request. Requests with a
// body get a token bound to that body.
func IssuerToken(iss *relayauth.Issuer, caller common.Address, ttl time.Duration) AuthorizationProvider {
	return func(body []byte) (string, error) {
		if len(body) == 0 {
			return iss.Token(caller, ttl)
		}
		return iss.RequestToken(caller, body, ttl)
	}
}

// AuthTransport is a RoundTripper that attaches an Authorization header to
// every request it carries.
type AuthTransport struct {
	// Base is the underlying RoundTripper (typically http.DefaultTransport).
	Base http.RoundTripper

	// Authorize supplies the bearer token.
	Authorize AuthorizationProvider
}

// RoundTrip implements http.RoundTripper.
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	token, err := t.Authorize(body)
	if err != nil {
		return nil, fmt.Errorf("authorize request: %w", err)
	}

	// Clone the request to avoid modifying the original
	reqCopy := req.Clone(req.Context())
	if body != nil {
		reqCopy.Body = io.NopCloser(bytes.NewReader(body))
		reqCopy.ContentLength = int64(len(body))
	}
	reqCopy.Header.Set("Authorization", "Bearer "+token)
	return base.RoundTrip(reqCopy)
}
