package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/facilitator"
	"github.com/mark3labs/permitpay-go/ledger"
	"github.com/mark3labs/permitpay-go/retry"
)

// Client reaches a remote settlement service. Calls that fail because the
// service is unreachable are retried; payment outcomes are not.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeouts   permitpay.TimeoutConfig
	Retry      retry.Policy
	Logger     *slog.Logger
}

var (
	_ facilitator.Interface = (*Client)(nil)
	_ facilitator.Admin     = (*Client)(nil)
)

// ClientOption configures a Client.
type ClientOption func(*Client) error

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}

	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
		Timeouts:   permitpay.DefaultTimeouts,
		Retry:      retry.DefaultPolicy,
		Logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// WithHTTPClient sets a custom underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) error {
		if httpClient == nil {
			return fmt.Errorf("http client cannot be nil")
		}
		c.HTTPClient = httpClient
		return nil
	}
}

// WithAuthorization presents a bearer token from provider on every request.
func WithAuthorization(provider AuthorizationProvider) ClientOption {
	return func(c *Client) error {
		if provider == nil {
			return fmt.Errorf("authorization provider cannot be nil")
		}
		hc := *c.HTTPClient
		hc.Transport = &AuthTransport{Base: hc.Transport, Authorize: provider}
		c.HTTPClient = &hc
		return nil
	}
}

// WithTimeouts sets per-attempt timeouts.
func WithTimeouts(timeouts permitpay.TimeoutConfig) ClientOption {
	return func(c *Client) error {
		if err := timeouts.Validate(); err != nil {
			return err
		}
		c.Timeouts = timeouts
		return nil
	}
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p retry.Policy) ClientOption {
	return func(c *Client) error {
		if err := p.Validate(); err != nil {
			return err
		}
		c.Retry = p
		return nil
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		c.Logger = logger
		return nil
	}
}

type call struct {
	method  string
	path    string
	query   url.Values
	body    any
	timeout time.Duration
	out     any
}

// do performs c with retries. Non-2xx answers become PaymentErrors rebuilt
// from the response code.
func (c *Client) do(ctx context.Context, cl call) error {
	var payload []byte
	if cl.body != nil {
		var err error
		payload, err = json.Marshal(cl.body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	endpoint := c.BaseURL + cl.path
	if len(cl.query) > 0 {
		endpoint += "?" + cl.query.Encode()
	}

	_, err := retry.Do(ctx, c.Retry, retry.Transient, func(ctx context.Context, attempt int) (struct{}, error) {
		if attempt > 0 {
			c.Logger.Debug("retrying request", "path", cl.path, "attempt", attempt)
		}
		ctx, cancel := context.WithTimeout(ctx, cl.timeout)
		defer cancel()

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, cl.method, endpoint, body)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return struct{}{}, permitpay.NewPaymentError(permitpay.ErrCodeUnavailable, "request failed",
				fmt.Errorf("%w: %v", permitpay.ErrRelayUnavailable, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return struct{}{}, decodeError(resp)
		}
		if cl.out != nil {
			if err := json.NewDecoder(resp.Body).Decode(cl.out); err != nil {
				return struct{}{}, fmt.Errorf("failed to decode %s response: %w", cl.path, err)
			}
		}
		return struct{}{}, nil
	})
	return err
}

// decodeError rebuilds the error a service reported in resp.
func decodeError(resp *http.Response) error {
	var body struct {
		Error       string                 `json:"error"`
		ErrorReason string                 `json:"errorReason"`
		Code        permitpay.ErrorCode    `json:"code"`
		Details     map[string]interface{} `json:"details"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &body)

	code := body.Code
	if code == "" {
		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
			code = permitpay.ErrCodeUnavailable
		case http.StatusBadRequest, http.StatusNotFound, http.StatusMethodNotAllowed:
			code = permitpay.ErrCodeMalformedRequest
		case http.StatusUnauthorized, http.StatusForbidden:
			code = permitpay.ErrCodeUnauthorized
		default:
			code = permitpay.ErrCodeLedgerFailure
		}
	}

	msg := body.Error
	if msg == "" {
		msg = body.ErrorReason
	}
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}

	pe := permitpay.NewPaymentError(code, msg, permitpay.ErrorForCode(code))
	for k, v := range body.Details {
		pe.WithDetails(k, v)
	}
	return pe
}

// Verify implements facilitator.Interface.
func (c *Client) Verify(ctx context.Context, req permitpay.PaymentRequest) (*permitpay.VerifyResponse, error) {
	var resp permitpay.VerifyResponse
	err := c.do(ctx, call{method: http.MethodPost, path: "/verify", body: req, timeout: c.Timeouts.VerifyTimeout, out: &resp})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyReverting implements facilitator.Interface.
func (c *Client) VerifyReverting(ctx context.Context, req permitpay.PaymentRequest) error {
	err := c.do(ctx, call{method: http.MethodPost, path: "/verify/reverting", body: req, timeout: c.Timeouts.VerifyTimeout})
	if err == nil {
		return permitpay.NewPaymentError(permitpay.ErrCodeInvariantViolation, "dry run returned without aborting", permitpay.ErrInvariantViolation)
	}
	return err
}

// VerifySignature implements facilitator.Interface.
func (c *Client) VerifySignature(ctx context.Context, req permitpay.PaymentRequest) (bool, error) {
	var resp SignatureResponse
	err := c.do(ctx, call{method: http.MethodPost, path: "/verify/signature", body: req, timeout: c.Timeouts.VerifyTimeout, out: &resp})
	if err != nil {
		return false, err
	}
	return resp.Valid, nil
}

// Settle implements facilitator.Interface.
func (c *Client) Settle(ctx context.Context, req permitpay.PaymentRequest) (*permitpay.SettlementResponse, error) {
	var resp permitpay.SettlementResponse
	err := c.do(ctx, call{method: http.MethodPost, path: "/pay", body: req, timeout: c.Timeouts.SettleTimeout, out: &resp})
	if err != nil {
		c.Logger.Info("settlement failed", "payer", req.Authorization.Payer, "code", permitpay.CodeOf(err))
		return nil, err
	}
	return &resp, nil
}

// Nonce implements facilitator.Interface.
func (c *Client) Nonce(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	var resp facilitator.NonceResponse
	err := c.do(ctx, call{
		method:  http.MethodGet,
		path:    "/nonce",
		query:   url.Values{"token": {token.Hex()}, "owner": {owner.Hex()}},
		timeout: c.Timeouts.RequestTimeout,
		out:     &resp,
	})
	if err != nil {
		return nil, err
	}
	nonce, ok := new(big.Int).SetString(resp.Nonce, 10)
	if !ok {
		return nil, fmt.Errorf("invalid nonce %q in response", resp.Nonce)
	}
	return nonce, nil
}

// Records implements facilitator.Interface.
func (c *Client) Records(ctx context.Context, filter ledger.RecordFilter) ([]facilitator.Record, error) {
	q := url.Values{}
	if filter.Token != nil {
		q.Set("token", filter.Token.Hex())
	}
	if filter.Payer != nil {
		q.Set("payer", filter.Payer.Hex())
	}
	if filter.Receiver != nil {
		q.Set("receiver", filter.Receiver.Hex())
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}

	var resp facilitator.RecordsResponse
	if err := c.do(ctx, call{method: http.MethodGet, path: "/records", query: q, timeout: c.Timeouts.RequestTimeout, out: &resp}); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Supported implements facilitator.Interface.
func (c *Client) Supported(ctx context.Context) (*facilitator.SupportedResponse, error) {
	var resp facilitator.SupportedResponse
	if err := c.do(ctx, call{method: http.MethodGet, path: "/supported", timeout: c.Timeouts.RequestTimeout, out: &resp}); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) admin(ctx context.Context, method, path string, body any, query url.Values) error {
	return c.do(ctx, call{method: method, path: path, body: body, query: query, timeout: c.Timeouts.RequestTimeout, out: &facilitator.Status{}})
}

// Pause implements facilitator.Admin.
func (c *Client) Pause(ctx context.Context) error {
	return c.admin(ctx, http.MethodPost, "/admin/pause", struct{}{}, nil)
}

// Unpause implements facilitator.Admin.
func (c *Client) Unpause(ctx context.Context) error {
	return c.admin(ctx, http.MethodPost, "/admin/unpause", struct{}{}, nil)
}

// TransferOwnership implements facilitator.Admin.
func (c *Client) TransferOwnership(ctx context.Context, newOwner common.Address) error {
	return c.admin(ctx, http.MethodPost, "/admin/ownership", facilitator.AdminRequest{Address: newOwner.Hex()}, nil)
}

// AddRelay implements facilitator.Admin.
func (c *Client) AddRelay(ctx context.Context, relay common.Address) error {
	return c.admin(ctx, http.MethodPost, "/admin/relays", facilitator.AdminRequest{Address: relay.Hex()}, nil)
}

// RemoveRelay implements facilitator.Admin.
func (c *Client) RemoveRelay(ctx context.Context, relay common.Address) error {
	return c.admin(ctx, http.MethodDelete, "/admin/relays", nil, url.Values{"address": {relay.Hex()}})
}

// Status implements facilitator.Admin.
func (c *Client) Status(ctx context.Context) (*facilitator.Status, error) {
	var st facilitator.Status
	if err := c.do(ctx, call{method: http.MethodGet, path: "/admin/status", timeout: c.Timeouts.RequestTimeout, out: &st}); err != nil {
		return nil, err
	}
	return &st, nil
}

// IsUnavailable reports whether err means the service could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, permitpay.ErrRelayUnavailable)
}
