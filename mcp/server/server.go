// Package server exposes a settlement service as MCP tools, so agents can
// check payments, read nonces and records and, when enabled, settle.
//
// Payments travel as the base64-encoded JSON used by the X-Payment header.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/encoding"
	"github.com/mark3labs/permitpay-go/facilitator"
	"github.com/mark3labs/permitpay-go/ledger"
	"github.com/mark3labs/permitpay-go/validation"
)

// Tool names.
const (
	ToolVerifyPayment   = "verify_payment"
	ToolSimulatePayment = "simulate_payment"
	ToolVerifySignature = "verify_signature"
	ToolSettlePayment   = "settle_payment"
	ToolGetNonce        = "get_nonce"
	ToolListRecords     = "list_records"
	ToolSupported       = "supported"
)

// Server wraps an MCP server whose tools call a facilitator.
type Server struct {
	mcpServer   *mcpserver.MCPServer
	facilitator facilitator.Interface
	settle      bool
	logger      *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithSettlement registers the settle_payment tool. The caller identity must
// then reach the tool context, e.g. through an authenticating HTTP middleware.
func WithSettlement() Option {
	return func(s *Server) {
		s.settle = true
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates an MCP server named name backed by f.
func New(name, version string, f facilitator.Interface, opts ...Option) *Server {
	s := &Server{
		mcpServer:   mcpserver.NewMCPServer(name, version, mcpserver.WithToolCapabilities(false)),
		facilitator: f,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	return s
}

func paymentArg() mcpproto.ToolOption {
	return mcpproto.WithString("payment", mcpproto.Required(),
		mcpproto.Description("Base64-encoded JSON payment request, as sent in the X-Payment header"))
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcpproto.NewTool(ToolVerifyPayment,
		mcpproto.WithDescription("Predict whether a payment would settle against the current ledger state"),
		paymentArg(),
	), s.verifyPayment)

	s.mcpServer.AddTool(mcpproto.NewTool(ToolSimulatePayment,
		mcpproto.WithDescription("Run the full settlement and roll it back; reports ALL_SUCCESS or the failing step's code"),
		paymentArg(),
	), s.simulatePayment)

	s.mcpServer.AddTool(mcpproto.NewTool(ToolVerifySignature,
		mcpproto.WithDescription("Check the payment signature at the payer's current account nonce"),
		paymentArg(),
	), s.verifySignature)

	s.mcpServer.AddTool(mcpproto.NewTool(ToolGetNonce,
		mcpproto.WithDescription("Read an account's current nonce for a token"),
		mcpproto.WithString("token", mcpproto.Required(), mcpproto.Description("Token address")),
		mcpproto.WithString("owner", mcpproto.Required(), mcpproto.Description("Account address")),
	), s.getNonce)

	s.mcpServer.AddTool(mcpproto.NewTool(ToolListRecords,
		mcpproto.WithDescription("List settled payments, oldest first"),
		mcpproto.WithString("token", mcpproto.Description("Filter by token address")),
		mcpproto.WithString("payer", mcpproto.Description("Filter by payer address")),
		mcpproto.WithString("receiver", mcpproto.Description("Filter by receiver address")),
		mcpproto.WithNumber("limit", mcpproto.Description("Maximum number of records")),
	), s.listRecords)

	s.mcpServer.AddTool(mcpproto.NewTool(ToolSupported,
		mcpproto.WithDescription("Describe the settlement engine and its tokens"),
	), s.supported)

	if s.settle {
		s.mcpServer.AddTool(mcpproto.NewTool(ToolSettlePayment,
			mcpproto.WithDescription("Settle a payment on behalf of the authenticated relay"),
			paymentArg(),
		), s.settlePayment)
	}
}

// MCPServer returns the underlying MCP server (for advanced usage).
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Handler returns the streamable HTTP handler, wrapped by middleware when
// given. The request context reaches the tools.
func (s *Server) Handler(middleware ...func(http.Handler) http.Handler) http.Handler {
	var h http.Handler = mcpserver.NewStreamableHTTPServer(s.mcpServer)
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}

func jsonResult(v any) (*mcpproto.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return mcpproto.NewToolResultText(string(data)), nil
}

func errorResult(err error) *mcpproto.CallToolResult {
	return mcpproto.NewToolResultError(fmt.Sprintf("%s: %v", permitpay.CodeOf(err), err))
}

func paymentRequest(req mcpproto.CallToolRequest) (permitpay.PaymentRequest, error) {
	raw, err := req.RequireString("payment")
	if err != nil {
		return permitpay.PaymentRequest{}, fmt.Errorf("%w: %v", permitpay.ErrMalformedRequest, err)
	}
	return encoding.DecodeRequest(raw)
}

func addressArg(req mcpproto.CallToolRequest, name string, required bool) (*common.Address, error) {
	v := req.GetString(name, "")
	if v == "" {
		if required {
			return nil, fmt.Errorf("%w: %s is required", permitpay.ErrMalformedRequest, name)
		}
		return nil, nil
	}
	if err := validation.ValidateAddress(v); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	addr := common.HexToAddress(v)
	return &addr, nil
}

func (s *Server) verifyPayment(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	payment, err := paymentRequest(req)
	if err != nil {
		return errorResult(err), nil
	}
	resp, err := s.facilitator.Verify(ctx, payment)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(resp)
}

// SimulationResult is the outcome of simulate_payment.
type SimulationResult struct {
	Success bool                `json:"success"`
	Code    permitpay.ErrorCode `json:"code"`
	Reason  string              `json:"reason,omitempty"`
}

func (s *Server) simulatePayment(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	payment, err := paymentRequest(req)
	if err != nil {
		return errorResult(err), nil
	}
	err = s.facilitator.VerifyReverting(ctx, payment)
	code := permitpay.CodeOf(err)
	if err == nil {
		code = permitpay.ErrCodeInvariantViolation
	}
	result := SimulationResult{Success: code == permitpay.ErrCodeAllSuccess, Code: code}
	if !result.Success && err != nil {
		result.Reason = err.Error()
	}
	return jsonResult(result)
}

func (s *Server) verifySignature(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	payment, err := paymentRequest(req)
	if err != nil {
		return errorResult(err), nil
	}
	ok, err := s.facilitator.VerifySignature(ctx, payment)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]bool{"valid": ok})
}

func (s *Server) settlePayment(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	payment, err := paymentRequest(req)
	if err != nil {
		return errorResult(err), nil
	}
	resp, err := s.facilitator.Settle(ctx, payment)
	if err != nil {
		s.logger.Info("settlement via MCP failed", "payer", payment.Authorization.Payer, "code", permitpay.CodeOf(err))
		return errorResult(err), nil
	}
	return jsonResult(resp)
}

func (s *Server) getNonce(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	token, err := addressArg(req, "token", true)
	if err != nil {
		return errorResult(err), nil
	}
	owner, err := addressArg(req, "owner", true)
	if err != nil {
		return errorResult(err), nil
	}
	nonce, err := s.facilitator.Nonce(ctx, *token, *owner)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(facilitator.NonceResponse{Token: token.Hex(), Owner: owner.Hex(), Nonce: nonce.String()})
}

func (s *Server) listRecords(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	var (
		filter ledger.RecordFilter
		err    error
	)
	if filter.Token, err = addressArg(req, "token", false); err != nil {
		return errorResult(err), nil
	}
	if filter.Payer, err = addressArg(req, "payer", false); err != nil {
		return errorResult(err), nil
	}
	if filter.Receiver, err = addressArg(req, "receiver", false); err != nil {
		return errorResult(err), nil
	}
	if limit := req.GetFloat("limit", 0); limit > 0 {
		filter.Limit = int(limit)
	}

	recs, err := s.facilitator.Records(ctx, filter)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(facilitator.RecordsResponse{Records: recs})
}

func (s *Server) supported(ctx context.Context, _ mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	resp, err := s.facilitator.Supported(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(resp)
}
