// Package http exposes a settlement service over HTTP and provides the client
// relays use to reach one.
//
// Handlers is router-agnostic: NewServeMux mounts it on the standard library
// mux, and the chi and gin subpackages mount the same handlers on their
// routers.
package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/facilitator"
	"github.com/mark3labs/permitpay-go/http/internal/helpers"
	"github.com/mark3labs/permitpay-go/ledger"
	"github.com/mark3labs/permitpay-go/validation"
)

// ErrorResponse is the body of a failed request.
type ErrorResponse = helpers.ErrorResponse

// SignatureResponse is the body of a signature check.
type SignatureResponse struct {
	Valid bool `json:"valid"`
}

// Handlers serves a facilitator over HTTP.
type Handlers struct {
	// Facilitator serves the relay endpoints.
	Facilitator facilitator.Interface

	// Admin serves the owner endpoints. Nil disables them.
	Admin facilitator.Admin

	Logger *slog.Logger
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// Pay settles the request and answers with the settlement, also carried in
// the X-Payment-Response header. A failed settlement is answered with a
// SettlementResponse whose Success is false.
func (h *Handlers) Pay(w http.ResponseWriter, r *http.Request) {
	req, err := helpers.ParsePaymentRequest(r)
	if err != nil {
		h.writeSettlementError(w, req, err)
		return
	}

	resp, err := h.Facilitator.Settle(r.Context(), req)
	if err != nil {
		h.writeSettlementError(w, req, err)
		return
	}
	if err := helpers.AddPaymentResponseHeader(w, resp); err != nil {
		h.logger().Warn("failed to encode payment response header", "error", err)
	}
	helpers.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handlers) writeSettlementError(w http.ResponseWriter, req permitpay.PaymentRequest, err error) {
	code := permitpay.CodeOf(err)
	h.logger().Info("settlement rejected", "payer", req.Authorization.Payer, "code", code, "error", err)
	resp := &permitpay.SettlementResponse{
		Success:     false,
		ErrorReason: err.Error(),
		Code:        code,
		Payer:       req.Authorization.Payer,
	}
	if err := helpers.AddPaymentResponseHeader(w, resp); err != nil {
		h.logger().Warn("failed to encode payment response header", "error", err)
	}
	helpers.WriteJSON(w, helpers.StatusFor(code), resp)
}

// Verify predicts the outcome of Pay. An invalid payment is a 200 with
// IsValid false; only a paused engine or a defect is an error status.
func (h *Handlers) Verify(w http.ResponseWriter, r *http.Request) {
	req, err := helpers.ParsePaymentRequest(r)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	resp, err := h.Facilitator.Verify(r.Context(), req)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, resp)
}

// VerifyReverting runs the always-reverting dry run. Every answer is an
// error response; code ALL_SUCCESS means every step succeeded.
func (h *Handlers) VerifyReverting(w http.ResponseWriter, r *http.Request) {
	req, err := helpers.ParsePaymentRequest(r)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	err = h.Facilitator.VerifyReverting(r.Context(), req)
	if err == nil {
		err = permitpay.NewPaymentError(permitpay.ErrCodeInvariantViolation, "dry run returned without aborting", permitpay.ErrInvariantViolation)
	}
	helpers.WriteError(w, err)
}

// VerifySignature answers whether the payment signature is valid now.
func (h *Handlers) VerifySignature(w http.ResponseWriter, r *http.Request) {
	req, err := helpers.ParsePaymentRequest(r)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	ok, err := h.Facilitator.VerifySignature(r.Context(), req)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, SignatureResponse{Valid: ok})
}

// Nonce answers GET ?token=&owner=.
func (h *Handlers) Nonce(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token, err := queryAddress(q.Get("token"), "token")
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	owner, err := queryAddress(q.Get("owner"), "owner")
	if err != nil {
		helpers.WriteError(w, err)
		return
	}

	nonce, err := h.Facilitator.Nonce(r.Context(), token, owner)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, facilitator.NonceResponse{
		Token: token.Hex(),
		Owner: owner.Hex(),
		Nonce: nonce.String(),
	})
}

// Records answers GET with optional token, payer, receiver and limit filters.
func (h *Handlers) Records(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter ledger.RecordFilter
	for name, dst := range map[string]**common.Address{
		"token":    &filter.Token,
		"payer":    &filter.Payer,
		"receiver": &filter.Receiver,
	} {
		if v := q.Get(name); v != "" {
			addr, err := queryAddress(v, name)
			if err != nil {
				helpers.WriteError(w, err)
				return
			}
			*dst = &addr
		}
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			helpers.WriteError(w, fmt.Errorf("%w: invalid limit %q", permitpay.ErrMalformedRequest, v))
			return
		}
		filter.Limit = limit
	}

	recs, err := h.Facilitator.Records(r.Context(), filter)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, facilitator.RecordsResponse{Records: recs})
}

// Supported describes the engine.
func (h *Handlers) Supported(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Facilitator.Supported(r.Context())
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, resp)
}

// Health answers liveness probes.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	helpers.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports the administrative state.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.Admin.Status(r.Context())
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, st)
}

// Pause stops settlement.
func (h *Handlers) Pause(w http.ResponseWriter, r *http.Request) {
	h.adminResult(w, r, h.Admin.Pause(r.Context()))
}

// Unpause resumes settlement.
func (h *Handlers) Unpause(w http.ResponseWriter, r *http.Request) {
	h.adminResult(w, r, h.Admin.Unpause(r.Context()))
}

// TransferOwnership hands ownership to the address in the body.
func (h *Handlers) TransferOwnership(w http.ResponseWriter, r *http.Request) {
	addr, err := adminAddress(r)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	h.adminResult(w, r, h.Admin.TransferOwnership(r.Context(), addr))
}

// AddRelay allows the relay in the body.
func (h *Handlers) AddRelay(w http.ResponseWriter, r *http.Request) {
	addr, err := adminAddress(r)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	h.adminResult(w, r, h.Admin.AddRelay(r.Context(), addr))
}

// RemoveRelay revokes the relay named by the address query parameter.
func (h *Handlers) RemoveRelay(w http.ResponseWriter, r *http.Request) {
	addr, err := queryAddress(r.URL.Query().Get("address"), "address")
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	h.adminResult(w, r, h.Admin.RemoveRelay(r.Context(), addr))
}

func (h *Handlers) adminResult(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		h.logger().Warn("admin operation refused", "path", r.URL.Path, "error", err)
		helpers.WriteError(w, err)
		return
	}
	h.Status(w, r)
}

func queryAddress(v, name string) (common.Address, error) {
	if err := validation.ValidateAddress(v); err != nil {
		return common.Address{}, fmt.Errorf("%s: %w", name, err)
	}
	return common.HexToAddress(v), nil
}

func adminAddress(r *http.Request) (common.Address, error) {
	body, err := helpers.ReadBody(r)
	if err != nil {
		return common.Address{}, err
	}
	var req facilitator.AdminRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", permitpay.ErrMalformedRequest, err)
	}
	return queryAddress(req.Address, "address")
}

// Route is one endpoint of the service.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc

	// Public routes are served without a caller token.
	Public bool
}

// Routes lists every endpoint. Admin routes are omitted when h.Admin is nil.
func (h *Handlers) Routes() []Route {
	routes := []Route{
		{Method: http.MethodGet, Path: "/healthz", Handler: h.Health, Public: true},
		{Method: http.MethodGet, Path: "/supported", Handler: h.Supported, Public: true},
		{Method: http.MethodGet, Path: "/nonce", Handler: h.Nonce, Public: true},
		{Method: http.MethodGet, Path: "/records", Handler: h.Records, Public: true},
		{Method: http.MethodPost, Path: "/verify/signature", Handler: h.VerifySignature, Public: true},
		{Method: http.MethodPost, Path: "/verify/reverting", Handler: h.VerifyReverting},
		{Method: http.MethodPost, Path: "/verify", Handler: h.Verify},
		{Method: http.MethodPost, Path: "/pay", Handler: h.Pay},
	}
	if h.Admin != nil {
		routes = append(routes,
			Route{Method: http.MethodGet, Path: "/admin/status", Handler: h.Status, Public: true},
			Route{Method: http.MethodPost, Path: "/admin/pause", Handler: h.Pause},
			Route{Method: http.MethodPost, Path: "/admin/unpause", Handler: h.Unpause},
			Route{Method: http.MethodPost, Path: "/admin/ownership", Handler: h.TransferOwnership},
			Route{Method: http.MethodPost, Path: "/admin/relays", Handler: h.AddRelay},
			Route{Method: http.MethodDelete, Path: "/admin/relays", Handler: h.RemoveRelay},
		)
	}
	return routes
}

// NewServeMux mounts h on a standard library mux. Non-public routes pass
// through auth when it is not nil.
func NewServeMux(h *Handlers, auth func(http.Handler) http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	for _, rt := range h.Routes() {
		var handler http.Handler = rt.Handler
		if !rt.Public && auth != nil {
			handler = auth(handler)
		}
		mux.Handle(rt.Method+" "+rt.Path, handler)
	}
	return mux
}
