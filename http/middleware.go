package http

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/permitpay-go"
	"github.com/mark3labs/permitpay-go/http/internal/helpers"
	"github.com/mark3labs/permitpay-go/relayauth"
)

// Authenticate requires a caller token on every request it wraps and stores
// the caller in the request context for the facilitator.
//
// Missing or invalid tokens are answered with 401. Whether the caller may do
// what it asks is decided later by the access guard, which answers 403.
func Authenticate(verifier *relayauth.Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := helpers.BearerToken(r)
			if !ok {
				unauthorized(w, fmt.Errorf("%w: missing bearer token", permitpay.ErrUnauthorized))
				return
			}

			body, err := helpers.ReadBody(r)
			if err != nil {
				helpers.WriteError(w, err)
				return
			}

			caller, err := verifier.Verify(token, body)
			if err != nil {
				logger.Warn("caller token rejected", "path", r.URL.Path, "error", err)
				unauthorized(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(relayauth.WithCaller(r.Context(), caller)))
		})
	}
}

func unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="permitpay"`)
	helpers.WriteJSON(w, http.StatusUnauthorized, helpers.NewErrorResponse(err))
}
