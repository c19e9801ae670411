// Package gin mounts the settlement service on a Gin engine.
// This package is a thin adapter that translates gin.Context to stdlib http
// patterns and delegates every endpoint to the handlers in the http package.
package gin

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/permitpay-go"
	permithttp "github.com/mark3labs/permitpay-go/http"
	"github.com/mark3labs/permitpay-go/http/internal/helpers"
	"github.com/mark3labs/permitpay-go/relayauth"
)

// CallerKey is the gin.Context key under which Authenticate stores the caller address.
const CallerKey = "permitpay_caller"

// Register mounts every route of h on r. Non-public routes require a caller
// token when verifier is not nil.
//
// Example usage:
//
//	r := gin.Default()
//	gin.Register(r, &permithttp.Handlers{Facilitator: local, Admin: local}, issuer.Verifier())
func Register(r gin.IRoutes, h *permithttp.Handlers, verifier *relayauth.Verifier) {
	for _, rt := range h.Routes() {
		handlers := []gin.HandlerFunc{}
		if !rt.Public && verifier != nil {
			handlers = append(handlers, Authenticate(verifier))
		}
		handlers = append(handlers, gin.WrapF(rt.Handler))
		r.Handle(rt.Method, rt.Path, handlers...)
	}
}

// Authenticate verifies the caller token, aborting with 401 when it is
// missing or invalid. On success the caller is stored both in the request
// context and under CallerKey.
func Authenticate(verifier *relayauth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := helpers.BearerToken(c.Request)
		if !ok {
			abortUnauthorized(c, fmt.Errorf("%w: missing bearer token", permitpay.ErrUnauthorized))
			return
		}

		body, err := helpers.ReadBody(c.Request)
		if err != nil {
			resp := helpers.NewErrorResponse(err)
			c.AbortWithStatusJSON(helpers.StatusFor(resp.Code), resp)
			return
		}

		caller, err := verifier.Verify(token, body)
		if err != nil {
			slog.Default().Warn("caller token rejected", "path", c.Request.URL.Path, "error", err)
			abortUnauthorized(c, err)
			return
		}

		c.Set(CallerKey, caller)
		c.Request = c.Request.WithContext(relayauth.WithCaller(c.Request.Context(), caller))
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, err error) {
	c.Header("WWW-Authenticate", `Bearer realm="permitpay"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, helpers.NewErrorResponse(err))
}
