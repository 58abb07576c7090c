package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/calyxlabs/billingcore/api/responses"
	pkgerrors "github.com/calyxlabs/billingcore/pkg/errors"
	"github.com/calyxlabs/billingcore/pkg/logger"
)

type contextKey string

const ctxPrincipalID contextKey = "principal_id"

// PrincipalHeader carries the authenticated principal id, injected by the
// upstream gateway after it validates the caller's credentials.
const PrincipalHeader = "X-Principal-Id"

func PrincipalIDFromContext(ctx context.Context) uuid.UUID {
	if ctx == nil {
		return uuid.Nil
	}
	if v, ok := ctx.Value(ctxPrincipalID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// WithPrincipalID injects the principal identifier into the context.
func WithPrincipalID(ctx context.Context, principalID uuid.UUID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxPrincipalID, principalID)
}

// PrincipalContext requires a valid principal header and makes the id
// available to downstream handlers.
func PrincipalContext(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(PrincipalHeader))
			if raw == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "principal header required"))
				return
			}
			principalID, err := uuid.Parse(raw)
			if err != nil || principalID == uuid.Nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "principal header is not a valid identifier"))
				return
			}

			ctx := WithPrincipalID(r.Context(), principalID)
			if logg != nil {
				ctx = logg.WithPrincipalID(ctx, principalID.String())
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
