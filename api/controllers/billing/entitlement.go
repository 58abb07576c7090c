package billing

import (
	"net/http"

	"github.com/calyxlabs/billingcore/api/responses"
	pkgerrors "github.com/calyxlabs/billingcore/pkg/errors"
	"github.com/calyxlabs/billingcore/pkg/logger"
)

type entitlementResponse struct {
	Entitled bool `json:"entitled"`
}

// Entitlement answers whether the caller currently holds a paid entitlement.
// The answer is computed from local state on every call, never cached.
func Entitlement(svc EntitlementService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "entitlement service unavailable"))
			return
		}

		principalID, err := principalFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		entitled, err := svc.HasActiveEntitlement(r.Context(), principalID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, entitlementResponse{Entitled: entitled})
	}
}
