package billing

import (
	"net/http"

	"github.com/calyxlabs/billingcore/api/responses"
	pkgerrors "github.com/calyxlabs/billingcore/pkg/errors"
	"github.com/calyxlabs/billingcore/pkg/logger"
)

type portalResponse struct {
	URL string `json:"url"`
}

// Portal opens a processor-hosted management session for an already linked
// customer.
func Portal(svc ActionService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		principalID, err := principalFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		url, err := svc.StartPortalSession(r.Context(), principalID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, portalResponse{URL: url})
	}
}
