package billing

import (
	"context"
	"net/http"

	"github.com/calyxlabs/billingcore/api/responses"
	"github.com/calyxlabs/billingcore/internal/catalog"
	pkgerrors "github.com/calyxlabs/billingcore/pkg/errors"
	"github.com/calyxlabs/billingcore/pkg/logger"
)

type CatalogSyncService interface {
	Sync(ctx context.Context) (*catalog.SyncReport, error)
}

// CatalogSync pulls the full processor catalog into local state. Operators
// trigger it after bulk catalog edits or suspected missed deliveries.
func CatalogSync(svc CatalogSyncService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "catalog service unavailable"))
			return
		}

		report, err := svc.Sync(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, report)
	}
}
