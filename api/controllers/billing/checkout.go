package billing

import (
	"net/http"

	"github.com/calyxlabs/billingcore/api/responses"
	"github.com/calyxlabs/billingcore/api/validators"
	billingsvc "github.com/calyxlabs/billingcore/internal/billing"
	pkgerrors "github.com/calyxlabs/billingcore/pkg/errors"
	"github.com/calyxlabs/billingcore/pkg/logger"
)

type checkoutRequest struct {
	Email      string            `json:"email" validate:"required,email"`
	PriceID    string            `json:"price_id" validate:"required"`
	SuccessURL string            `json:"success_url" validate:"required,url"`
	CancelURL  string            `json:"cancel_url" validate:"required,url"`
	TrialDays  int64             `json:"trial_days,omitempty" validate:"omitempty,min=1,max=730"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type checkoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// Checkout starts a processor-hosted purchase session for the caller.
func Checkout(svc ActionService, logg *logger.Logger) http.HandlerFunc {
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

		var payload checkoutRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		session, err := svc.StartCheckout(r.Context(), billingsvc.CheckoutInput{
			PrincipalID:   principalID,
			Email:         payload.Email,
			StripePriceID: payload.PriceID,
			SuccessURL:    payload.SuccessURL,
			CancelURL:     payload.CancelURL,
			TrialDays:     payload.TrialDays,
			Metadata:      payload.Metadata,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, checkoutResponse{
			SessionID: session.SessionID,
			URL:       session.URL,
		})
	}
}
