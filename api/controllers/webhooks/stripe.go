package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"

	stripe "github.com/stripe/stripe-go/v84"

	"github.com/calyxlabs/billingcore/api/responses"
	pkgerrors "github.com/calyxlabs/billingcore/pkg/errors"
	"github.com/calyxlabs/billingcore/pkg/logger"
	"github.com/calyxlabs/billingcore/pkg/metrics"
	pkgstripe "github.com/calyxlabs/billingcore/pkg/stripe"
)

// maxPayloadBytes caps the webhook body; Stripe's own limit is lower.
const maxPayloadBytes = 1 << 20

type StripeWebhookService interface {
	ProcessEvent(ctx context.Context, event *stripe.Event) error
}

type eventVerifier interface {
	VerifyEvent(payload []byte, sigHeader string) (*stripe.Event, error)
}

// StripeWebhook verifies the delivery signature and hands the event to the
// processing pipeline. Rejected signatures never touch the event ledger.
func StripeWebhook(svc StripeWebhookService, verifier eventVerifier, webhookMetrics *metrics.WebhookMetrics, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}
		if verifier == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "stripe client unavailable"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		sigHeader := r.Header.Get("Stripe-Signature")
		if sigHeader == "" {
			webhookMetrics.IncRejected()
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "stripe signature missing"))
			return
		}

		event, err := verifier.VerifyEvent(payload, sigHeader)
		if err != nil {
			switch {
			case errors.Is(err, pkgstripe.ErrSignatureStale):
				webhookMetrics.IncRejected()
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "stripe signature timestamp outside tolerance"))
			case errors.Is(err, pkgstripe.ErrSignatureInvalid):
				webhookMetrics.IncRejected()
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "stripe signature verification failed"))
			default:
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "verify signature"))
			}
			return
		}

		if err := svc.ProcessEvent(ctx, event); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]bool{"received": true})
	}
}
