package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/client"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/calyxlabs/billingcore/pkg/config"
	"github.com/calyxlabs/billingcore/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"

	defaultTolerance = 5 * time.Minute
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)

	// ErrSignatureInvalid reports a MAC mismatch or unparsable signature header.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrSignatureStale reports a signed timestamp outside the tolerance window.
	ErrSignatureStale = errors.New("webhook signature timestamp outside tolerance")
)

// Client wraps Stripe's API client plus env-specific metadata and the
// webhook signature verifier. All calls ride the wrapped client value;
// nothing writes the package-global key.
type Client struct {
	api           *client.API
	environment   string
	signingSecret string
	tolerance     time.Duration
}

// NewClient initializes Stripe once with the configured secrets and env.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}

	signingSecret := strings.TrimSpace(cfg.WebhookSecret)
	if signingSecret == "" {
		return nil, errSecretRequired
	}

	if err := validateAPIKey(env, apiKey); err != nil {
		return nil, err
	}

	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}

	api := client.New(apiKey, nil)

	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("stripe client initialized (%s)", env))
	}

	return &Client{
		api:           api,
		environment:   env,
		signingSecret: signingSecret,
		tolerance:     tolerance,
	}, nil
}

// API returns the underlying Stripe API client.
func (c *Client) API() *client.API {
	if c == nil {
		return nil
	}
	return c.api
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// SigningSecret returns the webhook signing secret.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.signingSecret
}

// Tolerance returns the webhook timestamp tolerance window.
func (c *Client) Tolerance() time.Duration {
	if c == nil {
		return defaultTolerance
	}
	return c.tolerance
}

// VerifyEvent authenticates a raw webhook payload against the signing secret
// and tolerance window, returning the parsed event. It runs before any ledger
// access so a forged payload never reaches storage.
func (c *Client) VerifyEvent(payload []byte, sigHeader string) (*stripe.Event, error) {
	if c == nil {
		return nil, errSecretRequired
	}
	event, err := webhook.ConstructEventWithTolerance(payload, sigHeader, c.signingSecret, c.tolerance)
	if err != nil {
		if errors.Is(err, webhook.ErrTooOld) {
			return nil, fmt.Errorf("%w: %v", ErrSignatureStale, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return &event, nil
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = testEnv
	}
	switch env {
	case testEnv, liveEnv:
		return env, nil
	default:
		return "", errInvalidStripeEnv
	}
}

func validateAPIKey(env, key string) error {
	switch env {
	case testEnv:
		if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a test secret key (sk_test/rk_test)", testEnv)
	case liveEnv:
		if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a live secret key (sk_live/rk_live)", liveEnv)
	default:
		return errInvalidStripeEnv
	}
}
