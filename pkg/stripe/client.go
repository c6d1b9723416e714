package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/grubhaul-backend/pkg/config"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"

	// Stripe caps statement descriptor suffixes at 22 characters.
	maxDescriptorSuffix = 22
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

// Client is the GrubHaul payment provider handle: one API client per process,
// bound to a test or live key, with the webhook signing secret and the
// statement descriptor customers see on card statements.
type Client struct {
	api              *stripe.Client
	environment      string
	signingSecret    string
	descriptorSuffix string
}

// NewClient builds the Stripe client from config. The key is never installed
// globally, so test and live clients can coexist in one binary.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	signingSecret := strings.TrimSpace(cfg.Secret)
	if signingSecret == "" {
		return nil, errSecretRequired
	}
	if err := validateAPIKey(env, apiKey); err != nil {
		return nil, err
	}

	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(max(cfg.MaxNetworkRetries, 0)),
	}
	if logg != nil {
		backendCfg.LeveledLogger = &leveledLogger{ctx: logg.WithField(ctx, "provider", "stripe"), logg: logg}
	}
	api := stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendCfg)))

	client := &Client{
		api:              api,
		environment:      env,
		signingSecret:    signingSecret,
		descriptorSuffix: descriptorSuffix(cfg.DescriptorSuffix),
	}
	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"stripe_env":        env,
			"descriptor_suffix": client.descriptorSuffix,
		}), "stripe client initialized")
	}
	return client, nil
}

// API returns the underlying Stripe API client.
func (c *Client) API() *stripe.Client {
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

func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.signingSecret
}

// DescriptorSuffix is appended to card statement descriptors on intents.
func (c *Client) DescriptorSuffix() string {
	if c == nil {
		return ""
	}
	return c.descriptorSuffix
}

func descriptorSuffix(raw string) string {
	suffix := strings.ToUpper(strings.TrimSpace(raw))
	suffix = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', '\\', '\'', '"', '*':
			return -1
		}
		return r
	}, suffix)
	if len(suffix) > maxDescriptorSuffix {
		suffix = suffix[:maxDescriptorSuffix]
	}
	return strings.TrimSpace(suffix)
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

// validateAPIKey accepts secret (sk_) and restricted (rk_) keys matching env.
func validateAPIKey(env, key string) error {
	for _, prefix := range []string{"sk_", "rk_"} {
		if strings.HasPrefix(key, prefix+env) {
			return nil
		}
	}
	return fmt.Errorf("stripe environment %q requires a %s secret key (sk_%s/rk_%s)", env, env, env, env)
}

// leveledLogger routes stripe-go's internal logging through the service logger.
type leveledLogger struct {
	ctx  context.Context
	logg *logger.Logger
}

func (l *leveledLogger) Debugf(format string, v ...interface{}) {
	l.logg.Debug(l.ctx, fmt.Sprintf(format, v...))
}

func (l *leveledLogger) Infof(format string, v ...interface{}) {
	l.logg.Debug(l.ctx, fmt.Sprintf(format, v...))
}

func (l *leveledLogger) Warnf(format string, v ...interface{}) {
	l.logg.Warn(l.ctx, fmt.Sprintf(format, v...))
}

func (l *leveledLogger) Errorf(format string, v ...interface{}) {
	l.logg.Error(l.ctx, "stripe client error", fmt.Errorf(format, v...))
}
