// Package gate authenticates devices by API key, both for direct callers
// and as HTTP middleware.
package gate

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/juju/errors"

	"github.com/c3hub/fieldhub/internal/models"
)

const HeaderAPIKey = "X-API-Key"

// Resolver maps an API key to the device holding it.
type Resolver interface {
	Resolve(ctx context.Context, apiKey string) (models.Device, error)
}

// ErrorWriter renders an authentication failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

type Gate struct {
	resolver Resolver
	logger   *slog.Logger
}

func New(resolver Resolver, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gate{resolver: resolver, logger: logger}
}

// Authenticate returns the device for apiKey. Missing, malformed and
// unknown keys all produce the same Unauthorized error.
func (g *Gate) Authenticate(ctx context.Context, apiKey string) (models.Device, error) {
	if apiKey == "" {
		return models.Device{}, errors.Unauthorizedf("invalid api key")
	}
	dev, err := g.resolver.Resolve(ctx, apiKey)
	if err != nil {
		if errors.IsUnauthorized(err) {
			g.logger.Info("rejected api key")
			return models.Device{}, errors.Unauthorizedf("invalid api key")
		}
		return models.Device{}, errors.Annotate(err, "authenticate")
	}
	return dev, nil
}

// Middleware authenticates each request and stores the device in its
// context. Failures go to onError and the wrapped handler is not called.
func (g *Gate) Middleware(onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dev, err := g.Authenticate(r.Context(), KeyFromRequest(r))
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithDevice(r.Context(), dev)))
		})
	}
}

// KeyFromRequest reads the X-API-Key header, falling back to a bearer
// token in Authorization.
func KeyFromRequest(r *http.Request) string {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

type deviceKey struct{}

func WithDevice(ctx context.Context, dev models.Device) context.Context {
	return context.WithValue(ctx, deviceKey{}, dev)
}

// DeviceFrom returns the device stored by Middleware.
func DeviceFrom(ctx context.Context) (models.Device, bool) {
	dev, ok := ctx.Value(deviceKey{}).(models.Device)
	return dev, ok
}
