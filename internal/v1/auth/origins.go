package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/logging"
)

// ParseAllowedOrigins splits the CORS_ORIGINS value into a list of origins,
// falling back to the provided defaults when the value is empty.
// Example: CORS_ORIGINS="http://localhost:3000,https://app.flylive.net"
func ParseAllowedOrigins(csv string, defaults []string) []string {
	if csv == "" {
		logging.Warn(context.Background(), "CORS_ORIGINS not set, using default development origins",
			zap.Strings("defaults", defaults))
		return defaults
	}
	parts := strings.Split(csv, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

// ValidateOrigin checks the request Origin header against the allowed list by
// exact scheme+host match. A missing Origin header is accepted: native mobile
// clients do not send one.
func ValidateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(r.Context(), "Invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(r.Context(), "Origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}
