package strava

import (
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// logRequest logs an outbound call without query strings, which carry
// tokens on the OAuth endpoints.
func logRequest(logger *zap.Logger, method, endpoint string, attempt int) {
	if method == "" && endpoint == "" {
		return
	}

	safe := endpoint
	if parsed, err := url.Parse(endpoint); err == nil {
		parsed.User = nil
		parsed.RawQuery = ""
		parsed.Fragment = ""
		if parsed.Scheme != "" || parsed.Host != "" {
			safe = parsed.Scheme + "://" + parsed.Host + parsed.Path
		} else {
			safe = parsed.Path
		}
		if safe == "" {
			safe = parsed.String()
		}
	} else if idx := strings.Index(endpoint, "?"); idx >= 0 {
		safe = endpoint[:idx]
	}

	logger.Debug("strava request",
		zap.String("method", strings.ToUpper(strings.TrimSpace(method))),
		zap.String("url", safe),
		zap.Int("attempt", attempt),
	)
}
