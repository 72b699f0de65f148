package services

import (
	"fmt"
	"log/slog"

	"github.com/matrix-org/sygnal/internal/config"
	"github.com/matrix-org/sygnal/pkg/metrics"
	"github.com/matrix-org/sygnal/pkg/proxy"
)

// BuildRegistry constructs every configured pushkin with its limiter and
// breaker. Credential or key-material problems surface here, at startup.
func BuildRegistry(cfg *config.Config, logr *slog.Logger, m *metrics.Metrics) (*Registry, error) {
	registry := NewRegistry()
	for _, app := range cfg.Apps {
		proxyURL, err := proxy.Resolve(app.Proxy, cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("apps[%s]: %w", app.Pattern, err)
		}
		dialer := &proxy.Dialer{ProxyURL: proxyURL}
		breaker := &Breaker{}
		limiter := NewLimiter(app.InflightRequestLimit, m.InflightLimitDrops.WithLabelValues(app.Pattern))

		var pushkin Pushkin
		switch app.Type {
		case config.TypeAPNS:
			pushkin, err = NewAPNSPushkin(app, dialer, logr, m, breaker)
		case config.TypeGCM:
			pushkin, err = NewFCMPushkin(app, dialer, logr, m, breaker)
		case config.TypeWebPush:
			pushkin, err = NewWebPushPushkin(app, dialer, logr, m, breaker)
		default:
			err = fmt.Errorf("unknown pushkin type %q", app.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("apps[%s]: %w", app.Pattern, err)
		}
		registry.Add(app.Pattern, pushkin, limiter, breaker)
		logr.Info("configured pushkin",
			slog.String("app", app.Pattern), slog.String("type", app.Type))
	}
	return registry, nil
}
