package runtime

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/config"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/limits"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/storage"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		w, err := config.NewWatcher(path, g.logger)
		if err != nil {
			return fmt.Errorf("create config watcher: %w", err)
		}
		g.watcher = w
		return nil
	}
}

// WithConfig uses a fixed configuration. Nothing is watched.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		if cfg == nil {
			return fmt.Errorf("nil config")
		}
		g.static = cfg
		return nil
	}
}

// WithStore sets the store instead of opening the one named by
// storage.type. The gateway does not close a store it was given.
func WithStore(store storage.Store) Option {
	return func(g *Gateway) error {
		g.store = store
		return nil
	}
}

// WithRateLimiter sets the limiter used for virtual key lookups instead of
// the Redis or in-memory one chosen from config.
func WithRateLimiter(l limits.RateLimiter) Option {
	return func(g *Gateway) error {
		g.limiter = l
		return nil
	}
}

// WithHTTPClient sets the client used for upstream provider calls.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) error {
		g.httpClient = c
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}
