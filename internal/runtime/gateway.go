// Package runtime provides the core Gateway struct and lifecycle management
// for the LLM proxy.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter/anthropic"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter/gemini"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter/openai"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/auth"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/config"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/cost"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/limits"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/metrics"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/proxy"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/server"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/storage"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/storage/memory"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/storage/sqldb"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/tokens"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/toolpolicy"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/trust"
)

// Gateway is the main entry point for running the proxy. It owns the
// configuration, the store, the provider registry and the HTTP server.
// Gateway can be embedded in larger applications or run standalone.
type Gateway struct {
	// Dependencies (injected via options)
	watcher    *config.Watcher
	static     *config.Config
	store      storage.Store
	limiter    limits.RateLimiter
	httpClient *http.Client
	logger     *slog.Logger

	// Internal state
	ownsStore   bool
	ownsLimiter bool
	counter     tokens.Counter
	registry    *adapter.Registry
	resolver    *auth.VirtualKeyResolver
	metrics     *metrics.Metrics
	handler     *proxy.Handler
	server      *server.Server
	serveErr    chan error

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// New creates a new Gateway with the given options. A configuration source
// is required; everything else defaults from the configuration.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger:   slog.Default(),
		counter:  tokens.NewRegistry(),
		registry: adapter.NewRegistry(),
		metrics:  metrics.New(),
	}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.watcher == nil && gw.static == nil {
		return nil, errors.New("config required (use WithFileConfig or WithConfig)")
	}
	return gw, nil
}

// Start loads the configuration, wires every component and starts serving
// in the background. Config changes are applied until ctx is done or
// Shutdown is called.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ctx, g.cancel = context.WithCancel(ctx)

	cfg, err := g.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := g.init(g.ctx, cfg); err != nil {
		g.cancel()
		g.closeResources()
		return err
	}

	g.serveErr = make(chan error, 1)
	go func() {
		g.serveErr <- g.server.Start()
	}()

	if g.watcher != nil {
		go g.watchConfig()
	}

	g.logger.Info("gateway started",
		slog.Int("port", cfg.Server.Port),
		slog.Int("providers", len(cfg.Providers)),
		slog.Int("agents", len(cfg.Agents)))
	return nil
}

// Handler returns the root HTTP handler. It is nil before Start.
func (g *Gateway) Handler() http.Handler {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.server == nil {
		return nil
	}
	return g.server.Router
}

// Done reports the listener's exit. A nil error means Shutdown closed it.
func (g *Gateway) Done() <-chan error {
	return g.serveErr
}

// Shutdown gracefully stops the gateway.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	if g.cancel != nil {
		g.cancel()
	}

	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			return err
		}
	}

	g.closeResources()
	g.logger.Info("gateway shutdown complete")
	return nil
}

func (g *Gateway) closeResources() {
	if g.ownsStore && g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}
	if c, ok := g.limiter.(io.Closer); ok && g.ownsLimiter {
		if err := c.Close(); err != nil {
			g.logger.Error("failed to close rate limiter", slog.String("error", err.Error()))
		}
	}
	if g.watcher != nil {
		if err := g.watcher.Close(); err != nil {
			g.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}
}

func (g *Gateway) loadConfig() (*config.Config, error) {
	if g.watcher != nil {
		return g.watcher.Load()
	}
	return g.static, nil
}

// init builds the components named by cfg.
func (g *Gateway) init(ctx context.Context, cfg *config.Config) error {
	if g.store == nil {
		store, err := openStore(cfg.Storage)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		g.store, g.ownsStore = store, true
	}

	if g.limiter == nil {
		if cfg.Redis.URL != "" {
			rl, err := limits.NewRedisLimiter(ctx, cfg.Redis.URL, g.logger)
			if err != nil {
				return fmt.Errorf("connect redis: %w", err)
			}
			g.limiter = rl
		} else {
			g.limiter = limits.NewMemoryLimiter(10000, cfg.Security.VirtualKeyFailureWindow)
		}
		g.ownsLimiter = true
	}

	if err := seed(ctx, g.store, cfg); err != nil {
		return fmt.Errorf("seed storage: %w", err)
	}

	entries, err := g.buildProviders(cfg)
	if err != nil {
		return fmt.Errorf("init providers: %w", err)
	}
	g.registry.Replace(entries)

	g.resolver = auth.NewVirtualKeyResolver(g.store, g.limiter, auth.VirtualKeyConfig{
		RateLimit:   cfg.Security.VirtualKeyRateLimit,
		MaxFailures: cfg.Security.VirtualKeyMaxFailures,
		Window:      cfg.Security.VirtualKeyFailureWindow,
	}, g.logger)

	g.handler = proxy.New(g.registry, g.store,
		proxy.WithVirtualKeys(g.resolver),
		proxy.WithFederatedAuth(auth.NewFederatedAuthenticator(auth.NewDiscoverer(cfg.Security.DiscoveryTimeout, 0))),
		proxy.WithMetrics(g.metrics),
		proxy.WithLogger(g.logger),
		proxy.WithSettings(g.settings(cfg)),
	)

	g.server = server.New(server.Config{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		CORSOrigins:    cfg.Server.CORSOrigins,
	}, g.logger)
	g.server.Router.Get("/healthz", proxy.Health)
	g.server.Router.Method(http.MethodGet, "/metrics", g.metrics.Handler())
	g.handler.Routes(g.server.Router, cfg.Server.ProxyPrefix)
	return nil
}

// settings derives the per-call settings that follow config reloads.
func (g *Gateway) settings(cfg *config.Config) proxy.Settings {
	var evaluator trust.Evaluator = trust.NewStaticEvaluator(cfg.Trust.TrustedTools)
	if d := cfg.Trust.DualLLM; d.Enabled {
		evaluator = trust.NewDualLLMEvaluator(trust.DualLLMConfig{
			Model:      d.Model,
			BaseURL:    d.BaseURL,
			APIKey:     d.APIKey,
			HTTPClient: g.httpClient,
		}, cfg.Trust.TrustedTools, g.logger)
	}
	return proxy.Settings{
		Compression: cfg.Compression.Enabled,
		Posture:     toolpolicy.ParsePosture(cfg.Security.DefaultToolPosture),
		Trust:       evaluator,
		Prices:      cost.NewPriceBook(cfg.PriceOverrides()),
	}
}

func (g *Gateway) buildProviders(cfg *config.Config) ([]adapter.Entry, error) {
	entries := make([]adapter.Entry, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		var ad adapter.Adapter
		switch domain.Provider(p.ProviderType()) {
		case domain.ProviderOpenAI:
			opts := []openai.Option{openai.WithName(p.Name), openai.WithBaseURL(p.BaseURL), openai.WithTokenCounter(g.counter)}
			if g.httpClient != nil {
				opts = append(opts, openai.WithHTTPClient(g.httpClient))
			}
			ad = openai.New(opts...)
		case domain.ProviderAnthropic:
			opts := []anthropic.Option{anthropic.WithName(p.Name), anthropic.WithBaseURL(p.BaseURL), anthropic.WithTokenCounter(g.counter)}
			if g.httpClient != nil {
				opts = append(opts, anthropic.WithHTTPClient(g.httpClient))
			}
			ad = anthropic.New(opts...)
		case domain.ProviderGemini:
			opts := []gemini.Option{gemini.WithName(p.Name), gemini.WithBaseURL(p.BaseURL), gemini.WithTokenCounter(g.counter)}
			if g.httpClient != nil {
				opts = append(opts, gemini.WithHTTPClient(g.httpClient))
			}
			ad = gemini.New(opts...)
		default:
			return nil, fmt.Errorf("provider %s: unknown type %q", p.Name, p.ProviderType())
		}
		entries = append(entries, adapter.Entry{Adapter: ad, APIKey: p.APIKey, Keyless: p.Keyless})
	}
	return entries, nil
}

// watchConfig watches for config changes and reloads.
func (g *Gateway) watchConfig() {
	onChange := func(newCfg *config.Config) {
		g.logger.Info("config changed, reloading")
		if err := g.reload(newCfg); err != nil {
			g.logger.Error("failed to reload", slog.String("error", err.Error()))
		}
	}

	if err := g.watcher.Watch(g.ctx, onChange); err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Error("config watch failed", slog.String("error", err.Error()))
	}
}

// reload applies a new configuration to the running gateway. Server, store
// and limiter settings need a restart; everything a call reads is swapped.
func (g *Gateway) reload(cfg *config.Config) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	entries, err := g.buildProviders(cfg)
	if err != nil {
		return fmt.Errorf("reinit providers: %w", err)
	}

	ctx, cancel := context.WithTimeout(g.ctx, 30*time.Second)
	defer cancel()
	if err := seed(ctx, g.store, cfg); err != nil {
		return fmt.Errorf("reseed storage: %w", err)
	}

	g.registry.Replace(entries)
	g.handler.UpdateSettings(g.settings(cfg))
	g.resolver.Purge()

	g.logger.Info("reload complete",
		slog.Int("providers", len(entries)),
		slog.Int("agents", len(cfg.Agents)))
	return nil
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	if cfg.Type == "memory" {
		return memory.New(), nil
	}
	driver := cfg.Database.Driver
	if cfg.Type != "" && cfg.Type != driver {
		driver = cfg.Type
	}
	return sqldb.New(sqldb.Config{Driver: driver, DSN: cfg.Database.DSN})
}
