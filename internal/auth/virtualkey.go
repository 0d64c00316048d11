package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/limits"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/storage"
)

// VirtualKeyConfig bounds virtual key lookups per client.
type VirtualKeyConfig struct {
	// RateLimit is the number of lookups a client may make per Window.
	RateLimit int
	// MaxFailures is the number of failed lookups per Window after which
	// a client is refused without a lookup.
	MaxFailures int
	Window      time.Duration
	CacheSize   int
	CacheTTL    time.Duration
}

func (c *VirtualKeyConfig) setDefaults() {
	if c.RateLimit <= 0 {
		c.RateLimit = 60
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 1024
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
}

// VirtualKeyResolver turns a virtual key into the upstream credential it
// stands for.
type VirtualKeyResolver struct {
	store   storage.VirtualKeyStore
	limiter limits.RateLimiter
	cache   *expirable.LRU[string, domain.VirtualKey]
	cfg     VirtualKeyConfig
	logger  *slog.Logger
}

// NewVirtualKeyResolver creates a resolver. Successful lookups are cached
// by key hash.
func NewVirtualKeyResolver(store storage.VirtualKeyStore, limiter limits.RateLimiter, cfg VirtualKeyConfig, logger *slog.Logger) *VirtualKeyResolver {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &VirtualKeyResolver{
		store:   store,
		limiter: limiter,
		cache:   expirable.NewLRU[string, domain.VirtualKey](cfg.CacheSize, nil, cfg.CacheTTL),
		cfg:     cfg,
		logger:  logger,
	}
}

// Resolve looks up key on behalf of clientID (usually the remote address).
// The returned decision describes the client's lookup rate window.
func (r *VirtualKeyResolver) Resolve(ctx context.Context, clientID, key string) (*domain.VirtualKey, limits.Decision, error) {
	decision := r.limiter.Allow(ctx, "vk:req:"+clientID, r.cfg.RateLimit, r.cfg.Window)
	if !decision.Allowed {
		return nil, decision, domain.ErrRateLimit("virtual key rate limit exceeded")
	}

	failKey := "vk:fail:" + clientID
	if r.limiter.Count(ctx, failKey, r.cfg.Window) >= r.cfg.MaxFailures {
		return nil, decision, domain.ErrRateLimit("too many failed virtual key attempts")
	}

	hash := HashKey(key)
	if vk, ok := r.cache.Get(hash); ok {
		return &vk, decision, nil
	}

	vk, err := r.store.GetVirtualKeyByHash(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		r.limiter.Allow(ctx, failKey, r.cfg.MaxFailures, r.cfg.Window)
		r.logger.Warn("unknown virtual key", slog.String("client", clientID))
		return nil, decision, domain.ErrAuthentication("invalid virtual key").WithCode(domain.ErrorCodeInvalidAPIKey)
	}
	if err != nil {
		return nil, decision, fmt.Errorf("resolve virtual key: %w", err)
	}

	r.cache.Add(hash, *vk)
	return vk, decision, nil
}

// Purge drops every cached key, for use after the key set changes.
func (r *VirtualKeyResolver) Purge() {
	r.cache.Purge()
}
