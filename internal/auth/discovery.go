package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/safehttp"
)

// ErrDiscoveryUnavailable is returned when an identity provider's metadata
// or keys cannot be fetched in time.
var ErrDiscoveryUnavailable = errors.New("identity provider discovery unavailable")

const maxDiscoveryBody = 1 << 20

// Discoverer fetches and caches identity provider signing keys.
type Discoverer struct {
	client  *http.Client
	timeout time.Duration
	keys    *expirable.LRU[string, keyfunc.Keyfunc]
}

// DiscovererOption configures a Discoverer.
type DiscovererOption func(*Discoverer)

// WithHTTPClient replaces the SSRF-guarded default client.
func WithHTTPClient(c *http.Client) DiscovererOption {
	return func(d *Discoverer) { d.client = c }
}

// NewDiscoverer creates a Discoverer whose fetches give up after timeout.
// Key sets are cached for ttl.
func NewDiscoverer(timeout, ttl time.Duration, opts ...DiscovererOption) *Discoverer {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	d := &Discoverer{
		client:  safehttp.NewClient(timeout),
		timeout: timeout,
		keys:    expirable.NewLRU[string, keyfunc.Keyfunc](64, nil, ttl),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// JWKSURL returns jwksURL when set, otherwise resolves it through the
// issuer's OpenID configuration.
func (d *Discoverer) JWKSURL(ctx context.Context, issuer, jwksURL string) (string, error) {
	if jwksURL != "" {
		return jwksURL, nil
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	url := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
	raw, err := d.get(ctx, url)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return "", fmt.Errorf("%w: decode %s: %v", ErrDiscoveryUnavailable, url, err)
	}
	if meta.JWKSURI == "" {
		return "", fmt.Errorf("%w: no jwks_uri in metadata for %s", ErrDiscoveryUnavailable, issuer)
	}
	return meta.JWKSURI, nil
}

// Keys returns a keyfunc over the signing keys published at jwksURL.
// refresh bypasses the cache.
func (d *Discoverer) Keys(ctx context.Context, jwksURL string, refresh bool) (keyfunc.Keyfunc, error) {
	if !refresh {
		if kf, ok := d.keys.Get(jwksURL); ok {
			return kf, nil
		}
	}

	raw, err := d.get(ctx, jwksURL)
	if err != nil {
		return nil, err
	}
	var set jwkset.JWKSMarshal
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrDiscoveryUnavailable, jwksURL, err)
	}

	// Encryption keys and keys the library cannot load are skipped rather
	// than failing the whole set.
	storage := jwkset.NewMemoryStorage()
	for _, m := range set.Keys {
		if m.USE != "" && m.USE != jwkset.UseSig {
			continue
		}
		jwk, err := jwkset.NewJWKFromMarshal(m, jwkset.JWKMarshalOptions{}, jwkset.JWKValidateOptions{})
		if err != nil {
			continue
		}
		if err := storage.KeyWrite(context.Background(), jwk); err != nil {
			return nil, fmt.Errorf("store key %q: %w", m.KID, err)
		}
	}
	kf, err := keyfunc.New(keyfunc.Options{Ctx: context.Background(), Storage: storage})
	if err != nil {
		return nil, err
	}
	d.keys.Add(jwksURL, kf)
	return kf, nil
}

func (d *Discoverer) get(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrDiscoveryUnavailable, url, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDiscoveryBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrDiscoveryUnavailable, url, err)
	}
	return raw, nil
}
