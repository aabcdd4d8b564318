// Package identity produces and persists the stable principal that keys both
// the purchase provider session and every ledger request. The same principal
// string must reach both authorities for the lifetime of the installation or
// they desynchronize.
package identity

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/figureai/credits-go-rewrite/internal/metrics"
	"github.com/figureai/credits-go-rewrite/internal/models"
	"github.com/rs/zerolog"
)

const (
	idPrefix         = "figure_ai"
	suffixAlphabet   = "0123456789abcdefghijklmnopqrstuvwxyz"
	suffixLength     = 9
	fallbackIDPrefix = idPrefix + "_fallback"
)

// SessionBinder is the slice of the purchase provider used to bind the
// principal into the provider's session.
type SessionBinder interface {
	LogIn(ctx context.Context, principal string) (models.SessionInfo, error)
}

// Provider owns the principal. GetOrCreate is idempotent and serializes
// in-flight creation so two near-simultaneous callers never mint two IDs.
type Provider struct {
	mu     sync.Mutex
	store  Store
	logger zerolog.Logger

	cached   string
	volatile bool

	nowFn func() time.Time
}

// New constructs a Provider backed by the given store.
func New(store Store, logger zerolog.Logger) *Provider {
	return &Provider{
		store:  store,
		logger: logger.With().Str("component", "identity").Logger(),
		nowFn:  time.Now,
	}
}

// GetOrCreate returns the installation's principal: memory cache first, then
// durable storage, then a freshly synthesized ID which is persisted before
// use. If durable storage is unavailable it degrades to a volatile in-memory
// principal rather than blocking startup; that principal will not survive a
// restart, so credits drift across sessions until storage recovers.
func (p *Provider) GetOrCreate(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" {
		return p.cached, nil
	}

	existing, err := p.store.Load()
	if err != nil {
		p.logger.Error().Err(err).Msg("principal storage unreadable; falling back to volatile principal")
		return p.volatileFallbackLocked(), nil
	}
	if existing != "" {
		p.logger.Debug().Str("principal", existing).Msg("loaded existing principal")
		p.cached = existing
		return existing, nil
	}

	fresh, err := p.synthesize()
	if err != nil {
		return "", fmt.Errorf("synthesize principal: %w", err)
	}

	if err := p.store.Save(fresh); err != nil {
		p.logger.Error().Err(err).Msg("principal storage unwritable; falling back to volatile principal")
		return p.volatileFallbackLocked(), nil
	}

	p.logger.Info().Str("principal", fresh).Msg("generated new principal")
	p.cached = fresh
	return fresh, nil
}

// Current returns the in-memory principal without touching storage, or empty
// string if GetOrCreate has not run yet.
func (p *Provider) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cached
}

// Volatile reports whether the current principal only lives in memory.
func (p *Provider) Volatile() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volatile
}

// Stored returns the durably stored principal without side effects.
func (p *Provider) Stored() (string, error) {
	return p.store.Load()
}

// Clear drops both the cached and stored principal. Intended for tests and
// explicit resets; a new principal means a new ledger account.
func (p *Provider) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cached = ""
	p.volatile = false
	if err := p.store.Delete(); err != nil {
		return fmt.Errorf("clear principal: %w", err)
	}
	p.logger.Info().Msg("principal cleared")
	return nil
}

// BindToPurchaseProvider logs the principal into the purchase provider's
// session and verifies the provider echoes the same principal back. A
// mismatch means two identities now address one purchase session; it is
// logged as a severe warning but the client keeps using its own principal,
// since the ledger is keyed by what the client sends.
func (p *Provider) BindToPurchaseProvider(ctx context.Context, binder SessionBinder) (models.SessionInfo, error) {
	principal, err := p.GetOrCreate(ctx)
	if err != nil {
		return models.SessionInfo{}, err
	}

	info, err := binder.LogIn(ctx, principal)
	if err != nil {
		return models.SessionInfo{}, fmt.Errorf("bind principal to purchase provider: %w", err)
	}

	if info.ConfirmedPrincipal != principal {
		p.logger.Warn().
			Str("expected", principal).
			Str("received", info.ConfirmedPrincipal).
			Msg("purchase provider echoed a different principal; keeping our own for ledger calls")
	} else {
		p.logger.Info().Str("principal", principal).Msg("principal bound to purchase provider session")
	}

	return info, nil
}

func (p *Provider) volatileFallbackLocked() string {
	fallback := fmt.Sprintf("%s_%d", fallbackIDPrefix, p.nowFn().UnixMilli())
	p.cached = fallback
	p.volatile = true
	metrics.VolatilePrincipalFallbacks.Inc()
	return fallback
}

func (p *Provider) synthesize() (string, error) {
	suffix, err := randomSuffix(suffixLength)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%d_%s", idPrefix, p.nowFn().UnixMilli(), suffix), nil
}

func randomSuffix(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	max := big.NewInt(int64(len(suffixAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("read entropy: %w", err)
		}
		b.WriteByte(suffixAlphabet[n.Int64()])
	}
	return b.String(), nil
}
