package purchase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/figureai/credits-go-rewrite/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider drives the adapter with canned responses.
type scriptedProvider struct {
	mu sync.Mutex

	initErr     error
	offerings   []models.Product
	offeringErr error
	purchaseErr error
	statuses    []models.EntitlementStatus
	statusIdx   int
	statusErr   error
}

func (p *scriptedProvider) Initialize(ctx context.Context) error { return p.initErr }

func (p *scriptedProvider) LogIn(ctx context.Context, principal string) (models.SessionInfo, error) {
	return models.SessionInfo{ConfirmedPrincipal: principal}, nil
}

func (p *scriptedProvider) GetOfferings(ctx context.Context) ([]models.Product, error) {
	return p.offerings, p.offeringErr
}

func (p *scriptedProvider) Purchase(ctx context.Context, product models.Product) (models.Receipt, error) {
	if p.purchaseErr != nil {
		return models.Receipt{}, p.purchaseErr
	}
	return models.Receipt{
		ProductIdentifier: product.Identifier,
		ActiveProductIDs:  []string{product.Identifier},
		Entitlements:      []string{"premium"},
		WillRenew:         true,
	}, nil
}

func (p *scriptedProvider) Restore(ctx context.Context) (models.Receipt, error) {
	return models.Receipt{}, nil
}

func (p *scriptedProvider) GetStatus(ctx context.Context) (models.EntitlementStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.statusErr != nil {
		return models.EntitlementStatus{}, p.statusErr
	}
	if len(p.statuses) == 0 {
		return models.EntitlementStatus{}, nil
	}
	status := p.statuses[p.statusIdx]
	if p.statusIdx < len(p.statuses)-1 {
		p.statusIdx++
	}
	return status, nil
}

func newReadyAdapter(t *testing.T, provider Provider, cfg Config) *Adapter {
	t.Helper()
	cfg.Provider = provider
	adapter, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, adapter.Initialize(context.Background()))
	return adapter
}

func TestOperationsFailFastBeforeInitialize(t *testing.T) {
	adapter, err := New(Config{Provider: &scriptedProvider{}})
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, adapter.State())

	_, err = adapter.LoadProducts(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)

	result := adapter.Purchase(context.Background(), models.Product{Identifier: "x"})
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.ErrorIs(t, result.Err, ErrNotReady)

	_, err = adapter.Restore(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)

	assert.ErrorIs(t, adapter.CheckStatus(context.Background()), ErrNotReady)
}

func TestInitializeOnce(t *testing.T) {
	adapter := newReadyAdapter(t, &scriptedProvider{}, Config{})
	assert.Equal(t, StateReady, adapter.State())
	assert.ErrorIs(t, adapter.Initialize(context.Background()), ErrAlreadyInitialized)
}

func TestInitializeFailureReturnsToUninitialized(t *testing.T) {
	provider := &scriptedProvider{initErr: errors.New("store unreachable")}
	adapter, err := New(Config{Provider: provider})
	require.NoError(t, err)

	require.Error(t, adapter.Initialize(context.Background()))
	assert.Equal(t, StateUninitialized, adapter.State())

	// A retry after the transient failure succeeds.
	provider.initErr = nil
	require.NoError(t, adapter.Initialize(context.Background()))
	assert.Equal(t, StateReady, adapter.State())
}

func TestLoadProductsEmptyCatalogIsValid(t *testing.T) {
	adapter := newReadyAdapter(t, &scriptedProvider{}, Config{})

	products, err := adapter.LoadProducts(context.Background())
	require.NoError(t, err, "an empty catalog disables purchasing but is not an error")
	assert.Empty(t, products)
}

func TestPurchaseCancelledByUser(t *testing.T) {
	provider := &scriptedProvider{purchaseErr: ErrCancelled}
	var refreshes atomic.Int64
	adapter := newReadyAdapter(t, provider, Config{
		Refresh: func(context.Context) { refreshes.Add(1) },
	})

	result := adapter.Purchase(context.Background(), models.Product{Identifier: "figure_ai_499_weekly"})
	assert.Equal(t, OutcomeCancelled, result.Outcome)
	assert.ErrorIs(t, result.Err, ErrCancelled)
	assert.Equal(t, StateReady, adapter.State(), "the adapter returns to ready after a cancellation")

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, refreshes.Load(), "a cancelled purchase must not trigger ledger refreshes")
}

func TestPurchaseSuccessSchedulesConvergenceRefreshes(t *testing.T) {
	var refreshes atomic.Int64
	adapter := newReadyAdapter(t, &scriptedProvider{}, Config{
		Refresh:       func(context.Context) { refreshes.Add(1) },
		RefreshDelays: []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond},
	})

	result := adapter.Purchase(context.Background(), models.Product{Identifier: "figure_ai_499_weekly"})
	require.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, "figure_ai_499_weekly", result.Receipt.ProductIdentifier)
	assert.Equal(t, StateReady, adapter.State())

	require.Eventually(t, func() bool { return refreshes.Load() == 3 },
		time.Second, time.Millisecond, "every configured delay fires one ledger refresh")
}

func TestConvergenceSurvivesPurchaseContextCancel(t *testing.T) {
	var refreshes atomic.Int64
	adapter := newReadyAdapter(t, &scriptedProvider{}, Config{
		Refresh:       func(context.Context) { refreshes.Add(1) },
		RefreshDelays: []time.Duration{5 * time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	result := adapter.Purchase(ctx, models.Product{Identifier: "figure_ai_499_weekly"})
	require.Equal(t, OutcomeSuccess, result.Outcome)
	cancel()

	require.Eventually(t, func() bool { return refreshes.Load() == 1 },
		time.Second, time.Millisecond, "the convergence schedule outlives the purchase call")
}

func TestCheckStatusRefreshesOnlyOnChange(t *testing.T) {
	provider := &scriptedProvider{statuses: []models.EntitlementStatus{
		{},
		{},
		{ActiveProductIDs: []string{"figure_ai_499_weekly"}, Entitlements: []string{"premium"}},
		{ActiveProductIDs: []string{"figure_ai_499_weekly"}, Entitlements: []string{"premium"}},
	}}
	var refreshes atomic.Int64
	adapter := newReadyAdapter(t, provider, Config{
		Refresh: func(context.Context) { refreshes.Add(1) },
	})

	require.NoError(t, adapter.CheckStatus(context.Background()))
	assert.Zero(t, refreshes.Load(), "the first poll establishes a baseline, it is not a change")

	require.NoError(t, adapter.CheckStatus(context.Background()))
	assert.Zero(t, refreshes.Load(), "unchanged entitlements do not refresh")

	require.NoError(t, adapter.CheckStatus(context.Background()))
	assert.Equal(t, int64(1), refreshes.Load(), "a gained entitlement triggers one refresh")

	require.NoError(t, adapter.CheckStatus(context.Background()))
	assert.Equal(t, int64(1), refreshes.Load())
}

func TestCheckStatusMirrorsProviderState(t *testing.T) {
	provider := &scriptedProvider{statuses: []models.EntitlementStatus{
		{ActiveProductIDs: []string{"figure_ai_1999_monthly"}, Entitlements: []string{"premium"}},
	}}
	adapter := newReadyAdapter(t, provider, Config{})

	require.NoError(t, adapter.CheckStatus(context.Background()))

	assert.Equal(t, models.TypeMonthly, adapter.SubscriptionType())
	assert.True(t, adapter.IsProductActive("figure_ai_1999_monthly"))
	assert.False(t, adapter.IsProductActive("figure_ai_499_weekly"))
	assert.True(t, adapter.HasEntitlement("premium"))
	assert.False(t, adapter.HasEntitlement("pro"))
}

func TestSubscriptionTypeRequiresActiveEntitlement(t *testing.T) {
	// An active product without a granted entitlement must not read as paid.
	provider := &scriptedProvider{statuses: []models.EntitlementStatus{
		{ActiveProductIDs: []string{"figure_ai_499_weekly"}},
	}}
	adapter := newReadyAdapter(t, provider, Config{})

	require.NoError(t, adapter.CheckStatus(context.Background()))
	assert.Equal(t, models.TypeFree, adapter.SubscriptionType())
}

func TestInferSubscriptionType(t *testing.T) {
	tests := []struct {
		productID string
		want      models.SubscriptionType
	}{
		{"", models.TypeFree},
		{"figure_ai_499_weekly", models.TypeWeekly},
		{"com.figureai.weekly.sub", models.TypeWeekly},
		{"SOMETHING_WEEK", models.TypeWeekly},
		{"figure_ai_1999_monthly", models.TypeMonthly},
		{"premium_month_pass", models.TypeMonthly},
		{"figure_ai_lifetime", models.TypeFree},
		{"unknown_product", models.TypeFree},
		// 499 outranks the month token; first match wins.
		{"bundle_499_month", models.TypeWeekly},
	}

	for _, tt := range tests {
		t.Run(tt.productID, func(t *testing.T) {
			assert.Equal(t, tt.want, InferSubscriptionType(tt.productID))
		})
	}
}

func TestSimulatedProviderPurchaseAndRestore(t *testing.T) {
	provider := NewSimulatedProvider(nil)
	adapter := newReadyAdapter(t, provider, Config{
		RefreshDelays: []time.Duration{time.Millisecond},
	})

	products, err := adapter.LoadProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 2)

	result := adapter.Purchase(context.Background(), products[0])
	require.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, models.TypeWeekly, adapter.SubscriptionType())

	active, err := adapter.Restore(context.Background())
	require.NoError(t, err)
	assert.True(t, active)
}

func TestSimulatedProviderCancelNextPurchase(t *testing.T) {
	provider := NewSimulatedProvider(nil)
	provider.CancelNextPurchase()
	adapter := newReadyAdapter(t, provider, Config{})

	result := adapter.Purchase(context.Background(), models.Product{Identifier: "figure_ai_499_weekly"})
	assert.Equal(t, OutcomeCancelled, result.Outcome)

	// Only the next purchase is cancelled.
	result = adapter.Purchase(context.Background(), models.Product{Identifier: "figure_ai_499_weekly"})
	assert.Equal(t, OutcomeSuccess, result.Outcome)
}
