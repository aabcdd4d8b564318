// Package purchase wraps the external subscription provider. The provider's
// session is never the source of truth for credits; its only job here is to
// execute purchases and tell us when the ledger is worth asking again.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/figureai/credits-go-rewrite/internal/metrics"
	"github.com/figureai/credits-go-rewrite/internal/models"
	"github.com/rs/zerolog"
)

// State is the adapter's lifecycle state. All operations except Initialize
// fail fast with ErrNotReady until the adapter reaches StateReady.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StatePurchasing    State = "purchasing"
	StateRestoring     State = "restoring"
	StatePollingStatus State = "polling_status"
)

var (
	// ErrNotReady rejects operations invoked before initialization completed
	// or while another exclusive operation is in flight.
	ErrNotReady = errors.New("purchase provider not ready")

	// ErrAlreadyInitialized rejects a second Initialize call.
	ErrAlreadyInitialized = errors.New("purchase provider already initialized")

	// ErrCancelled is returned by Provider implementations when the user
	// backed out of the purchase flow.
	ErrCancelled = errors.New("purchase cancelled by user")
)

// Provider is the opaque external purchase/subscription collaborator.
type Provider interface {
	Initialize(ctx context.Context) error
	LogIn(ctx context.Context, principal string) (models.SessionInfo, error)
	GetOfferings(ctx context.Context) ([]models.Product, error)
	Purchase(ctx context.Context, product models.Product) (models.Receipt, error)
	Restore(ctx context.Context) (models.Receipt, error)
	GetStatus(ctx context.Context) (models.EntitlementStatus, error)
}

// Outcome classifies a purchase attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Result is the adapter's answer to a purchase attempt.
type Result struct {
	Outcome Outcome
	Receipt models.Receipt
	Err     error
}

// RefreshFunc asks the reconciliation controller for a ledger resync.
type RefreshFunc func(ctx context.Context)

// Config controls the adapter.
type Config struct {
	Provider Provider
	Refresh  RefreshFunc
	Logger   *zerolog.Logger

	// PollInterval is the entitlement polling cadence while Ready.
	PollInterval time.Duration

	// RefreshDelays are offsets from a successful purchase/restore at which
	// the ledger is re-checked. The provider's webhook to the ledger backend
	// is asynchronous and may lag the purchase acknowledgment by seconds, so
	// one immediate refresh is not enough to converge.
	RefreshDelays []time.Duration
}

const defaultPollInterval = 5 * time.Minute

func defaultRefreshDelays() []time.Duration {
	return []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second, 8 * time.Second}
}

// Adapter mediates between the purchase provider and the rest of the engine.
type Adapter struct {
	mu sync.Mutex

	provider Provider
	refresh  RefreshFunc
	logger   zerolog.Logger

	state            State
	products         []models.Product
	lastStatus       models.EntitlementStatus
	hasStatus        bool
	currentProductID string

	pollInterval  time.Duration
	refreshDelays []time.Duration
}

// New constructs an uninitialized adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.Provider == nil {
		return nil, errors.New("purchase provider is required")
	}

	refresh := cfg.Refresh
	if refresh == nil {
		refresh = func(context.Context) {}
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	delays := cfg.RefreshDelays
	if len(delays) == 0 {
		delays = defaultRefreshDelays()
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "purchase").Logger()
	}

	return &Adapter{
		provider:      cfg.Provider,
		refresh:       refresh,
		logger:        logger,
		state:         StateUninitialized,
		pollInterval:  interval,
		refreshDelays: delays,
	}, nil
}

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Initialize brings the adapter to Ready. Called once at startup.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateUninitialized {
		a.mu.Unlock()
		return ErrAlreadyInitialized
	}
	a.state = StateInitializing
	a.mu.Unlock()

	if err := a.provider.Initialize(ctx); err != nil {
		a.setState(StateUninitialized)
		return fmt.Errorf("initialize purchase provider: %w", err)
	}

	a.setState(StateReady)
	a.logger.Info().Msg("purchase provider initialized")
	return nil
}

// LoadProducts pulls the current purchasable offering. An empty catalog is a
// valid result, not an error; purchasing is simply unavailable until the
// provider serves one.
func (a *Adapter) LoadProducts(ctx context.Context) ([]models.Product, error) {
	if err := a.requireReady(); err != nil {
		return nil, err
	}

	products, err := a.provider.GetOfferings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}

	a.mu.Lock()
	a.products = append([]models.Product(nil), products...)
	a.mu.Unlock()

	if len(products) == 0 {
		a.logger.Warn().Msg("purchase provider returned empty catalog; purchasing disabled")
	} else {
		a.logger.Debug().Int("count", len(products)).Msg("product catalog loaded")
	}
	return products, nil
}

// Purchase executes one purchase. On success the ledger is re-checked on the
// configured delay cadence so the cached balance converges without a manual
// refresh once the provider's webhook lands.
func (a *Adapter) Purchase(ctx context.Context, product models.Product) Result {
	if err := a.begin(StatePurchasing); err != nil {
		return Result{Outcome: OutcomeFailed, Err: err}
	}
	defer a.setState(StateReady)

	receipt, err := a.provider.Purchase(ctx, product)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			metrics.PurchasesTotal.WithLabelValues(string(OutcomeCancelled)).Inc()
			a.logger.Info().Str("product", product.Identifier).Msg("purchase cancelled by user")
			return Result{Outcome: OutcomeCancelled, Err: err}
		}
		metrics.PurchasesTotal.WithLabelValues(string(OutcomeFailed)).Inc()
		a.logger.Error().Err(err).Str("product", product.Identifier).Msg("purchase failed")
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("purchase %s: %w", product.Identifier, err)}
	}

	a.applyReceipt(receipt)
	metrics.PurchasesTotal.WithLabelValues(string(OutcomeSuccess)).Inc()
	a.logger.Info().Str("product", receipt.ProductIdentifier).Msg("purchase successful")

	a.scheduleConvergence(ctx)
	return Result{Outcome: OutcomeSuccess, Receipt: receipt}
}

// Restore replays prior purchases and reports whether any entitlement is
// active. Triggers the same ledger convergence cadence as a purchase.
func (a *Adapter) Restore(ctx context.Context) (bool, error) {
	if err := a.begin(StateRestoring); err != nil {
		return false, err
	}
	defer a.setState(StateReady)

	receipt, err := a.provider.Restore(ctx)
	if err != nil {
		return false, fmt.Errorf("restore purchases: %w", err)
	}

	a.applyReceipt(receipt)
	active := len(receipt.ActiveProductIDs) > 0 && len(receipt.Entitlements) > 0
	a.logger.Info().Bool("active", active).Msg("purchases restored")

	a.scheduleConvergence(ctx)
	return active, nil
}

// CheckStatus polls the provider's entitlement state and mirrors it. When the
// active product or entitlement set changed since the last poll, one ledger
// refresh is triggered.
func (a *Adapter) CheckStatus(ctx context.Context) error {
	if err := a.begin(StatePollingStatus); err != nil {
		return err
	}
	defer a.setState(StateReady)

	status, err := a.provider.GetStatus(ctx)
	if err != nil {
		metrics.StatusPollsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("poll entitlement status: %w", err)
	}

	a.mu.Lock()
	changed := !a.hasStatus || !sameStringSet(a.lastStatus.ActiveProductIDs, status.ActiveProductIDs) ||
		!sameStringSet(a.lastStatus.Entitlements, status.Entitlements)
	first := !a.hasStatus
	a.lastStatus = status
	a.hasStatus = true
	if len(status.ActiveProductIDs) > 0 {
		a.currentProductID = status.ActiveProductIDs[0]
	} else {
		a.currentProductID = ""
	}
	a.mu.Unlock()

	if changed && !first {
		metrics.StatusPollsTotal.WithLabelValues("changed").Inc()
		a.logger.Info().Strs("active_products", status.ActiveProductIDs).Msg("entitlements changed; refreshing ledger")
		a.refresh(ctx)
	} else {
		metrics.StatusPollsTotal.WithLabelValues("unchanged").Inc()
	}
	return nil
}

// Run polls entitlement status on a fixed interval until the context is
// cancelled. The adapter must be Ready before Run starts.
func (a *Adapter) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.CheckStatus(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				a.logger.Warn().Err(err).Msg("entitlement poll failed")
			}
		}
	}
}

// Foreground polls entitlement status on an app-foreground transition.
func (a *Adapter) Foreground(ctx context.Context) {
	if err := a.CheckStatus(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("foreground status check failed")
	}
}

// SubscriptionType infers the plan from the currently active product
// identifier. Unknown identifiers map to free rather than erroring; the
// mapping is intentionally lossy.
func (a *Adapter) SubscriptionType() models.SubscriptionType {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.lastStatus.Active() {
		return models.TypeFree
	}
	return InferSubscriptionType(a.currentProductID)
}

// Status returns a copy of the last mirrored entitlement state.
func (a *Adapter) Status() models.EntitlementStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return models.EntitlementStatus{
		ActiveProductIDs: append([]string(nil), a.lastStatus.ActiveProductIDs...),
		Entitlements:     append([]string(nil), a.lastStatus.Entitlements...),
	}
}

// ProductByID returns a catalog product by identifier.
func (a *Adapter) ProductByID(id string) (models.Product, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.products {
		if p.Identifier == id {
			return p, true
		}
	}
	return models.Product{}, false
}

// IsProductActive reports whether the given product is the active one.
func (a *Adapter) IsProductActive(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastStatus.Active() && a.currentProductID == id
}

// HasEntitlement reports whether the provider granted a named entitlement.
func (a *Adapter) HasEntitlement(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.lastStatus.Entitlements {
		if e == name {
			return true
		}
	}
	return false
}

// InferSubscriptionType derives the plan from a product identifier using the
// provider's naming conventions.
func InferSubscriptionType(productID string) models.SubscriptionType {
	id := strings.ToLower(productID)
	switch {
	case id == "":
		return models.TypeFree
	case strings.Contains(id, "499") || strings.Contains(id, "week"):
		return models.TypeWeekly
	case strings.Contains(id, "1999") || strings.Contains(id, "month"):
		return models.TypeMonthly
	default:
		return models.TypeFree
	}
}

func (a *Adapter) applyReceipt(receipt models.Receipt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastStatus = models.EntitlementStatus{
		ActiveProductIDs: append([]string(nil), receipt.ActiveProductIDs...),
		Entitlements:     append([]string(nil), receipt.Entitlements...),
	}
	a.hasStatus = true
	a.currentProductID = receipt.ProductIdentifier
}

// scheduleConvergence runs the delayed post-purchase refreshes. The schedule
// survives the purchase call's own context; only process shutdown stops it.
func (a *Adapter) scheduleConvergence(ctx context.Context) {
	delays := append([]time.Duration(nil), a.refreshDelays...)
	detached := context.WithoutCancel(ctx)

	go func() {
		start := time.Now()
		for _, offset := range delays {
			wait := offset - time.Since(start)
			if wait > 0 {
				time.Sleep(wait)
			}
			metrics.PostPurchaseRefreshAttempts.Inc()
			a.logger.Debug().Dur("offset", offset).Msg("post-purchase ledger refresh")
			a.refresh(detached)
		}
	}()
}

func (a *Adapter) begin(next State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateReady {
		return fmt.Errorf("%w: state %s", ErrNotReady, a.state)
	}
	a.state = next
	return nil
}

func (a *Adapter) requireReady() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateReady {
		return fmt.Errorf("%w: state %s", ErrNotReady, a.state)
	}
	return nil
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
