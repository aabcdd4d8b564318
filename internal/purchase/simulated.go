package purchase

import (
	"context"
	"sync"
	"time"

	"github.com/figureai/credits-go-rewrite/internal/models"
)

// SimulatedProvider is an in-memory Provider for local development and
// tests. It grants whatever is purchased and echoes the principal it was
// logged in with.
type SimulatedProvider struct {
	mu sync.Mutex

	catalog    []models.Product
	active     []string
	entitled   []string
	principal  string
	firstSeen  time.Time
	cancelNext bool
}

// NewSimulatedProvider creates a simulated provider serving the given
// catalog. A nil catalog yields the default weekly/monthly offering.
func NewSimulatedProvider(catalog []models.Product) *SimulatedProvider {
	if catalog == nil {
		catalog = []models.Product{
			{
				Identifier:         "figure_ai_499_weekly",
				Title:              "Weekly",
				Description:        "Weekly subscription",
				Price:              "$4.99",
				PriceAmountMicros:  4_990_000,
				PriceCurrencyCode:  "USD",
				SubscriptionPeriod: "P1W",
				PackageType:        "WEEKLY",
			},
			{
				Identifier:         "figure_ai_1999_monthly",
				Title:              "Monthly",
				Description:        "Monthly subscription",
				Price:              "$19.99",
				PriceAmountMicros:  19_990_000,
				PriceCurrencyCode:  "USD",
				SubscriptionPeriod: "P1M",
				PackageType:        "MONTHLY",
			},
		}
	}
	return &SimulatedProvider{catalog: catalog}
}

// CancelNextPurchase makes the next Purchase call report user cancellation.
func (p *SimulatedProvider) CancelNextPurchase() {
	p.mu.Lock()
	p.cancelNext = true
	p.mu.Unlock()
}

func (p *SimulatedProvider) Initialize(ctx context.Context) error {
	return ctx.Err()
}

func (p *SimulatedProvider) LogIn(ctx context.Context, principal string) (models.SessionInfo, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionInfo{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.principal == "" {
		p.principal = principal
		p.firstSeen = time.Now()
	}
	return models.SessionInfo{ConfirmedPrincipal: p.principal, FirstSeen: p.firstSeen}, nil
}

func (p *SimulatedProvider) GetOfferings(ctx context.Context) ([]models.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Product(nil), p.catalog...), nil
}

func (p *SimulatedProvider) Purchase(ctx context.Context, product models.Product) (models.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return models.Receipt{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancelNext {
		p.cancelNext = false
		return models.Receipt{}, ErrCancelled
	}

	p.active = []string{product.Identifier}
	p.entitled = []string{"premium"}
	return models.Receipt{
		ProductIdentifier: product.Identifier,
		ActiveProductIDs:  append([]string(nil), p.active...),
		Entitlements:      append([]string(nil), p.entitled...),
		WillRenew:         true,
	}, nil
}

func (p *SimulatedProvider) Restore(ctx context.Context) (models.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return models.Receipt{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	receipt := models.Receipt{
		ActiveProductIDs: append([]string(nil), p.active...),
		Entitlements:     append([]string(nil), p.entitled...),
	}
	if len(p.active) > 0 {
		receipt.ProductIdentifier = p.active[0]
		receipt.WillRenew = true
	}
	return receipt, nil
}

func (p *SimulatedProvider) GetStatus(ctx context.Context) (models.EntitlementStatus, error) {
	if err := ctx.Err(); err != nil {
		return models.EntitlementStatus{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.EntitlementStatus{
		ActiveProductIDs: append([]string(nil), p.active...),
		Entitlements:     append([]string(nil), p.entitled...),
	}, nil
}
