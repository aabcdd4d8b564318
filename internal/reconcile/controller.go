// Package reconcile owns the locally cached balance view and keeps it
// consistent with the remote ledger. The ledger is authoritative; this
// controller only decides when to ask it again and which responses to trust.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/figureai/credits-go-rewrite/internal/ledger"
	"github.com/figureai/credits-go-rewrite/internal/metrics"
	"github.com/figureai/credits-go-rewrite/internal/models"
	"github.com/rs/zerolog"
)

// Trigger names the sources that funnel into Refresh, so each can be
// simulated independently in tests.
type Trigger string

const (
	TriggerMount          Trigger = "mount"
	TriggerForeground     Trigger = "foreground"
	TriggerTimer          Trigger = "timer"
	TriggerPostPurchase   Trigger = "post_purchase"
	TriggerManual         Trigger = "manual"
	TriggerSpendReconcile Trigger = "spend_reconcile"
)

// LedgerClient is the slice of the ledger request layer the controller needs.
type LedgerClient interface {
	GetBalance(ctx context.Context, principal string) (models.BalanceSnapshot, error)
	Spend(ctx context.Context, principal string, amount int, reason string) (models.SpendResult, error)
	CheckReset(ctx context.Context, principal string) (models.ResetResult, error)
}

// View is the read model presentation consumes. It is a copy; callers never
// see or mutate the controller's cached snapshot directly.
type View struct {
	Credits                   int
	SubscriptionStatus        models.SubscriptionStatus
	SubscriptionType          models.SubscriptionType
	IsLoading                 bool
	Err                       string
	PeriodEnd                 *time.Time
	PendingChange             *models.PendingChange
	HasActivePendingDowngrade bool
}

// Config controls the controller.
type Config struct {
	Principal    string
	Ledger       LedgerClient
	Logger       *zerolog.Logger
	ViewInterval time.Duration // background refresh cadence while the view is active
}

const defaultViewInterval = 30 * time.Second

// Controller is the single owner of the cached BalanceSnapshot.
type Controller struct {
	mu sync.Mutex

	ledgerClient LedgerClient
	principal    string
	logger       zerolog.Logger
	viewInterval time.Duration

	snapshot    models.BalanceSnapshot
	hasSnapshot bool
	lastErr     string

	// Request sequencing: a response only applies if no response from a
	// newer request has been applied already. Last request wins, not last
	// response.
	issuedSeq    uint64
	appliedSeq   uint64
	completedSeq uint64
}

// New constructs a controller for one principal.
func New(cfg Config) (*Controller, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("ledger client is required")
	}
	if cfg.Principal == "" {
		return nil, errors.New("principal is required")
	}

	interval := cfg.ViewInterval
	if interval <= 0 {
		interval = defaultViewInterval
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "reconcile").Logger()
	}

	return &Controller{
		ledgerClient: cfg.Ledger,
		principal:    cfg.Principal,
		logger:       logger,
		viewInterval: interval,
		snapshot:     models.SafeDefault(),
	}, nil
}

// Refresh fetches a fresh snapshot and replaces the cached one wholesale on
// success. On failure it sets the error flag but never clears the last known
// good snapshot; stale-but-present beats blank. Responses superseded by a
// newer applied response are discarded on arrival.
func (c *Controller) Refresh(ctx context.Context, trigger Trigger) error {
	c.mu.Lock()
	c.issuedSeq++
	seq := c.issuedSeq
	c.mu.Unlock()

	snapshot, err := c.ledgerClient.GetBalance(ctx, c.principal)

	c.mu.Lock()
	defer c.mu.Unlock()

	if seq > c.completedSeq {
		c.completedSeq = seq
	}

	if seq <= c.appliedSeq {
		metrics.StaleResponsesDiscarded.Inc()
		c.logger.Debug().Uint64("seq", seq).Uint64("applied", c.appliedSeq).Str("trigger", string(trigger)).
			Msg("discarding superseded refresh response")
		return nil
	}

	if err != nil {
		c.lastErr = err.Error()
		metrics.RefreshesTotal.WithLabelValues(string(trigger), "error").Inc()
		c.logger.Warn().Err(err).Str("trigger", string(trigger)).Msg("refresh failed; keeping last known snapshot")
		return err
	}

	c.snapshot = snapshot
	c.hasSnapshot = true
	c.lastErr = ""
	c.appliedSeq = seq
	metrics.RefreshesTotal.WithLabelValues(string(trigger), "success").Inc()
	metrics.CachedCredits.Set(float64(snapshot.Credits))
	c.logger.Debug().Int("credits", snapshot.Credits).Str("trigger", string(trigger)).Msg("snapshot replaced")
	return nil
}

// Spend delegates to the ledger and, on success, overwrites cached credits
// with the server-reported remainder. The server's number is authoritative
// even when it differs from cached-minus-amount; a concurrent grant or reset
// can legitimately cause that. There is no optimistic local decrement.
//
// An ambiguous outcome (request sent, no response) is treated as failed for
// the caller, and a reconciling refresh runs immediately so the cache
// converges on whatever the server actually did.
func (c *Controller) Spend(ctx context.Context, amount int, reason string) (models.SpendResult, error) {
	result, err := c.ledgerClient.Spend(ctx, c.principal, amount, reason)
	if err != nil {
		if errors.Is(err, ledger.ErrAmbiguousSpend) {
			metrics.SpendsTotal.WithLabelValues("ambiguous").Inc()
			c.logger.Warn().Err(err).Int("amount", amount).Msg("ambiguous spend; reconciling against ledger")
			if refreshErr := c.Refresh(ctx, TriggerSpendReconcile); refreshErr != nil {
				c.logger.Warn().Err(refreshErr).Msg("post-ambiguity reconciliation refresh failed")
			}
			return result, err
		}
		metrics.SpendsTotal.WithLabelValues("error").Inc()
		return result, err
	}

	if !result.Success {
		metrics.SpendsTotal.WithLabelValues("rejected").Inc()
		c.logger.Info().Int("amount", amount).Str("reason", reason).Str("error", result.Error).Msg("spend rejected")
		return result, nil
	}

	c.mu.Lock()
	c.snapshot.Credits = result.RemainingCredits
	c.hasSnapshot = true
	c.mu.Unlock()

	metrics.SpendsTotal.WithLabelValues("success").Inc()
	metrics.CachedCredits.Set(float64(result.RemainingCredits))
	c.logger.Debug().Int("amount", amount).Int("remaining", result.RemainingCredits).Msg("spend applied")
	return result, nil
}

// HasEnough reports whether the cached balance covers the amount. Pure read
// over the cache; it never triggers a network call, so it is safe in
// synchronous UI gating.
func (c *Controller) HasEnough(amount int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot.Credits >= amount
}

// CheckCreditReset asks the ledger to apply a periodic reset if due and
// overwrites cached credits when one was performed.
func (c *Controller) CheckCreditReset(ctx context.Context) (models.ResetResult, error) {
	result, err := c.ledgerClient.CheckReset(ctx, c.principal)
	if err != nil {
		return result, err
	}

	if result.ResetPerformed {
		c.mu.Lock()
		c.snapshot.Credits = result.Credits
		c.hasSnapshot = true
		c.mu.Unlock()

		metrics.ResetsPerformed.Inc()
		metrics.CachedCredits.Set(float64(result.Credits))
		c.logger.Info().Int("credits", result.Credits).Msg("credit reset applied")
	}
	return result, nil
}

// View returns a copy of the read model. The pending-downgrade flag is
// derived from the snapshot on every call, never cached, so it clears the
// moment a fresh snapshot drops the pending change.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	view := View{
		Credits:                   c.snapshot.Credits,
		SubscriptionStatus:        c.snapshot.SubscriptionStatus,
		SubscriptionType:          c.snapshot.SubscriptionType,
		IsLoading:                 c.issuedSeq > c.completedSeq,
		Err:                       c.lastErr,
		HasActivePendingDowngrade: c.snapshot.HasPendingDowngrade(),
	}
	if c.snapshot.PeriodEnd != nil {
		end := *c.snapshot.PeriodEnd
		view.PeriodEnd = &end
	}
	if c.snapshot.PendingChange != nil {
		change := *c.snapshot.PendingChange
		view.PendingChange = &change
	}
	return view
}

// Foreground handles the app returning to the foreground: refresh, and run a
// reset check when a subscription is active.
func (c *Controller) Foreground(ctx context.Context) {
	if err := c.Refresh(ctx, TriggerForeground); err != nil {
		c.logger.Warn().Err(err).Msg("foreground refresh failed")
	}
	if c.subscriptionActive() {
		if _, err := c.CheckCreditReset(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("foreground reset check failed")
		}
	}
}

// Run drives the controller while a view is active: one mount refresh, then
// the background timer, until the context is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Refresh(ctx, TriggerMount); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn().Err(err).Msg("mount refresh failed")
	}
	if c.subscriptionActive() {
		if _, err := c.CheckCreditReset(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("mount reset check failed")
		}
	}

	ticker := time.NewTicker(c.viewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Refresh(ctx, TriggerTimer); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				c.logger.Debug().Err(err).Msg("timer refresh failed")
			}
		}
	}
}

func (c *Controller) subscriptionActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot.SubscriptionStatus == models.SubscriptionActive &&
		(c.snapshot.SubscriptionType == models.TypeWeekly || c.snapshot.SubscriptionType == models.TypeMonthly)
}
