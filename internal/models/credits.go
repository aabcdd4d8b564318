// Package models defines the shared data model for the credit engine.
package models

import "time"

// SubscriptionStatus mirrors the ledger service's subscription_status field.
type SubscriptionStatus string

const (
	SubscriptionFree    SubscriptionStatus = "free"
	SubscriptionActive  SubscriptionStatus = "active"
	SubscriptionExpired SubscriptionStatus = "expired"
)

// SubscriptionType mirrors the ledger service's subscription_type field.
type SubscriptionType string

const (
	TypeFree    SubscriptionType = "free"
	TypeWeekly  SubscriptionType = "weekly"
	TypeMonthly SubscriptionType = "monthly"
)

// ChangeReason classifies a scheduled plan transition.
type ChangeReason string

const (
	ReasonUpgrade      ChangeReason = "upgrade"
	ReasonDowngrade    ChangeReason = "downgrade"
	ReasonCancellation ChangeReason = "cancellation"
)

// PendingChange is a scheduled plan transition that has not taken effect yet.
type PendingChange struct {
	From          SubscriptionType `json:"from"`
	To            SubscriptionType `json:"to"`
	EffectiveDate time.Time        `json:"effective_date"`
	Reason        ChangeReason     `json:"reason"`
}

// BalanceSnapshot is the full balance and subscription state as of one
// successful ledger query. Snapshots replace each other wholesale; the client
// never merges fields from two snapshots.
type BalanceSnapshot struct {
	Credits            int                `json:"credits"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status"`
	SubscriptionType   SubscriptionType   `json:"subscription_type"`
	PeriodEnd          *time.Time         `json:"period_end,omitempty"`
	PendingChange      *PendingChange     `json:"pending_change,omitempty"`
}

// SafeDefault returns the snapshot used when the ledger is unreachable and no
// prior snapshot exists. Presentation always has a renderable value.
func SafeDefault() BalanceSnapshot {
	return BalanceSnapshot{
		Credits:            0,
		SubscriptionStatus: SubscriptionFree,
		SubscriptionType:   TypeFree,
	}
}

// HasPendingDowngrade reports whether the snapshot carries a scheduled
// downgrade that has not taken effect yet. Derived from the snapshot alone so
// it clears automatically when a fresh snapshot drops the pending change.
func (s BalanceSnapshot) HasPendingDowngrade() bool {
	return s.PendingChange != nil && s.PendingChange.Reason == ReasonDowngrade
}

// SpendResult is the ledger's response to a spend-credits request. The
// remaining credit count is authoritative even when it differs from the
// client's cached value minus the spent amount.
type SpendResult struct {
	Success          bool   `json:"success"`
	RemainingCredits int    `json:"remaining_credits"`
	Error            string `json:"error,omitempty"`
}

// ResetResult is the ledger's response to a check-reset request. A no-op
// response with ResetPerformed=false is the common case.
type ResetResult struct {
	ResetPerformed   bool             `json:"reset_performed"`
	Credits          int              `json:"credits"`
	NextReset        *time.Time       `json:"next_reset,omitempty"`
	SubscriptionType SubscriptionType `json:"subscription_type,omitempty"`
}
