package models

import "time"

// SessionInfo is what the purchase provider reports after the client binds
// its principal into the provider's session.
type SessionInfo struct {
	ConfirmedPrincipal string    `json:"confirmed_principal"`
	FirstSeen          time.Time `json:"first_seen"`
}

// Product is one purchasable offering from the purchase provider's catalog.
type Product struct {
	Identifier         string `json:"identifier"`
	Title              string `json:"title"`
	Description        string `json:"description"`
	Price              string `json:"price"`
	PriceAmountMicros  int64  `json:"price_amount_micros"`
	PriceCurrencyCode  string `json:"price_currency_code"`
	SubscriptionPeriod string `json:"subscription_period,omitempty"`
	PackageType        string `json:"package_type,omitempty"`
}

// Receipt summarizes the provider session after a purchase or restore.
type Receipt struct {
	ProductIdentifier string     `json:"product_identifier"`
	ActiveProductIDs  []string   `json:"active_product_ids"`
	Entitlements      []string   `json:"entitlements"`
	WillRenew         bool       `json:"will_renew"`
	ExpirationDate    *time.Time `json:"expiration_date,omitempty"`
}

// EntitlementStatus is one poll of the provider's entitlement state. It is
// never the source of truth for credits, only a trigger for ledger resync.
type EntitlementStatus struct {
	ActiveProductIDs []string `json:"active_product_ids"`
	Entitlements     []string `json:"entitlements"`
}

// Active reports whether the provider considers any subscription live. Both
// an active product and a granted entitlement are required, matching the
// provider's own definition of an active session.
func (e EntitlementStatus) Active() bool {
	return len(e.ActiveProductIDs) > 0 && len(e.Entitlements) > 0
}
