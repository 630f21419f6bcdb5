// Package domain holds the core's data model: products, orders,
// transactions, and the configuration that governs their handling.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductType classifies what an order's product actually buys.
type ProductType string

const (
	ProductConsumable               ProductType = "consumable"
	ProductNonConsumable             ProductType = "non_consumable"
	ProductAutoRenewableSubscription ProductType = "auto_renewable_subscription"
	ProductNonRenewingSubscription   ProductType = "non_renewing_subscription"
)

// IsSubscription reports whether t requires SubscriptionInfo to be set.
func (t ProductType) IsSubscription() bool {
	return t == ProductAutoRenewableSubscription || t == ProductNonRenewingSubscription
}

// SubscriptionPeriodUnit is the unit a subscription period is measured in.
type SubscriptionPeriodUnit string

const (
	PeriodDay   SubscriptionPeriodUnit = "day"
	PeriodWeek  SubscriptionPeriodUnit = "week"
	PeriodMonth SubscriptionPeriodUnit = "month"
	PeriodYear  SubscriptionPeriodUnit = "year"
)

// SubscriptionPeriod describes a recurring billing interval.
type SubscriptionPeriod struct {
	Unit  SubscriptionPeriodUnit
	Value int // >= 1
}

// SubscriptionInfo carries the subscription-specific fields a product needs
// when its ProductType.IsSubscription() is true.
type SubscriptionInfo struct {
	GroupID             string
	Period              SubscriptionPeriod
	IntroductoryPrice   *decimal.Decimal
	PromotionalOffers   []string
}

// Product is an immutable snapshot of a sellable item, as loaded from the
// provider adapter and held in the product cache.
type Product struct {
	ID               string
	DisplayName      string
	Description      string
	Price            decimal.Decimal
	PriceLocale      string
	LocalizedPrice   string
	ProductType      ProductType
	SubscriptionInfo *SubscriptionInfo
}

// Valid reports whether the product satisfies its basic invariants:
// non-empty id, non-negative price, and subscription fields present iff
// the type is subscription-like.
func (p Product) Valid() bool {
	if p.ID == "" {
		return false
	}
	if p.Price.IsNegative() {
		return false
	}
	hasSub := p.SubscriptionInfo != nil
	if p.ProductType.IsSubscription() != hasSub {
		return false
	}
	return true
}

// OrderStatus is a node in the order status DAG.
type OrderStatus string

const (
	OrderCreated   OrderStatus = "created"
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
	OrderFailed    OrderStatus = "failed"
)

// Terminal reports whether status permits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled || s == OrderFailed
}

// validNextStatus is the order status DAG.
var validNextStatus = map[OrderStatus]map[OrderStatus]bool{
	OrderCreated: {OrderPending: true, OrderCancelled: true, OrderFailed: true},
	OrderPending: {OrderCompleted: true, OrderCancelled: true, OrderFailed: true},
}

// CanTransition reports whether moving from s to next is permitted by the
// monotonic status DAG. Terminal states accept no further transitions;
// transitioning to the same status is always allowed (idempotent no-op).
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return validNextStatus[s][next]
}

// Order is the server-authoritative record of a purchase intent.
type Order struct {
	ID            string
	ProductID     string
	UserInfo      map[string]string
	CreatedAt     time.Time
	ExpiresAt     *time.Time
	Status        OrderStatus
	ServerOrderID *string
	Amount        *decimal.Decimal
	Currency      *string
	UserID        *string
}

// IsExpired reports whether the order has an expiry in the past relative to
// now.
func (o Order) IsExpired(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

// Clone returns a deep-enough copy for safe handoff across cache boundaries.
func (o Order) Clone() *Order {
	c := o
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		c.ExpiresAt = &t
	}
	if o.ServerOrderID != nil {
		s := *o.ServerOrderID
		c.ServerOrderID = &s
	}
	if o.Amount != nil {
		a := *o.Amount
		c.Amount = &a
	}
	if o.Currency != nil {
		s := *o.Currency
		c.Currency = &s
	}
	if o.UserID != nil {
		s := *o.UserID
		c.UserID = &s
	}
	if o.UserInfo != nil {
		m := make(map[string]string, len(o.UserInfo))
		for k, v := range o.UserInfo {
			m[k] = v
		}
		c.UserInfo = m
	}
	return &c
}

// TransactionState is the payment provider's outcome for one purchase
// attempt.
type TransactionState string

const (
	TxPurchasing TransactionState = "purchasing"
	TxPurchased  TransactionState = "purchased"
	TxFailed     TransactionState = "failed"
	TxRestored   TransactionState = "restored"
	TxDeferred   TransactionState = "deferred"
)

// Transaction is one attempt/outcome reported by the payment provider.
type Transaction struct {
	ID                    string
	ProductID             string
	PurchaseDate          time.Time
	State                 TransactionState
	FailureError          error // set when State == TxFailed
	ReceiptData           []byte
	OriginalTransactionID *string
	Quantity              int
	AppAccountToken       *string // carries the order-id hint, §9
}

// Environment is the environment a receipt was issued in.
type Environment string

const (
	EnvironmentUnknown    Environment = "unknown"
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

// ValidationMode selects the Receipt Validator's strategy.
type ValidationMode string

const (
	ValidationLocal          ValidationMode = "local"
	ValidationRemote         ValidationMode = "remote"
	ValidationLocalThenRemote ValidationMode = "local_then_remote"
)

// ValidationConfig configures the Receipt Validator.
type ValidationConfig struct {
	Mode               ValidationMode
	ServerURL          string
	SharedSecret       string
	ValidateBundleID   bool
	ValidateAppVersion bool
	CacheExpiration    time.Duration
	BundleID           string // expected bundle id, used when ValidateBundleID
	AppVersion         string // expected app version, used when ValidateAppVersion
}

// NetworkConfig configures the Network Client.
type NetworkConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Config is the frozen configuration record governing a Manager instance.
type Config struct {
	AutoFinishTransactions bool
	AutoRecoverTransactions bool
	MaxRetryAttempts       int
	BaseRetryDelay         time.Duration
	ProductCacheExpiration time.Duration
	ReceiptValidation      ValidationConfig
	Network                NetworkConfig
}

// Equal reports whether cfg is semantically equal to other, used by
// Manager.Initialize to decide whether re-initialization is a no-op.
func (cfg Config) Equal(other Config) bool {
	if cfg.AutoFinishTransactions != other.AutoFinishTransactions ||
		cfg.AutoRecoverTransactions != other.AutoRecoverTransactions ||
		cfg.MaxRetryAttempts != other.MaxRetryAttempts ||
		cfg.BaseRetryDelay != other.BaseRetryDelay ||
		cfg.ProductCacheExpiration != other.ProductCacheExpiration {
		return false
	}
	rv, orv := cfg.ReceiptValidation, other.ReceiptValidation
	if rv.Mode != orv.Mode || rv.ServerURL != orv.ServerURL || rv.SharedSecret != orv.SharedSecret ||
		rv.ValidateBundleID != orv.ValidateBundleID || rv.ValidateAppVersion != orv.ValidateAppVersion ||
		rv.CacheExpiration != orv.CacheExpiration || rv.BundleID != orv.BundleID || rv.AppVersion != orv.AppVersion {
		return false
	}
	if cfg.Network.BaseURL != other.Network.BaseURL || cfg.Network.Timeout != other.Network.Timeout {
		return false
	}
	return true
}
