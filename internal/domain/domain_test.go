package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestProductValid(t *testing.T) {
	consumable := Product{ID: "coins", Price: decimal.NewFromInt(1), ProductType: ProductConsumable}
	assert.True(t, consumable.Valid())

	noID := consumable
	noID.ID = ""
	assert.False(t, noID.Valid())

	negative := consumable
	negative.Price = decimal.NewFromInt(-1)
	assert.False(t, negative.Valid())

	subWithoutInfo := Product{ID: "sub", Price: decimal.NewFromInt(5), ProductType: ProductAutoRenewableSubscription}
	assert.False(t, subWithoutInfo.Valid())

	subWithInfo := subWithoutInfo
	subWithInfo.SubscriptionInfo = &SubscriptionInfo{GroupID: "g1", Period: SubscriptionPeriod{Unit: PeriodMonth, Value: 1}}
	assert.True(t, subWithInfo.Valid())

	consumableWithInfo := consumable
	consumableWithInfo.SubscriptionInfo = &SubscriptionInfo{}
	assert.False(t, consumableWithInfo.Valid())
}

func TestOrderStatusCanTransition(t *testing.T) {
	assert.True(t, OrderCreated.CanTransition(OrderPending))
	assert.True(t, OrderCreated.CanTransition(OrderCancelled))
	assert.True(t, OrderPending.CanTransition(OrderCompleted))
	assert.False(t, OrderCreated.CanTransition(OrderCompleted))
	assert.False(t, OrderCompleted.CanTransition(OrderPending))
	assert.True(t, OrderCompleted.CanTransition(OrderCompleted))
	assert.True(t, OrderCreated.CanTransition(OrderCreated))
}

func TestOrderStatusTerminal(t *testing.T) {
	assert.True(t, OrderCompleted.Terminal())
	assert.True(t, OrderCancelled.Terminal())
	assert.True(t, OrderFailed.Terminal())
	assert.False(t, OrderCreated.Terminal())
	assert.False(t, OrderPending.Terminal())
}

func TestOrderIsExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.True(t, Order{ExpiresAt: &past}.IsExpired(now))
	assert.False(t, Order{ExpiresAt: &future}.IsExpired(now))
	assert.False(t, Order{}.IsExpired(now))
}

func TestOrderCloneIsDeep(t *testing.T) {
	expires := time.Now()
	serverID := "srv-1"
	amount := decimal.NewFromInt(10)
	currency := "USD"
	userID := "u-1"
	orig := Order{
		ID:            "ord-1",
		ProductID:     "p-1",
		UserInfo:      map[string]string{"k": "v"},
		ExpiresAt:     &expires,
		ServerOrderID: &serverID,
		Amount:        &amount,
		Currency:      &currency,
		UserID:        &userID,
	}

	clone := orig.Clone()
	clone.UserInfo["k"] = "changed"
	*clone.ServerOrderID = "mutated"

	assert.Equal(t, "v", orig.UserInfo["k"])
	assert.Equal(t, "srv-1", *orig.ServerOrderID)
	assert.NotSame(t, orig.ExpiresAt, clone.ExpiresAt)
}

func TestConfigEqual(t *testing.T) {
	base := Config{
		MaxRetryAttempts:       3,
		BaseRetryDelay:         time.Second,
		ProductCacheExpiration: time.Minute,
		ReceiptValidation:      ValidationConfig{Mode: ValidationLocal},
		Network:                NetworkConfig{BaseURL: "http://x", Timeout: time.Second},
	}
	same := base
	assert.True(t, base.Equal(same))

	changed := base
	changed.ReceiptValidation.Mode = ValidationRemote
	assert.False(t, base.Equal(changed))

	changedNetwork := base
	changedNetwork.Network.BaseURL = "http://y"
	assert.False(t, base.Equal(changedNetwork))
}
