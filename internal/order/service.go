// Package order implements the Order Service: owns order lifecycle,
// mirrors server status into the local cache, and reconciles on request.
// Create, query and update calls are each traced with a span, and create
// failures are wrapped into the core's error taxonomy.
package order

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/motafan/iapcore/internal/cache"
	"github.com/motafan/iapcore/internal/domain"
	"github.com/motafan/iapcore/internal/errs"
	"github.com/motafan/iapcore/internal/network"
	"github.com/motafan/iapcore/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultOrderTTL = 1 * time.Hour

// Service is the Order Service.
type Service struct {
	client *network.Client
	cache  *cache.OrderCache
	clock  func() time.Time
	logger *zap.Logger
	tracer trace.Tracer
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the wall clock, for tests.
func WithClock(fn func() time.Time) Option { return func(s *Service) { s.clock = fn } }

// WithLogger overrides the zap logger (defaults to a no-op logger).
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

// NewService creates an Order Service over the given Network Client and
// Order Cache.
func NewService(client *network.Client, orderCache *cache.OrderCache, opts ...Option) *Service {
	s := &Service{
		client: client,
		cache:  orderCache,
		clock:  time.Now,
		logger: zap.NewNop(),
		tracer: tracing.GetTracer("iapcore/order"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder creates a local order, asks the server to create its
// counterpart, and mirrors the server's response back into the cache.
func (s *Service) CreateOrder(ctx context.Context, product domain.Product, userInfo map[string]string) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.create",
		trace.WithAttributes(attribute.String("product.id", product.ID)))
	defer span.End()

	now := s.clock()
	expiresAt := now.Add(defaultOrderTTL)
	amount := product.Price
	currency := product.PriceLocale

	localOrder := &domain.Order{
		ID:        uuid.New().String(),
		ProductID: product.ID,
		UserInfo:  userInfo,
		CreatedAt: now,
		ExpiresAt: &expiresAt,
		Status:    domain.OrderCreated,
		Amount:    &amount,
		Currency:  &currency,
	}
	if uid, ok := userInfo["userID"]; ok && uid != "" {
		localOrder.UserID = &uid
	}
	s.cache.Store(localOrder)
	span.SetAttributes(attribute.String("order.id", localOrder.ID))

	amountStr := amount.String()
	req := network.CreateOrderRequest{
		LocalOrderID: localOrder.ID,
		ProductID:    product.ID,
		UserInfo:     userInfo,
		CreatedAt:    now.UTC().Format(time.RFC3339),
		Amount:       &amountStr,
		Currency:     &currency,
		UserID:       localOrder.UserID,
	}

	resp, err := s.client.CreateOrder(ctx, req)
	if err != nil {
		s.cache.UpdateStatus(localOrder.ID, domain.OrderFailed)
		span.SetStatus(codes.Error, err.Error())
		wrapped := errs.Wrap(errs.KindOrderCreationFailed, "create order", err)
		return s.mustGet(localOrder.ID), wrapped
	}

	serverOrderID := resp.ServerOrderID
	localOrder.ServerOrderID = &serverOrderID
	if resp.ExpiresAt != nil {
		if t, perr := time.Parse(time.RFC3339, *resp.ExpiresAt); perr == nil {
			localOrder.ExpiresAt = &t
		}
	}
	s.cache.Store(localOrder)
	if status := parseStatusWire(resp.Status); status != "" {
		_ = s.cache.UpdateStatus(localOrder.ID, status)
	}

	span.SetStatus(codes.Ok, "order created")
	return s.mustGet(localOrder.ID), nil
}

// parseStatusWire validates and converts a wire status string,
// returning "" if it isn't one of the known statuses.
func parseStatusWire(s string) domain.OrderStatus {
	switch domain.OrderStatus(s) {
	case domain.OrderCreated, domain.OrderPending, domain.OrderCompleted, domain.OrderCancelled, domain.OrderFailed:
		return domain.OrderStatus(s)
	default:
		return ""
	}
}

func (s *Service) mustGet(id string) *domain.Order {
	o, _ := s.cache.Get(id)
	return o
}

// QueryOrderStatus reports an order's current status: terminal cached
// orders short-circuit, otherwise the server is queried and the call
// degrades to the cached value on transport failure.
func (s *Service) QueryOrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	ctx, span := s.tracer.Start(ctx, "order.query_status",
		trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	cached, hasCached := s.cache.Get(orderID)
	if hasCached && cached.Status.Terminal() {
		return cached.Status, nil
	}

	resp, err := s.client.QueryOrderStatus(ctx, orderID)
	if err != nil {
		if hasCached {
			span.AddEvent("degraded_read_from_cache")
			return cached.Status, nil
		}
		span.SetStatus(codes.Error, err.Error())
		return "", errs.New(errs.KindOrderNotFound, "order not found: "+orderID)
	}

	status := parseStatusWire(resp.Status)
	if hasCached && status != "" {
		_ = s.cache.UpdateStatus(orderID, status)
	}
	if status == "" {
		if hasCached {
			return cached.Status, nil
		}
		return "", errs.New(errs.KindOrderNotFound, "order not found: "+orderID)
	}
	return status, nil
}

// UpdateOrderStatus updates an order's status: PUT first, then mirror to
// cache; a PUT failure propagates without touching the cache.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) error {
	ctx, span := s.tracer.Start(ctx, "order.update_status",
		trace.WithAttributes(attribute.String("order.id", orderID), attribute.String("status", string(status))))
	defer span.End()

	if err := s.client.UpdateOrderStatus(ctx, orderID, status); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := s.cache.UpdateStatus(orderID, status); err != nil {
		s.logger.Warn("order cache update after server success failed",
			zap.String("order_id", orderID), zap.Error(err))
	}
	return nil
}

// CancelOrder is UpdateOrderStatus(id, cancelled).
func (s *Service) CancelOrder(ctx context.Context, orderID string) error {
	return s.UpdateOrderStatus(ctx, orderID, domain.OrderCancelled)
}

// CleanupExpiredOrders cancels non-terminal expired orders then drops them
// from cache; one order's failure doesn't abort the sweep.
func (s *Service) CleanupExpiredOrders(ctx context.Context) []error {
	now := s.clock()
	expired := s.cache.Expired(now)
	var errsOut []error
	for _, o := range expired {
		if !o.Status.Terminal() {
			if err := s.CancelOrder(ctx, o.ID); err != nil {
				s.logger.Warn("cleanup: cancel expired order failed",
					zap.String("order_id", o.ID), zap.Error(err))
				errsOut = append(errsOut, err)
			}
		}
		s.cache.Remove(o.ID)
	}
	return errsOut
}

// RecoverPendingOrders queries the current status of every pending cached
// order and returns those whose status changed.
func (s *Service) RecoverPendingOrders(ctx context.Context) ([]*domain.Order, error) {
	now := s.clock()
	pending := s.cache.Pending(now)
	reconciled := make([]*domain.Order, 0)
	for _, o := range pending {
		status, err := s.QueryOrderStatus(ctx, o.ID)
		if err != nil {
			s.logger.Warn("recovery: query order status failed",
				zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		if status != o.Status {
			updated, _ := s.cache.Get(o.ID)
			reconciled = append(reconciled, updated)
		}
	}
	return reconciled, nil
}

// Cache exposes the underlying Order Cache for callers that need direct
// read access (Purchase Service, Transaction Monitor).
func (s *Service) Cache() *cache.OrderCache { return s.cache }
