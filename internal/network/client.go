package network

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/motafan/iapcore/internal/domain"
	"github.com/motafan/iapcore/internal/errs"
	"github.com/motafan/iapcore/internal/retry"
	"github.com/motafan/iapcore/internal/tracing"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Config configures a Client.
type Config struct {
	BaseURL             string
	Timeout             time.Duration
	MaxRetryAttempts    int
	BaseRetryDelay      time.Duration
	MaxConcurrentPerAction int64
}

// Option customizes a Client's injectable strategies.
type Option func(*Client)

// WithEndpointBuilder overrides the default endpoint builder.
func WithEndpointBuilder(b EndpointBuilder) Option { return func(c *Client) { c.endpoint = b } }

// WithRequestBuilder overrides the default request builder.
func WithRequestBuilder(b RequestBuilder) Option { return func(c *Client) { c.request = b } }

// WithRequestExecutor overrides the default request executor.
func WithRequestExecutor(e RequestExecutor) Option { return func(c *Client) { c.executor = e } }

// WithResponseParser overrides the default response parser.
func WithResponseParser(p ResponseParser) Option { return func(c *Client) { c.parser = p } }

// Client is the Network Client. Each action gets its own circuit breaker
// and concurrency bulkhead, composed as bulkhead -> circuit breaker ->
// retry around every call.
type Client struct {
	cfg      Config
	endpoint EndpointBuilder
	request  RequestBuilder
	executor RequestExecutor
	parser   ResponseParser
	retry    *retry.Manager
	tracer   trace.Tracer

	breakers  map[Action]*gobreaker.CircuitBreaker
	bulkheads map[Action]*semaphore.Weighted
	inflight  singleflight.Group
}

// NewClient creates a Network Client against cfg, applying any option
// overrides to its pluggable strategies.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.MaxConcurrentPerAction <= 0 {
		cfg.MaxConcurrentPerAction = 10
	}
	c := &Client{
		cfg:       cfg,
		endpoint:  DefaultEndpointBuilder{},
		request:   DefaultRequestBuilder{},
		executor:  DefaultRequestExecutor{},
		parser:    DefaultResponseParser{},
		retry:     retry.NewManager(cfg.MaxRetryAttempts, cfg.BaseRetryDelay),
		tracer:    tracing.GetTracer("iapcore/network"),
		breakers:  make(map[Action]*gobreaker.CircuitBreaker),
		bulkheads: make(map[Action]*semaphore.Weighted),
	}
	for _, a := range allActions {
		a := a
		c.breakers[a] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(a),
			MaxRequests: 3,
			Interval:    10 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.ConsecutiveFailures >= 5 || (counts.Requests >= 10 && failureRatio >= 0.6)
			},
		})
		c.bulkheads[a] = semaphore.NewWeighted(cfg.MaxConcurrentPerAction)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do executes a single action through bulkhead -> circuit breaker -> retry,
// applying per-request deadlines from cfg.Timeout.
func (c *Client) do(ctx context.Context, action Action, params map[string]string, body []byte, out any) error {
	ctx, span := c.tracer.Start(ctx, "network."+string(action))
	defer span.End()

	sem := c.bulkheads[action]
	if err := sem.Acquire(ctx, 1); err != nil {
		span.SetStatus(codes.Error, "bulkhead acquire failed")
		return errs.Wrap(errs.KindNetworkError, "bulkhead limit reached", err)
	}
	defer sem.Release(1)

	breaker := c.breakers[action]
	_, err := breaker.Execute(func() (any, error) {
		return nil, c.retryLoop(ctx, span, string(action), func(ctx context.Context) error {
			return c.doOnce(ctx, action, params, body, out)
		})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			span.SetAttributes(attribute.Bool("cb.open", true))
			return errs.Wrap(errs.KindNetworkError, "circuit breaker open", err)
		}
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// retryLoop drives fn through the Retry Manager: the first attempt incurs
// no delay; each failed retryable attempt sleeps GetDelay before the next,
// up to MaxRetryAttempts.
func (c *Client) retryLoop(ctx context.Context, span trace.Span, op string, fn func(context.Context) error) error {
	c.retry.Reset(op)
	for {
		delay := c.retry.GetDelay(op)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return errs.Wrap(errs.KindTimeout, "retry cancelled", ctx.Err())
			}
		}
		c.retry.RecordAttempt(op)
		span.SetAttributes(attribute.Int("retry.attempt", c.retry.Attempts(op)))

		err := fn(ctx)
		if err == nil {
			c.retry.Reset(op)
			return nil
		}
		if !errs.IsRetryable(err) || !c.retry.ShouldRetry(op) {
			return err
		}
		span.AddEvent("retry_due_to_error", trace.WithAttributes(attribute.String("error", err.Error())))
	}
}

func (c *Client) doOnce(ctx context.Context, action Action, params map[string]string, body []byte, out any) error {
	reqCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.Timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	method, url := c.endpoint.Build(action, c.cfg.BaseURL, params)
	httpReq, err := c.request.Build(reqCtx, method, url, body, nil)
	if err != nil {
		return errs.Wrap(errs.KindConfigurationError, "build request", err)
	}

	respBody, resp, err := c.executor.Execute(httpReq)
	if err != nil {
		if reqCtx.Err() != nil {
			return errs.Wrap(errs.KindTimeout, "request deadline exceeded", err)
		}
		return errs.Wrap(errs.KindNetworkError, "transport failure", err)
	}
	return c.parser.Parse(respBody, resp, out)
}

// CreateOrder performs the create_order action.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResponse, error) {
	body, err := marshalBody(req)
	if err != nil {
		return CreateOrderResponse{}, errs.Wrap(errs.KindConfigurationError, "encode create order request", err)
	}
	var out CreateOrderResponse
	if err := c.do(ctx, ActionCreateOrder, nil, body, &out); err != nil {
		return CreateOrderResponse{}, err
	}
	return out, nil
}

// QueryOrderStatus performs the query_order_status action. Concurrent
// calls for the same order id are collapsed via singleflight, since both
// the Purchase Service and a user-triggered refresh may query the same
// order around the same time.
func (c *Client) QueryOrderStatus(ctx context.Context, orderID string) (OrderStatusResponse, error) {
	v, err, _ := c.inflight.Do(orderID, func() (any, error) {
		var out OrderStatusResponse
		err := c.do(ctx, ActionQueryOrderStatus, map[string]string{"id": orderID}, nil, &out)
		return out, err
	})
	if err != nil {
		return OrderStatusResponse{}, err
	}
	return v.(OrderStatusResponse), nil
}

// UpdateOrderStatus performs the update_order_status action.
func (c *Client) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) error {
	body, err := marshalBody(map[string]string{"status": string(status)})
	if err != nil {
		return errs.Wrap(errs.KindConfigurationError, "encode status update", err)
	}
	return c.do(ctx, ActionUpdateOrderStatus, map[string]string{"id": orderID}, body, nil)
}

// CancelOrder performs the cancel_order action.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.do(ctx, ActionCancelOrder, map[string]string{"id": orderID}, nil, nil)
}

// CleanupExpiredOrders performs the cleanup_expired_orders action.
func (c *Client) CleanupExpiredOrders(ctx context.Context) error {
	return c.do(ctx, ActionCleanupExpiredOrders, nil, nil, nil)
}

// RecoverPendingOrders performs the recover_pending_orders action.
func (c *Client) RecoverPendingOrders(ctx context.Context) (RecoverResponse, error) {
	var out RecoverResponse
	if err := c.do(ctx, ActionRecoverPendingOrders, nil, nil, &out); err != nil {
		return RecoverResponse{}, err
	}
	return out, nil
}

// Retry exposes the underlying Retry Manager for statistics accessors.
func (c *Client) Retry() *retry.Manager { return c.retry }

func marshalBody(v any) ([]byte, error) {
	return json.Marshal(v)
}
