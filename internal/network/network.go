// Package network implements the Network Client: typed RPC over six
// well-known order actions, composed from four injectable strategies, with
// retry/circuit-breaker/bulkhead reliability wrapping around every call.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/motafan/iapcore/internal/errs"
)

// Action names one of the six RPC actions the order lifecycle needs.
type Action string

const (
	ActionCreateOrder          Action = "create_order"
	ActionQueryOrderStatus     Action = "query_order_status"
	ActionUpdateOrderStatus    Action = "update_order_status"
	ActionCancelOrder          Action = "cancel_order"
	ActionCleanupExpiredOrders Action = "cleanup_expired_orders"
	ActionRecoverPendingOrders Action = "recover_pending_orders"
)

// allActions is the fixed action set the Client wires a breaker/bulkhead
// for at construction time.
var allActions = []Action{
	ActionCreateOrder,
	ActionQueryOrderStatus,
	ActionUpdateOrderStatus,
	ActionCancelOrder,
	ActionCleanupExpiredOrders,
	ActionRecoverPendingOrders,
}

// EndpointBuilder maps an action and its path params to an HTTP method and
// URL.
type EndpointBuilder interface {
	Build(action Action, baseURL string, params map[string]string) (method, url string)
}

// RequestBuilder turns a method/url/body into an *http.Request.
type RequestBuilder interface {
	Build(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Request, error)
}

// RequestExecutor performs the HTTP round trip.
type RequestExecutor interface {
	Execute(req *http.Request) ([]byte, *http.Response, error)
}

// ResponseParser applies the status-to-error-kind map and, on success,
// unmarshals body into out.
type ResponseParser interface {
	Parse(body []byte, resp *http.Response, out any) error
}

// DefaultEndpointBuilder implements the default path table.
type DefaultEndpointBuilder struct{}

func (DefaultEndpointBuilder) Build(action Action, baseURL string, params map[string]string) (string, string) {
	switch action {
	case ActionCreateOrder:
		return http.MethodPost, baseURL + "/orders"
	case ActionQueryOrderStatus:
		return http.MethodGet, baseURL + "/orders/" + params["id"] + "/status"
	case ActionUpdateOrderStatus:
		return http.MethodPut, baseURL + "/orders/" + params["id"] + "/status"
	case ActionCancelOrder:
		return http.MethodDelete, baseURL + "/orders/" + params["id"]
	case ActionCleanupExpiredOrders:
		return http.MethodPost, baseURL + "/orders/cleanup"
	case ActionRecoverPendingOrders:
		return http.MethodPost, baseURL + "/orders/recovery"
	default:
		return http.MethodPost, baseURL + "/orders"
	}
}

// DefaultRequestBuilder builds a plain JSON HTTP request.
type DefaultRequestBuilder struct{}

func (DefaultRequestBuilder) Build(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// DefaultRequestExecutor executes requests via a plain *http.Client.
type DefaultRequestExecutor struct {
	HTTPClient *http.Client
}

func (e DefaultRequestExecutor) Execute(req *http.Request) ([]byte, *http.Response, error) {
	client := e.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp, err
	}
	return body, resp, nil
}

// DefaultResponseParser implements the fixed HTTP status -> error kind
// map, bit-exact across the status ranges/codes it handles.
type DefaultResponseParser struct{}

func (DefaultResponseParser) Parse(body []byte, resp *http.Response, out any) error {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		if out != nil && len(body) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				return errs.Wrap(errs.KindConfigurationError, "decode response", err)
			}
		}
		return nil
	case status == 400:
		return errs.New(errs.KindOrderCreationFailed, "Bad request").WithStatus(status)
	case status == 404:
		return errs.New(errs.KindOrderNotFound, "order not found").WithStatus(status)
	case status == 409:
		return errs.New(errs.KindOrderAlreadyCompleted, "order already completed").WithStatus(status)
	case status == 410:
		return errs.New(errs.KindOrderExpired, "order expired").WithStatus(status)
	case status == 422:
		return errs.New(errs.KindOrderValidationFailed, "order validation failed").WithStatus(status)
	case status >= 500 && status < 600:
		return errs.New(errs.KindNetworkError, fmt.Sprintf("server error %d", status)).WithStatus(status)
	default:
		return errs.New(errs.KindNetworkError, fmt.Sprintf("unexpected status %d", status)).WithStatus(status)
	}
}

// CreateOrderRequest is the wire body for ActionCreateOrder.
type CreateOrderRequest struct {
	LocalOrderID string            `json:"local_order_id"`
	ProductID    string            `json:"product_id"`
	UserInfo     map[string]string `json:"user_info,omitempty"`
	CreatedAt    string            `json:"created_at"`
	Amount       *string           `json:"amount,omitempty"`
	Currency     *string           `json:"currency,omitempty"`
	UserID       *string           `json:"user_id,omitempty"`
}

// CreateOrderResponse is the wire response for ActionCreateOrder.
type CreateOrderResponse struct {
	OrderID       string            `json:"order_id"`
	ServerOrderID string            `json:"server_order_id"`
	Status        string            `json:"status"`
	ExpiresAt     *string           `json:"expires_at,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// OrderStatusResponse is the wire response for ActionQueryOrderStatus.
type OrderStatusResponse struct {
	Status string `json:"status"`
}

// RecoverResponse is the wire response for ActionRecoverPendingOrders.
type RecoverResponse struct {
	ReconciledOrderIDs []string `json:"reconciled_order_ids"`
}

