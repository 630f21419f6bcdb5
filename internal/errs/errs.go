// Package errs is the core's fixed error taxonomy: a closed set of Kinds,
// each carrying whether the Network Client's retry policy should treat it
// as transient.
package errs

import "errors"

// Kind is one of the fixed error kinds this taxonomy enumerates.
type Kind int

const (
	KindProductNotFound Kind = iota
	KindProductNotAvailable
	KindPurchaseCancelled
	KindPurchaseFailed
	KindPaymentNotAllowed
	KindPermissionDenied
	KindTransactionProcessingFailed
	KindInvalidReceiptData
	KindReceiptValidationFailed
	KindServerValidationFailed
	KindOrderCreationFailed
	KindOrderNotFound
	KindOrderExpired
	KindOrderAlreadyCompleted
	KindOrderValidationFailed
	KindServerOrderMismatch
	KindNetworkError
	KindTimeout
	KindConfigurationError
	KindStoreKitError
	KindUnknownError
)

func (k Kind) String() string {
	switch k {
	case KindProductNotFound:
		return "product_not_found"
	case KindProductNotAvailable:
		return "product_not_available"
	case KindPurchaseCancelled:
		return "purchase_cancelled"
	case KindPurchaseFailed:
		return "purchase_failed"
	case KindPaymentNotAllowed:
		return "payment_not_allowed"
	case KindPermissionDenied:
		return "permission_denied"
	case KindTransactionProcessingFailed:
		return "transaction_processing_failed"
	case KindInvalidReceiptData:
		return "invalid_receipt_data"
	case KindReceiptValidationFailed:
		return "receipt_validation_failed"
	case KindServerValidationFailed:
		return "server_validation_failed"
	case KindOrderCreationFailed:
		return "order_creation_failed"
	case KindOrderNotFound:
		return "order_not_found"
	case KindOrderExpired:
		return "order_expired"
	case KindOrderAlreadyCompleted:
		return "order_already_completed"
	case KindOrderValidationFailed:
		return "order_validation_failed"
	case KindServerOrderMismatch:
		return "server_order_mismatch"
	case KindNetworkError:
		return "network_error"
	case KindTimeout:
		return "timeout"
	case KindConfigurationError:
		return "configuration_error"
	case KindStoreKitError:
		return "storekit_error"
	default:
		return "unknown_error"
	}
}

// Error is the core's error type: a Kind plus a human message and an
// optional wrapped cause, so callers can errors.Is/errors.As against the
// Kind while %w still prints the underlying transport/SDK error.
type Error struct {
	Kind    Kind
	Message string
	Status  int // HTTP status, when derived from the Network Client (§4.4)
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether the Network Client should retry an operation
// that failed with this error. Only network_error and timeout are
// retryable; everything else is not.
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case KindNetworkError, KindTimeout:
		return true
	default:
		return false
	}
}

// New builds an Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap builds an Error wrapping err.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// WithStatus attaches an HTTP status code to the error, for Network Client
// responses.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// Is reports whether err is, or wraps, an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetryable reports whether err (an *Error or wrapping one) should be
// retried by the Network Client.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.IsRetryable()
	}
	return false
}
