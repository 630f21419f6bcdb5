package provideradapter

import (
	"errors"

	"github.com/motafan/iapcore/internal/errs"
)

// SDK error sentinels a real platform SDK would return, which Normalize
// maps onto the core's fixed error taxonomy.
var (
	ErrSDKUserCancelled    = errors.New("sdk: user cancelled purchase")
	ErrSDKPaymentNotAllowed = errors.New("sdk: payment not allowed on this device")
	ErrSDKPermissionDenied = errors.New("sdk: permission denied")
	ErrSDKProductUnknown   = errors.New("sdk: unknown product id")
)

// Normalize maps a payment-provider SDK error to the core's *errs.Error
// taxonomy. Errors already in that taxonomy pass through unchanged.
func Normalize(err error) error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, ErrSDKUserCancelled):
		return errs.Wrap(errs.KindPurchaseCancelled, "user cancelled", err)
	case errors.Is(err, ErrSDKPaymentNotAllowed):
		return errs.Wrap(errs.KindPaymentNotAllowed, "device policy disallows purchases", err)
	case errors.Is(err, ErrSDKPermissionDenied):
		return errs.Wrap(errs.KindPermissionDenied, "permission denied", err)
	case errors.Is(err, ErrSDKProductUnknown):
		return errs.Wrap(errs.KindProductNotFound, "unknown product", err)
	default:
		return errs.Wrap(errs.KindStoreKitError, "provider error", err)
	}
}

func errsIsCancelled(err error) bool {
	return errs.Is(err, errs.KindPurchaseCancelled)
}
