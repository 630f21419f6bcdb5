package provideradapter

import (
	"errors"
	"testing"

	"github.com/motafan/iapcore/internal/errs"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeMapsSDKSentinels(t *testing.T) {
	cases := []struct {
		in   error
		want errs.Kind
	}{
		{ErrSDKUserCancelled, errs.KindPurchaseCancelled},
		{ErrSDKPaymentNotAllowed, errs.KindPaymentNotAllowed},
		{ErrSDKPermissionDenied, errs.KindPermissionDenied},
		{ErrSDKProductUnknown, errs.KindProductNotFound},
		{errors.New("something unexpected"), errs.KindStoreKitError},
	}
	for _, tc := range cases {
		got := Normalize(tc.in)
		assert.True(t, errs.Is(got, tc.want), tc.in)
	}
}

func TestNormalizePassesThroughExistingTaxonomy(t *testing.T) {
	original := errs.New(errs.KindOrderExpired, "expired")
	got := Normalize(original)
	assert.Same(t, original, got)
}

func TestNormalizeNil(t *testing.T) {
	assert.NoError(t, Normalize(nil))
}
