package billing

//go:generate mockgen -source=provider.go -destination=mocks/mocks.go -package=mocks PaymentProvider,EventLedger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventKind(t *testing.T) {
	tests := []struct {
		eventType string
		want      EventKind
		action    string
	}{
		{"customer.subscription.created", KindSubscriptionCreated, "subscription_created"},
		{"customer.subscription.updated", KindSubscriptionUpdated, "subscription_updated"},
		{"customer.subscription.deleted", KindSubscriptionDeleted, "subscription_deleted"},
		{"invoice.paid", KindInvoicePaid, "invoice_paid"},
		{"invoice.payment_failed", KindInvoicePaymentFailed, "invoice_payment_failed"},
		{"invoice.payment_succeeded", KindUnhandled, ""},
		{"charge.refunded", KindUnhandled, ""},
		{"", KindUnhandled, ""},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			kind := ParseEventKind(tt.eventType)
			assert.Equal(t, tt.want, kind)
			assert.Equal(t, tt.action, kind.Action())
			if kind != KindUnhandled {
				assert.Equal(t, tt.eventType, kind.String())
			}
		})
	}
}

func TestEventKind_ObjectFamilies(t *testing.T) {
	assert.True(t, KindSubscriptionDeleted.IsSubscription())
	assert.False(t, KindSubscriptionDeleted.IsInvoice())
	assert.True(t, KindInvoicePaymentFailed.IsInvoice())
	assert.False(t, KindUnhandled.IsSubscription())
	assert.False(t, KindUnhandled.IsInvoice())
}

func TestRouter_DispatchInvokesHandlerOnce(t *testing.T) {
	var created, paid int32
	router := NewRouter(map[EventKind]HandlerFunc{
		KindSubscriptionCreated: func(context.Context, *Event) error {
			atomic.AddInt32(&created, 1)
			return nil
		},
		KindInvoicePaid: func(context.Context, *Event) error {
			atomic.AddInt32(&paid, 1)
			return nil
		},
	})

	out, err := router.Dispatch(context.Background(), &Event{
		ID: "evt_1", Type: "invoice.paid", Kind: KindInvoicePaid,
	})
	require.NoError(t, err)
	assert.True(t, out.Handled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&paid))
	assert.Equal(t, int32(0), atomic.LoadInt32(&created))
}

func TestRouter_UnhandledKindIsAcknowledged(t *testing.T) {
	called := false
	router := NewRouter(map[EventKind]HandlerFunc{
		KindUnhandled: func(context.Context, *Event) error {
			called = true
			return nil
		},
	})

	out, err := router.Dispatch(context.Background(), &Event{Type: "charge.refunded", Kind: KindUnhandled})
	require.NoError(t, err)
	assert.False(t, out.Handled)
	assert.False(t, called, "KindUnhandled must never be routed")
	assert.False(t, router.Handles(KindUnhandled))
}

func TestRouter_UnregisteredKindIsAcknowledged(t *testing.T) {
	router := NewRouter(nil)

	out, err := router.Dispatch(context.Background(), &Event{Type: "invoice.paid", Kind: KindInvoicePaid})
	require.NoError(t, err)
	assert.False(t, out.Handled)
}

func TestRouter_HandlerFailureIsWrapped(t *testing.T) {
	cause := errors.New("db down")
	router := NewRouter(map[EventKind]HandlerFunc{
		KindSubscriptionUpdated: func(context.Context, *Event) error { return cause },
	})

	_, err := router.Dispatch(context.Background(), &Event{
		Type: "customer.subscription.updated", Kind: KindSubscriptionUpdated,
	})
	require.Error(t, err)

	var hf *HandlerFailedError
	require.True(t, errors.As(err, &hf))
	assert.Equal(t, "customer.subscription.updated", hf.Type)
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsRequestError(err))
}

func TestRouter_NilEvent(t *testing.T) {
	router := NewRouter(nil)
	_, err := router.Dispatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestIsRequestError(t *testing.T) {
	assert.True(t, IsRequestError(ErrMissingSignatureHeader))
	assert.True(t, IsRequestError(ErrSignatureInvalid))
	assert.True(t, IsRequestError(errors.Join(errors.New("context"), ErrMalformedPayload)))
	assert.False(t, IsRequestError(ErrUnknownCustomer))
}
