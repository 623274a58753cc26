package stripe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/quoteflow/pkg/billing"
)

const testSecret = "whsec_test_secret"

func signed(t *testing.T, body []byte, secret string) string {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return sp.Header
}

const subscriptionUpdatedBody = `{
  "id": "evt_sub_1",
  "object": "event",
  "type": "customer.subscription.updated",
  "created": 1709294400,
  "data": {"object": {
    "id": "sub_123",
    "object": "subscription",
    "customer": "cus_123",
    "status": "past_due",
    "created": 1706702400,
    "metadata": {"user_id": "user_1"},
    "items": {"object": "list", "data": [
      {"id": "si_1", "current_period_end": 1711972800, "price": {"id": "price_pro"}}
    ]}
  }}
}`

func TestVerifier_SubscriptionEvent(t *testing.T) {
	v := NewVerifier(testSecret, nil)
	body := []byte(subscriptionUpdatedBody)

	event, err := v.Verify(body, signed(t, body, testSecret))
	require.NoError(t, err)

	assert.Equal(t, "evt_sub_1", event.ID)
	assert.Equal(t, billing.KindSubscriptionUpdated, event.Kind)
	assert.True(t, event.Verified)
	assert.Equal(t, time.Unix(1709294400, 0).UTC(), event.Created)
	require.NotNil(t, event.Subscription)
	assert.Nil(t, event.Invoice)

	sub := event.Subscription
	assert.Equal(t, "sub_123", sub.ID)
	assert.Equal(t, "cus_123", sub.CustomerID)
	assert.Equal(t, "past_due", sub.Status)
	assert.Equal(t, "price_pro", sub.PriceID)
	assert.Equal(t, "user_1", sub.Metadata["user_id"])
	require.NotNil(t, sub.PeriodEnd)
	assert.Equal(t, time.Unix(1711972800, 0).UTC(), *sub.PeriodEnd)
}

func TestVerifier_LegacyPeriodEndAndExpandedCustomer(t *testing.T) {
	v := NewVerifier(testSecret, nil)
	body := []byte(`{"id":"evt_2","type":"customer.subscription.created","data":{"object":{
		"id":"sub_9","customer":{"id":"cus_9","object":"customer"},"status":"active",
		"current_period_end":1711972800,"items":{"data":[]}}}}`)

	event, err := v.Verify(body, signed(t, body, testSecret))
	require.NoError(t, err)
	require.NotNil(t, event.Subscription)
	assert.Equal(t, "cus_9", event.Subscription.CustomerID)
	require.NotNil(t, event.Subscription.PeriodEnd)
	assert.Equal(t, int64(1711972800), event.Subscription.PeriodEnd.Unix())
	assert.Empty(t, event.Subscription.PriceID)
}

func TestVerifier_InvoiceSubscriptionSources(t *testing.T) {
	tests := []struct {
		name   string
		object string
		want   string
	}{
		{
			name:   "top-level string",
			object: `{"id":"in_1","customer":"cus_123","subscription":"sub_123","amount_paid":990,"currency":"brl"}`,
			want:   "sub_123",
		},
		{
			name:   "top-level object",
			object: `{"id":"in_1","customer":"cus_123","subscription":{"id":"sub_456"}}`,
			want:   "sub_456",
		},
		{
			name:   "parent subscription details",
			object: `{"id":"in_1","customer":"cus_123","parent":{"subscription_details":{"subscription":"sub_789"}}}`,
			want:   "sub_789",
		},
		{
			name:   "one-off invoice",
			object: `{"id":"in_1","customer":"cus_123","subscription":null}`,
			want:   "",
		},
	}

	v := NewVerifier(testSecret, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(`{"id":"evt_inv","type":"invoice.paid","data":{"object":` + tt.object + `}}`)
			event, err := v.Verify(body, signed(t, body, testSecret))
			require.NoError(t, err)
			require.NotNil(t, event.Invoice)
			assert.Equal(t, tt.want, event.Invoice.SubscriptionID)
			assert.Equal(t, "cus_123", event.Invoice.CustomerID)
		})
	}
}

func TestVerifier_Rejections(t *testing.T) {
	v := NewVerifier(testSecret, nil)
	body := []byte(subscriptionUpdatedBody)

	t.Run("missing header", func(t *testing.T) {
		_, err := v.Verify(body, "")
		assert.ErrorIs(t, err, billing.ErrMissingSignatureHeader)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := v.Verify(body, signed(t, body, "whsec_other"))
		assert.ErrorIs(t, err, billing.ErrSignatureInvalid)
	})

	t.Run("tampered body", func(t *testing.T) {
		header := signed(t, body, testSecret)
		tampered := append([]byte{}, body...)
		tampered[len(tampered)-2] = ' '
		_, err := v.Verify(tampered, header)
		assert.ErrorIs(t, err, billing.ErrSignatureInvalid)
	})

	t.Run("garbage header", func(t *testing.T) {
		_, err := v.Verify(body, "not-a-signature")
		assert.ErrorIs(t, err, billing.ErrSignatureInvalid)
	})

	t.Run("signed but not json", func(t *testing.T) {
		garbage := []byte("{not json")
		_, err := v.Verify(garbage, signed(t, garbage, testSecret))
		assert.ErrorIs(t, err, billing.ErrMalformedPayload)
	})

	t.Run("handled kind without object", func(t *testing.T) {
		empty := []byte(`{"id":"evt_x","type":"invoice.paid","data":{"object":{}}}`)
		_, err := v.Verify(empty, signed(t, empty, testSecret))
		assert.ErrorIs(t, err, billing.ErrMalformedPayload)
	})
}

func TestVerifier_UnhandledKindSkipsDecoding(t *testing.T) {
	v := NewVerifier(testSecret, nil)
	body := []byte(`{"id":"evt_c","type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`)

	event, err := v.Verify(body, signed(t, body, testSecret))
	require.NoError(t, err)
	assert.Equal(t, billing.KindUnhandled, event.Kind)
	assert.Equal(t, "charge.refunded", event.Type)
	assert.Nil(t, event.Subscription)
	assert.Nil(t, event.Invoice)
}

func TestVerifier_WithoutSecret(t *testing.T) {
	v := NewVerifier("", nil)
	assert.False(t, v.Verified())
	body := []byte(subscriptionUpdatedBody)

	event, err := v.Verify(body, "t=1,v1=anything")
	require.NoError(t, err)
	assert.False(t, event.Verified)
	require.NotNil(t, event.Subscription)

	_, err = v.Verify(body, "")
	assert.ErrorIs(t, err, billing.ErrMissingSignatureHeader)
}
