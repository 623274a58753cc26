package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mihaimyh/quoteflow/pkg/billing"
)

// expandableID holds the id of a field Stripe sends either as a bare string or
// as an expanded object.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type subscriptionPayload struct {
	ID               string            `json:"id"`
	Object           string            `json:"object"`
	Customer         expandableID      `json:"customer"`
	Status           string            `json:"status"`
	Created          int64             `json:"created"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            *struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type invoicePayload struct {
	ID           string       `json:"id"`
	Object       string       `json:"object"`
	Customer     expandableID `json:"customer"`
	Subscription expandableID `json:"subscription"`
	AmountPaid   int64        `json:"amount_paid"`
	AmountDue    int64        `json:"amount_due"`
	Currency     string       `json:"currency"`
	AttemptCount int64        `json:"attempt_count"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func decodeSubscription(raw json.RawMessage) (*billing.SubscriptionObject, error) {
	var p subscriptionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: subscription: %v", billing.ErrMalformedPayload, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: subscription without id", billing.ErrMalformedPayload)
	}

	obj := &billing.SubscriptionObject{
		ID:         p.ID,
		CustomerID: string(p.Customer),
		Status:     p.Status,
		Metadata:   p.Metadata,
	}
	if p.Created > 0 {
		obj.Created = time.Unix(p.Created, 0).UTC()
	}

	periodEnd := p.CurrentPeriodEnd
	for _, item := range p.Items.Data {
		if obj.PriceID == "" && item.Price != nil {
			obj.PriceID = item.Price.ID
		}
		if item.CurrentPeriodEnd > periodEnd {
			periodEnd = item.CurrentPeriodEnd
		}
	}
	if periodEnd > 0 {
		t := time.Unix(periodEnd, 0).UTC()
		obj.PeriodEnd = &t
	}
	return obj, nil
}

func decodeInvoice(raw json.RawMessage) (*billing.InvoiceObject, error) {
	var p invoicePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: invoice: %v", billing.ErrMalformedPayload, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: invoice without id", billing.ErrMalformedPayload)
	}

	subscriptionID := string(p.Subscription)
	if subscriptionID == "" && p.Parent != nil && p.Parent.SubscriptionDetails != nil {
		subscriptionID = string(p.Parent.SubscriptionDetails.Subscription)
	}
	return &billing.InvoiceObject{
		ID:             p.ID,
		CustomerID:     string(p.Customer),
		SubscriptionID: subscriptionID,
		AmountPaid:     p.AmountPaid,
		AmountDue:      p.AmountDue,
		Currency:       p.Currency,
		AttemptCount:   p.AttemptCount,
	}, nil
}
