package catalog

import (
	"context"
	"fmt"

	"github.com/open-rails/storekit/entitlements"
)

// Product is a catalog entry enriched with the display metadata the
// storefront fetches over the network.
type Product struct {
	ID                string
	DisplayName       string
	DisplayPrice      string
	Details           string
	BillingRecurrence string
	Type              string
	Tier              entitlements.Tier
	IntroOffer        *IntroOffer
}

// IntroOffer describes a product's introductory offer, when one exists.
type IntroOffer struct {
	PaymentMode PaymentMode
	PeriodUnit  PeriodUnit
	PeriodValue int
}

// PaymentMode is how an introductory offer is paid.
type PaymentMode string

const (
	PaymentModeFreeTrial  PaymentMode = "free_trial"
	PaymentModePayAsYouGo PaymentMode = "pay_as_you_go"
	PaymentModePayUpFront PaymentMode = "pay_up_front"
)

// PeriodUnit is the unit of an offer period.
type PeriodUnit string

const (
	PeriodDay   PeriodUnit = "day"
	PeriodWeek  PeriodUnit = "week"
	PeriodMonth PeriodUnit = "month"
	PeriodYear  PeriodUnit = "year"
)

// Fetcher fetches display metadata for product ids from the storefront.
type Fetcher interface {
	Fetch(ctx context.Context, ids []string) ([]Product, error)
}

// FormatPriceWithTrial returns the display price prefixed with the free
// trial duration when the product's introductory offer is a free trial,
// e.g. "Free 1-week trial, then $9.99". Products without a free trial
// keep their plain display price.
func FormatPriceWithTrial(p Product) string {
	offer := p.IntroOffer
	if offer == nil || offer.PaymentMode != PaymentModeFreeTrial {
		return p.DisplayPrice
	}
	var duration string
	switch offer.PeriodUnit {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodYear:
		duration = fmt.Sprintf("%d-%s", offer.PeriodValue, offer.PeriodUnit)
	default:
		duration = fmt.Sprintf("%d", offer.PeriodValue)
	}
	return fmt.Sprintf("Free %s trial, then %s", duration, p.DisplayPrice)
}
