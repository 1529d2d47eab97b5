// Package pricing computes session cost from energy, point price, time of day and membership.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"evpay/backend/services/charging-service/internal/clock"
	"evpay/backend/services/charging-service/internal/models"
)

// Input describes what is being priced.
type Input struct {
	EnergyKWh          float64
	PricePerKWh        decimal.Decimal
	Tier               models.Tier
	VIP                bool
	CustomDiscountRate decimal.Decimal
}

// Breakdown reports every cost component. All amounts are rounded to 2 decimals.
type Breakdown struct {
	Base               decimal.Decimal `json:"base"`
	Surcharge          decimal.Decimal `json:"surcharge"`
	MembershipDiscount decimal.Decimal `json:"membership_discount"`
	CustomDiscount     decimal.Decimal `json:"custom_discount"`
	Final              decimal.Decimal `json:"final"`
	Peak               bool            `json:"peak"`
	PricedAt           time.Time       `json:"priced_at"`
}

// Discount is the sum of both discounts.
func (b Breakdown) Discount() decimal.Decimal {
	return b.MembershipDiscount.Add(b.CustomDiscount)
}

// Engine applies Rules. It holds no mutable state.
type Engine struct {
	rules Rules
	clock clock.Clock
}

// NewEngine returns an engine reading time from clk.
func NewEngine(rules Rules, clk clock.Clock) *Engine {
	if rules.Location == nil {
		rules.Location = time.UTC
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Engine{rules: rules, clock: clk}
}

// Calculate prices in at the current clock reading.
func (e *Engine) Calculate(in Input) Breakdown {
	return e.CalculateAt(in, e.clock.Now())
}

// CalculateAt prices in as if the clock read at.
func (e *Engine) CalculateAt(in Input, at time.Time) Breakdown {
	base := decimal.NewFromFloat(in.EnergyKWh).Mul(in.PricePerKWh).Round(2)
	if base.IsNegative() {
		base = decimal.Zero
	}

	b := Breakdown{Base: base, Surcharge: decimal.Zero, PricedAt: at}
	if e.IsPeak(at) {
		b.Peak = true
		b.Surcharge = base.Mul(e.rules.SurchargeRate).Round(2)
	}

	// Both discounts apply to the base cost and stack additively.
	b.MembershipDiscount = base.Mul(e.tierRate(in.Tier)).Round(2)
	b.CustomDiscount = base.Mul(e.customRate(in)).Round(2)

	final := base.Add(b.Surcharge).Sub(b.Discount())
	if final.IsNegative() {
		final = decimal.Zero
	}
	b.Final = final.Round(2)
	return b
}

// IsPeak reports whether t falls inside a configured peak window.
func (e *Engine) IsPeak(t time.Time) bool {
	local := t.In(e.rules.Location)
	tod := local.Hour()*3600 + local.Minute()*60 + local.Second()
	weekend := local.Weekday() == time.Saturday || local.Weekday() == time.Sunday
	for _, w := range e.rules.Windows {
		if w.WeekendOnly && !weekend {
			continue
		}
		if w.Contains(tod) {
			return true
		}
	}
	return false
}

// Location is the timezone windows are evaluated in.
func (e *Engine) Location() *time.Location { return e.rules.Location }

func (e *Engine) tierRate(tier models.Tier) decimal.Decimal {
	if rate, ok := e.rules.TierDiscounts[tier]; ok {
		return rate
	}
	return decimal.Zero
}

func (e *Engine) customRate(in Input) decimal.Decimal {
	if in.CustomDiscountRate.IsPositive() {
		return in.CustomDiscountRate
	}
	if in.VIP {
		return e.rules.VIPRate
	}
	return decimal.Zero
}
