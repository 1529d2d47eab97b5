package pricing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"evpay/backend/services/charging-service/internal/clock"
	"evpay/backend/services/charging-service/internal/models"
)

var ict = time.FixedZone("ICT", 7*3600)

func newTestEngine(at time.Time) (*Engine, *clock.Manual) {
	rules := DefaultRules()
	rules.Location = ict
	clk := clock.NewManual(at)
	return NewEngine(rules, clk), clk
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCalculateBasicOffPeak(t *testing.T) {
	// Wednesday 11:30 local.
	engine, _ := newTestEngine(time.Date(2024, 5, 15, 11, 30, 0, 0, ict))

	got := engine.Calculate(Input{EnergyKWh: 40, PricePerKWh: dec("3500"), Tier: models.TierBasic})

	if !got.Base.Equal(dec("140000")) {
		t.Fatalf("base = %s, want 140000", got.Base)
	}
	if !got.Surcharge.IsZero() || !got.Discount().IsZero() {
		t.Fatalf("expected no surcharge/discount, got %s/%s", got.Surcharge, got.Discount())
	}
	if !got.Final.Equal(dec("140000")) {
		t.Fatalf("final = %s, want 140000", got.Final)
	}
	if got.Peak {
		t.Fatal("11:30 on a weekday is not peak")
	}
}

func TestCalculateGoldPeak(t *testing.T) {
	engine, _ := newTestEngine(time.Date(2024, 5, 15, 8, 15, 0, 0, ict))

	got := engine.Calculate(Input{EnergyKWh: 40, PricePerKWh: dec("3500"), Tier: models.TierGold})

	if !got.Surcharge.Equal(dec("28000")) {
		t.Fatalf("surcharge = %s, want 28000", got.Surcharge)
	}
	if !got.MembershipDiscount.Equal(dec("14000")) {
		t.Fatalf("discount = %s, want 14000", got.MembershipDiscount)
	}
	if !got.Final.Equal(dec("154000")) {
		t.Fatalf("final = %s, want 154000", got.Final)
	}
}

func TestCalculateDiscountsStackAdditively(t *testing.T) {
	engine, _ := newTestEngine(time.Date(2024, 5, 15, 12, 0, 0, 0, ict))

	got := engine.Calculate(Input{EnergyKWh: 10, PricePerKWh: dec("1000"), Tier: models.TierPlatinum, VIP: true})

	// 15% + 25% of 10000, not compounded.
	if !got.Discount().Equal(dec("4000")) {
		t.Fatalf("discount = %s, want 4000", got.Discount())
	}
	if !got.Final.Equal(dec("6000")) {
		t.Fatalf("final = %s, want 6000", got.Final)
	}
}

func TestCalculateCustomRateOverridesVIP(t *testing.T) {
	engine, _ := newTestEngine(time.Date(2024, 5, 15, 12, 0, 0, 0, ict))

	got := engine.Calculate(Input{EnergyKWh: 10, PricePerKWh: dec("1000"), VIP: true, CustomDiscountRate: dec("0.5")})
	if !got.CustomDiscount.Equal(dec("5000")) {
		t.Fatalf("custom discount = %s, want 5000", got.CustomDiscount)
	}
}

func TestCalculateFloorsAtZero(t *testing.T) {
	engine, _ := newTestEngine(time.Date(2024, 5, 15, 12, 0, 0, 0, ict))

	got := engine.Calculate(Input{EnergyKWh: 10, PricePerKWh: dec("1000"), Tier: models.TierPlatinum, CustomDiscountRate: dec("0.95")})
	if !got.Final.IsZero() {
		t.Fatalf("final = %s, want 0", got.Final)
	}
}

func TestCalculateIsDeterministic(t *testing.T) {
	engine, _ := newTestEngine(time.Date(2024, 5, 18, 13, 59, 59, 0, ict))
	in := Input{EnergyKWh: 12.345, PricePerKWh: dec("3499.99"), Tier: models.TierSilver, VIP: true}

	first := engine.Calculate(in)
	second := engine.Calculate(in)
	if !first.Final.Equal(second.Final) || first.Peak != second.Peak || !first.Surcharge.Equal(second.Surcharge) {
		t.Fatalf("non-deterministic output: %+v vs %+v", first, second)
	}
}

func TestIsPeakBoundaries(t *testing.T) {
	engine, _ := newTestEngine(time.Time{})
	day := func(d, h, m, s int) time.Time { return time.Date(2024, 5, d, h, m, s, 0, ict) }

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"morning start", day(15, 7, 0, 0), true},
		{"morning end", day(15, 9, 0, 0), true},
		{"just after morning", day(15, 9, 0, 1), false},
		{"just before morning", day(15, 6, 59, 59), false},
		{"evening end", day(15, 19, 0, 0), true},
		{"weekday midday", day(15, 12, 0, 0), false},
		{"saturday midday start", day(18, 10, 0, 0), true},
		{"sunday midday end", day(19, 14, 0, 0), true},
		{"sunday after midday", day(19, 14, 0, 1), false},
		{"utc reading converted", time.Date(2024, 5, 15, 0, 30, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := engine.IsPeak(tt.at); got != tt.want {
				t.Fatalf("IsPeak(%s) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestParseWindow(t *testing.T) {
	w, err := ParseWindow("17:00-19:00", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Start != 17*3600 || w.End != 19*3600 {
		t.Fatalf("unexpected window %+v", w)
	}
	if _, err := ParseWindow("19:00-17:00", false); err == nil {
		t.Fatal("expected error for reversed window")
	}
	if _, err := ParseWindow("nonsense", false); err == nil {
		t.Fatal("expected error for malformed window")
	}
}

func TestValidatePrice(t *testing.T) {
	tests := []struct {
		price string
		ok    bool
	}{
		{"0.01", false},
		{"0.02", true},
		{"3500", true},
		{"100000", true},
		{"100000.01", false},
		{"0", false},
		{"-5", false},
	}
	for _, tt := range tests {
		err := ValidatePrice(dec(tt.price))
		if (err == nil) != tt.ok {
			t.Errorf("ValidatePrice(%s) error = %v, want ok=%v", tt.price, err, tt.ok)
		}
	}
}
