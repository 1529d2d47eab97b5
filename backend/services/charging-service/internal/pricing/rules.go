package pricing

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"evpay/backend/services/charging-service/internal/models"
)

// Window is a closed time-of-day interval, in seconds since local midnight.
type Window struct {
	Start       int
	End         int
	WeekendOnly bool
}

// Contains reports whether tod (seconds since midnight) falls inside the window, boundaries included.
func (w Window) Contains(tod int) bool {
	return w.Start <= tod && tod <= w.End
}

// ParseWindow parses "HH:MM-HH:MM" or "HH:MM:SS-HH:MM:SS".
func ParseWindow(s string, weekendOnly bool) (Window, error) {
	from, to, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Window{}, fmt.Errorf("pricing: window %q: want HH:MM-HH:MM", s)
	}
	start, err := parseTimeOfDay(from)
	if err != nil {
		return Window{}, fmt.Errorf("pricing: window %q: %w", s, err)
	}
	end, err := parseTimeOfDay(to)
	if err != nil {
		return Window{}, fmt.Errorf("pricing: window %q: %w", s, err)
	}
	if end < start {
		return Window{}, fmt.Errorf("pricing: window %q ends before it starts", s)
	}
	return Window{Start: start, End: end, WeekendOnly: weekendOnly}, nil
}

func parseTimeOfDay(s string) (int, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Hour()*3600 + t.Minute()*60 + t.Second(), nil
		}
	}
	return 0, fmt.Errorf("bad time of day %q", s)
}

// Rules is the read-mostly pricing configuration.
type Rules struct {
	Windows       []Window
	SurchargeRate decimal.Decimal
	TierDiscounts map[models.Tier]decimal.Decimal
	VIPRate       decimal.Decimal
	Location      *time.Location
}

// DefaultRules returns the production pricing table.
func DefaultRules() Rules {
	loc, err := time.LoadLocation("Asia/Ho_Chi_Minh")
	if err != nil {
		loc = time.FixedZone("ICT", 7*3600)
	}
	return Rules{
		Windows: []Window{
			{Start: 7 * 3600, End: 9 * 3600},
			{Start: 17 * 3600, End: 19 * 3600},
			{Start: 10 * 3600, End: 14 * 3600, WeekendOnly: true},
		},
		SurchargeRate: decimal.RequireFromString("0.20"),
		TierDiscounts: map[models.Tier]decimal.Decimal{
			models.TierBasic:    decimal.Zero,
			models.TierSilver:   decimal.RequireFromString("0.05"),
			models.TierGold:     decimal.RequireFromString("0.10"),
			models.TierPlatinum: decimal.RequireFromString("0.15"),
		},
		VIPRate:  decimal.RequireFromString("0.25"),
		Location: loc,
	}
}

var (
	minPrice = decimal.RequireFromString("0.01")
	maxPrice = decimal.NewFromInt(100000)
)

// ValidatePrice checks a per-kWh price lies in (0.01, 100000].
func ValidatePrice(price decimal.Decimal) error {
	if !price.GreaterThan(minPrice) || price.GreaterThan(maxPrice) {
		return fmt.Errorf("price %s outside (0.01, 100000]", price.String())
	}
	return nil
}
