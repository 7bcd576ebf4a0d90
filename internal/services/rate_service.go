package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"toll-backend/internal/metrics"
	"toll-backend/internal/models"
	"toll-backend/internal/repository"

	"github.com/shopspring/decimal"
)

// ratePrecision is the ledger's native unit precision. All monetary outputs
// are rounded exactly once, at the end, to avoid compounding error.
const ratePrecision = 6

// Sane bounds for plaza multipliers. A mis-seeded row outside the range is
// clamped rather than failed: toll collection continuity beats rate-table
// hygiene, same as the silent discount skip.
const (
	minMultiplier = 0.5
	maxMultiplier = 3.0
)

var percentBase = decimal.NewFromInt(100)

// RateQuote is the result of a toll calculation. All amounts are in the
// plaza's currency, rounded to ratePrecision decimal places.
type RateQuote struct {
	PlazaID         string          `json:"plaza_id"`
	VehicleCategory string          `json:"vehicle_category"`
	BaseRate        decimal.Decimal `json:"base_rate"`
	Multiplier      decimal.Decimal `json:"multiplier"`
	FinalRate       decimal.Decimal `json:"final_rate"`
	DiscountApplied decimal.Decimal `json:"discount_applied"`
	DiscountCode    string          `json:"discount_code,omitempty"` // set only when the discount was actually applied
	Currency        string          `json:"currency"`
	IsPeak          bool            `json:"is_peak"`
}

// RateService computes toll amounts from plaza rate tables. Quoting is pure
// and side-effect-free; discount usage is consumed only through
// SettleDiscount once a payment actually settles.
type RateService struct {
	plazas repository.PlazaRepository
}

// NewRateService creates the rate engine
func NewRateService(plazas repository.PlazaRepository) *RateService {
	return &RateService{plazas: plazas}
}

// CalculateToll computes the toll for a vehicle category at a plaza and
// timestamp. An invalid, expired or exhausted discount code is silently
// skipped, never an error: toll collection continuity beats discount
// correctness.
func (s *RateService) CalculateToll(plaza *models.TollPlaza, category string, ts time.Time, discountCode string) (*RateQuote, error) {
	var baseRateRaw string
	found := false
	for _, rate := range plaza.Rates {
		if rate.VehicleCategory == category {
			baseRateRaw = rate.BaseRate
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: plaza %s has no rate for %q", ErrUnsupportedVehicleCategory, plaza.PlazaID, category)
	}

	baseRate, err := decimal.NewFromString(baseRateRaw)
	if err != nil || baseRate.IsNegative() {
		return nil, fmt.Errorf("plaza %s has invalid base rate %q for %s", plaza.PlazaID, baseRateRaw, category)
	}

	isPeak := inPeakWindow(ts, plaza.PeakStart, plaza.PeakEnd)
	raw := plaza.OffPeakMultiplier
	if isPeak {
		raw = plaza.PeakMultiplier
	}
	if raw < minMultiplier || raw > maxMultiplier {
		clamped := raw
		if clamped < minMultiplier {
			clamped = minMultiplier
		}
		if clamped > maxMultiplier {
			clamped = maxMultiplier
		}
		log.Printf("⚠️ [Rate] Plaza %s multiplier %.4f outside [%.1f, %.1f], clamping to %.1f", plaza.PlazaID, raw, minMultiplier, maxMultiplier, clamped)
		raw = clamped
	}
	multiplier := decimal.NewFromFloat(raw)

	finalRate := baseRate.Mul(multiplier)
	discountApplied := decimal.Zero
	appliedCode := ""

	if discountCode != "" {
		if discounted, ok := applyDiscount(plaza, discountCode, finalRate, ts); ok {
			discountApplied = finalRate.Sub(discounted)
			finalRate = discounted
			appliedCode = discountCode
		} else {
			log.Printf("⚠️ [Rate] Discount code %q not applicable at plaza %s, computing without it", discountCode, plaza.PlazaID)
		}
	}

	if finalRate.IsNegative() {
		finalRate = decimal.Zero
	}

	metrics.TollQuotes.Inc()
	return &RateQuote{
		PlazaID:         plaza.PlazaID,
		VehicleCategory: category,
		BaseRate:        baseRate.Round(ratePrecision),
		Multiplier:      multiplier,
		FinalRate:       finalRate.Round(ratePrecision),
		DiscountApplied: discountApplied.Round(ratePrecision),
		DiscountCode:    appliedCode,
		Currency:        plaza.Currency,
		IsPeak:          isPeak,
	}, nil
}

// QuoteToll loads the plaza and computes a quote. Pure read path: usage
// counters are never touched.
func (s *RateService) QuoteToll(ctx context.Context, plazaID, category string, ts time.Time, discountCode string) (*RateQuote, error) {
	plaza, err := s.plazas.GetWithRates(ctx, plazaID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, fmt.Errorf("plaza %s not found", plazaID)
		}
		return nil, err
	}
	return s.CalculateToll(plaza, category, ts, discountCode)
}

// SettleDiscount consumes one usage of the code. Called exactly once per
// settled payment, after the ledger call succeeded; an exhausted code at this
// point is logged, not failed; the toll was already collected at the quoted
// amount.
func (s *RateService) SettleDiscount(ctx context.Context, plazaID, code string) {
	if code == "" {
		return
	}
	if err := s.plazas.ConsumeDiscountUsage(ctx, plazaID, code); err != nil {
		log.Printf("⚠️ [Rate] Failed to consume discount usage %s/%s: %v", plazaID, code, err)
		return
	}
	metrics.DiscountsSettled.Inc()
}

// applyDiscount returns the discounted rate and whether the code applied.
// Conditions: code exists at the plaza, timestamp within validity window,
// usage remaining.
func applyDiscount(plaza *models.TollPlaza, code string, rate decimal.Decimal, ts time.Time) (decimal.Decimal, bool) {
	for i := range plaza.DiscountCodes {
		d := &plaza.DiscountCodes[i]
		if d.Code != code {
			continue
		}
		if !d.IsValidAt(ts) || !d.HasRemainingUsage() {
			return rate, false
		}

		value, err := decimal.NewFromString(d.Value)
		if err != nil || value.IsNegative() {
			return rate, false
		}

		switch d.Type {
		case models.DiscountTypePercentage:
			return rate.Mul(percentBase.Sub(value)).Div(percentBase), true
		case models.DiscountTypeFixed:
			discounted := rate.Sub(value)
			if discounted.IsNegative() {
				discounted = decimal.Zero
			}
			return discounted, true
		default:
			return rate, false
		}
	}
	return rate, false
}

// inPeakWindow reports whether ts falls inside [peakStart, peakEnd]
// inclusive. Window bounds are zero-padded "HH:MM" so lexicographic
// comparison matches chronological order. A window with peakStart > peakEnd
// wraps midnight, e.g. 22:00-06:00.
func inPeakWindow(ts time.Time, peakStart, peakEnd string) bool {
	if peakStart == "" || peakEnd == "" {
		return false
	}
	hhmm := ts.Format("15:04")
	if peakStart <= peakEnd {
		return hhmm >= peakStart && hhmm <= peakEnd
	}
	return hhmm >= peakStart || hhmm <= peakEnd
}
