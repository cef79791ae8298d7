// Package loyalty holds the points arithmetic shared by the sale flow and
// membership administration. One point is worth one baht (100 satang).
package loyalty

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const CentsPerPoint = 100

var (
	ErrInvalidRate          = errors.New("baht per point must be greater than zero")
	ErrInvalidExpiry        = errors.New("points expiry days must not be negative")
	ErrRedemptionOutOfRange = errors.New("points to redeem out of range")
)

var centsPerPoint = decimal.NewFromInt(CentsPerPoint)

// Earned returns floor(final baht / bahtPerPoint). A non-positive rate earns nothing.
func Earned(finalCents int64, bahtPerPoint decimal.Decimal) int64 {
	if finalCents <= 0 || !bahtPerPoint.IsPositive() {
		return 0
	}
	q, _ := decimal.NewFromInt(finalCents).QuoRem(bahtPerPoint.Mul(centsPerPoint), 0)
	return q.IntPart()
}

// MaxRedeemable is min(points, whole baht of the bill before redemption).
func MaxRedeemable(points int64, totalCents int64) int64 {
	if points <= 0 || totalCents <= 0 {
		return 0
	}
	return min(points, totalCents/CentsPerPoint)
}

// Clamp pins requested into [0, MaxRedeemable]. The terminal applies it on every change.
func Clamp(requested int64, points int64, totalCents int64) int64 {
	if requested <= 0 {
		return 0
	}
	return min(requested, MaxRedeemable(points, totalCents))
}

func ValidateRedemption(requested int64, points int64, totalCents int64) error {
	if requested < 0 {
		return fmt.Errorf("%w: %d is negative", ErrRedemptionOutOfRange, requested)
	}
	if limit := MaxRedeemable(points, totalCents); requested > limit {
		return fmt.Errorf("%w: %d exceeds %d", ErrRedemptionOutOfRange, requested, limit)
	}
	return nil
}

func DiscountCents(points int64) int64 {
	return points * CentsPerPoint
}

// NetDelta is the member balance change on commit. Negative when the sale spends
// more than it earns.
func NetDelta(earned int64, redeemed int64) int64 {
	return earned - redeemed
}

func ValidateSettings(bahtPerPoint decimal.Decimal, expiryDays int) error {
	if !bahtPerPoint.IsPositive() {
		return ErrInvalidRate
	}
	if expiryDays < 0 {
		return ErrInvalidExpiry
	}
	return nil
}

// Quote is the full points breakdown for one sale.
type Quote struct {
	TotalCents int64
	Redeemed   int64
	FinalCents int64
	Earned     int64
	Delta      int64
}

func QuoteSale(totalCents int64, memberPoints int64, redeem int64, bahtPerPoint decimal.Decimal) (Quote, error) {
	if err := ValidateRedemption(redeem, memberPoints, totalCents); err != nil {
		return Quote{}, err
	}
	final := totalCents - DiscountCents(redeem)
	earned := Earned(final, bahtPerPoint)
	return Quote{
		TotalCents: totalCents,
		Redeemed:   redeem,
		FinalCents: final,
		Earned:     earned,
		Delta:      NetDelta(earned, redeem),
	}, nil
}
