package orders

import "github.com/shopspring/decimal"

// Epsilon is the currency tolerance used for paid-vs-total comparisons.
var Epsilon = decimal.NewFromFloat(0.005)

var hundred = decimal.NewFromInt(100)

func DiscountedPrice(price, discountPercent decimal.Decimal) decimal.Decimal {
	if !discountPercent.IsPositive() {
		return price
	}
	return price.Mul(hundred.Sub(discountPercent)).Div(hundred).Round(2)
}

// AtLeast reports a >= b within Epsilon.
func AtLeast(a, b decimal.Decimal) bool {
	return a.Add(Epsilon).GreaterThanOrEqual(b)
}

// NearlyEqual reports |a-b| <= Epsilon.
func NearlyEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}
