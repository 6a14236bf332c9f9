package engine

import "github.com/shopspring/decimal"

// floorTo rounds v toward negative infinity at the given number of decimals.
func floorTo(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).RoundFloor(places).Float64()
	return f
}

// roundTo rounds v half away from zero at the given number of decimals.
func roundTo(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}

// quantityFor returns usable*leverage/price floored to the quantity precision.
func quantityFor(usable, leverage, price float64, places int32) float64 {
	if price <= 0 {
		return 0
	}
	q := decimal.NewFromFloat(usable).
		Mul(decimal.NewFromFloat(leverage)).
		Div(decimal.NewFromFloat(price)).
		RoundFloor(places)
	f, _ := q.Float64()
	return f
}

// tickSize is the smallest price increment at the given precision.
func tickSize(places int32) float64 {
	f, _ := decimal.New(1, -places).Float64()
	return f
}
