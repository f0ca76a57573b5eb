package model

// PriceScale is the fixed-point scale for prices: 1 quote unit = 1e6 micros.
const PriceScale = 1_000_000

// PriceFromFloat converts a float price (as decoded from the wire) to micros.
func PriceFromFloat(p float64) int64 {
	if p < 0 {
		return 0
	}
	return int64(p*PriceScale + 0.5)
}

// PriceToFloat converts a micros price back to a float for display and
// conversion arithmetic.
func PriceToFloat(p int64) float64 {
	return float64(p) / PriceScale
}

// ToCoin converts a fiat amount to the asset amount at the given price.
// Returns 0 when price is zero (no tick observed yet).
func ToCoin(fiatAmount float64, price int64) float64 {
	if price == 0 {
		return 0
	}
	return fiatAmount / PriceToFloat(price)
}

// ToFiat converts an asset amount to fiat at the given price.
func ToFiat(coinAmount float64, price int64) float64 {
	return coinAmount * PriceToFloat(price)
}
