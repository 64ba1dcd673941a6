package risk

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FeeRange is the plausible consultation fee band for a specialty, in rupees.
type FeeRange struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

func feeRange(min, max int64) FeeRange {
	return FeeRange{Min: decimal.NewFromInt(min), Max: decimal.NewFromInt(max)}
}

const defaultSpecialty = "default"

// DefaultFeeRanges returns the built-in bands keyed by lower-cased specialty.
func DefaultFeeRanges() map[string]FeeRange {
	return map[string]FeeRange{
		"cardiology":       feeRange(500, 5000),
		"neurology":        feeRange(500, 5000),
		"oncology":         feeRange(500, 6000),
		"orthopedics":      feeRange(400, 4000),
		"psychiatry":       feeRange(500, 4000),
		"dermatology":      feeRange(300, 3000),
		"gynecology":       feeRange(300, 3000),
		"ophthalmology":    feeRange(300, 3000),
		"ent":              feeRange(300, 2500),
		"pediatrics":       feeRange(200, 2000),
		"dentistry":        feeRange(200, 2500),
		"general medicine": feeRange(100, 1500),
		defaultSpecialty:   feeRange(100, 5000),
	}
}

func lookupFeeRange(ranges map[string]FeeRange, specialty string) (FeeRange, string) {
	key := strings.ToLower(strings.TrimSpace(specialty))
	if r, ok := ranges[key]; ok {
		return r, key
	}
	return ranges[defaultSpecialty], defaultSpecialty
}
