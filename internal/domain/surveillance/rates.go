package surveillance

import (
	"github.com/shopspring/decimal"
)

const perHundredThousand = 100000

// Floors for the saturating score, per map layer.
const (
	CumulativeRateFloor = 1000
	CurrentRateFloor    = 500
)

func round(f float64, places int32) float64 {
	v, _ := decimal.NewFromFloat(f).Round(places).Float64()
	return v
}

func ratio(num, den int64, scale int64, places int32) float64 {
	if den == 0 {
		return 0
	}
	v, _ := decimal.NewFromInt(num).
		Mul(decimal.NewFromInt(scale)).
		Div(decimal.NewFromInt(den)).
		Round(places).
		Float64()
	return v
}

// ProportionalRate is a share of groupTotal expressed per 100,000. It is not
// a population rate: no denominator table exists in the warehouse.
func ProportionalRate(count, groupTotal int) float64 {
	return ratio(int64(count), int64(groupTotal), perHundredThousand, 2)
}

// SaturatingRate is count*100000/max(count, floor). It approaches 100,000 as
// count grows past floor.
func SaturatingRate(count, floor int) float64 {
	den := count
	if floor > den {
		den = floor
	}
	return ratio(int64(count), int64(den), perHundredThousand, 2)
}

// PercentChange returns (cur-prev)/prev*100 to one decimal, or nil when there
// is no usable previous value.
func PercentChange(cur int, prev *int) *float64 {
	if prev == nil || *prev == 0 {
		return nil
	}
	v := ratio(int64(cur-*prev), int64(*prev), 100, 1)
	return &v
}

// Percent is num/den*100 rounded to places, 0 when den is 0.
func Percent(num, den int, places int32) float64 {
	return ratio(int64(num), int64(den), 100, places)
}

// Map layer identifiers.
const (
	LayerCumulativeCases = "cumulative_cases"
	LayerReporting21Days = "reporting_21_days"
	LayerAttackRate      = "attack_rate"
	LayerCurrentRate     = "current_rate"
)

var MapLayers = []string{LayerCumulativeCases, LayerReporting21Days, LayerAttackRate, LayerCurrentRate}

// DistrictCounts counts distinct events per reportable district.
func DistrictCounts(events []CaseEvent) map[string]int {
	seen := make(map[string]map[string]bool)
	for _, e := range events {
		if !IsReportableDistrict(e.District) {
			continue
		}
		ids, ok := seen[e.District]
		if !ok {
			ids = make(map[string]bool)
			seen[e.District] = ids
		}
		ids[e.EventID] = true
	}
	out := make(map[string]int, len(seen))
	for d, ids := range seen {
		out[d] = len(ids)
	}
	return out
}

// MapLayer builds one choropleth layer. recent holds the events of the last
// 21 days and is used by the reporting and current-rate layers.
func MapLayer(layer string, all, recent []CaseEvent) (map[string]float64, error) {
	var counts map[string]int
	floor := 0
	switch layer {
	case LayerCumulativeCases:
		counts = DistrictCounts(all)
	case LayerReporting21Days:
		counts = DistrictCounts(recent)
	case LayerAttackRate:
		counts, floor = DistrictCounts(all), CumulativeRateFloor
	case LayerCurrentRate:
		counts, floor = DistrictCounts(recent), CurrentRateFloor
	default:
		return nil, ErrInvalidParams
	}

	out := make(map[string]float64, len(counts))
	for d, n := range counts {
		if n == 0 {
			continue
		}
		if floor > 0 {
			out[d] = SaturatingRate(n, floor)
		} else {
			out[d] = float64(n)
		}
	}
	return out, nil
}
