// Package estimation provides the repair cost aggregator.
// Aggregation is a pure function of (detections, rates, price table):
// detections are grouped by class, priced via the table, and summed into
// per-class subtotals and a grand total. Money stays in decimal form
// throughout; rounding is the caller's job and happens once, at display.
package estimation

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"damage-cost/internal/detection"
	"damage-cost/internal/pricing"
)

// Currency is the only currency the aggregator reports.
const Currency = "USD"

// NoPriceNote marks a detected class absent from both price tables.
const NoPriceNote = "no price configured"

// Rates are the runtime-configurable pricing knobs. They are read once at
// process start and injected here by value; the aggregator never reaches
// into the environment mid-request.
type Rates struct {
	LaborRate      decimal.Decimal
	PaintRate      decimal.Decimal
	MaterialsFlat  decimal.Decimal
	CostMultiplier decimal.Decimal
}

// DefaultRates returns the stock shop rates: $95/h labor, $120/h paint,
// $50 flat materials, no multiplier.
func DefaultRates() Rates {
	return Rates{
		LaborRate:      decimal.NewFromInt(95),
		PaintRate:      decimal.NewFromInt(120),
		MaterialsFlat:  decimal.NewFromInt(50),
		CostMultiplier: decimal.NewFromInt(1),
	}
}

// AreaScaling scales structured unit costs by detected damage area.
// Disabled by default; detections without a box use the base cost either
// way.
type AreaScaling struct {
	Enabled  bool
	RefRatio float64
	MinScale float64
	MaxScale float64
	Gamma    float64
}

// DefaultAreaScaling returns the stock scaling knobs, disabled.
func DefaultAreaScaling() AreaScaling {
	return AreaScaling{
		Enabled:  false,
		RefRatio: 0.15,
		MinScale: 0.25,
		MaxScale: 1.0,
		Gamma:    0.7,
	}
}

// PerClassCost is one line item of the estimate.
type PerClassCost struct {
	Class string
	Count int

	// Priced is false when the class is absent from both tables; the line
	// item then carries NoPriceNote and zero subtotals.
	Priced bool
	Note   string

	// Exact marks a structured-rule price: UnitMin == UnitMax.
	Exact     bool
	UnitMin   decimal.Decimal
	UnitMax   *decimal.Decimal
	RangeText string
	OpenEnded bool

	SubtotalMin decimal.Decimal
	SubtotalMax *decimal.Decimal
}

// Totals is the estimate bottom line. Max is nil and OpenEnded true when
// any contributing class has no finite upper bound.
type Totals struct {
	Min       decimal.Decimal
	Max       *decimal.Decimal
	OpenEnded bool
	Currency  string
}

// Summary is the full aggregation output, recomputed per request.
type Summary struct {
	Counts   map[string]int
	PerClass map[string]PerClassCost
	Totals   Totals
}

// Aggregator prices detection multisets against an immutable table.
type Aggregator struct {
	table *pricing.Table
	rates Rates
	area  AreaScaling
}

// NewAggregator creates an aggregator over the given table and rates.
func NewAggregator(table *pricing.Table, rates Rates) *Aggregator {
	return &Aggregator{table: table, rates: rates, area: DefaultAreaScaling()}
}

// WithAreaScaling enables or tunes area-based cost scaling.
func (a *Aggregator) WithAreaScaling(s AreaScaling) *Aggregator {
	a.area = s
	return a
}

// Aggregate groups detections by normalized class and computes per-class
// and total costs. An empty list is valid and yields zero totals. Malformed
// detections yield detection.ErrInvalidInput with no partial result.
func (a *Aggregator) Aggregate(detections []detection.Detection) (*Summary, error) {
	if err := detection.Validate(detections); err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	areas := make(map[string][]float64)
	for _, d := range detections {
		class := pricing.NormalizeClass(d.Class)
		counts[class]++
		areas[class] = append(areas[class], d.AreaRatio)
	}

	summary := &Summary{
		Counts:   counts,
		PerClass: make(map[string]PerClassCost, len(counts)),
		Totals: Totals{
			Min:      decimal.Zero,
			Currency: Currency,
		},
	}

	classes := make([]string, 0, len(counts))
	for class := range counts {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	totalMax := decimal.Zero
	openEnded := false

	for _, class := range classes {
		line := a.priceClass(class, counts[class], areas[class])
		summary.PerClass[class] = line

		summary.Totals.Min = summary.Totals.Min.Add(line.SubtotalMin)
		if line.SubtotalMax == nil {
			openEnded = true
		} else if !openEnded {
			totalMax = totalMax.Add(*line.SubtotalMax)
		}
	}

	if openEnded {
		summary.Totals.OpenEnded = true
	} else {
		summary.Totals.Max = &totalMax
	}
	return summary, nil
}

func (a *Aggregator) priceClass(class string, count int, areaRatios []float64) PerClassCost {
	line := PerClassCost{
		Class:       class,
		Count:       count,
		SubtotalMin: decimal.Zero,
	}

	price := a.table.Lookup(class)
	switch price.Kind {
	case pricing.PriceExact:
		line.Priced = true
		line.Exact = true
		subtotal, unit := a.exactSubtotal(price.Rule, count, areaRatios)
		line.UnitMin = unit
		line.UnitMax = &unit
		line.SubtotalMin = subtotal
		line.SubtotalMax = &subtotal

	case pricing.PriceRange:
		line.Priced = true
		line.RangeText = price.Range.Text
		line.UnitMin = price.Range.Min
		line.SubtotalMin = price.Range.Min.Mul(decimal.NewFromInt(int64(count)))
		if price.Range.OpenEnded() {
			line.OpenEnded = true
		} else {
			line.UnitMax = price.Range.Max
			max := price.Range.Max.Mul(decimal.NewFromInt(int64(count)))
			line.SubtotalMax = &max
		}

	default:
		// Detected but unpriced: keep the line item visible at zero cost
		// so partial pricing failure never hides a detection.
		line.Note = NoPriceNote
		line.UnitMin = decimal.Zero
		zero := decimal.Zero
		line.UnitMax = &zero
		line.SubtotalMax = &zero
	}

	return line
}

// exactSubtotal computes the structured-rule subtotal, applying per-item
// area scaling when enabled. Returns the subtotal and the average unit
// cost.
func (a *Aggregator) exactSubtotal(rule pricing.CostRule, count int, areaRatios []float64) (decimal.Decimal, decimal.Decimal) {
	base := a.unitCost(rule)
	n := decimal.NewFromInt(int64(count))

	if !a.area.Enabled {
		return base.Mul(n), base
	}

	subtotal := decimal.Zero
	scaled := 0
	for _, ratio := range areaRatios {
		if ratio <= 0 {
			subtotal = subtotal.Add(base)
		} else {
			subtotal = subtotal.Add(base.Mul(a.areaFactor(ratio)))
		}
		scaled++
	}
	// Any detections beyond the recorded areas fall back to the base cost.
	for ; scaled < count; scaled++ {
		subtotal = subtotal.Add(base)
	}

	return subtotal, subtotal.Div(n)
}

func (a *Aggregator) unitCost(rule pricing.CostRule) decimal.Decimal {
	var unit decimal.Decimal
	if rule.PerItemUSD != nil {
		unit = *rule.PerItemUSD
	} else {
		unit = rule.PartsUSD.
			Add(rule.LaborHours.Mul(a.rates.LaborRate)).
			Add(rule.PaintHours.Mul(a.rates.PaintRate)).
			Add(a.rates.MaterialsFlat)
	}
	return unit.Mul(a.rates.CostMultiplier)
}

func (a *Aggregator) areaFactor(ratio float64) decimal.Decimal {
	if a.area.RefRatio <= 0 {
		return decimal.NewFromInt(1)
	}
	scale := math.Pow(ratio/a.area.RefRatio, a.area.Gamma)
	scale = math.Max(a.area.MinScale, math.Min(a.area.MaxScale, scale))
	return decimal.NewFromFloat(scale)
}

// String renders the bottom line, e.g. "$150 – $500 USD" or "≥ $1,200 USD"
// for open-ended totals.
func (t Totals) String() string {
	if t.OpenEnded || t.Max == nil {
		return fmt.Sprintf("≥ %s %s", t.Min.Round(0), t.Currency)
	}
	return fmt.Sprintf("%s – %s %s", t.Min.Round(0), t.Max.Round(0), t.Currency)
}
