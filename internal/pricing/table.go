// Package pricing provides the static price table with legacy-range fallback.
// The table is loaded once at process start from JSON assets and is
// immutable afterwards: a primary map of structured cost rules and a
// secondary map of coarse min/max USD ranges keyed by damage class.
package pricing

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
)

// CostRule is a structured pricing formula for one damage class.
// The unit cost is parts + labor_h*labor_rate + paint_h*paint_rate plus the
// flat materials fee, unless PerItemUSD is set, which short-circuits the
// formula with a fixed per-unit price.
type CostRule struct {
	PartsUSD   decimal.Decimal
	LaborHours decimal.Decimal
	PaintHours decimal.Decimal
	PerItemUSD *decimal.Decimal
}

// LegacyRange is the fallback min/max USD estimate for a class that has no
// structured rule. Max is nil when the range is open-ended.
type LegacyRange struct {
	Min  decimal.Decimal
	Max  *decimal.Decimal
	Text string
}

// OpenEnded reports whether the range has no finite upper bound.
func (r LegacyRange) OpenEnded() bool { return r.Max == nil }

// PriceKind identifies how a class was resolved.
type PriceKind int

const (
	PriceNone PriceKind = iota
	PriceExact
	PriceRange
)

// Price is the result of a table lookup.
type Price struct {
	Kind  PriceKind
	Rule  CostRule
	Range LegacyRange
}

// Table holds both pricing maps. Read-only after Load.
type Table struct {
	rules  map[string]CostRule
	ranges map[string]LegacyRange
}

// Model labels occasionally drift from the configured keys; map them back
// here rather than failing the lookup.
var classAliases = map[string]string{
	"serve": "severe",
}

// NormalizeClass canonicalizes a damage class label for lookup and
// counting: trimmed, lowercased, alias-corrected.
func NormalizeClass(name string) string {
	base := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := classAliases[base]; ok {
		return alias
	}
	return base
}

type rawRule struct {
	PartsUSD   *float64 `json:"parts_usd"`
	LaborHours *float64 `json:"labor_h"`
	PaintHours *float64 `json:"paint_h"`
	PerItemUSD *float64 `json:"per_item_usd"`
}

// Load reads the cost-rule asset and the legacy range asset. Either path may
// be empty, in which case that map is empty; a class missing from both is
// simply unpriced. The rules asset may be flat (class -> rule) or nested by
// vehicle type, in which case vehicleType selects the sub-map ("car" when
// blank).
func Load(rulesPath, rangesPath, vehicleType string) (*Table, error) {
	t := &Table{
		rules:  make(map[string]CostRule),
		ranges: make(map[string]LegacyRange),
	}

	if rulesPath != "" {
		if err := t.loadRules(rulesPath, vehicleType); err != nil {
			return nil, fmt.Errorf("load cost rules: %w", err)
		}
	}
	if rangesPath != "" {
		if err := t.loadRanges(rangesPath); err != nil {
			return nil, fmt.Errorf("load price ranges: %w", err)
		}
	}
	return t, nil
}

func (t *Table) loadRules(path, vehicleType string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	selected := selectRuleSet(top, vehicleType)
	for class, raw := range selected {
		var rr rawRule
		if err := json.Unmarshal(raw, &rr); err != nil {
			return fmt.Errorf("parse rule for %q: %w", class, err)
		}
		rule, err := rr.toRule()
		if err != nil {
			return fmt.Errorf("rule for %q: %w", class, err)
		}
		t.rules[NormalizeClass(class)] = rule
	}
	return nil
}

// selectRuleSet handles both flat and vehicle-nested rule assets. A top
// level without any severity-like key is assumed to be keyed by vehicle
// type.
func selectRuleSet(top map[string]json.RawMessage, vehicleType string) map[string]json.RawMessage {
	severityLike := map[string]bool{"minor": true, "moderate": true, "severe": true}
	for key := range top {
		if severityLike[NormalizeClass(key)] {
			return top
		}
	}

	vt := NormalizeClass(vehicleType)
	if vt == "" {
		vt = "car"
	}
	if raw, ok := top[vt]; ok {
		var sub map[string]json.RawMessage
		if err := json.Unmarshal(raw, &sub); err == nil {
			return sub
		}
	}
	// No matching vehicle type: take the first decodable sub-map.
	for _, raw := range top {
		var sub map[string]json.RawMessage
		if err := json.Unmarshal(raw, &sub); err == nil {
			return sub
		}
	}
	return top
}

func (rr rawRule) toRule() (CostRule, error) {
	rule := CostRule{
		PartsUSD:   decimal.Zero,
		LaborHours: decimal.Zero,
		PaintHours: decimal.Zero,
	}
	if rr.PerItemUSD != nil {
		if *rr.PerItemUSD < 0 {
			return rule, fmt.Errorf("negative per_item_usd %v", *rr.PerItemUSD)
		}
		v := decimal.NewFromFloat(*rr.PerItemUSD)
		rule.PerItemUSD = &v
		return rule, nil
	}
	if rr.PartsUSD != nil {
		if *rr.PartsUSD < 0 {
			return rule, fmt.Errorf("negative parts_usd %v", *rr.PartsUSD)
		}
		rule.PartsUSD = decimal.NewFromFloat(*rr.PartsUSD)
	}
	if rr.LaborHours != nil {
		if *rr.LaborHours < 0 {
			return rule, fmt.Errorf("negative labor_h %v", *rr.LaborHours)
		}
		rule.LaborHours = decimal.NewFromFloat(*rr.LaborHours)
	}
	if rr.PaintHours != nil {
		if *rr.PaintHours < 0 {
			return rule, fmt.Errorf("negative paint_h %v", *rr.PaintHours)
		}
		rule.PaintHours = decimal.NewFromFloat(*rr.PaintHours)
	}
	return rule, nil
}

func (t *Table) loadRanges(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	for class, text := range raw {
		r, err := ParseRange(text)
		if err != nil {
			return fmt.Errorf("range for %q: %w", class, err)
		}
		t.ranges[NormalizeClass(class)] = r
	}
	return nil
}

// Lookup resolves a class against the primary rules, then the legacy
// ranges. An unknown class returns Kind == PriceNone: the caller prices it
// at zero and flags it rather than failing.
func (t *Table) Lookup(class string) Price {
	key := NormalizeClass(class)
	if rule, ok := t.rules[key]; ok {
		return Price{Kind: PriceExact, Rule: rule}
	}
	if r, ok := t.ranges[key]; ok {
		return Price{Kind: PriceRange, Range: r}
	}
	return Price{Kind: PriceNone}
}

// RuleCount returns the number of structured rules loaded.
func (t *Table) RuleCount() int { return len(t.rules) }

// RangeCount returns the number of legacy ranges loaded.
func (t *Table) RangeCount() int { return len(t.ranges) }
