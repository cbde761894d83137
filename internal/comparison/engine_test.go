package comparison

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"damage-cost/internal/detection"
	"damage-cost/internal/estimation"
	"damage-cost/internal/pricing"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	rules := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(rules, []byte(`{
		"minor":  {"parts_usd": 60,  "labor_h": 0.8, "paint_h": 0.3},
		"severe": {"parts_usd": 650, "labor_h": 4,   "paint_h": 1.5}
	}`), 0o644))

	table, err := pricing.Load(rules, "", "car")
	require.NoError(t, err)
	return NewEngine(estimation.NewAggregator(table, estimation.DefaultRates()))
}

func classList(classes ...string) []detection.Detection {
	out := make([]detection.Detection, 0, len(classes))
	for _, c := range classes {
		out = append(out, detection.Detection{Class: c})
	}
	return out
}

func TestComparePositiveDelta(t *testing.T) {
	engine := testEngine(t)

	result, err := engine.Compare(
		classList("minor", "minor"),
		classList("minor", "minor", "minor", "severe"),
	)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"minor": 2}, result.BeforeCounts)
	assert.Equal(t, map[string]int{"minor": 3, "severe": 1}, result.AfterCounts)
	assert.Equal(t, map[string]int{"minor": 1, "severe": 1}, result.NewDamageCounts)

	// Only the delta is priced, not the full after list.
	require.NotNil(t, result.NewDamageCosts)
	assert.Equal(t, 1, result.NewDamageCosts.Counts["minor"])
	assert.Equal(t, 1, result.NewDamageCosts.Counts["severe"])
}

func TestCompareRepairedDamageIgnored(t *testing.T) {
	engine := testEngine(t)

	// A class present before but absent after must not go negative or
	// offset other deltas.
	result, err := engine.Compare(
		classList("minor", "minor", "severe"),
		classList("severe", "severe"),
	)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"severe": 1}, result.NewDamageCounts)
	assert.NotContains(t, result.NewDamageCounts, "minor")
}

func TestCompareIdenticalImages(t *testing.T) {
	engine := testEngine(t)
	same := classList("minor", "severe")

	result, err := engine.Compare(same, same)
	require.NoError(t, err)

	assert.Empty(t, result.NewDamageCounts)
	assert.True(t, result.NewDamageCosts.Totals.Min.IsZero())
	require.NotNil(t, result.NewDamageCosts.Totals.Max)
	assert.True(t, result.NewDamageCosts.Totals.Max.IsZero())
}

func TestCompareEmptyBefore(t *testing.T) {
	engine := testEngine(t)

	result, err := engine.Compare(nil, classList("severe"))
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"severe": 1}, result.NewDamageCounts)
	assert.True(t, result.NewDamageCosts.Totals.Min.GreaterThan(decimal.Zero))
}

func TestCompareEmptyAfter(t *testing.T) {
	engine := testEngine(t)

	result, err := engine.Compare(classList("minor", "severe"), nil)
	require.NoError(t, err)

	assert.Empty(t, result.NewDamageCounts)
	assert.True(t, result.NewDamageCosts.Totals.Min.IsZero())
}

func TestCompareNormalizesLabels(t *testing.T) {
	engine := testEngine(t)

	// "serve" is a known model-label drift for "severe"; both sides must
	// normalize before the delta so the same damage never counts as new.
	result, err := engine.Compare(
		classList("Severe"),
		classList("serve"),
	)
	require.NoError(t, err)

	assert.Empty(t, result.NewDamageCounts)
}

func TestCompareInvalidInput(t *testing.T) {
	engine := testEngine(t)
	bad := []detection.Detection{{Class: ""}}

	_, err := engine.Compare(bad, nil)
	assert.ErrorIs(t, err, detection.ErrInvalidInput)

	_, err = engine.Compare(nil, bad)
	assert.ErrorIs(t, err, detection.ErrInvalidInput)
}
