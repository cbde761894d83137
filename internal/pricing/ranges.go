package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseRange parses a human-readable price range such as
// "$150 – $500", "1,200 - 4,000+ USD", or "2500+" into a LegacyRange.
// A trailing "+" on the upper side, or a single value, means the range is
// open-ended and Max stays nil.
func ParseRange(text string) (LegacyRange, error) {
	normalized := text
	for _, token := range []string{"USD", "usd", "$", ","} {
		normalized = strings.ReplaceAll(normalized, token, "")
	}
	// Unify the dash variants that show up in hand-edited assets.
	normalized = strings.ReplaceAll(normalized, "–", "-") // en dash
	normalized = strings.ReplaceAll(normalized, "—", "-") // em dash

	hasPlus := strings.Contains(normalized, "+")
	normalized = strings.ReplaceAll(normalized, "+", "")

	var values []decimal.Decimal
	for _, part := range strings.Split(normalized, "-") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := decimal.NewFromString(part)
		if err != nil {
			return LegacyRange{}, fmt.Errorf("parse range %q: %w", text, err)
		}
		if v.IsNegative() {
			return LegacyRange{}, fmt.Errorf("parse range %q: negative bound", text)
		}
		values = append(values, v)
	}

	switch len(values) {
	case 0:
		return LegacyRange{}, fmt.Errorf("parse range %q: no numeric bounds", text)
	case 1:
		// Single value: treat as a lower bound with no ceiling.
		return LegacyRange{Min: values[0], Text: text}, nil
	default:
		r := LegacyRange{Min: values[0], Text: text}
		if !hasPlus {
			max := values[1]
			if max.LessThan(r.Min) {
				return LegacyRange{}, fmt.Errorf("parse range %q: max below min", text)
			}
			r.Max = &max
		}
		return r, nil
	}
}
