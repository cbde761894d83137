// Package review evaluates finished estimates against shop review rules.
// Rules are simple thresholds; a triggered rule flags the estimate for
// manual review but never blocks the response.
package review

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"damage-cost/internal/estimation"
)

// RuleType identifies what a rule checks.
type RuleType string

const (
	RuleTotalLimit    RuleType = "total_limit"
	RuleOpenEnded     RuleType = "open_ended_total"
	RuleUnpricedClass RuleType = "unpriced_class"
	RuleLowConfidence RuleType = "low_confidence"
)

// Severity of a triggered rule.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityReview  Severity = "review"
)

// Decision is the overall outcome.
type Decision string

const (
	DecisionPass   Decision = "pass"
	DecisionReview Decision = "review"
)

// Rule is one review threshold.
type Rule struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Type      RuleType `json:"type"`
	Severity  Severity `json:"severity"`
	Threshold float64  `json:"threshold"`
	Enabled   bool     `json:"enabled"`
}

// Flag is a triggered rule with context.
type Flag struct {
	RuleID   string   `json:"rule_id"`
	RuleName string   `json:"rule_name"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Outcome is the evaluation result.
type Outcome struct {
	Decision    Decision  `json:"decision"`
	Flags       []Flag    `json:"flags"`
	RulesRan    int       `json:"rules_ran"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Engine runs review rules against estimate summaries.
type Engine struct {
	rules []Rule
}

// NewEngine creates an engine with the default rule set.
func NewEngine() *Engine {
	return &Engine{rules: defaultRules()}
}

// AddRule appends a custom rule.
func (e *Engine) AddRule(r Rule) {
	e.rules = append(e.rules, r)
}

func defaultRules() []Rule {
	return []Rule{
		{
			ID:        "total-over-limit",
			Name:      "Total over approval limit",
			Type:      RuleTotalLimit,
			Severity:  SeverityReview,
			Threshold: 2500,
			Enabled:   true,
		},
		{
			ID:       "open-ended-total",
			Name:     "Open-ended total",
			Type:     RuleOpenEnded,
			Severity: SeverityReview,
			Enabled:  true,
		},
		{
			ID:       "unpriced-class",
			Name:     "Unpriced damage class",
			Type:     RuleUnpricedClass,
			Severity: SeverityWarning,
			Enabled:  true,
		},
		{
			ID:        "low-confidence",
			Name:      "Low detection confidence",
			Type:      RuleLowConfidence,
			Severity:  SeverityWarning,
			Threshold: 0.35,
			Enabled:   true,
		},
	}
}

// Evaluate runs every enabled rule. minConfidence is the lowest detection
// confidence for the request; pass hasConfidence=false when the adapter
// reported none.
func (e *Engine) Evaluate(summary *estimation.Summary, minConfidence float64, hasConfidence bool) *Outcome {
	outcome := &Outcome{
		Decision:    DecisionPass,
		Flags:       make([]Flag, 0),
		EvaluatedAt: time.Now().UTC(),
	}

	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		outcome.RulesRan++

		var flag *Flag
		switch rule.Type {
		case RuleTotalLimit:
			limit := decimal.NewFromFloat(rule.Threshold)
			if summary.Totals.Min.GreaterThan(limit) {
				flag = &Flag{Message: fmt.Sprintf(
					"estimate minimum $%s exceeds approval limit $%s",
					summary.Totals.Min.Round(0), limit.Round(0))}
			}
		case RuleOpenEnded:
			if summary.Totals.OpenEnded {
				flag = &Flag{Message: "total has no finite upper bound"}
			}
		case RuleUnpricedClass:
			for class, line := range summary.PerClass {
				if !line.Priced {
					flag = &Flag{Message: fmt.Sprintf("class %q detected but not priced", class)}
					break
				}
			}
		case RuleLowConfidence:
			if hasConfidence && minConfidence < rule.Threshold {
				flag = &Flag{Message: fmt.Sprintf(
					"lowest detection confidence %.2f below %.2f",
					minConfidence, rule.Threshold)}
			}
		}

		if flag == nil {
			continue
		}
		flag.RuleID = rule.ID
		flag.RuleName = rule.Name
		flag.Severity = rule.Severity
		outcome.Flags = append(outcome.Flags, *flag)
		if rule.Severity == SeverityReview {
			outcome.Decision = DecisionReview
		}
	}

	return outcome
}
