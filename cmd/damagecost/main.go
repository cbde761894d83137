// Damage Cost CLI - vehicle repair cost estimation from damage detections
//
// Usage:
//   damagecost estimate --image car.jpg [options]
//   damagecost estimate --detections detections.json
//   damagecost compare --before pickup.jpg --after return.jpg
//   damagecost serve --port 8080
//   damagecost reports --limit 20
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"damage-cost/api"
	"damage-cost/db/postgres"
	"damage-cost/internal/comparison"
	"damage-cost/internal/detection"
	"damage-cost/internal/estimation"
	"damage-cost/internal/pricing"
	"damage-cost/internal/review"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "damagecost",
		Usage:   "Vehicle damage repair cost estimation",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "cost-rules",
				Value:   "assets/cost_rules.json",
				Usage:   "Path to the structured cost rules asset",
				EnvVars: []string{"COST_RULES_PATH"},
			},
			&cli.StringFlag{
				Name:    "price-ranges",
				Value:   "assets/price_ranges.json",
				Usage:   "Path to the legacy price ranges asset",
				EnvVars: []string{"PRICE_RANGES_PATH"},
			},
			&cli.StringFlag{
				Name:    "vehicle-type",
				Value:   "car",
				Usage:   "Vehicle type for nested rule assets",
				EnvVars: []string{"VEHICLE_TYPE"},
			},
			&cli.Float64Flag{
				Name:    "labor-rate",
				Value:   95,
				Usage:   "Labor rate in USD per hour",
				EnvVars: []string{"LABOR_RATE_USD"},
			},
			&cli.Float64Flag{
				Name:    "paint-rate",
				Value:   120,
				Usage:   "Paint rate in USD per hour",
				EnvVars: []string{"PAINT_RATE_USD"},
			},
			&cli.Float64Flag{
				Name:    "materials",
				Value:   50,
				Usage:   "Flat materials fee in USD",
				EnvVars: []string{"MATERIALS_USD"},
			},
			&cli.Float64Flag{
				Name:    "cost-multiplier",
				Value:   1.0,
				Usage:   "Multiplier applied to structured unit costs",
				EnvVars: []string{"COST_MULTIPLIER"},
			},
			&cli.StringFlag{
				Name:    "inference-url",
				Value:   "http://localhost:5000/predict",
				Usage:   "Model inference endpoint",
				EnvVars: []string{"INFERENCE_URL"},
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Postgres DSN for report persistence",
				EnvVars: []string{"DATABASE_URL"},
			},
		},

		Commands: []*cli.Command{
			estimateCommand(),
			compareCommand(),
			serveCommand(),
			reportsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// ESTIMATE COMMAND
// =============================================================================

func estimateCommand() *cli.Command {
	return &cli.Command{
		Name:  "estimate",
		Usage: "Estimate repair cost for a single image or detection list",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "image",
				Aliases: []string{"i"},
				Usage:   "Path to the vehicle photo (sent to the inference service)",
			},
			&cli.StringFlag{
				Name:    "detections",
				Aliases: []string{"d"},
				Usage:   "Path to a JSON detection list (skips inference)",
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Value:   "table",
				Usage:   "Output format (table, json)",
			},
		},
		Action: runEstimate,
	}
}

func runEstimate(c *cli.Context) error {
	aggregator, err := buildAggregator(c)
	if err != nil {
		return err
	}

	detections, err := resolveDetections(c, c.String("image"), c.String("detections"))
	if err != nil {
		return err
	}

	summary, err := aggregator.Aggregate(detections)
	if err != nil {
		return fmt.Errorf("aggregation failed: %w", err)
	}

	minConf, hasConf := detection.MinConfidence(detections)
	outcome := review.NewEngine().Evaluate(summary, minConf, hasConf)

	if c.String("format") == "json" {
		return printJSON(map[string]any{
			"summary": api.BuildCostSummary(summary),
			"review":  outcome,
		})
	}

	printSummary(summary)
	printReview(outcome)
	return nil
}

// =============================================================================
// COMPARE COMMAND
// =============================================================================

func compareCommand() *cli.Command {
	return &cli.Command{
		Name:  "compare",
		Usage: "Estimate new damage between pick-up and return photos",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "before",
				Usage: "Pick-up photo path",
			},
			&cli.StringFlag{
				Name:  "after",
				Usage: "Return photo path",
			},
			&cli.StringFlag{
				Name:  "before-detections",
				Usage: "JSON detection list for the pick-up image (skips inference)",
			},
			&cli.StringFlag{
				Name:  "after-detections",
				Usage: "JSON detection list for the return image (skips inference)",
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Value:   "table",
				Usage:   "Output format (table, json)",
			},
		},
		Action: runCompare,
	}
}

func runCompare(c *cli.Context) error {
	aggregator, err := buildAggregator(c)
	if err != nil {
		return err
	}

	before, err := resolveDetections(c, c.String("before"), c.String("before-detections"))
	if err != nil {
		return fmt.Errorf("before image: %w", err)
	}
	after, err := resolveDetections(c, c.String("after"), c.String("after-detections"))
	if err != nil {
		return fmt.Errorf("after image: %w", err)
	}

	result, err := comparison.NewEngine(aggregator).Compare(before, after)
	if err != nil {
		return fmt.Errorf("comparison failed: %w", err)
	}

	if c.String("format") == "json" {
		return printJSON(map[string]any{
			"before_counts":     result.BeforeCounts,
			"after_counts":      result.AfterCounts,
			"new_damage_counts": result.NewDamageCounts,
			"new_damage_costs":  api.BuildCostSummary(result.NewDamageCosts),
		})
	}

	fmt.Println("New damage (after vs before):")
	if len(result.NewDamageCounts) == 0 {
		fmt.Println("  none detected")
		return nil
	}
	for _, class := range sortedKeys(result.NewDamageCounts) {
		fmt.Printf("  + %-12s × %d\n", class, result.NewDamageCounts[class])
	}
	fmt.Println()
	printSummary(result.NewDamageCosts)
	return nil
}

// =============================================================================
// SERVE COMMAND
// =============================================================================

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Value:   8080,
				Usage:   "Listen port",
				EnvVars: []string{"PORT"},
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	aggregator, err := buildAggregator(c)
	if err != nil {
		return err
	}

	detector := detection.NewHTTPDetector(c.String("inference-url"), 30*time.Second)

	var store api.ReportStore
	if dsn := c.String("database-url"); dsn != "" {
		pg, err := postgres.Open(dsn)
		if err != nil {
			return fmt.Errorf("open report store: %w", err)
		}
		defer pg.Close()

		ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
		defer cancel()
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate report store: %w", err)
		}
		store = pg
	}

	config := api.DefaultConfig()
	config.Port = c.Int("port")

	return api.NewServer(detector, aggregator, store, config).StartWithGracefulShutdown()
}

// =============================================================================
// REPORTS COMMAND
// =============================================================================

func reportsCommand() *cli.Command {
	return &cli.Command{
		Name:  "reports",
		Usage: "List recent persisted reports",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Value: 20,
				Usage: "Maximum reports to list",
			},
		},
		Action: runReports,
	}
}

func runReports(c *cli.Context) error {
	dsn := c.String("database-url")
	if dsn == "" {
		return fmt.Errorf("--database-url (or DATABASE_URL) is required")
	}

	store, err := postgres.Open(dsn)
	if err != nil {
		return fmt.Errorf("open report store: %w", err)
	}
	defer store.Close()

	reports, err := store.RecentReports(c.Context, c.Int("limit"))
	if err != nil {
		return fmt.Errorf("list reports: %w", err)
	}

	if len(reports) == 0 {
		fmt.Println("No reports found.")
		return nil
	}
	for _, r := range reports {
		max := "open-ended"
		if r.TotalMax != nil {
			max = r.TotalMax.Round(0).String()
		}
		fmt.Printf("%s  %s  %-8s  min=%s max=%s  decision=%s\n",
			r.CreatedAt.Format(time.RFC3339), r.ID, r.Kind,
			r.TotalMin.Round(0), max, r.Decision)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func buildAggregator(c *cli.Context) (*estimation.Aggregator, error) {
	table, err := pricing.Load(c.String("cost-rules"), c.String("price-ranges"), c.String("vehicle-type"))
	if err != nil {
		return nil, err
	}

	rates := estimation.DefaultRates()
	rates.LaborRate = decimalFrom(c.Float64("labor-rate"))
	rates.PaintRate = decimalFrom(c.Float64("paint-rate"))
	rates.MaterialsFlat = decimalFrom(c.Float64("materials"))
	rates.CostMultiplier = decimalFrom(c.Float64("cost-multiplier"))

	return estimation.NewAggregator(table, rates), nil
}

// resolveDetections loads a detection list from a JSON file, or runs
// inference on an image when only an image path is given.
func resolveDetections(c *cli.Context, imagePath, detectionsPath string) ([]detection.Detection, error) {
	switch {
	case detectionsPath != "":
		data, err := os.ReadFile(detectionsPath)
		if err != nil {
			return nil, fmt.Errorf("read detections: %w", err)
		}
		var detections []detection.Detection
		if err := json.Unmarshal(data, &detections); err != nil {
			return nil, fmt.Errorf("parse detections: %w", err)
		}
		return detections, nil

	case imagePath != "":
		image, err := os.ReadFile(imagePath)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		detector := detection.NewHTTPDetector(c.String("inference-url"), 30*time.Second)
		result, err := detector.Detect(c.Context, image)
		if err != nil {
			return nil, fmt.Errorf("detection failed: %w", err)
		}
		return result.Detections, nil

	default:
		return nil, fmt.Errorf("either an image path or a detections file is required")
	}
}

func printSummary(summary *estimation.Summary) {
	if len(summary.Counts) == 0 {
		fmt.Println("No damages detected.")
		return
	}

	fmt.Println("Detected damages:")
	for _, class := range sortedKeys(summary.Counts) {
		line := summary.PerClass[class]
		switch {
		case !line.Priced:
			fmt.Printf("  %-12s × %d   (%s)\n", class, line.Count, line.Note)
		case line.Exact:
			fmt.Printf("  %-12s × %d   $%s each → $%s\n",
				class, line.Count, line.UnitMin.Round(2), line.SubtotalMin.Round(2))
		case line.OpenEnded:
			fmt.Printf("  %-12s × %d   ≥ $%s each → ≥ $%s\n",
				class, line.Count, line.UnitMin.Round(2), line.SubtotalMin.Round(2))
		default:
			fmt.Printf("  %-12s × %d   $%s – $%s each → $%s – $%s\n",
				class, line.Count, line.UnitMin.Round(2), line.UnitMax.Round(2),
				line.SubtotalMin.Round(2), line.SubtotalMax.Round(2))
		}
	}
	fmt.Printf("\nEstimated total: %s\n", summary.Totals)
}

func printReview(outcome *review.Outcome) {
	if outcome == nil || len(outcome.Flags) == 0 {
		return
	}
	fmt.Printf("\nReview: %s\n", outcome.Decision)
	for _, flag := range outcome.Flags {
		fmt.Printf("  [%s] %s\n", flag.Severity, flag.Message)
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func decimalFrom(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
