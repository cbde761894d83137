// Package config loads the process configuration from the environment,
// once, at startup. Everything downstream receives values by injection;
// nothing reads the environment mid-request.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"damage-cost/internal/estimation"
)

// Config is the full runtime configuration.
type Config struct {
	// Pricing assets.
	CostRulesPath   string
	PriceRangesPath string
	VehicleType     string

	// Rate overrides for the cost aggregator.
	LaborRateUSD   float64
	PaintRateUSD   float64
	MaterialsUSD   float64
	CostMultiplier float64

	// Optional area-based cost scaling.
	AreaScaling  bool
	AreaRef      float64
	AreaMinScale float64
	AreaMaxScale float64
	AreaGamma    float64

	// Detection adapter.
	InferenceURL     string
	InferenceTimeout time.Duration

	// HTTP facade.
	Port int

	// Optional report persistence; empty DSN disables it.
	DatabaseURL string
}

// Load reads .env (if present) and the environment. Unset knobs fall back
// to the stock defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		CostRulesPath:   getEnv("COST_RULES_PATH", "assets/cost_rules.json"),
		PriceRangesPath: getEnv("PRICE_RANGES_PATH", "assets/price_ranges.json"),
		VehicleType:     getEnv("VEHICLE_TYPE", "car"),
		InferenceURL:    getEnv("INFERENCE_URL", "http://localhost:5000/predict"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
	}

	var err error
	if cfg.LaborRateUSD, err = getEnvFloat("LABOR_RATE_USD", 95); err != nil {
		return nil, err
	}
	if cfg.PaintRateUSD, err = getEnvFloat("PAINT_RATE_USD", 120); err != nil {
		return nil, err
	}
	if cfg.MaterialsUSD, err = getEnvFloat("MATERIALS_USD", 50); err != nil {
		return nil, err
	}
	if cfg.CostMultiplier, err = getEnvFloat("COST_MULTIPLIER", 1.0); err != nil {
		return nil, err
	}
	if cfg.LaborRateUSD < 0 || cfg.PaintRateUSD < 0 || cfg.MaterialsUSD < 0 || cfg.CostMultiplier < 0 {
		return nil, fmt.Errorf("rate overrides must be non-negative")
	}

	if cfg.AreaScaling, err = getEnvBool("AREA_SCALING", false); err != nil {
		return nil, err
	}
	if cfg.AreaRef, err = getEnvFloat("AREA_REF", 0.15); err != nil {
		return nil, err
	}
	if cfg.AreaMinScale, err = getEnvFloat("AREA_MIN_SCALE", 0.25); err != nil {
		return nil, err
	}
	if cfg.AreaMaxScale, err = getEnvFloat("AREA_MAX_SCALE", 1.0); err != nil {
		return nil, err
	}
	if cfg.AreaGamma, err = getEnvFloat("AREA_GAMMA", 0.7); err != nil {
		return nil, err
	}

	if cfg.Port, err = getEnvInt("PORT", 8080); err != nil {
		return nil, err
	}

	timeoutSec, err := getEnvInt("INFERENCE_TIMEOUT", 30)
	if err != nil {
		return nil, err
	}
	cfg.InferenceTimeout = time.Duration(timeoutSec) * time.Second

	return cfg, nil
}

// Rates converts the overrides into the aggregator's injection struct.
func (c *Config) Rates() estimation.Rates {
	return estimation.Rates{
		LaborRate:      decimal.NewFromFloat(c.LaborRateUSD),
		PaintRate:      decimal.NewFromFloat(c.PaintRateUSD),
		MaterialsFlat:  decimal.NewFromFloat(c.MaterialsUSD),
		CostMultiplier: decimal.NewFromFloat(c.CostMultiplier),
	}
}

// AreaScalingConfig converts the area knobs.
func (c *Config) AreaScalingConfig() estimation.AreaScaling {
	return estimation.AreaScaling{
		Enabled:  c.AreaScaling,
		RefRatio: c.AreaRef,
		MinScale: c.AreaMinScale,
		MaxScale: c.AreaMaxScale,
		Gamma:    c.AreaGamma,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, v, err)
	}
	return f, nil
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, v, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s=%q: %w", key, v, err)
	}
	return b, nil
}
