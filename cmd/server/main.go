// Package main provides the damage estimation API server.
// Configuration comes from the environment (see config package); the
// pricing assets load once here and stay immutable for the process.
package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"damage-cost/api"
	"damage-cost/config"
	"damage-cost/db/postgres"
	"damage-cost/internal/detection"
	"damage-cost/internal/estimation"
	"damage-cost/internal/pricing"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("ENV") == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration")
	}

	table, err := pricing.Load(cfg.CostRulesPath, cfg.PriceRangesPath, cfg.VehicleType)
	if err != nil {
		log.Fatal().Err(err).Msg("load price table")
	}
	log.Info().
		Int("rules", table.RuleCount()).
		Int("ranges", table.RangeCount()).
		Str("vehicle_type", cfg.VehicleType).
		Msg("price table loaded")

	aggregator := estimation.NewAggregator(table, cfg.Rates()).
		WithAreaScaling(cfg.AreaScalingConfig())

	detector := detection.NewHTTPDetector(cfg.InferenceURL, cfg.InferenceTimeout)

	var store api.ReportStore
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("open report store")
		}
		defer pg.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate report store")
		}
		store = pg
		log.Info().Msg("report persistence enabled")
	} else {
		log.Warn().Msg("DATABASE_URL not set; reports will not be persisted")
	}

	serverConfig := api.DefaultConfig()
	serverConfig.Port = cfg.Port

	server := api.NewServer(detector, aggregator, store, serverConfig)
	if err := server.StartWithGracefulShutdown(); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}
