package main

import (
	"context"
	"flag"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"nuha.dev/avlgate/internal/config"
	"nuha.dev/avlgate/internal/store/impl/pgstore"
)

var configFile = flag.String("config", "", "path to the config file")

func main() {
	flag.Parse()
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}
	if cfg.Postgres.URL == "" {
		log.Fatal().Msg("postgres.url is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to connect to postgres")
	}
	defer pool.Close()
	if err = pgstore.NewStore(pool, cfg.Postgres.Table).EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("unable to create schema")
	}
	log.Info().Str("table", cfg.Postgres.Table).Msg("schema ready")
}
