package main

import (
	"context"
	"flag"
	"log"
	"time"

	"trade_engine/internal/modules/config"
	"trade_engine/pkg/db"
	"trade_engine/pkg/logger"
)

func main() {
	dir := flag.String("dir", "migrations", "directory with *.sql migrations")
	flag.Parse()

	cfg, _, err := config.NewConfig()
	if err != nil {
		log.Fatal(err)
	}
	if err := logger.Init(cfg.Service.LogLevel, cfg.Service.Name+"-migrate"); err != nil {
		log.Fatal(err)
	}
	if cfg.DB == "" {
		logger.Fatal("db_dsn is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.NewPool(ctx, db.PoolConfig{DSN: cfg.DB, MaxConns: 1})
	if err != nil {
		logger.Fatal("connect: %v", err)
	}
	m := db.NewPgTxManager(pool)
	defer m.Close()

	migrations, err := db.LoadMigrations(*dir)
	if err != nil {
		logger.Fatal("%v", err)
	}
	applied, err := db.Migrate(ctx, m, migrations)
	if err != nil {
		logger.Fatal("%v", err)
	}
	logger.Info("[DB] %d of %d migrations applied", len(applied), len(migrations))
}
