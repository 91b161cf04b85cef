package main

import (
	"context"
	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"log"
	"nexus-relay/internal/auth"
	"nexus-relay/internal/server"
	"nexus-relay/internal/storage"
	"nexus-relay/internal/storage/sqlite"
	"time"
)

// appConfig holds process-level settings; server and storage parse their own
type appConfig struct {
	LogFormat   string `env:"LOG_FORMAT" envDefault:"console"`
	StoreDriver string `env:"STORE_DRIVER" envDefault:"sqlite"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"nexus.db"`
	BcryptCost  int    `env:"BCRYPT_COST" envDefault:"10"`
}

type closer interface {
	server.Store
	Close()
}

func main() {
	// a missing .env is fine, the environment may be set by other means
	_ = godotenv.Load(".env")

	app := appConfig{}
	if err := env.Parse(&app); err != nil {
		log.Fatalf("Cannot parse env config: %v", err)
	}

	newLogger := zap.NewDevelopment
	if app.LogFormat == "json" {
		newLogger = zap.NewProduction
	}
	logger, err := newLogger()
	if err != nil {
		log.Fatalf("zap logger: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	sugar.Info("Current time:", time.Now())

	cfg := server.EnvConfig{}
	if err := env.Parse(&cfg); err != nil {
		sugar.Fatalf("Cannot parse env config: %v", err)
	}

	var store closer
	switch app.StoreDriver {
	case "postgres":
		dbCfg := storage.Config{}
		if err := env.Parse(&dbCfg); err != nil {
			sugar.Fatalf("Cannot parse db config: %v", err)
		}
		store, err = storage.New(context.Background(), sugar, dbCfg, storage.ConnectionTimeout(30*time.Second))
	case "sqlite":
		store, err = sqlite.Open(sugar, app.SQLitePath)
	default:
		sugar.Fatalf("Unknown STORE_DRIVER %q, want postgres or sqlite", app.StoreDriver)
	}
	if err != nil {
		sugar.Fatalf("Cannot create Store instance: %v", err)
	}

	authenticator := auth.New(sugar, store, auth.Cost(app.BcryptCost))

	serverOpts := []server.Option{
		server.WithEnvConfig(cfg),
		server.ReadTimeout(5 * time.Second),
		server.TimeoutHandler(2*time.Minute, "Request timed out"),
		server.RegisterAfterShutdown(func() {
			sugar.Info("Closing store")
			store.Close()
			sugar.Info("Store is closed")
		}),
	}

	srv, err := server.NewServer(sugar, store, authenticator, serverOpts...)
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(); err != nil {
		sugar.Fatalf("Cannot start http srv: %v", err)
	}
}
