package main

import (
	"context"
	"log"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/agentexec/internal/api"
	"github.com/seantiz/agentexec/internal/capability"
	"github.com/seantiz/agentexec/internal/config"
	"github.com/seantiz/agentexec/internal/engine"
	"github.com/seantiz/agentexec/internal/events"
	"github.com/seantiz/agentexec/internal/progress"
	"github.com/seantiz/agentexec/internal/runner"
	"github.com/seantiz/agentexec/internal/state"
	"github.com/seantiz/agentexec/internal/store"
	"github.com/seantiz/agentexec/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("agentexec: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"redis_addr", cfg.RedisAddr,
		"max_workers", cfg.MaxWorkers,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	broker := events.NewBroker()
	var pub events.Publisher = broker
	if cfg.RedisAddr != "" {
		rp := events.NewRedisPublisher(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.RedisChannel)
		defer rp.Close()
		pub = events.MultiPublisher{broker, rp}
	}
	emitter := events.NewEmitter(pub, cfg.PublishTimeout, logger)

	reg := capability.NewRegistry()
	if cfg.CapabilityURL != "" {
		reg.Register("http", capability.NewHTTPCapability(cfg.CapabilityURL, nil))
	} else {
		logger.Warn("no capability configured, executions will fail while preparing")
	}

	workers := worker.NewManager(cfg.MaxWorkers, logger)
	states := state.NewManager(db, workers, emitter, logger)
	tracker := progress.NewTracker(db, emitter, states, logger)
	eng := engine.NewEngine(db, states, workers, runner.New(states, tracker, reg, cfg.MaxSteps, logger), logger)

	srv := api.NewServer(cfg.ListenAddr, eng, broker, reg, workers, logger)
	runErr := srv.Run()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		logger.Warn("executions cancelled during shutdown", "error", err)
	}

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
