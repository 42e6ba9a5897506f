// testserver starts an agentexec API server with simulated capabilities and
// an in-memory database for manual and end-to-end testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/seantiz/agentexec/internal/api"
	"github.com/seantiz/agentexec/internal/capability"
	"github.com/seantiz/agentexec/internal/engine"
	"github.com/seantiz/agentexec/internal/events"
	"github.com/seantiz/agentexec/internal/model"
	"github.com/seantiz/agentexec/internal/progress"
	"github.com/seantiz/agentexec/internal/runner"
	"github.com/seantiz/agentexec/internal/state"
	"github.com/seantiz/agentexec/internal/store"
	"github.com/seantiz/agentexec/internal/worker"
)

// simulated reports evenly spaced progress over steps, sleeping delay per
// step, and completes with the execution's input echoed back.
func simulated(steps int, delay time.Duration) capability.Func {
	return func(ctx context.Context, req capability.Request) (capability.Outcome, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return capability.Outcome{}, ctx.Err()
		}
		out := capability.Outcome{
			Progress:  req.Step * 100 / steps,
			StepLabel: "simulated step",
		}
		if req.Step >= steps {
			out.Done = true
			out.Output, _ = json.Marshal(map[string]json.RawMessage{"echo": req.Input})
		}
		return out, nil
	}
}

func main() {
	addr := ":8080"
	if v := os.Getenv("AGENTEXEC_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := capability.NewRegistry()
	reg.Register("simulate", simulated(5, 500*time.Millisecond))
	reg.Register("quick", simulated(1, 50*time.Millisecond))
	reg.Register("slow", simulated(20, time.Second))
	reg.Register("fail", capability.Func(func(context.Context, capability.Request) (capability.Outcome, error) {
		return capability.Outcome{}, errors.New("simulated provider outage")
	}))
	reg.Register("refuse", capability.Func(func(context.Context, capability.Request) (capability.Outcome, error) {
		return capability.Outcome{Failure: &model.ExecutionError{
			Kind:    model.ErrorKindCapability,
			Message: "simulated refusal",
		}}, nil
	}))
	reg.SetDefault("simulate")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	broker := events.NewBroker()
	emitter := events.NewEmitter(broker, events.DefaultPublishTimeout, logger)
	workers := worker.NewManager(0, logger)
	states := state.NewManager(db, workers, emitter, logger)
	tracker := progress.NewTracker(db, emitter, states, logger)
	eng := engine.NewEngine(db, states, workers, runner.New(states, tracker, reg, 0, logger), logger)
	srv := api.NewServer(addr, eng, broker, reg, workers, logger)

	logger.Info("testserver: starting", "addr", addr, "capabilities", reg.List())
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		logger.Warn("executions cancelled during shutdown", "error", err)
	}
}
