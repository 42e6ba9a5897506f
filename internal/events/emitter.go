package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/agentexec/internal/metrics"
	"github.com/seantiz/agentexec/internal/model"
)

// DefaultPublishTimeout bounds a single publish attempt.
const DefaultPublishTimeout = 2 * time.Second

// Emitter builds lifecycle events and hands them to a Publisher.
// It never returns publish errors to the caller.
type Emitter struct {
	pub     Publisher
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewEmitter creates an emitter. A non-positive timeout selects
// DefaultPublishTimeout.
func NewEmitter(pub Publisher, timeout time.Duration, logger *slog.Logger) *Emitter {
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &Emitter{
		pub:     pub,
		timeout: timeout,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// EmitStateChanged publishes execution.state_changed.
func (e *Emitter) EmitStateChanged(ctx context.Context, exec *model.Execution, from, to model.State) {
	d := e.base(exec)
	d.FromState = from
	d.ToState = to
	e.emit(ctx, TypeStateChanged, d)
}

// EmitProgress publishes execution.progress.
func (e *Emitter) EmitProgress(ctx context.Context, exec *model.Execution, u model.ProgressUpdate) {
	d := e.base(exec)
	pct := u.Percentage
	d.Percentage = &pct
	d.StepLabel = u.StepLabel
	if !u.Timestamp.IsZero() {
		d.Timestamp = u.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	e.emit(ctx, TypeProgress, d)
}

// EmitCompleted publishes execution.completed with the result payload.
func (e *Emitter) EmitCompleted(ctx context.Context, exec *model.Execution) {
	d := e.base(exec)
	d.Result = exec.Result
	e.emit(ctx, TypeCompleted, d)
}

// EmitFailed publishes execution.failed with the structured error.
func (e *Emitter) EmitFailed(ctx context.Context, exec *model.Execution) {
	d := e.base(exec)
	d.Error = exec.Error
	e.emit(ctx, TypeFailed, d)
}

func (e *Emitter) base(exec *model.Execution) Data {
	return Data{
		ExecutionID: exec.ID,
		AgentID:     exec.AgentID,
		TaskID:      exec.TaskID,
		Attempt:     exec.Attempt,
	}
}

func (e *Emitter) emit(ctx context.Context, typ string, d Data) {
	now := e.now()
	if d.Timestamp == "" {
		d.Timestamp = now.Format(time.RFC3339Nano)
	}
	ev := Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: now,
		Data:      d,
	}

	// Caller cancellation (e.g. a cancelled worker) must not suppress the
	// notification; only the publish timeout bounds it.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	if err := e.pub.Publish(pctx, ev); err != nil {
		metrics.EventPublishFailures.WithLabelValues(typ).Inc()
		e.logger.Warn("event publish failed",
			"type", typ,
			"execution_id", d.ExecutionID,
			"error", err,
		)
	}
}

// MultiPublisher fans an event out to several publishers. Every publisher is
// attempted; the returned error joins individual failures.
type MultiPublisher []Publisher

// Publish implements Publisher.
func (m MultiPublisher) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }
