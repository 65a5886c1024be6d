package middleware

import (
	"context"
	"log/slog"
	"time"
)

// LoggingMiddleware logs step start and completion with timing.
type LoggingMiddleware struct {
	Base
	logger *slog.Logger
}

// Logging returns middleware that logs every step invocation.
func Logging(logger *slog.Logger) *LoggingMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingMiddleware{logger: logger}
}

func (m *LoggingMiddleware) Name() string { return "logging" }

func (m *LoggingMiddleware) BeforeExecute(ctx context.Context, inv *Invocation, mc Context) error {
	mc["start"] = time.Now()
	m.logger.Info("step started",
		slog.String("workflow", inv.Workflow),
		slog.String("execution_id", inv.ExecutionID.String()),
		slog.String("step", inv.Step),
		slog.Int("attempt", inv.Attempt),
	)
	return nil
}

func (m *LoggingMiddleware) AfterExecute(ctx context.Context, inv *Invocation, mc Context) {
	m.logger.Info("step completed",
		slog.String("workflow", inv.Workflow),
		slog.String("execution_id", inv.ExecutionID.String()),
		slog.String("step", inv.Step),
		slog.Duration("elapsed", m.elapsed(mc)),
	)
}

func (m *LoggingMiddleware) OnError(ctx context.Context, inv *Invocation, mc Context, err error) {
	m.logger.Error("step failed",
		slog.String("workflow", inv.Workflow),
		slog.String("execution_id", inv.ExecutionID.String()),
		slog.String("step", inv.Step),
		slog.Int("attempt", inv.Attempt),
		slog.Duration("elapsed", m.elapsed(mc)),
		slog.String("error", err.Error()),
	)
}

func (m *LoggingMiddleware) elapsed(mc Context) time.Duration {
	if start, ok := mc["start"].(time.Time); ok {
		return time.Since(start)
	}
	return 0
}
