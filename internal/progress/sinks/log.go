package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/govdoc-harvester/internal/progress"
)

// LogSink writes each event to zap at the event's level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("identity", evt.Identity),
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("kind", string(evt.Kind)),
			zap.Time("event_ts", evt.TS),
		}
		if evt.Section != "" {
			fields = append(fields, zap.String("section", evt.Section))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.Outcome != "" {
			fields = append(fields, zap.String("outcome", evt.Outcome))
		}
		if evt.ErrType != "" {
			fields = append(fields, zap.String("error_type", evt.ErrType))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if len(evt.Details) > 0 {
			fields = append(fields, zap.Any("details", evt.Details))
		}
		if ce := s.logger.Check(zapLevel(evt.Level), evt.Message); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

func zapLevel(l progress.Level) zapcore.Level {
	switch l {
	case progress.LevelDebug:
		return zapcore.DebugLevel
	case progress.LevelWarn:
		return zapcore.WarnLevel
	case progress.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
