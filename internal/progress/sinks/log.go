package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/progress"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Job failures log at error level, page
// failures at warn and per-record outcomes at debug.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("job_id", evt.JobID),
			zap.String("source_id", evt.SourceID),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageJobStart:
			s.logger.Info("job started", fields...)
		case progress.StageJobDone:
			fields = append(fields,
				zap.String("status", string(evt.Status)),
				zap.Duration("dur", evt.Dur),
				zap.Int64("extracted", evt.Counters.Extracted),
				zap.Int64("synced", evt.Counters.Synced()),
				zap.Int64("rejected", evt.Counters.Rejected),
				zap.Int64("suppressed", evt.Counters.Suppressed),
				zap.Int64("pages_failed", evt.Counters.PagesFailed),
			)
			if evt.Note != "" {
				fields = append(fields, zap.String("note", evt.Note))
			}
			level := zapcore.InfoLevel
			if evt.Status != crawler.JobStatusSuccess {
				level = zapcore.ErrorLevel
			}
			s.logger.Log(level, "job finished", fields...)
		case progress.StagePageFailed:
			fields = append(fields, zap.String("url", evt.URL), zap.String("note", evt.Note))
			s.logger.Warn("page failed", fields...)
		case progress.StageRecord:
			fields = append(fields, zap.String("kind", string(evt.Kind)), zap.String("outcome", evt.Outcome))
			if evt.Note != "" {
				fields = append(fields, zap.String("note", evt.Note))
			}
			s.logger.Debug("record processed", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
