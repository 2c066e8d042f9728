package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/koscakluka/ema-surgery/internal/config"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initLogger creates the process logger used for startup and shutdown.
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// installLogProvider routes the package loggers, which are bridged to
// OpenTelemetry, to stderr. The returned function flushes pending records.
func installLogProvider(cfg config.LoggingConfig) (func(context.Context) error, error) {
	exporterOpts := []stdoutlog.Option{stdoutlog.WithWriter(os.Stderr)}
	if cfg.Format != "json" {
		exporterOpts = append(exporterOpts, stdoutlog.WithPrettyPrint())
	}
	exporter, err := stdoutlog.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create log exporter: %w", err)
	}

	processor := severityFilter{
		Processor: sdklog.NewBatchProcessor(exporter),
		min:       severity(parseLevel(cfg.Level)),
	}
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))
	global.SetLoggerProvider(provider)
	return provider.Shutdown, nil
}

// severityFilter drops records below the configured level.
type severityFilter struct {
	sdklog.Processor
	min log.Severity
}

func (f severityFilter) OnEmit(ctx context.Context, record *sdklog.Record) error {
	if record.Severity() < f.min {
		return nil
	}
	return f.Processor.OnEmit(ctx, record)
}

func severity(level slog.Level) log.Severity {
	switch {
	case level >= slog.LevelError:
		return log.SeverityError
	case level >= slog.LevelWarn:
		return log.SeverityWarn
	case level >= slog.LevelInfo:
		return log.SeverityInfo
	default:
		return log.SeverityDebug
	}
}
