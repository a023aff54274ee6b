// Package cmdutil holds the bootstrap helpers shared by the four
// service binaries (cmd/receiver, cmd/working, cmd/delivery,
// cmd/dsncomposer), lifted out of the teacher's single cmd/mailit/main.go
// so each binary doesn't redefine setupLogger/asynqLogger for itself.
package cmdutil

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/relaymta/relaymta/internal/config"
)

// SetupLogger builds the process-wide slog.Logger from LoggingConfig,
// matching the teacher's cmd/mailit setupLogger.
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// AsynqLogger adapts slog to asynq's Logger interface.
type AsynqLogger struct {
	logger *slog.Logger
}

// NewAsynqLogger wraps logger for use as an asynq.Config.Logger.
func NewAsynqLogger(logger *slog.Logger) *AsynqLogger {
	return &AsynqLogger{logger: logger.With("component", "asynq")}
}

func (l *AsynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l *AsynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l *AsynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l *AsynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }
func (l *AsynqLogger) Fatal(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }
