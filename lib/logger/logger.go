package logger

import (
	"context"
	"os"
	"strings"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	Output   string `toml:"output"`
	Severity string `toml:"severity"`
}

type Fields = log.Fields

type contextKey struct{}

// Init sets up logger for a typical daemon scenario until configuration
// file is parsed.
func Init() {
	formatter := &log.TextFormatter{
		DisableTimestamp: true,
		PadLevelText:     true,
	}

	log.SetOutput(os.Stderr)
	log.SetLevel(log.ErrorLevel)
	log.SetFormatter(formatter)
}

// Setup reconfigures the standard logger according to the config.
func Setup(conf Config) error {
	switch conf.Output {
	case "stderr", "error", "2":
		log.SetOutput(os.Stderr)
	case "", "stdout", "out", "1":
		log.SetOutput(os.Stdout)
	default:
		// assume it's a file path
		logFile, err := os.OpenFile(conf.Output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
		if err != nil {
			return trace.Wrap(err, "failed to create the log file")
		}
		log.SetOutput(logFile)
	}

	switch strings.ToLower(conf.Severity) {
	case "", "info":
		log.SetLevel(log.InfoLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	default:
		return trace.BadParameter("unknown log severity %q", conf.Severity)
	}

	return nil
}

// Standard returns the standard logger.
func Standard() log.FieldLogger {
	return log.StandardLogger()
}

// Get returns the logger stored in the context or the standard one.
func Get(ctx context.Context) log.FieldLogger {
	if logger, ok := ctx.Value(contextKey{}).(log.FieldLogger); ok && logger != nil {
		return logger
	}

	return Standard()
}

// With stores an existing logger in the context.
func With(ctx context.Context, logger log.FieldLogger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// WithField returns a context with an updated logger and that logger.
func WithField(ctx context.Context, key string, value interface{}) (context.Context, log.FieldLogger) {
	logger := Get(ctx).WithField(key, value)
	return With(ctx, logger), logger
}

// WithFields returns a context with an updated logger and that logger.
func WithFields(ctx context.Context, fields Fields) (context.Context, log.FieldLogger) {
	logger := Get(ctx).WithFields(fields)
	return With(ctx, logger), logger
}

// SetField updates the context logger in place.
func SetField(ctx context.Context, key string, value interface{}) context.Context {
	ctx, _ = WithField(ctx, key, value)
	return ctx
}
