package logger

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gitlab.com/timkado/api/lead-capture-service/internal/reqctx"
)

// Log is the global logger
var Log *zap.Logger

// Options describes how a logger is built.
type Options struct {
	Level       string   // debug, info, warn, error; anything else means info
	Encoding    string   // json or console
	OutputPaths []string // zap sinks, stdout when empty
	Service     string   // added as the "service" field when set
}

// Initialize sets up the global JSON logger on stdout with the given level.
func Initialize(level string) error {
	return InitializeWith(Options{Level: level, Encoding: "json", Service: "lead-capture-service"})
}

// InitializeWith builds a logger from opts and installs it as Log.
func InitializeWith(opts Options) error {
	l, err := New(opts)
	if err != nil {
		return err
	}
	Log = l
	return nil
}

// New builds a logger with UTC RFC3339 timestamps and caller info.
func New(opts Options) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
		level = zap.InfoLevel
	}

	encoding := opts.Encoding
	if encoding != "console" {
		encoding = "json"
	}
	outputs := opts.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	encodeLevel := zapcore.LowercaseLevelEncoder
	if encoding == "console" {
		encodeLevel = zapcore.CapitalLevelEncoder
	}

	config := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     utcTimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	l, err := config.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}
	if opts.Service != "" {
		l = l.With(zap.String("service", opts.Service))
	}
	return l, nil
}

func utcTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format(time.RFC3339))
}

// WithLogger attaches a scoped logger to the context
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the context's logger, or Log, tagged with the
// context's request id when there is one. It never returns nil.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return FromContextOr(context.Background(), nil)
	}
	l := FromContextOr(ctx, nil)
	if requestID, err := reqctx.RequestIDFromContext(ctx); err == nil {
		return l.With(zap.String("request_id", requestID))
	}
	return l
}

// FromContextOr returns the logger from the context, else defaultLogger,
// else the global logger. It never returns nil.
func FromContextOr(ctx context.Context, defaultLogger *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok && l != nil {
		return l
	}
	if defaultLogger != nil {
		return defaultLogger
	}
	if Log != nil {
		return Log
	}
	return zap.NewNop()
}

// Sync flushes any buffered log entries
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}

type contextKey int

const loggerKey contextKey = iota
