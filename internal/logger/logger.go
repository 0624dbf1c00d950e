package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global logger instance.
	Logger *zap.SugaredLogger
	// JSONOutput tracks whether JSON encoding is active.
	JSONOutput bool
)

func init() {
	// Safe no-op default so the agent never panics on a logger call made
	// before Initialize (e.g. during flag parsing).
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger. jsonOutput selects structured JSON;
// otherwise a minimal human-readable console encoder is used. fahagent
// passes false and derives level from its -v/--verbose count.
func Initialize(jsonOutput bool, level zapcore.Level) error {
	JSONOutput = jsonOutput

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(level)
		zapLogger, err = config.Build()
	} else {
		zapLogger = zap.New(
			zapcore.NewCore(
				newMinimalEncoder(),
				zapcore.AddSync(os.Stdout),
				level,
			),
		)
	}

	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// Cleanup flushes any buffered log entries.
func Cleanup() error {
	if Logger != nil {
		return Logger.Sync()
	}
	return nil
}

func Info(args ...interface{})                        { Logger.Info(args...) }
func Infof(format string, args ...interface{})        { Logger.Infof(format, args...) }
func Infow(msg string, kv ...interface{})             { Logger.Infow(msg, kv...) }
func Error(args ...interface{})                       { Logger.Error(args...) }
func Errorf(format string, args ...interface{})       { Logger.Errorf(format, args...) }
func Errorw(msg string, kv ...interface{})            { Logger.Errorw(msg, kv...) }
func Warn(args ...interface{})                        { Logger.Warn(args...) }
func Warnf(format string, args ...interface{})        { Logger.Warnf(format, args...) }
func Warnw(msg string, kv ...interface{})             { Logger.Warnw(msg, kv...) }
func Debug(args ...interface{})                       { Logger.Debug(args...) }
func Debugf(format string, args ...interface{})       { Logger.Debugf(format, args...) }
func Debugw(msg string, kv ...interface{})            { Logger.Debugw(msg, kv...) }
