package logutil

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogPanicAndExit logs the panic reason and stack, then exit the process.
// Should be used with a `defer`.
func LogPanicAndExit(logger *zap.Logger) {
	if e := recover(); e != nil {
		logger.Fatal("panic and exit", zap.Reflect("recover", e), zap.Stack("stack"))
	}
}

// LogPanic logs the panic reason and re-panics, so that the goroutine still dies.
// Should be used with a `defer`.
func LogPanic(logger *zap.Logger) {
	if e := recover(); e != nil {
		logger.Error("panic", zap.Reflect("recover", e))
		panic(e)
	}
}

// DebugEnabled reports whether the logger writes debug entries.
func DebugEnabled(logger *zap.Logger) bool {
	return logger.Core().Enabled(zapcore.DebugLevel)
}
