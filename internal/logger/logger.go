package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu            sync.Mutex
	defaultLogger *zap.SugaredLogger
)

// Init builds the process-wide logger. json selects the production encoder.
func Init(level string, json bool) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if json {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), parseLevel(level))

	mu.Lock()
	defaultLogger = zap.New(core, zap.AddCaller()).Sugar()
	mu.Unlock()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Get returns the process logger, initialising an info-level console logger on first use.
func Get() *zap.SugaredLogger {
	mu.Lock()
	l := defaultLogger
	mu.Unlock()
	if l == nil {
		Init("info", false)
		mu.Lock()
		l = defaultLogger
		mu.Unlock()
	}
	return l
}

// Set replaces the process logger. Tests use it with zap.NewNop or zaptest.
func Set(l *zap.SugaredLogger) {
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
}

// Sync flushes buffered entries.
func Sync() {
	_ = Get().Sync()
}
