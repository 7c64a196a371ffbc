package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFormat selects the encoder.
type LogFormat string

const (
	FormatConsole LogFormat = "CONSOLE"
	FormatJSON    LogFormat = "JSON"
)

var (
	initOnce    sync.Once
	initialized bool
	mu          sync.Mutex
)

// ParseLevel maps LOGGING_LEVEL values to zap levels. Unknown values fall back to INFO.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseFormat maps LOGGING_FORMAT values. Anything other than JSON is console.
func ParseFormat(format string) LogFormat {
	if strings.EqualFold(format, string(FormatJSON)) {
		return FormatJSON
	}
	return FormatConsole
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05 MST"))
}

// New creates a zap logger writing to stdout.
func New(level string, format LogFormat) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if format == FormatJSON {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = timeEncoder
		encoderConfig.ConsoleSeparator = " | "
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.NewAtomicLevelAt(ParseLevel(level)))
	return zap.New(core, zap.AddCaller())
}

// Initialize replaces the global zap logger using LOGGING_LEVEL and LOGGING_FORMAT.
func Initialize() {
	initOnce.Do(func() {
		level := getEnv("LOGGING_LEVEL", "INFO")
		format := ParseFormat(getEnv("LOGGING_FORMAT", string(FormatConsole)))
		Configure(level, format)
	})
}

// Configure replaces the global logger explicitly, e.g. from CLI flags.
func Configure(level string, format LogFormat) {
	mu.Lock()
	defer mu.Unlock()

	l := New(level, format)
	zap.ReplaceGlobals(l)
	initialized = true
	l.Debug("Logger initialized", zap.String("level", level), zap.String("format", string(format)))
}

// For returns a named sugared logger for a component.
func For(component string) *zap.SugaredLogger {
	mu.Lock()
	ready := initialized
	mu.Unlock()
	if !ready {
		Initialize()
	}
	return zap.S().Named(component)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
