package logging

import (
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug for prompt and response bodies.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a level name, accepting "trace" as well as the zap
// level names.
func LevelFromString(level string) (zapcore.Level, error) {
	if level == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

func levelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if l == TraceLevel {
		enc.AppendString("trace")
		return
	}
	zapcore.LowercaseLevelEncoder(l, enc)
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = levelEncoder
	if format == "console" {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// buildCore writes to the configured writer and, when enabled, to the OTEL
// log pipeline. Only the local writer is sampled.
func buildCore(cfg *Config, provider log.LoggerProvider) (zapcore.Core, error) {
	enc, err := newRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
	if err != nil {
		return nil, err
	}
	w := cfg.Output.Writer
	if w == nil {
		w = os.Stderr
	}
	core := localCore(enc, zapcore.AddSync(w), cfg.Level, cfg.Sampling)

	if !cfg.Output.OTEL || provider == nil {
		return core, nil
	}
	name := cfg.Fields["service"]
	if name == "" {
		name = "pipelined"
	}
	bridge := zapcore.Core(otelzap.NewCore(name, otelzap.WithLoggerProvider(provider)))
	if leveled, err := zapcore.NewIncreaseLevelCore(bridge, cfg.Level); err == nil {
		bridge = leveled
	}
	return zapcore.NewTee(core, bridge), nil
}

// localCore splits entries at error level so sampling never drops errors.
func localCore(enc zapcore.Encoder, ws zapcore.WriteSyncer, lvl zapcore.Level, s SamplingConfig) zapcore.Core {
	if !s.Enabled {
		return zapcore.NewCore(enc, ws, lvl)
	}
	severe := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= lvl && l >= zapcore.ErrorLevel
	})
	routine := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= lvl && l < zapcore.ErrorLevel
	})
	return zapcore.NewTee(
		zapcore.NewCore(enc, ws, severe),
		zapcore.NewSamplerWithOptions(zapcore.NewCore(enc.Clone(), ws, routine), s.Tick, s.Initial, s.Thereafter),
	)
}

func validateSampling(s SamplingConfig) error {
	if s.Enabled && s.Tick <= 0 {
		return fmt.Errorf("sampling tick must be > 0 when sampling is enabled")
	}
	return nil
}
