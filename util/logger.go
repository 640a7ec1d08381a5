package util

import (
	"log"
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// parseLogLevel accepts either a zapcore level number ("-1") or a level
// name ("debug"). Anything else falls back to info.
func parseLogLevel(raw string) zapcore.Level {
	if n, err := strconv.Atoi(raw); err == nil {
		return zapcore.Level(n)
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(raw)); err == nil {
		return lvl
	}
	return zapcore.InfoLevel
}

func initLogger(service string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(parseLogLevel(os.Getenv("LOG_LEVEL")))
	zapCfg.EncoderConfig.CallerKey = "ln"
	zapCfg.EncoderConfig.FunctionKey = ""
	zapCfg.EncoderConfig.LevelKey = "severity"
	zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.OutputPaths = []string{"stdout"}
	if service != "" {
		zapCfg.InitialFields = map[string]any{"service": service}
	}

	return zapCfg.Build()
}

func NewLogger(service string) (*zap.Logger, func()) {
	logger, err := initLogger(service)
	if err != nil {
		log.Fatalf("fail to init logger, error: %v", err)
	}

	undo := zap.ReplaceGlobals(logger)

	return logger, func() {
		undo()
		_ = logger.Sync()
	}
}
