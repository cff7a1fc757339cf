package env

import (
	"fmt"

	zap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MakeLogger builds the JSON production logger at level, one of debug, info,
// warn or error.
func MakeLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(lvl)
	logConfig.Encoding = "json"

	return logConfig.Build()
}
