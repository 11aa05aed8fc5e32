package simlog

import (
	"log/slog"

	zapslog "github.com/tommoulard/zap-slog"
	"go.uber.org/zap"
)

// Zap returns a zap logger that writes through logger, for embedders whose
// code logs with zap.
func Zap(logger *slog.Logger) (*zap.Logger, error) {
	return zap.NewProduction(zapslog.WrapCore(logger))
}
