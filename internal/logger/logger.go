// Package logger holds the process-wide structured logger.
package logger

import (
	"fmt"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	ctrlzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Log is the shared logger. It discards everything until InitLogger is called.
var Log = zap.NewNop().Sugar()

// InitLogger builds the shared logger at the given level ("debug", "info",
// "warn", "error") and installs the same configuration as the
// controller-runtime logr sink.
func InitLogger(development bool, level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := []ctrlzap.Opts{
		ctrlzap.UseDevMode(development),
		ctrlzap.Level(lvl),
	}
	raw := ctrlzap.NewRaw(opts...)
	ctrl.SetLogger(ctrlzap.New(opts...))

	Log = raw.Sugar()
	return Log, nil
}

// NewTestLogger routes the shared logger to w at debug level, for use from
// test suites (typically with GinkgoWriter).
func NewTestLogger(w io.Writer) {
	raw := ctrlzap.NewRaw(ctrlzap.UseDevMode(true), ctrlzap.Level(zapcore.DebugLevel), ctrlzap.WriteTo(w))
	Log = raw.Sugar()
}
