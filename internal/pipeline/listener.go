package pipeline

import (
	"log/slog"

	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

// LogListener is the default lifecycle listener: it writes capture and
// schema side events to the structured log.
type LogListener struct {
	logger *slog.Logger
}

// NewLogListener wraps a logger as a lifecycle listener.
func NewLogListener(logger *slog.Logger) *LogListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogListener{logger: logger.With("component", "lifecycle")}
}

func (l *LogListener) OnCaptureStarted(e core.CaptureStarted) {
	l.logger.Info("Capture started",
		"table", e.Table.FQN(),
		"initial_sequence", e.InitialPosition.Sequence,
	)
}

func (l *LogListener) OnCaptureStopped(e core.CaptureStopped) {
	l.logger.Info("Capture stopped",
		"table", e.Table.FQN(),
		"reason", string(e.Reason),
		"final_sequence", e.FinalPosition.Sequence,
	)
}

func (l *LogListener) OnSchemaChanged(e core.SchemaChanged) {
	l.logger.Info("Schema changed",
		"table", e.Table.FQN(),
		"kind", string(e.Kind),
		"column", e.Column,
		"old_type", e.OldType,
		"new_type", e.NewType,
	)
}

var _ core.LifecycleListener = (*LogListener)(nil)
