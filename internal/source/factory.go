package source

import (
	"fmt"
	"log/slog"

	"github.com/vitaliisemenov/cdc-bridge/internal/config"
	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

// NewStrategy returns the capture strategy for the configured engine.
func NewStrategy(databaseType config.DatabaseType, logger *slog.Logger) (Strategy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch databaseType {
	case config.DatabasePostgreSQL:
		return newPostgresStrategy(logger), nil
	case config.DatabaseMySQL:
		return newMySQLStrategy(logger), nil
	case config.DatabaseSQLServer:
		return newSQLServerStrategy(logger), nil
	case config.DatabaseOracle:
		return newOracleStrategy(logger), nil
	default:
		return nil, fmt.Errorf("%w: unsupported database type %q", core.ErrConfigInvalid, databaseType)
	}
}
