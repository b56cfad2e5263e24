package source

import (
	"fmt"

	"github.com/vitaliisemenov/cdc-bridge/internal/config"
	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

// PingTarget returns the database/sql driver name, DSN and version query for
// a plain connectivity check against the configured source. The health probe
// uses this without touching the capture path.
func PingTarget(aggregate *config.Aggregate) (driverName, dsn, versionQuery string, err error) {
	spec := aggregate.Database
	switch spec.Type {
	case config.DatabasePostgreSQL:
		sslMode := "disable"
		if spec.SSL != nil && spec.SSL.Enabled {
			sslMode = "require"
		}
		return "pgx", fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				spec.Username, spec.Password, spec.Host, spec.Port, spec.Database, sslMode),
			"SELECT version()", nil
	case config.DatabaseMySQL:
		return "mysql", fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
				spec.Username, spec.Password, spec.Host, spec.Port, spec.Database),
			"SELECT VERSION()", nil
	case config.DatabaseSQLServer:
		return "sqlserver", fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s",
				spec.Username, spec.Password, spec.Host, spec.Port, spec.Database),
			"SELECT @@VERSION", nil
	case config.DatabaseOracle:
		return "oracle", fmt.Sprintf("oracle://%s:%s@%s:%d/%s",
				spec.Username, spec.Password, spec.Host, spec.Port, spec.Database),
			"SELECT banner FROM v$version WHERE ROWNUM = 1", nil
	default:
		return "", "", "", fmt.Errorf("%w: unsupported database type %q", core.ErrConfigInvalid, spec.Type)
	}
}
