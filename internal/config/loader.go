package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

// Loader reads and validates the aggregate from a YAML file.
type Loader struct {
	path     string
	logger   *slog.Logger
	validate *validator.Validate
}

// NewLoader creates a loader for the given path. An empty path falls back to
// the CDC_CONFIG_PATH environment variable.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		path:     path,
		logger:   logger.With("component", "config-loader"),
		validate: validator.New(),
	}
}

// Path returns the resolved configuration file path.
func (l *Loader) Path() string {
	return l.path
}

// Load parses the file, resolves ${VAR} environment references and applies
// all validation rules. A failure returns ErrConfigIO (unreadable file) or
// ErrConfigInvalid (parse/validation) without side effects.
func (l *Loader) Load() (*Aggregate, error) {
	if l.path == "" {
		return nil, fmt.Errorf("%w: no configuration path (set %s)", core.ErrConfigIO, EnvConfigPath)
	}

	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigIO, err)
	}

	expanded, unresolved := expandEnv(raw)
	for _, name := range unresolved {
		l.logger.Warn("Unresolved environment reference in configuration, substituting empty string",
			"variable", name)
	}

	agg, err := parseAggregate(expanded, l.validate)
	if err != nil {
		return nil, err
	}

	l.logger.Debug("Configuration loaded",
		"path", l.path,
		"database_type", agg.Database.Type,
		"tables", len(agg.Tables),
		"brokers", len(agg.Kafka.Brokers),
	)
	return agg, nil
}

// LastModified returns the configuration file mtime.
func (l *Loader) LastModified() (time.Time, error) {
	info, err := os.Stat(l.path)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", core.ErrConfigIO, err)
	}
	return info.ModTime(), nil
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references from the process environment. An
// unresolved variable becomes the empty string and is reported back so the
// caller can warn without ever logging the surrounding value.
func expandEnv(raw []byte) ([]byte, []string) {
	var unresolved []string
	out := envRefPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := string(envRefPattern.FindSubmatch(match)[1])
		value, ok := os.LookupEnv(name)
		if !ok {
			unresolved = append(unresolved, name)
			return nil
		}
		return []byte(value)
	})
	return out, unresolved
}
