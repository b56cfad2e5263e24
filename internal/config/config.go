// Package config owns the configuration aggregate of the CDC bridge: the
// validated, versioned snapshot of database, table and broker settings, the
// YAML loader with environment substitution, and the periodic reload watcher.
package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

// EnvConfigPath is the environment variable pointing at the YAML file when no
// explicit path is given.
const EnvConfigPath = "CDC_CONFIG_PATH"

// DatabaseType selects the source engine and therefore the capture strategy.
type DatabaseType string

const (
	DatabasePostgreSQL DatabaseType = "POSTGRESQL"
	DatabaseMySQL      DatabaseType = "MYSQL"
	DatabaseSQLServer  DatabaseType = "SQLSERVER"
	DatabaseOracle     DatabaseType = "ORACLE"
)

// Valid reports whether the database type is one of the supported engines.
func (t DatabaseType) Valid() bool {
	switch t {
	case DatabasePostgreSQL, DatabaseMySQL, DatabaseSQLServer, DatabaseOracle:
		return true
	default:
		return false
	}
}

// IncludeMode controls column filtering for one table rule.
type IncludeMode string

const (
	IncludeAll       IncludeMode = "INCLUDE_ALL"
	ExcludeSpecified IncludeMode = "EXCLUDE_SPECIFIED"
)

// SSLSpec holds optional TLS settings for the source database connection.
type SSLSpec struct {
	Enabled        bool   `mapstructure:"enabled"`
	Mode           string `mapstructure:"mode" validate:"omitempty,oneof=REQUIRE VERIFY_CA VERIFY_FULL"`
	CACertPath     string `mapstructure:"caCertPath"`
	ClientCertPath string `mapstructure:"clientCertPath"`
	ClientKeyPath  string `mapstructure:"clientKeyPath"`
}

// DatabaseSpec describes the monitored source database.
type DatabaseSpec struct {
	Type                 DatabaseType      `mapstructure:"type" validate:"required"`
	Host                 string            `mapstructure:"host" validate:"required"`
	Port                 int               `mapstructure:"port" validate:"required,min=1,max=65535"`
	Database             string            `mapstructure:"database" validate:"required"`
	Username             string            `mapstructure:"username" validate:"required"`
	Password             string            `mapstructure:"password"`
	SSL                  *SSLSpec          `mapstructure:"ssl"`
	AdditionalProperties map[string]string `mapstructure:"additionalProperties"`
}

// CompositeKey declares the columns identifying rows of a table that has no
// primary key.
type CompositeKey struct {
	ColumnNames []string `mapstructure:"columnNames" validate:"required,min=1"`
}

// TableRule declares one captured table.
type TableRule struct {
	Name         string        `mapstructure:"name" validate:"required"`
	IncludeMode  IncludeMode   `mapstructure:"includeMode" validate:"omitempty,oneof=INCLUDE_ALL EXCLUDE_SPECIFIED"`
	ColumnFilter []string      `mapstructure:"columnFilter"`
	CompositeKey *CompositeKey `mapstructure:"compositeKey"`
}

// Identifier returns the fully-qualified identifier for the rule within the
// configured database.
func (r TableRule) Identifier(database string) core.TableIdentifier {
	return core.NewTableIdentifier(database, r.Name)
}

// TruststoreSpec references a broker truststore.
type TruststoreSpec struct {
	Path     string `mapstructure:"path"`
	Password string `mapstructure:"password"`
}

// SecuritySpec holds optional broker security settings.
type SecuritySpec struct {
	Protocol   string          `mapstructure:"protocol" validate:"omitempty,oneof=SSL SASL_SSL SASL_PLAINTEXT"`
	Mechanism  string          `mapstructure:"mechanism" validate:"omitempty,oneof=PLAIN SCRAM_SHA_256 SCRAM_SHA_512"`
	Username   string          `mapstructure:"username"`
	Password   string          `mapstructure:"password"`
	Truststore *TruststoreSpec `mapstructure:"truststore"`
}

// BrokerSpec describes the destination message broker.
type BrokerSpec struct {
	Brokers            []string          `mapstructure:"brokers" validate:"required,min=1"`
	TopicPattern       string            `mapstructure:"topicPattern" validate:"required"`
	Security           *SecuritySpec     `mapstructure:"security"`
	ProducerProperties map[string]string `mapstructure:"producerProperties"`
}

// Aggregate is the single validated root handed to the controller. It is
// replaced atomically on reload and never mutated in place.
type Aggregate struct {
	Database DatabaseSpec `mapstructure:"database" validate:"required"`
	Tables   []TableRule  `mapstructure:"tables" validate:"required,min=1,dive"`
	Kafka    BrokerSpec   `mapstructure:"kafka" validate:"required"`
	LoadedAt time.Time    `mapstructure:"-"`
}

// TableIdentifiers returns the identifiers of all configured tables.
func (a *Aggregate) TableIdentifiers() []core.TableIdentifier {
	ids := make([]core.TableIdentifier, 0, len(a.Tables))
	for _, rule := range a.Tables {
		ids = append(ids, rule.Identifier(a.Database.Database))
	}
	return ids
}

// RuleFor returns the table rule matching the identifier, if any.
func (a *Aggregate) RuleFor(id core.TableIdentifier) (TableRule, bool) {
	for _, rule := range a.Tables {
		if rule.Identifier(a.Database.Database) == id {
			return rule, true
		}
	}
	return TableRule{}, false
}

// SourcePartition derives the stable stream identifier for this deployment:
// engine, host and database folded into one opaque string.
func (a *Aggregate) SourcePartition() string {
	return fmt.Sprintf("%s-%s-%s",
		strings.ToLower(string(a.Database.Type)), a.Database.Host, a.Database.Database)
}

var (
	brokerAddrPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+:[0-9]{1,5}$`)
	sqlDelimiters     = []string{";", "'", `"`, "`", "--", "/*"}
)

// Validate applies the aggregate-level rules on top of the per-field tags:
// duplicate tables, topic placeholders, broker address shape, SQL delimiters
// in host/name, and TLS asset existence.
func (a *Aggregate) Validate(v *validator.Validate) error {
	if v == nil {
		v = validator.New()
	}
	if err := v.Struct(a); err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}

	if !a.Database.Type.Valid() {
		return fmt.Errorf("%w: unsupported database type %q", core.ErrConfigInvalid, a.Database.Type)
	}

	for _, field := range []string{a.Database.Host, a.Database.Database} {
		for _, delim := range sqlDelimiters {
			if strings.Contains(field, delim) {
				return fmt.Errorf("%w: database host/name contains SQL delimiter %q", core.ErrConfigInvalid, delim)
			}
		}
	}

	seen := make(map[core.TableIdentifier]struct{}, len(a.Tables))
	for _, rule := range a.Tables {
		id := rule.Identifier(a.Database.Database)
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate table %s", core.ErrConfigInvalid, id)
		}
		seen[id] = struct{}{}
	}

	if !strings.Contains(a.Kafka.TopicPattern, "{database}") || !strings.Contains(a.Kafka.TopicPattern, "{table}") {
		return fmt.Errorf("%w: topic pattern %q must contain {database} and {table}", core.ErrConfigInvalid, a.Kafka.TopicPattern)
	}

	for _, addr := range a.Kafka.Brokers {
		if !brokerAddrPattern.MatchString(addr) {
			return fmt.Errorf("%w: broker address %q is not host:port", core.ErrConfigInvalid, addr)
		}
	}

	if ssl := a.Database.SSL; ssl != nil && ssl.Enabled {
		for _, path := range []string{ssl.CACertPath, ssl.ClientCertPath, ssl.ClientKeyPath} {
			if path == "" {
				continue
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("%w: TLS asset %q: %v", core.ErrConfigInvalid, path, err)
			}
		}
	}
	if sec := a.Kafka.Security; sec != nil && sec.Truststore != nil && sec.Truststore.Path != "" {
		if _, err := os.Stat(sec.Truststore.Path); err != nil {
			return fmt.Errorf("%w: truststore %q: %v", core.ErrConfigInvalid, sec.Truststore.Path, err)
		}
	}

	return nil
}

// Equal reports structural equality of the database spec, table rule set and
// broker spec, ignoring LoadedAt. Table rules compare order-insensitively.
func (a *Aggregate) Equal(other *Aggregate) bool {
	if a == nil || other == nil {
		return a == other
	}
	if !specEqual(a.Database, other.Database) || !brokerEqual(a.Kafka, other.Kafka) {
		return false
	}
	if len(a.Tables) != len(other.Tables) {
		return false
	}
	byName := make(map[string]TableRule, len(other.Tables))
	for _, rule := range other.Tables {
		byName[rule.Name] = rule
	}
	for _, rule := range a.Tables {
		o, ok := byName[rule.Name]
		if !ok || !ruleEqual(rule, o) {
			return false
		}
	}
	return true
}

func specEqual(a, b DatabaseSpec) bool {
	if a.Type != b.Type || a.Host != b.Host || a.Port != b.Port ||
		a.Database != b.Database || a.Username != b.Username || a.Password != b.Password {
		return false
	}
	if (a.SSL == nil) != (b.SSL == nil) {
		return false
	}
	if a.SSL != nil && *a.SSL != *b.SSL {
		return false
	}
	return mapsEqual(a.AdditionalProperties, b.AdditionalProperties)
}

func brokerEqual(a, b BrokerSpec) bool {
	if a.TopicPattern != b.TopicPattern || !slicesEqual(a.Brokers, b.Brokers) {
		return false
	}
	if (a.Security == nil) != (b.Security == nil) {
		return false
	}
	if a.Security != nil {
		sa, sb := a.Security, b.Security
		if sa.Protocol != sb.Protocol || sa.Mechanism != sb.Mechanism ||
			sa.Username != sb.Username || sa.Password != sb.Password {
			return false
		}
		if (sa.Truststore == nil) != (sb.Truststore == nil) {
			return false
		}
		if sa.Truststore != nil && *sa.Truststore != *sb.Truststore {
			return false
		}
	}
	return mapsEqual(a.ProducerProperties, b.ProducerProperties)
}

func ruleEqual(a, b TableRule) bool {
	if a.Name != b.Name || a.IncludeMode != b.IncludeMode {
		return false
	}
	if !slicesEqual(a.ColumnFilter, b.ColumnFilter) {
		return false
	}
	if (a.CompositeKey == nil) != (b.CompositeKey == nil) {
		return false
	}
	if a.CompositeKey != nil && !slicesEqual(a.CompositeKey.ColumnNames, b.CompositeKey.ColumnNames) {
		return false
	}
	return true
}

func slicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// newViper builds a viper instance with the aggregate defaults applied.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("kafka.topicPattern", "cdc.{database}.{table}")
	return v
}

// parseAggregate reads YAML bytes (already environment-expanded) into a
// validated aggregate.
func parseAggregate(raw []byte, validate *validator.Validate) (*Aggregate, error) {
	v := newViper()
	if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}

	var agg Aggregate
	if err := v.Unmarshal(&agg); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}

	for i := range agg.Tables {
		if agg.Tables[i].IncludeMode == "" {
			agg.Tables[i].IncludeMode = IncludeAll
		}
	}

	if err := agg.Validate(validate); err != nil {
		return nil, err
	}

	agg.LoadedAt = time.Now().UTC()
	return &agg, nil
}
