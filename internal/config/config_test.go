package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

const validYAML = `
database:
  type: POSTGRESQL
  host: localhost
  port: 5432
  database: cdcdb
  username: cdc
  password: secret
tables:
  - name: public.orders
    includeMode: INCLUDE_ALL
  - name: public.customers
    includeMode: EXCLUDE_SPECIFIED
    columnFilter: [ssn]
    compositeKey:
      columnNames: [tenant_id, email]
kafka:
  brokers: ["localhost:9092", "localhost:9093"]
  topicPattern: "cdc.{database}.{table}"
`

// writeTempYAML writes a temporary YAML file with given content and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_LoadValid(t *testing.T) {
	loader := NewLoader(writeTempYAML(t, validYAML), nil)

	agg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, DatabasePostgreSQL, agg.Database.Type)
	assert.Equal(t, "cdcdb", agg.Database.Database)
	assert.Len(t, agg.Tables, 2)
	assert.Equal(t, IncludeAll, agg.Tables[0].IncludeMode)
	assert.Equal(t, []string{"tenant_id", "email"}, agg.Tables[1].CompositeKey.ColumnNames)
	assert.Equal(t, "cdc.{database}.{table}", agg.Kafka.TopicPattern)
	assert.False(t, agg.LoadedAt.IsZero())
	assert.Equal(t, "postgresql-localhost-cdcdb", agg.SourcePartition())
}

func TestLoader_MissingFile(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	_, err := loader.Load()
	assert.ErrorIs(t, err, core.ErrConfigIO)
}

func TestLoader_EnvSubstitution(t *testing.T) {
	t.Setenv("CDC_TEST_PASSWORD", "s3cr3t")

	yaml := `
database:
  type: MYSQL
  host: db.example.com
  port: 3306
  database: shop
  username: cdc
  password: ${CDC_TEST_PASSWORD}
tables:
  - name: orders
kafka:
  brokers: ["kafka:9092"]
  topicPattern: "cdc.{database}.{table}"
`
	loader := NewLoader(writeTempYAML(t, yaml), nil)
	agg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", agg.Database.Password)
}

func TestLoader_UnresolvedEnvBecomesEmpty(t *testing.T) {
	raw := []byte("password: ${CDC_DEFINITELY_UNSET_VAR}")
	expanded, unresolved := expandEnv(raw)
	assert.Equal(t, "password: ", string(expanded))
	assert.Equal(t, []string{"CDC_DEFINITELY_UNSET_VAR"}, unresolved)
}

func TestAggregate_ValidationFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Aggregate)
	}{
		{"duplicate table", func(a *Aggregate) {
			a.Tables = append(a.Tables, TableRule{Name: "public.orders", IncludeMode: IncludeAll})
		}},
		{"topic pattern missing placeholder", func(a *Aggregate) {
			a.Kafka.TopicPattern = "cdc.{database}"
		}},
		{"empty broker list", func(a *Aggregate) {
			a.Kafka.Brokers = nil
		}},
		{"broker not host:port", func(a *Aggregate) {
			a.Kafka.Brokers = []string{"kafka_no_port"}
		}},
		{"sql delimiter in host", func(a *Aggregate) {
			a.Database.Host = "localhost;DROP TABLE x"
		}},
		{"sql delimiter in database", func(a *Aggregate) {
			a.Database.Database = `cdc"db`
		}},
		{"no tables", func(a *Aggregate) {
			a.Tables = nil
		}},
		{"missing tls asset", func(a *Aggregate) {
			a.Database.SSL = &SSLSpec{Enabled: true, Mode: "VERIFY_CA", CACertPath: "/nonexistent/ca.pem"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewLoader(writeTempYAML(t, validYAML), nil)
			agg, err := loader.Load()
			require.NoError(t, err)

			tt.mutate(agg)
			err = agg.Validate(nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrConfigInvalid)
		})
	}
}

func TestAggregate_EqualIgnoresLoadedAt(t *testing.T) {
	path := writeTempYAML(t, validYAML)

	first, err := NewLoader(path, nil).Load()
	require.NoError(t, err)
	second, err := NewLoader(path, nil).Load()
	require.NoError(t, err)

	assert.NotEqual(t, first.LoadedAt, second.LoadedAt)
	assert.True(t, first.Equal(second))
	assert.Nil(t, Diff(first, second))
}

func TestDiff_AddedAndRemoved(t *testing.T) {
	old, err := NewLoader(writeTempYAML(t, validYAML), nil).Load()
	require.NoError(t, err)

	updatedYAML := `
database:
  type: POSTGRESQL
  host: localhost
  port: 5432
  database: cdcdb
  username: cdc
  password: secret
tables:
  - name: public.orders
  - name: public.payments
kafka:
  brokers: ["localhost:9092", "localhost:9093"]
  topicPattern: "cdc.{database}.{table}"
`
	updated, err := NewLoader(writeTempYAML(t, updatedYAML), nil).Load()
	require.NoError(t, err)

	change := Diff(old, updated)
	require.NotNil(t, change)
	assert.Equal(t, []core.TableIdentifier{core.NewTableIdentifier("cdcdb", "public.payments")}, change.Added)
	assert.Equal(t, []core.TableIdentifier{core.NewTableIdentifier("cdcdb", "public.customers")}, change.Removed)
}

func TestDiff_BrokerChangeWithoutTableDelta(t *testing.T) {
	old, err := NewLoader(writeTempYAML(t, validYAML), nil).Load()
	require.NoError(t, err)

	updated, err := NewLoader(writeTempYAML(t, validYAML), nil).Load()
	require.NoError(t, err)
	updated.Kafka.Brokers = []string{"other:9092"}

	change := Diff(old, updated)
	require.NotNil(t, change)
	assert.Empty(t, change.Added)
	assert.Empty(t, change.Removed)
}

func TestTableRule_Identifier(t *testing.T) {
	rule := TableRule{Name: "public.orders"}
	id := rule.Identifier("cdcdb")
	assert.Equal(t, "cdcdb", id.Database)
	assert.Equal(t, "public", id.Schema)
	assert.Equal(t, "orders", id.Table)

	bare := TableRule{Name: "orders"}
	assert.Empty(t, bare.Identifier("cdcdb").Schema)
}
