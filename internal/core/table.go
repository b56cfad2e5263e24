package core

import "strings"

// TableIdentifier uniquely identifies a captured table. Schema may be empty
// for engines without a schema concept (e.g. MySQL, where the database is
// the namespace).
type TableIdentifier struct {
	Database string `json:"database"`
	Schema   string `json:"schema,omitempty"`
	Table    string `json:"table"`
}

// NewTableIdentifier builds an identifier from a configured table name of the
// form "schema.table" or "table", qualified with the database name.
func NewTableIdentifier(database, name string) TableIdentifier {
	if schema, table, ok := strings.Cut(name, "."); ok {
		return TableIdentifier{Database: database, Schema: schema, Table: table}
	}
	return TableIdentifier{Database: database, Table: name}
}

// FQN returns the fully-qualified form "database.schema.table", or
// "database.table" when the schema is absent. Used as the routing key stem.
func (t TableIdentifier) FQN() string {
	if t.Schema == "" {
		return t.Database + "." + t.Table
	}
	return t.Database + "." + t.Schema + "." + t.Table
}

// Relation returns the engine-local name "schema.table" (or "table").
func (t TableIdentifier) Relation() string {
	if t.Schema == "" {
		return t.Table
	}
	return t.Schema + "." + t.Table
}

func (t TableIdentifier) String() string {
	return t.FQN()
}
