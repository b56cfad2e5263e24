// Package kafka delivers change events to the broker: portable JSON
// serialization, topic resolution from the configured template, and a
// producer with per-topic in-order acknowledgement and bounded in-flight
// backpressure.
package kafka

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

// wireTimestampFormat is the envelope timestamp layout: ISO-8601 UTC with
// millisecond precision.
const wireTimestampFormat = "2006-01-02T15:04:05.000Z"

// wireEvent is the serialized message body. Before/after stay explicit nulls
// when absent so consumers can rely on the operation invariants.
type wireEvent struct {
	Table     core.TableIdentifier `json:"table"`
	Operation string               `json:"operation"`
	Timestamp string               `json:"timestamp"`
	Position  wirePosition         `json:"position"`
	Before    core.RowData         `json:"before"`
	After     core.RowData         `json:"after"`
	Metadata  core.EventMetadata   `json:"metadata"`
}

type wirePosition struct {
	SourcePartition string         `json:"sourcePartition"`
	Offset          map[string]any `json:"offset"`
}

// Serialize renders a change event to its wire form.
func Serialize(event *core.ChangeEvent) ([]byte, error) {
	body := wireEvent{
		Table:     event.Table,
		Operation: string(event.Operation),
		Timestamp: event.Timestamp.UTC().Format(wireTimestampFormat),
		Position: wirePosition{
			SourcePartition: event.Position.SourcePartition,
			Offset:          event.Position.Offset,
		},
		Before:   event.Before,
		After:    event.After,
		Metadata: event.Metadata,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSerialization, err)
	}
	return data, nil
}

// MessageKey builds the message key from the row's key columns in stable
// column order. A row with no key yields the empty key; ordering is then
// best-effort.
func MessageKey(event *core.ChangeEvent) string {
	if len(event.KeyColumns) == 0 {
		return ""
	}
	row := event.After
	if event.Operation == core.OperationDelete {
		row = event.Before
	}
	if row == nil {
		return ""
	}

	parts := make([]string, 0, len(event.KeyColumns))
	for _, column := range event.KeyColumns {
		value, ok := row[column]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprint(value))
	}
	return strings.Join(parts, ":")
}
