package source

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/cdc-bridge/internal/config"
	"github.com/vitaliisemenov/cdc-bridge/internal/core"
	"github.com/vitaliisemenov/cdc-bridge/internal/offset"
	"github.com/vitaliisemenov/cdc-bridge/internal/resilience"
	"github.com/vitaliisemenov/cdc-bridge/pkg/metrics"
)

// fakeDriver replays a fixed record sequence, then idles until cancellation.
type fakeDriver struct {
	records chan RawRecord
	replay  []RawRecord
}

func newFakeDriver(records ...RawRecord) *fakeDriver {
	return &fakeDriver{records: make(chan RawRecord, len(records)+1), replay: records}
}

func (d *fakeDriver) Records() <-chan RawRecord { return d.records }

func (d *fakeDriver) Run(ctx context.Context) error {
	for _, rec := range d.replay {
		select {
		case d.records <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

// fakeStrategy hands out one prepared driver.
type fakeStrategy struct {
	driver Driver
}

func (s *fakeStrategy) Name() string { return "fake" }

func (s *fakeStrategy) BuildDriver(*config.Aggregate, *core.Position) (Driver, error) {
	return s.driver, nil
}

func (s *fakeStrategy) MapOperation(code string) (core.OperationType, error) {
	return mapOperation(code)
}

func (s *fakeStrategy) DecodePosition(offset map[string]any) (core.Position, error) {
	seq, _ := offset["seq"].(float64)
	return core.Position{Offset: offset, Sequence: uint64(seq)}, nil
}

// fakePublisher acks synchronously, with optional per-sequence failures.
type fakePublisher struct {
	mu       sync.Mutex
	events   []*core.ChangeEvent
	failSeqs map[uint64]error
}

func (p *fakePublisher) Publish(_ context.Context, event *core.ChangeEvent, ack core.AckFunc) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	failErr := p.failSeqs[event.Position.Sequence]
	p.mu.Unlock()
	ack(failErr)
	return nil
}

func (p *fakePublisher) InFlight() int { return 0 }

func (p *fakePublisher) Close(context.Context) error { return nil }

func (p *fakePublisher) published() []*core.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*core.ChangeEvent, len(p.events))
	copy(out, p.events)
	return out
}

func testAggregate(rules ...config.TableRule) *config.Aggregate {
	if len(rules) == 0 {
		rules = []config.TableRule{{Name: "public.orders", IncludeMode: config.IncludeAll}}
	}
	return &config.Aggregate{
		Database: config.DatabaseSpec{
			Type: config.DatabasePostgreSQL, Host: "localhost", Port: 5432,
			Database: "cdcdb", Username: "cdc",
		},
		Tables: rules,
		Kafka: config.BrokerSpec{
			Brokers: []string{"localhost:9092"}, TopicPattern: "cdc.{database}.{table}",
		},
	}
}

func record(seq uint64, code string, before, after map[string]any) RawRecord {
	return RawRecord{
		Table:     core.NewTableIdentifier("cdcdb", "public.orders"),
		OpCode:    code,
		Timestamp: time.Now().UTC(),
		Position: core.Position{
			SourcePartition: "postgresql-localhost-cdcdb",
			Offset:          map[string]any{"seq": float64(seq)},
			Sequence:        seq,
		},
		Before:      before,
		After:       after,
		ColumnTypes: map[string]string{"order_id": "bigint", "status": "text"},
		KeyColumns:  []string{"order_id"},
	}
}

// runAdapter drives the adapter until the wanted number of events is
// published, then cancels and waits for a clean exit.
func runAdapter(t *testing.T, cfg AdapterConfig, publisher *fakePublisher, wantEvents int) *Adapter {
	t.Helper()
	adapter, err := NewAdapter(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- adapter.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for len(publisher.published()) < wantEvents {
		select {
		case <-deadline:
			cancel()
			t.Fatalf("only %d of %d events published", len(publisher.published()), wantEvents)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	require.NoError(t, <-done)
	return adapter
}

func TestAdapter_RoundTrip(t *testing.T) {
	driver := newFakeDriver(
		record(10, opCreate, nil, map[string]any{"order_id": int64(1), "status": "PENDING"}),
		record(20, opUpdate,
			map[string]any{"order_id": int64(1), "status": "PENDING"},
			map[string]any{"order_id": int64(1), "status": "CONFIRMED"}),
		record(30, opDelete, map[string]any{"order_id": int64(1), "status": "CONFIRMED"}, nil),
	)
	publisher := &fakePublisher{}
	store := offset.NewMemoryStore()

	adapter := runAdapter(t, AdapterConfig{
		Strategy:  &fakeStrategy{driver: driver},
		Aggregate: testAggregate(),
		Publisher: publisher,
		Offsets:   store,
	}, publisher, 3)

	events := publisher.published()
	require.Len(t, events, 3)

	assert.Equal(t, core.OperationInsert, events[0].Operation)
	assert.Nil(t, events[0].Before)
	assert.Equal(t, "PENDING", events[0].After["status"])
	assert.Equal(t, "cdc-bridge-fake", events[0].Metadata.Connector)
	assert.Equal(t, 1, events[0].Metadata.SchemaVersion)
	assert.Equal(t, []string{"order_id"}, events[0].KeyColumns)

	assert.Equal(t, core.OperationUpdate, events[1].Operation)
	assert.Equal(t, "PENDING", events[1].Before["status"])
	assert.Equal(t, "CONFIRMED", events[1].After["status"])

	assert.Equal(t, core.OperationDelete, events[2].Operation)
	assert.Nil(t, events[2].After)
	assert.Equal(t, int64(1), events[2].Before["order_id"])

	// All acks succeeded: the offset advanced to the last record.
	saved, err := store.Load(context.Background(), adapter.SourcePartition())
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, uint64(30), saved.Sequence)

	current := adapter.CurrentPosition()
	require.NotNil(t, current)
	assert.Equal(t, uint64(30), current.Sequence)
}

func TestAdapter_FailedDeliveryWithholdsOffset(t *testing.T) {
	driver := newFakeDriver(
		record(10, opCreate, nil, map[string]any{"order_id": int64(1)}),
		record(20, opCreate, nil, map[string]any{"order_id": int64(2)}),
		record(30, opCreate, nil, map[string]any{"order_id": int64(3)}),
	)
	publisher := &fakePublisher{failSeqs: map[uint64]error{
		20: errors.New("delivery deadline expired"),
	}}
	store := offset.NewMemoryStore()

	adapter := runAdapter(t, AdapterConfig{
		Strategy:  &fakeStrategy{driver: driver},
		Aggregate: testAggregate(),
		Publisher: publisher,
		Offsets:   store,
	}, publisher, 3)

	// Only the prefix before the failed event is committed.
	saved, err := store.Load(context.Background(), adapter.SourcePartition())
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, uint64(10), saved.Sequence)
}

func TestAdapter_TombstonesAreCountedAndSkipped(t *testing.T) {
	tombstone := RawRecord{
		Table:    core.NewTableIdentifier("cdcdb", "public.orders"),
		OpCode:   opCreate,
		Position: core.Position{SourcePartition: "p", Sequence: 5},
	}
	driver := newFakeDriver(
		tombstone,
		record(10, opCreate, nil, map[string]any{"order_id": int64(1)}),
	)
	publisher := &fakePublisher{}
	pm := metrics.NewPipelineMetrics()

	runAdapter(t, AdapterConfig{
		Strategy:  &fakeStrategy{driver: driver},
		Aggregate: testAggregate(),
		Publisher: publisher,
		Offsets:   offset.NewMemoryStore(),
		Metrics:   pm,
	}, publisher, 1)

	snapshot := pm.GetSnapshot()
	assert.Equal(t, uint64(1), snapshot.EventsSkipped)
	assert.Equal(t, uint64(1), snapshot.EventsCaptured)
}

func TestAdapter_UnknownOperationIsFatal(t *testing.T) {
	driver := newFakeDriver(record(10, "z", nil, map[string]any{"order_id": int64(1)}))
	publisher := &fakePublisher{}

	adapter, err := NewAdapter(AdapterConfig{
		Strategy:  &fakeStrategy{driver: driver},
		Aggregate: testAggregate(),
		Publisher: publisher,
		Offsets:   offset.NewMemoryStore(),
		Retry:     &resilience.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = adapter.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDriverFatal)
}

func TestAdapter_SnapshotFlagPropagates(t *testing.T) {
	rec := record(10, opRead, nil, map[string]any{"order_id": int64(1)})
	rec.Snapshot = true
	driver := newFakeDriver(rec)
	publisher := &fakePublisher{}

	runAdapter(t, AdapterConfig{
		Strategy:  &fakeStrategy{driver: driver},
		Aggregate: testAggregate(),
		Publisher: publisher,
		Offsets:   offset.NewMemoryStore(),
	}, publisher, 1)

	events := publisher.published()
	require.Len(t, events, 1)
	assert.Equal(t, core.OperationInsert, events[0].Operation)
	assert.True(t, events[0].Metadata.Snapshot)
}

func TestAdapter_ColumnFilterExcludesColumns(t *testing.T) {
	driver := newFakeDriver(record(10, opCreate, nil,
		map[string]any{"order_id": int64(1), "status": "PENDING"}))
	publisher := &fakePublisher{}

	runAdapter(t, AdapterConfig{
		Strategy: &fakeStrategy{driver: driver},
		Aggregate: testAggregate(config.TableRule{
			Name:         "public.orders",
			IncludeMode:  config.ExcludeSpecified,
			ColumnFilter: []string{"status"},
		}),
		Publisher: publisher,
		Offsets:   offset.NewMemoryStore(),
	}, publisher, 1)

	events := publisher.published()
	require.Len(t, events, 1)
	assert.Contains(t, events[0].After, "order_id")
	assert.NotContains(t, events[0].After, "status")
}

func TestAdapter_CompositeKeyFallback(t *testing.T) {
	rec := record(10, opCreate, nil, map[string]any{"tenant_id": int64(1), "email": "a@b.c"})
	rec.KeyColumns = nil
	driver := newFakeDriver(rec)
	publisher := &fakePublisher{}

	runAdapter(t, AdapterConfig{
		Strategy: &fakeStrategy{driver: driver},
		Aggregate: testAggregate(config.TableRule{
			Name:         "public.orders",
			IncludeMode:  config.IncludeAll,
			CompositeKey: &config.CompositeKey{ColumnNames: []string{"tenant_id", "email"}},
		}),
		Publisher: publisher,
		Offsets:   offset.NewMemoryStore(),
	}, publisher, 1)

	events := publisher.published()
	require.Len(t, events, 1)
	assert.Equal(t, []string{"tenant_id", "email"}, events[0].KeyColumns)
}

func TestAdapter_UnwatchedTableIsIgnored(t *testing.T) {
	foreign := record(10, opCreate, nil, map[string]any{"x": int64(1)})
	foreign.Table = core.NewTableIdentifier("cdcdb", "public.audit_log")
	driver := newFakeDriver(
		foreign,
		record(20, opCreate, nil, map[string]any{"order_id": int64(1)}),
	)
	publisher := &fakePublisher{}

	runAdapter(t, AdapterConfig{
		Strategy:  &fakeStrategy{driver: driver},
		Aggregate: testAggregate(),
		Publisher: publisher,
		Offsets:   offset.NewMemoryStore(),
	}, publisher, 1)

	events := publisher.published()
	require.Len(t, events, 1)
	assert.Equal(t, "orders", events[0].Table.Table)
}

func TestAdapter_HydratesStoredPosition(t *testing.T) {
	store := offset.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), core.Position{
		SourcePartition: "postgresql-localhost-cdcdb",
		Offset:          map[string]any{"seq": float64(99)},
		Sequence:        99,
	}))

	driver := newFakeDriver()
	publisher := &fakePublisher{}
	adapter, err := NewAdapter(AdapterConfig{
		Strategy:  &fakeStrategy{driver: driver},
		Aggregate: testAggregate(),
		Publisher: publisher,
		Offsets:   store,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- adapter.Run(ctx) }()

	// The hydrated position is visible before any record arrives.
	require.Eventually(t, func() bool {
		pos := adapter.CurrentPosition()
		return pos != nil && pos.Sequence == 99
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
