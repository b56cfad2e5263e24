package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vitaliisemenov/cdc-bridge/internal/config"
	"github.com/vitaliisemenov/cdc-bridge/internal/core"
	"github.com/vitaliisemenov/cdc-bridge/internal/normalize"
	"github.com/vitaliisemenov/cdc-bridge/internal/resilience"
	"github.com/vitaliisemenov/cdc-bridge/internal/schema"
	"github.com/vitaliisemenov/cdc-bridge/pkg/metrics"
)

// AdapterConfig wires the source adapter's collaborators.
type AdapterConfig struct {
	Strategy   Strategy
	Aggregate  *config.Aggregate
	Publisher  core.Publisher
	Offsets    core.OffsetStore
	Normalizer *normalize.Normalizer
	Tracker    *schema.Tracker
	Metrics    *metrics.PipelineMetrics
	Listener   core.LifecycleListener
	Logger     *slog.Logger
	Retry      *resilience.RetryPolicy

	// Version stamps event metadata; defaults to the build version.
	Version string
}

// DefaultVersion is the connector version stamped into event metadata when
// none is injected at build time.
const DefaultVersion = "1.0.0"

// Adapter owns the single source worker: it consumes the driver, converts
// each raw record into a canonical event, hands it to the publisher and
// commits offsets after acknowledgement.
type Adapter struct {
	strategy   Strategy
	aggregate  *config.Aggregate
	publisher  core.Publisher
	offsets    core.OffsetStore
	normalizer *normalize.Normalizer
	tracker    *schema.Tracker
	metrics    *metrics.PipelineMetrics
	listener   core.LifecycleListener
	logger     *slog.Logger
	retry      *resilience.RetryPolicy

	version   string
	connector string
	partition string
	tables    map[core.TableIdentifier]config.TableRule
	commit    *commitTracker

	posMu       sync.RWMutex
	current     core.Position
	warnedNoKey map[core.TableIdentifier]bool
}

// NewAdapter validates the wiring and builds the adapter.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if cfg.Strategy == nil || cfg.Aggregate == nil || cfg.Publisher == nil || cfg.Offsets == nil {
		return nil, fmt.Errorf("%w: adapter requires strategy, aggregate, publisher and offset store", core.ErrConfigInvalid)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = normalize.New(cfg.Logger)
	}
	if cfg.Tracker == nil {
		cfg.Tracker = schema.NewTracker(cfg.Logger)
	}
	if cfg.Listener == nil {
		cfg.Listener = core.NopListener{}
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryPolicy()
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}

	tables := make(map[core.TableIdentifier]config.TableRule, len(cfg.Aggregate.Tables))
	for _, rule := range cfg.Aggregate.Tables {
		tables[rule.Identifier(cfg.Aggregate.Database.Database)] = rule
	}

	return &Adapter{
		strategy:    cfg.Strategy,
		aggregate:   cfg.Aggregate,
		publisher:   cfg.Publisher,
		offsets:     cfg.Offsets,
		normalizer:  cfg.Normalizer,
		tracker:     cfg.Tracker,
		metrics:     cfg.Metrics,
		listener:    cfg.Listener,
		logger:      cfg.Logger.With("component", "source-adapter"),
		retry:       cfg.Retry,
		version:     cfg.Version,
		connector:   "cdc-bridge-" + cfg.Strategy.Name(),
		partition:   cfg.Aggregate.SourcePartition(),
		tables:      tables,
		commit:      newCommitTracker(),
		warnedNoKey: make(map[core.TableIdentifier]bool),
	}, nil
}

// SourcePartition returns the stream identifier of this deployment.
func (a *Adapter) SourcePartition() string {
	return a.partition
}

// CurrentPosition returns the position of the last captured record, or nil
// before the first record.
func (a *Adapter) CurrentPosition() *core.Position {
	a.posMu.RLock()
	defer a.posMu.RUnlock()
	if a.current.IsZero() {
		return nil
	}
	pos := a.current
	return &pos
}

// Run hydrates the stored position, builds the driver and consumes it until
// the context is cancelled or the driver fails fatally. Transient driver
// errors rebuild the driver from the current position with exponential
// backoff; configuration mismatches return a fatal error.
func (a *Adapter) Run(ctx context.Context) error {
	start, err := a.hydrate(ctx)
	if err != nil {
		return err
	}
	if start == nil {
		a.logger.Info("No stored position, requesting initial snapshot",
			"source_partition", a.partition)
	} else {
		a.logger.Info("Resuming incremental capture",
			"source_partition", a.partition, "sequence", start.Sequence)
		a.setCurrent(*start)
	}

	attempt := 0
	delay := a.retry.BaseDelay
	for {
		before := a.commit.issued()
		runErr := a.runOnce(ctx, start)
		switch {
		case runErr == nil || errors.Is(runErr, context.Canceled):
			return nil
		case errors.Is(runErr, core.ErrDriverTransient):
			if ctx.Err() != nil {
				return nil
			}
			if a.commit.issued() > before {
				// Progress since the last rebuild resets the cap.
				attempt = 0
				delay = a.retry.BaseDelay
			}
			attempt++
			if attempt > a.retry.MaxRetries {
				return fmt.Errorf("%w: driver failed %d consecutive times: %v",
					core.ErrDriverFatal, attempt, runErr)
			}
			a.logger.Warn("Driver failed transiently, rebuilding from current position",
				"attempt", attempt, "delay", delay, "error", runErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			delay = time.Duration(float64(delay) * a.retry.Multiplier)
			if delay > a.retry.MaxDelay {
				delay = a.retry.MaxDelay
			}
			if cur := a.CurrentPosition(); cur != nil {
				start = cur
			}
		default:
			return runErr
		}
	}
}

// runOnce builds one driver instance and consumes it to completion.
func (a *Adapter) runOnce(ctx context.Context, start *core.Position) error {
	driver, err := a.strategy.BuildDriver(a.aggregate, start)
	if err != nil {
		return err
	}

	driverCtx, cancelDriver := context.WithCancel(ctx)
	defer cancelDriver()

	done := make(chan error, 1)
	go func() { done <- driver.Run(driverCtx) }()

	records := driver.Records()
	for {
		select {
		case <-ctx.Done():
			cancelDriver()
			<-done
			return nil
		case err := <-done:
			return err
		case rec := <-records:
			if err := a.process(ctx, rec); err != nil {
				cancelDriver()
				<-done
				return err
			}
		}
	}
}

// hydrate loads and decodes the stored position for this partition.
func (a *Adapter) hydrate(ctx context.Context) (*core.Position, error) {
	stored, err := a.offsets.Load(ctx, a.partition)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, nil
	}
	pos, err := a.strategy.DecodePosition(stored.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: stored offset undecodable: %v", core.ErrDriverFatal, err)
	}
	return &pos, nil
}

// process converts one raw record and hands it to the publisher. Only fatal
// conditions return an error; per-record problems are counted and skipped.
func (a *Adapter) process(ctx context.Context, rec RawRecord) error {
	if rec.Tombstone() {
		if a.metrics != nil {
			a.metrics.RecordSkipped()
		}
		return nil
	}

	rule, watched := a.tables[rec.Table]
	if !watched {
		return nil
	}

	op, err := a.strategy.MapOperation(rec.OpCode)
	if err != nil {
		return err
	}

	if len(rec.ColumnTypes) > 0 {
		for _, change := range a.tracker.Observe(rec.Table, rec.ColumnTypes) {
			a.listener.OnSchemaChanged(change)
		}
	}

	before := a.normalizer.Row(filterColumns(rule, rec.Before), rec.ColumnTypes)
	after := a.normalizer.Row(filterColumns(rule, rec.After), rec.ColumnTypes)

	keyColumns := rec.KeyColumns
	if len(keyColumns) == 0 && rule.CompositeKey != nil {
		keyColumns = rule.CompositeKey.ColumnNames
	}
	if len(keyColumns) == 0 && !a.warnedNoKey[rec.Table] {
		a.warnedNoKey[rec.Table] = true
		a.logger.Warn("Table has no primary key and no composite key configured; message keys will be empty and ordering best-effort",
			"table", rec.Table.FQN())
	}

	event, err := core.NewChangeEvent(rec.Table, op, rec.Timestamp, rec.Position, before, after, core.EventMetadata{
		Source:        a.partition,
		Version:       a.version,
		Connector:     a.connector,
		SchemaVersion: core.SchemaVersion,
		Snapshot:      rec.Snapshot,
	})
	if err != nil {
		if a.metrics != nil {
			a.metrics.RecordFailed(rec.Table.FQN())
		}
		a.logger.Error("Record rejected at event construction", "table", rec.Table.FQN(), "error", err)
		return nil
	}
	event.KeyColumns = keyColumns

	fqn := rec.Table.FQN()
	if a.metrics != nil {
		a.metrics.RecordCaptured(fqn)
	}
	a.setCurrent(rec.Position)

	seq := a.commit.add(rec.Position)
	capturedAt := time.Now()

	err = a.publisher.Publish(ctx, event, func(ackErr error) {
		a.onAck(fqn, seq, capturedAt, ackErr)
	})
	if err != nil {
		if errors.Is(err, core.ErrSerialization) {
			// Unrecoverable record: count it and let later commits advance
			// past its sequence.
			a.commit.ack(seq)
			if a.metrics != nil {
				a.metrics.RecordFailed(fqn)
			}
			a.logger.Error("Event serialization failed, record skipped", "table", fqn, "error", err)
			return nil
		}
		// Shutdown or publisher closed: the sequence stays unacknowledged,
		// so its offset is never saved and restart redelivers it.
		return nil
	}
	if a.metrics != nil {
		a.metrics.SetInFlight(a.publisher.InFlight())
	}
	return nil
}

// onAck runs on the publisher's send loops. A delivery failure withholds the
// offset; a success commits the highest contiguous acknowledged prefix.
func (a *Adapter) onAck(fqn string, seq uint64, capturedAt time.Time, ackErr error) {
	if ackErr != nil {
		if a.metrics != nil {
			a.metrics.RecordFailed(fqn)
		}
		a.logger.Error("Event delivery failed after retries; offset withheld for redelivery",
			"table", fqn, "error", ackErr)
		return
	}

	if a.metrics != nil {
		a.metrics.RecordPublished(fqn, time.Since(capturedAt))
		a.metrics.SetInFlight(a.publisher.InFlight())
	}

	if pos := a.commit.ack(seq); pos != nil {
		if err := a.offsets.Save(context.Background(), *pos); err != nil {
			// The driver keeps its in-memory cursor; restart replays from
			// the last durable position.
			a.logger.Error("Offset save failed", "source_partition", a.partition, "error", err)
		}
	}
}

func (a *Adapter) setCurrent(pos core.Position) {
	a.posMu.Lock()
	a.current = pos
	a.posMu.Unlock()
}

// filterColumns applies the table rule's column filter to a driver row.
// INCLUDE_ALL passes everything through; EXCLUDE_SPECIFIED removes the
// listed columns.
func filterColumns(rule config.TableRule, row map[string]any) map[string]any {
	if row == nil {
		return nil
	}
	if rule.IncludeMode != config.ExcludeSpecified || len(rule.ColumnFilter) == 0 {
		return row
	}
	excluded := make(map[string]struct{}, len(rule.ColumnFilter))
	for _, col := range rule.ColumnFilter {
		excluded[col] = struct{}{}
	}
	filtered := make(map[string]any, len(row))
	for name, value := range row {
		if _, drop := excluded[name]; drop {
			continue
		}
		filtered[name] = value
	}
	return filtered
}
