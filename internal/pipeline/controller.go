// Package pipeline owns the engine lifecycle: the global state machine,
// component wiring on start, bounded shutdown, and the observable status
// served to external collaborators.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vitaliisemenov/cdc-bridge/internal/config"
	"github.com/vitaliisemenov/cdc-bridge/internal/core"
	"github.com/vitaliisemenov/cdc-bridge/internal/schema"
	"github.com/vitaliisemenov/cdc-bridge/internal/sink/kafka"
	"github.com/vitaliisemenov/cdc-bridge/internal/source"
	"github.com/vitaliisemenov/cdc-bridge/pkg/metrics"
)

// DefaultStopTimeout bounds a controlled shutdown. If the publisher cannot
// drain within it, outstanding events are abandoned with their offsets
// unsaved; restart redelivers them.
const DefaultStopTimeout = 30 * time.Second

// PublisherFactory builds the broker publisher for an aggregate. Tests
// inject in-memory fakes here.
type PublisherFactory func(spec config.BrokerSpec, logger *slog.Logger) (core.Publisher, error)

// ControllerConfig wires the controller's collaborators.
type ControllerConfig struct {
	Offsets     core.OffsetStore
	Metrics     *metrics.PipelineMetrics
	Listener    core.LifecycleListener
	Logger      *slog.Logger
	StopTimeout time.Duration

	// NewPublisher defaults to the Kafka publisher.
	NewPublisher PublisherFactory
}

// Controller drives STOPPED -> STARTING -> RUNNING -> STOPPING -> STOPPED,
// with FAILED absorbing unrecoverable driver errors. Only STOPPED may
// re-enter STARTING.
type Controller struct {
	offsets      core.OffsetStore
	metrics      *metrics.PipelineMetrics
	listener     core.LifecycleListener
	logger       *slog.Logger
	stopTimeout  time.Duration
	newPublisher PublisherFactory

	mu        sync.Mutex
	state     core.EngineState
	startedAt time.Time
	lastError string

	aggregate *config.Aggregate
	adapter   *source.Adapter
	publisher core.Publisher
	tracker   *schema.Tracker
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewController validates the wiring and returns a stopped controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Offsets == nil {
		return nil, fmt.Errorf("%w: controller requires an offset store", core.ErrConfigInvalid)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Listener == nil {
		cfg.Listener = core.NopListener{}
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.NewPublisher == nil {
		cfg.NewPublisher = func(spec config.BrokerSpec, logger *slog.Logger) (core.Publisher, error) {
			return kafka.NewPublisher(spec, kafka.Options{}, logger)
		}
	}
	return &Controller{
		offsets:      cfg.Offsets,
		metrics:      cfg.Metrics,
		listener:     cfg.Listener,
		logger:       cfg.Logger.With("component", "controller"),
		stopTimeout:  cfg.StopTimeout,
		newPublisher: cfg.NewPublisher,
		state:        core.StateStopped,
	}, nil
}

// State returns the current engine state.
func (c *Controller) State() core.EngineState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the observable pipeline state.
func (c *Controller) Status() core.StatusReport {
	c.mu.Lock()
	state := c.state
	startedAt := c.startedAt
	lastError := c.lastError
	adapter := c.adapter
	c.mu.Unlock()

	report := core.StatusReport{
		State:     state,
		StartedAt: startedAt,
		LastError: lastError,
	}
	if c.metrics != nil {
		report.EventsCaptured = c.metrics.GetSnapshot().EventsCaptured
	}
	if adapter != nil {
		report.CurrentPosition = adapter.CurrentPosition()
	}
	return report
}

// Start validates the aggregate, wires strategy, publisher and adapter,
// hydrates positions and launches the source worker. Start from any state
// but STOPPED returns ErrEngineBusy.
func (c *Controller) Start(aggregate *config.Aggregate) error {
	c.mu.Lock()
	if c.state != core.StateStopped {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: start requires STOPPED, engine is %s", core.ErrEngineBusy, state)
	}
	c.state = core.StateStarting
	c.setEngineGauge(core.StateStarting)
	c.mu.Unlock()

	if err := c.doStart(aggregate); err != nil {
		c.mu.Lock()
		c.state = core.StateStopped
		c.setEngineGauge(core.StateStopped)
		c.lastError = err.Error()
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Controller) doStart(aggregate *config.Aggregate) error {
	if aggregate == nil {
		return fmt.Errorf("%w: nil aggregate", core.ErrConfigInvalid)
	}
	if err := aggregate.Validate(nil); err != nil {
		return err
	}

	strategy, err := source.NewStrategy(aggregate.Database.Type, c.logger)
	if err != nil {
		return err
	}

	publisher, err := c.newPublisher(aggregate.Kafka, c.logger)
	if err != nil {
		return err
	}

	tracker := schema.NewTracker(c.logger)
	adapter, err := source.NewAdapter(source.AdapterConfig{
		Strategy:  strategy,
		Aggregate: aggregate,
		Publisher: publisher,
		Offsets:   c.offsets,
		Tracker:   tracker,
		Metrics:   c.metrics,
		Listener:  c.listener,
		Logger:    c.logger,
	})
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), c.stopTimeout)
		defer cancel()
		publisher.Close(closeCtx)
		return err
	}

	// Hydrate the partition position once for the start notifications.
	hydrateCtx, cancelHydrate := context.WithTimeout(context.Background(), 10*time.Second)
	stored, err := c.offsets.Load(hydrateCtx, adapter.SourcePartition())
	cancelHydrate()
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), c.stopTimeout)
		defer cancel()
		publisher.Close(closeCtx)
		return err
	}
	initial := core.Position{SourcePartition: adapter.SourcePartition()}
	if stored != nil {
		initial = *stored
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	if c.state != core.StateStarting {
		// A concurrent stop won while we were wiring: unwind instead of
		// resurrecting a pipeline the caller already observed as stopped.
		state := c.state
		c.mu.Unlock()
		cancel()
		closeCtx, cancelClose := context.WithTimeout(context.Background(), c.stopTimeout)
		defer cancelClose()
		publisher.Close(closeCtx)
		return fmt.Errorf("%w: stopped during start (engine is %s)", core.ErrEngineBusy, state)
	}
	c.aggregate = aggregate
	c.adapter = adapter
	c.publisher = publisher
	c.tracker = tracker
	c.cancel = cancel
	c.done = done
	c.state = core.StateRunning
	c.startedAt = time.Now().UTC()
	c.lastError = ""
	c.setEngineGauge(core.StateRunning)
	c.mu.Unlock()

	now := time.Now().UTC()
	for _, table := range aggregate.TableIdentifiers() {
		c.listener.OnCaptureStarted(core.CaptureStarted{
			Table:           table,
			InitialPosition: initial,
			At:              now,
		})
	}

	go func() {
		defer close(done)
		if runErr := adapter.Run(runCtx); runErr != nil && runCtx.Err() == nil {
			c.mu.Lock()
			c.state = core.StateFailed
			c.lastError = runErr.Error()
			c.setEngineGauge(core.StateFailed)
			c.mu.Unlock()
			c.logger.Error("Engine failed", "error", runErr)
		}
	}()

	c.logger.Info("Pipeline started",
		"database_type", aggregate.Database.Type,
		"tables", len(aggregate.Tables),
		"source_partition", adapter.SourcePartition(),
	)
	return nil
}

// Stop quiesces the driver, drains the publisher within the stop timeout and
// flushes offsets. Stop from STOPPED is a no-op; a concurrent stop waits for
// STOPPED to be observed.
func (c *Controller) Stop() error {
	return c.stop(nil)
}

// stop runs the shutdown path. reasonFor overrides the per-table stop
// reason; nil means SHUTDOWN for every table.
func (c *Controller) stop(reasonFor func(core.TableIdentifier) core.StopReason) error {
	c.mu.Lock()
	switch c.state {
	case core.StateStopped:
		c.mu.Unlock()
		return nil
	case core.StateStopping:
		done := c.done
		c.mu.Unlock()
		if done != nil {
			<-done
		}
		return nil
	}
	c.state = core.StateStopping
	c.setEngineGauge(core.StateStopping)
	aggregate := c.aggregate
	adapter := c.adapter
	publisher := c.publisher
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	c.logger.Info("Pipeline stopping", "timeout", c.stopTimeout)
	deadline := time.Now().Add(c.stopTimeout)

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(time.Until(deadline)):
			c.logger.Warn("Source worker did not stop within the deadline")
		}
	}

	if publisher != nil {
		closeCtx, cancelClose := context.WithDeadline(context.Background(), deadline)
		if err := publisher.Close(closeCtx); err != nil {
			c.logger.Warn("Publisher drain incomplete", "error", err)
		}
		cancelClose()
	}

	var final core.Position
	if adapter != nil {
		if pos := adapter.CurrentPosition(); pos != nil {
			final = *pos
		}
	}
	now := time.Now().UTC()
	if aggregate != nil {
		for _, table := range aggregate.TableIdentifiers() {
			reason := core.StopReasonShutdown
			if reasonFor != nil {
				reason = reasonFor(table)
			}
			c.listener.OnCaptureStopped(core.CaptureStopped{
				Table:         table,
				FinalPosition: final,
				Reason:        reason,
				At:            now,
			})
		}
	}

	c.mu.Lock()
	c.state = core.StateStopped
	c.setEngineGauge(core.StateStopped)
	c.aggregate = nil
	c.adapter = nil
	c.publisher = nil
	c.tracker = nil
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	c.logger.Info("Pipeline stopped")
	return nil
}

// Restart stops the running pipeline (if any) and starts it with the new
// aggregate. A FAILED engine is recoverable only through this path.
func (c *Controller) Restart(aggregate *config.Aggregate) error {
	if err := c.Stop(); err != nil {
		return err
	}
	return c.Start(aggregate)
}

// OnConfigChanged reacts to a watcher notification: restart with the new
// aggregate. Removed tables stop with reason CONFIGURATION_CHANGE; surviving
// tables resume from the current driver position.
func (c *Controller) OnConfigChanged(change config.Changed) {
	removed := make(map[core.TableIdentifier]struct{}, len(change.Removed))
	for _, table := range change.Removed {
		removed[table] = struct{}{}
	}

	if err := c.stop(func(table core.TableIdentifier) core.StopReason {
		if _, gone := removed[table]; gone {
			return core.StopReasonConfigurationChange
		}
		return core.StopReasonShutdown
	}); err != nil {
		c.logger.Error("Stop for configuration change failed", "error", err)
		return
	}

	if err := c.Start(change.New); err != nil {
		c.logger.Error("Restart with new configuration failed", "error", err)
	}
}

func (c *Controller) setEngineGauge(state core.EngineState) {
	if c.metrics != nil {
		c.metrics.SetEngineState(string(state))
	}
}
