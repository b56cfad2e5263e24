package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/cdc-bridge/internal/config"
	"github.com/vitaliisemenov/cdc-bridge/internal/core"
	"github.com/vitaliisemenov/cdc-bridge/internal/offset"
)

// nullPublisher accepts and immediately acks everything.
type nullPublisher struct{}

func (nullPublisher) Publish(_ context.Context, _ *core.ChangeEvent, ack core.AckFunc) error {
	ack(nil)
	return nil
}
func (nullPublisher) InFlight() int { return 0 }

func (nullPublisher) Close(context.Context) error { return nil }

// recordingListener collects lifecycle events.
type recordingListener struct {
	mu      sync.Mutex
	started []core.CaptureStarted
	stopped []core.CaptureStopped
}

func (l *recordingListener) OnCaptureStarted(e core.CaptureStarted) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, e)
}

func (l *recordingListener) OnCaptureStopped(e core.CaptureStopped) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = append(l.stopped, e)
}

func (l *recordingListener) OnSchemaChanged(core.SchemaChanged) {}

func (l *recordingListener) snapshot() ([]core.CaptureStarted, []core.CaptureStopped) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]core.CaptureStarted(nil), l.started...),
		append([]core.CaptureStopped(nil), l.stopped...)
}

func testAggregate(tables ...string) *config.Aggregate {
	if len(tables) == 0 {
		tables = []string{"public.orders"}
	}
	rules := make([]config.TableRule, 0, len(tables))
	for _, name := range tables {
		rules = append(rules, config.TableRule{Name: name, IncludeMode: config.IncludeAll})
	}
	return &config.Aggregate{
		Database: config.DatabaseSpec{
			Type: config.DatabasePostgreSQL, Host: "localhost", Port: 5432,
			Database: "cdcdb", Username: "cdc", Password: "secret",
		},
		Tables: rules,
		Kafka: config.BrokerSpec{
			Brokers: []string{"localhost:9092"}, TopicPattern: "cdc.{database}.{table}",
		},
		LoadedAt: time.Now(),
	}
}

func newTestController(t *testing.T, listener core.LifecycleListener) *Controller {
	t.Helper()
	controller, err := NewController(ControllerConfig{
		Offsets:     offset.NewMemoryStore(),
		Listener:    listener,
		Logger:      slog.Default(),
		StopTimeout: 2 * time.Second,
		NewPublisher: func(config.BrokerSpec, *slog.Logger) (core.Publisher, error) {
			return nullPublisher{}, nil
		},
	})
	require.NoError(t, err)
	return controller
}

func TestController_StartStopLifecycle(t *testing.T) {
	listener := &recordingListener{}
	controller := newTestController(t, listener)

	assert.Equal(t, core.StateStopped, controller.State())

	require.NoError(t, controller.Start(testAggregate()))
	assert.Equal(t, core.StateRunning, controller.State())

	status := controller.Status()
	assert.Equal(t, core.StateRunning, status.State)
	assert.False(t, status.StartedAt.IsZero())

	require.NoError(t, controller.Stop())
	assert.Equal(t, core.StateStopped, controller.State())

	started, stopped := listener.snapshot()
	require.Len(t, started, 1)
	assert.Equal(t, "cdcdb.public.orders", started[0].Table.FQN())
	require.Len(t, stopped, 1)
	assert.Equal(t, core.StopReasonShutdown, stopped[0].Reason)
}

func TestController_StartWhileRunningIsBusy(t *testing.T) {
	controller := newTestController(t, nil)
	require.NoError(t, controller.Start(testAggregate()))
	defer controller.Stop()

	err := controller.Start(testAggregate())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrEngineBusy)
	assert.Equal(t, core.StateRunning, controller.State())
}

func TestController_StopWhenStoppedIsNoop(t *testing.T) {
	controller := newTestController(t, nil)
	require.NoError(t, controller.Stop())
	require.NoError(t, controller.Stop())
	assert.Equal(t, core.StateStopped, controller.State())
}

func TestController_StartRejectsInvalidAggregate(t *testing.T) {
	controller := newTestController(t, nil)

	bad := testAggregate()
	bad.Kafka.TopicPattern = "no-placeholders"
	err := controller.Start(bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
	assert.Equal(t, core.StateStopped, controller.State())

	status := controller.Status()
	assert.NotEmpty(t, status.LastError)
}

func TestController_Restart(t *testing.T) {
	listener := &recordingListener{}
	controller := newTestController(t, listener)

	require.NoError(t, controller.Start(testAggregate("public.orders")))
	require.NoError(t, controller.Restart(testAggregate("public.orders", "public.customers")))
	defer controller.Stop()

	assert.Equal(t, core.StateRunning, controller.State())
	started, _ := listener.snapshot()
	// One CaptureStarted for the first start, two for the restart.
	assert.Len(t, started, 3)
}

func TestController_OnConfigChangedStopsRemovedTablesWithReason(t *testing.T) {
	listener := &recordingListener{}
	controller := newTestController(t, listener)

	old := testAggregate("public.orders", "public.customers")
	require.NoError(t, controller.Start(old))

	updated := testAggregate("public.orders")
	change := config.Diff(old, updated)
	require.NotNil(t, change)

	controller.OnConfigChanged(*change)
	defer controller.Stop()

	assert.Equal(t, core.StateRunning, controller.State())

	_, stopped := listener.snapshot()
	reasons := make(map[string]core.StopReason, len(stopped))
	for _, e := range stopped {
		reasons[e.Table.FQN()] = e.Reason
	}
	assert.Equal(t, core.StopReasonConfigurationChange, reasons["cdcdb.public.customers"])
	assert.Equal(t, core.StopReasonShutdown, reasons["cdcdb.public.orders"])
}

func TestController_RestartAfterStop(t *testing.T) {
	controller := newTestController(t, nil)
	require.NoError(t, controller.Start(testAggregate()))
	require.NoError(t, controller.Stop())
	require.NoError(t, controller.Start(testAggregate()))
	require.NoError(t, controller.Stop())
}
