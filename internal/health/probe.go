// Package health probes the pipeline's collaborators on demand for the
// external management surface. Probes never run on the hot path.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/IBM/sarama"

	"github.com/vitaliisemenov/cdc-bridge/internal/config"
	"github.com/vitaliisemenov/cdc-bridge/internal/core"
	"github.com/vitaliisemenov/cdc-bridge/internal/source"
)

// probeTimeout bounds each individual check.
const probeTimeout = 5 * time.Second

// Probe checks the source database, the broker and the engine state.
type Probe struct {
	aggregate func() *config.Aggregate
	status    func() core.StatusReport
	logger    *slog.Logger

	// publisherHealthy, when set, folds delivery health into the broker
	// check: reachable brokers with failing deliveries degrade instead of
	// reporting UP.
	publisherHealthy func() (bool, string)
}

// NewProbe builds a probe over the active aggregate and controller status.
func NewProbe(aggregate func() *config.Aggregate, status func() core.StatusReport, publisherHealthy func() (bool, string), logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{
		aggregate:        aggregate,
		status:           status,
		publisherHealthy: publisherHealthy,
		logger:           logger.With("component", "health-probe"),
	}
}

// CheckDatabase opens a plain connection to the source and measures the
// round trip.
func (p *Probe) CheckDatabase(ctx context.Context) core.HealthCheck {
	started := time.Now()
	check := core.HealthCheck{CheckedAt: started.UTC()}

	aggregate := p.aggregate()
	if aggregate == nil {
		check.State = core.HealthUnknown
		check.Message = "no active configuration"
		return check
	}

	driverName, dsn, versionQuery, err := source.PingTarget(aggregate)
	if err != nil {
		return failed(check, "unsupported source", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return failed(check, "source connection failed", err)
	}
	defer db.Close()

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var version string
	if err := db.QueryRowContext(probeCtx, versionQuery).Scan(&version); err != nil {
		return failed(check, "source unreachable", err)
	}

	check.State = core.HealthUp
	check.Message = "source database reachable"
	check.Extras = map[string]string{
		"version":    version,
		"latency_ms": strconv.FormatInt(time.Since(started).Milliseconds(), 10),
	}
	return check
}

// CheckBroker dials the broker list and reports the reachable broker count.
// When delivery health is wired in, a reachable cluster with failing sends
// reports DEGRADED.
func (p *Probe) CheckBroker(ctx context.Context) core.HealthCheck {
	started := time.Now()
	check := core.HealthCheck{CheckedAt: started.UTC()}

	aggregate := p.aggregate()
	if aggregate == nil {
		check.State = core.HealthUnknown
		check.Message = "no active configuration"
		return check
	}

	cfg := sarama.NewConfig()
	cfg.ClientID = "cdc-bridge-health"
	cfg.Net.DialTimeout = probeTimeout

	client, err := sarama.NewClient(aggregate.Kafka.Brokers, cfg)
	if err != nil {
		return failed(check, "broker unreachable", err)
	}
	defer client.Close()

	brokerCount := len(client.Brokers())
	check.Extras = map[string]string{
		"brokers":    strconv.Itoa(brokerCount),
		"latency_ms": strconv.FormatInt(time.Since(started).Milliseconds(), 10),
	}

	if p.publisherHealthy != nil {
		if healthy, lastErr := p.publisherHealthy(); !healthy {
			check.State = core.HealthDegraded
			check.Message = "brokers reachable but deliveries failing"
			check.ErrorMessage = lastErr
			return check
		}
	}

	check.State = core.HealthUp
	check.Message = "broker reachable"
	return check
}

// CheckEngine maps the lifecycle state onto a health state: RUNNING is UP,
// the transitional states are DEGRADED, FAILED is DOWN, STOPPED is UNKNOWN.
func (p *Probe) CheckEngine(_ context.Context) core.HealthCheck {
	status := p.status()
	check := core.HealthCheck{
		CheckedAt: time.Now().UTC(),
		Extras: map[string]string{
			"state":           string(status.State),
			"events_captured": strconv.FormatUint(status.EventsCaptured, 10),
		},
	}
	if !status.StartedAt.IsZero() {
		check.Extras["uptime"] = time.Since(status.StartedAt).Round(time.Second).String()
	}
	if status.LastError != "" {
		check.ErrorMessage = status.LastError
	}

	switch status.State {
	case core.StateRunning:
		check.State = core.HealthUp
		check.Message = "engine running"
	case core.StateStarting, core.StateStopping:
		check.State = core.HealthDegraded
		check.Message = fmt.Sprintf("engine %s", status.State)
	case core.StateFailed:
		check.State = core.HealthDown
		check.Message = "engine failed"
	default:
		check.State = core.HealthUnknown
		check.Message = "engine stopped"
	}
	return check
}

// Overall folds the component checks per the aggregate rule.
func (p *Probe) Overall(ctx context.Context) core.HealthCheck {
	database := p.CheckDatabase(ctx)
	broker := p.CheckBroker(ctx)
	engine := p.CheckEngine(ctx)

	state := core.AggregateHealth(database.State, broker.State, engine.State)
	return core.HealthCheck{
		State:     state,
		Message:   fmt.Sprintf("database=%s broker=%s engine=%s", database.State, broker.State, engine.State),
		CheckedAt: time.Now().UTC(),
	}
}

func failed(check core.HealthCheck, message string, err error) core.HealthCheck {
	check.State = core.HealthDown
	check.Message = message
	check.ErrorMessage = err.Error()
	return check
}
