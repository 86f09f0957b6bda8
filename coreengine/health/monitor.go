// Package health probes the query backends and answers health queries on
// the bus. The HTTP /health endpoint, the gRPC health service and the
// `health` command all read from the same Monitor.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/queryrouter/commbus"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/backends"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/observability"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/runtime"
)

// Prober reports the health of every backend. *backends.Registry
// satisfies it.
type Prober interface {
	HealthCheck(ctx context.Context) map[string]*backends.HealthStatus
}

// Monitor probes backends on demand and on a schedule.
type Monitor struct {
	prober  Prober
	timeout time.Duration
	logger  observability.Logger

	mu   sync.RWMutex
	last *commbus.HealthCheckResponse
}

// NewMonitor creates a Monitor whose probes are bounded by timeout.
func NewMonitor(prober Prober, timeout time.Duration, logger observability.Logger) *Monitor {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{prober: prober, timeout: timeout, logger: logger.Bind("component", "health")}
}

// Check probes every backend now. A non-empty component restricts the
// report to that backend.
func (m *Monitor) Check(ctx context.Context, component string) (*commbus.HealthCheckResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	statuses, err := runtime.SafeExecuteWithResult(m.logger, "health_probe", func() (map[string]*backends.HealthStatus, error) {
		return m.prober.HealthCheck(ctx), nil
	})
	if err != nil {
		return nil, err
	}

	resp := Summarize(statuses)
	m.mu.Lock()
	m.last = resp
	m.mu.Unlock()

	if component == "" {
		return resp, nil
	}
	c, ok := resp.Components[component]
	if !ok {
		return nil, fmt.Errorf("unknown component %q", component)
	}
	return &commbus.HealthCheckResponse{
		Status:     c.Status,
		Components: map[string]commbus.ComponentHealth{component: c},
	}, nil
}

// Last returns the most recent report, or nil before the first probe.
func (m *Monitor) Last() *commbus.HealthCheckResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Register answers HealthCheckRequest queries on bus.
func (m *Monitor) Register(bus commbus.CommBus) error {
	return bus.RegisterHandler("HealthCheckRequest", func(ctx context.Context, msg commbus.Message) (any, error) {
		req, ok := msg.(*commbus.HealthCheckRequest)
		if !ok {
			return nil, fmt.Errorf("unexpected message %T", msg)
		}
		return m.Check(ctx, req.Component)
	})
}

// Run probes every interval until ctx is done, calling onReport with each
// report. Status changes are logged.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, onReport func(*commbus.HealthCheckResponse)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var previous commbus.HealthStatus
	for {
		resp, err := m.Check(ctx, "")
		if err != nil {
			m.logger.Warn("health_probe_failed", "error", err.Error())
		} else {
			if resp.Status != previous {
				m.logger.Info("health_changed", "from", string(previous), "to", string(resp.Status))
				previous = resp.Status
			}
			if onReport != nil {
				onReport(resp)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Summarize folds backend statuses into a report. The overall status is
// healthy when every backend is, unhealthy when none is, else degraded.
func Summarize(statuses map[string]*backends.HealthStatus) *commbus.HealthCheckResponse {
	resp := &commbus.HealthCheckResponse{Components: make(map[string]commbus.ComponentHealth, len(statuses))}
	healthy := 0
	for name, s := range statuses {
		c := commbus.ComponentHealth{Status: commbus.HealthStatusUnhealthy}
		if s != nil {
			c.LatencyMS = s.Latency.Milliseconds()
			c.Error = s.Error
			c.Details = formatDetails(s.Details)
			if s.Healthy {
				c.Status = commbus.HealthStatusHealthy
				healthy++
			}
		} else {
			c.Error = "no status"
		}
		resp.Components[name] = c
	}

	switch {
	case len(statuses) > 0 && healthy == len(statuses):
		resp.Status = commbus.HealthStatusHealthy
	case healthy == 0:
		resp.Status = commbus.HealthStatusUnhealthy
	default:
		resp.Status = commbus.HealthStatusDegraded
	}
	return resp
}

func formatDetails(details map[string]string) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ", "
		}
		out += k + "=" + details[k]
	}
	return out
}
