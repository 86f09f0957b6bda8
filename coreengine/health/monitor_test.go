package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/queryrouter/commbus"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/backends"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/testutil"
)

type proberFunc func(ctx context.Context) map[string]*backends.HealthStatus

func (f proberFunc) HealthCheck(ctx context.Context) map[string]*backends.HealthStatus {
	return f(ctx)
}

func statuses(healthy map[string]bool) proberFunc {
	return func(ctx context.Context) map[string]*backends.HealthStatus {
		out := make(map[string]*backends.HealthStatus, len(healthy))
		for name, ok := range healthy {
			s := &backends.HealthStatus{Backend: name, Healthy: ok, Latency: 3 * time.Millisecond}
			if !ok {
				s.Error = name + " unreachable"
			}
			out[name] = s
		}
		return out
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name    string
		healthy map[string]bool
		want    commbus.HealthStatus
	}{
		{"all healthy", map[string]bool{"sql": true, "nosql": true}, commbus.HealthStatusHealthy},
		{"one down", map[string]bool{"sql": true, "nosql": false}, commbus.HealthStatusDegraded},
		{"all down", map[string]bool{"sql": false, "nosql": false}, commbus.HealthStatusUnhealthy},
		{"no backends", map[string]bool{}, commbus.HealthStatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := Summarize(statuses(tt.healthy)(context.Background()))
			assert.Equal(t, tt.want, resp.Status)
			assert.Len(t, resp.Components, len(tt.healthy))
		})
	}
}

func TestSummarize_ComponentFields(t *testing.T) {
	resp := Summarize(map[string]*backends.HealthStatus{
		"sql": {
			Healthy: true,
			Latency: 12 * time.Millisecond,
			Details: map[string]string{"open_connections": "4", "driver": "postgres"},
		},
		"nosql": nil,
	})

	sql := resp.Components["sql"]
	assert.Equal(t, commbus.HealthStatusHealthy, sql.Status)
	assert.Equal(t, int64(12), sql.LatencyMS)
	assert.Equal(t, "driver=postgres, open_connections=4", sql.Details)

	assert.Equal(t, commbus.HealthStatusUnhealthy, resp.Components["nosql"].Status)
	assert.Equal(t, "no status", resp.Components["nosql"].Error)
}

func TestMonitor_Check(t *testing.T) {
	m := NewMonitor(statuses(map[string]bool{"sql": true, "nosql": false}), time.Second, testutil.NewMockLogger())
	assert.Nil(t, m.Last())

	resp, err := m.Check(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, commbus.HealthStatusDegraded, resp.Status)
	assert.Same(t, resp, m.Last())

	one, err := m.Check(context.Background(), "nosql")
	require.NoError(t, err)
	assert.Equal(t, commbus.HealthStatusUnhealthy, one.Status)
	assert.Equal(t, "nosql unreachable", one.Components["nosql"].Error)
	assert.Len(t, one.Components, 1)

	_, err = m.Check(context.Background(), "graph")
	assert.ErrorContains(t, err, "unknown component")
}

func TestMonitor_ProbeTimeout(t *testing.T) {
	m := NewMonitor(proberFunc(func(ctx context.Context) map[string]*backends.HealthStatus {
		<-ctx.Done()
		return map[string]*backends.HealthStatus{"sql": {Error: ctx.Err().Error()}}
	}), 20*time.Millisecond, nil)

	resp, err := m.Check(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, commbus.HealthStatusUnhealthy, resp.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), resp.Components["sql"].Error)
}

func TestMonitor_ProbePanic(t *testing.T) {
	logger := testutil.NewMockLogger()
	m := NewMonitor(proberFunc(func(context.Context) map[string]*backends.HealthStatus {
		panic("driver bug")
	}), time.Second, logger)

	_, err := m.Check(context.Background(), "")
	assert.Error(t, err)
	assert.True(t, logger.HasLog("error", "panic_recovered"))
}

func TestMonitor_Register(t *testing.T) {
	bus := commbus.NewInMemoryCommBus(time.Second, nil)
	m := NewMonitor(statuses(map[string]bool{"sql": true}), time.Second, nil)
	require.NoError(t, m.Register(bus))

	got, err := bus.QuerySync(context.Background(), &commbus.HealthCheckRequest{})
	require.NoError(t, err)
	resp, ok := got.(*commbus.HealthCheckResponse)
	require.True(t, ok)
	assert.Equal(t, commbus.HealthStatusHealthy, resp.Status)

	_, err = bus.QuerySync(context.Background(), &commbus.HealthCheckRequest{Component: "graph"})
	assert.Error(t, err)
}

func TestMonitor_Run(t *testing.T) {
	var probes int32
	healthy := atomic.Bool{}
	m := NewMonitor(proberFunc(func(context.Context) map[string]*backends.HealthStatus {
		atomic.AddInt32(&probes, 1)
		return map[string]*backends.HealthStatus{"sql": {Healthy: healthy.Load()}}
	}), time.Second, testutil.NewMockLogger())

	ctx, cancel := context.WithCancel(context.Background())
	reports := make(chan commbus.HealthStatus, 16)
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 5*time.Millisecond, func(r *commbus.HealthCheckResponse) {
			select {
			case reports <- r.Status:
			default:
			}
		})
		close(done)
	}()

	assert.Equal(t, commbus.HealthStatusUnhealthy, <-reports)
	healthy.Store(true)
	require.Eventually(t, func() bool {
		select {
		case s := <-reports:
			return s == commbus.HealthStatusHealthy
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	cancel()
	<-done
	assert.GreaterOrEqual(t, atomic.LoadInt32(&probes), int32(2))
}
