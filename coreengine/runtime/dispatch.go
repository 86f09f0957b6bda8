package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/backends"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/config"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/observability"
)

// BackendSource resolves the agent for a backend name. *backends.Registry
// satisfies it.
type BackendSource interface {
	Get(backend string) (backends.Agent, error)
}

// Dispatcher runs sub-queries against backend agents. A plan is executed
// CSP-style: a coordinator starts every sub-query whose producers have
// returned and waits on a completion channel for the rest.
type Dispatcher struct {
	backends    BackendSource
	catalog     *backends.Catalog
	maxParallel int
	// callTimeout bounds one agent call including its retries.
	callTimeout time.Duration
	logger      observability.Logger
}

// NewDispatcher creates a Dispatcher. catalog may be nil, in which case
// each agent uses its own schema.
func NewDispatcher(src BackendSource, catalog *backends.Catalog, cfg *config.CoreConfig, logger observability.Logger) *Dispatcher {
	if cfg == nil {
		cfg = config.GetCoreConfig()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	attempts := cfg.BackendMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var callTimeout time.Duration
	if cfg.BackendTimeoutMS > 0 {
		callTimeout = time.Duration(attempts) * (cfg.BackendTimeout() + cfg.BackendBackoff())
	}
	return &Dispatcher{
		backends:    src,
		catalog:     catalog,
		maxParallel: cfg.MaxParallel,
		callTimeout: callTimeout,
		logger:      logger.Bind("component", "dispatcher"),
	}
}

// Single runs one sub-query against backend.
func (d *Dispatcher) Single(ctx context.Context, backend, text string) *envelope.ResultEnvelope {
	return d.call(ctx, backend, text)
}

// Plan dispatches every sub-query. A dependent starts only after all of its
// producers have returned, with their values substituted into its text; if
// a producer failed the dependent fails without being sent. onResult runs
// on the calling goroutine exactly once per sub-query, in completion order,
// with Resolved set on sub-queries that were sent. Plan returns only after
// every started call has returned.
func (d *Dispatcher) Plan(ctx context.Context, subQueries []envelope.SubQuery, onResult func(envelope.SubQuery, *envelope.ResultEnvelope)) error {
	ordered, err := agents.OrderSubQueries(subQueries)
	if err != nil {
		return err
	}

	type completion struct {
		sq     envelope.SubQuery
		result *envelope.ResultEnvelope
	}
	completedChan := make(chan completion, len(ordered))
	results := make(map[string]*envelope.ResultEnvelope, len(ordered))
	finish := func(sq envelope.SubQuery, r *envelope.ResultEnvelope) {
		results[sq.Backend] = r
		onResult(sq, r)
	}

	pending := ordered
	active := 0
	for len(pending) > 0 || active > 0 {
		progressed := false
		waiting := make([]envelope.SubQuery, 0, len(pending))
		for _, sq := range pending {
			deps := dependencies(sq)
			if !allPresent(deps, results) {
				waiting = append(waiting, sq)
				continue
			}
			if failed := firstFailed(deps, results); failed != "" {
				d.logger.Info("dispatch_skipped", "backend", sq.Backend, "dependency", failed)
				finish(sq, skipped(sq.Backend, fmt.Errorf("dependency %s failed", failed)))
				progressed = true
				continue
			}
			if ctx.Err() != nil {
				finish(sq, envelope.NewFailedResult(sq.Backend, "", fmt.Sprintf("%s failed: %v", sq.Backend, ctx.Err())))
				progressed = true
				continue
			}
			if d.maxParallel > 0 && active >= d.maxParallel {
				waiting = append(waiting, sq)
				continue
			}
			resolved, err := agents.Substitute(sq.Text, results)
			if err != nil {
				d.logger.Info("dispatch_skipped", "backend", sq.Backend, "error", err.Error())
				finish(sq, skipped(sq.Backend, err))
				progressed = true
				continue
			}
			sq.Resolved = resolved
			active++
			progressed = true
			go func(sq envelope.SubQuery) {
				completedChan <- completion{sq: sq, result: d.call(ctx, sq.Backend, sq.Resolved)}
			}(sq)
		}
		pending = waiting

		if active == 0 {
			if progressed {
				continue
			}
			// Unreachable for an ordered plan; fail the rest rather than spin.
			for _, sq := range pending {
				finish(sq, skipped(sq.Backend, errors.New("unresolved dependencies")))
			}
			return nil
		}

		c := <-completedChan
		active--
		noteTruncatedInputs(c.sq, c.result, results)
		finish(c.sq, c.result)
	}
	return nil
}

// call runs one agent call with the per-call bound and panic recovery. A
// call that outlives its bound reports the backend unavailable.
func (d *Dispatcher) call(ctx context.Context, backend, text string) *envelope.ResultEnvelope {
	agent, err := d.backends.Get(backend)
	if err != nil {
		d.logger.Warn("backend_not_registered", "backend", backend)
		return envelope.NewFailedResult(backend, "", backend+" unavailable")
	}
	var schema *backends.SchemaDescription
	if d.catalog != nil {
		schema, _ = d.catalog.Get(backend)
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.callTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d.callTimeout)
	}
	defer cancel()

	result, err := SafeExecuteWithResult(d.logger, "backend:"+backend, func() (*envelope.ResultEnvelope, error) {
		return agent.Execute(callCtx, text, schema), nil
	})
	switch {
	case err != nil:
		result = envelope.NewFailedResult(backend, "", backend+" failed: internal error")
	case result == nil:
		result = envelope.NewFailedResult(backend, "", backend+" returned no result")
	}
	if !result.Success && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		result.ErrorMessage = backend + " unavailable"
	}
	if result.BackendName == "" {
		result.BackendName = backend
	}
	return result
}

// dependencies is DependsOn plus every backend a placeholder references.
func dependencies(sq envelope.SubQuery) []string {
	deps := append([]string{}, sq.DependsOn...)
	for _, p := range agents.Placeholders(sq.Text) {
		found := false
		for _, d := range deps {
			if d == p.Backend {
				found = true
				break
			}
		}
		if !found {
			deps = append(deps, p.Backend)
		}
	}
	return deps
}

func allPresent(deps []string, results map[string]*envelope.ResultEnvelope) bool {
	for _, d := range deps {
		if _, ok := results[d]; !ok {
			return false
		}
	}
	return true
}

func firstFailed(deps []string, results map[string]*envelope.ResultEnvelope) string {
	for _, d := range deps {
		if r := results[d]; r == nil || !r.Success {
			return d
		}
	}
	return ""
}

// noteTruncatedInputs flags a successful dependent whose placeholder values
// came from a producer holding only part of its rows: the dependent then ran
// against an incomplete value list.
func noteTruncatedInputs(sq envelope.SubQuery, r *envelope.ResultEnvelope, results map[string]*envelope.ResultEnvelope) {
	if r == nil || !r.Success {
		return
	}
	seen := make(map[string]bool)
	var notes []string
	for _, p := range agents.Placeholders(sq.Text) {
		producer := results[p.Backend]
		if seen[p.Backend] || producer == nil || !producer.Truncated {
			continue
		}
		seen[p.Backend] = true
		notes = append(notes, fmt.Sprintf("%s used only the first %d of %d %s rows",
			sq.Backend, len(producer.Data), producer.RowCount, p.Backend))
	}
	if len(notes) == 0 {
		return
	}
	r.Truncated = true
	if r.ErrorMessage != "" {
		notes = append([]string{r.ErrorMessage}, notes...)
	}
	r.ErrorMessage = strings.Join(notes, "; ")
}

func skipped(backend string, err error) *envelope.ResultEnvelope {
	return envelope.NewFailedResult(backend, "", fmt.Sprintf("%s skipped: %v", backend, err))
}
