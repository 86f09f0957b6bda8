package runtime

import (
	"context"
	"fmt"

	"github.com/jeeves-cluster-organization/queryrouter/commbus"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/observability"
)

// =============================================================================
// CLASSIFICATION
// =============================================================================

func (o *Orchestrator) classify(ctx context.Context, run *turnRun) error {
	view := run.state.ClassifyView()
	c := o.analyzer.ClassifyWithHint(ctx, view.Query(), view.History(), view.ReconsiderHint())
	view.SetClassification(c)
	o.logger.Debug("query_classified",
		"request_id", run.state.RequestID,
		"domain", string(c.Domain),
		"query_type", string(c.QueryType),
		"intent", string(c.Intent),
		"confidence", c.Confidence,
		"issues", c.Issues,
		"retry_count", view.RetryCount(),
	)
	if o.retriesExhausted(run.state) {
		view.ForceAmbiguous()
		o.logger.Warn("ambiguity_exceeded",
			"request_id", run.state.RequestID,
			"kind", string(envelope.ErrorKindAmbiguityExceeded),
			"retry_count", view.RetryCount(),
			"confidence", c.Confidence,
		)
	}
	return nil
}

// reclassify records a retry and the hint for the next classify pass.
func (o *Orchestrator) reclassify(ctx context.Context, run *turnRun) error {
	st := run.state
	hint := reconsiderHint(st.Classification())
	st.IncrementRetry(hint)
	observability.RecordReclassification()
	o.logger.Info("reclassify", "request_id", st.RequestID, "retry_count", st.RetryCount)
	return nil
}

func reconsiderHint(prev envelope.Classification) string {
	guess := prev.SuggestedDomain
	if guess == "" {
		guess = string(prev.Domain)
	}
	return fmt.Sprintf("A previous attempt classified this query as %s (%s) with confidence %.2f. "+
		"Reconsider which data store the question is about; answer unclear only if no store fits.",
		guess, prev.QueryType, prev.Confidence)
}

// =============================================================================
// DISPATCH
// =============================================================================

func (o *Orchestrator) dispatchSingle(ctx context.Context, run *turnRun) error {
	view := run.state.DispatchView()
	c := view.Classification()
	spec, ok := o.vocab.Spec(c.Domain)
	if !ok {
		return envelope.NewOrchestratorError(envelope.ErrorKindFatal, envelope.StageDispatchSingle,
			fmt.Sprintf("no backend serves domain %s", c.Domain), envelope.ErrInvariantViolated)
	}

	result := o.dispatcher.Single(ctx, spec.Backend, view.Query())
	o.publishDispatch(ctx, run, spec.Backend, view.Query(), result)
	return view.RecordResult(spec.Backend, result)
}

func (o *Orchestrator) decomposeAndDispatch(ctx context.Context, run *turnRun) error {
	view := run.state.DispatchView()
	plan, err := o.decomposer.Decompose(ctx, view.Query(), view.Classification())
	if err != nil {
		return err
	}
	if err := view.SetPlan(plan.SubQueries, plan.GroupKey); err != nil {
		return err
	}
	o.logger.Debug("query_decomposed",
		"request_id", run.state.RequestID,
		"sub_queries", len(plan.SubQueries),
		"group_key", plan.GroupKey,
		"fallback", plan.Fallback,
	)

	var recordErr error
	err = o.dispatcher.Plan(ctx, view.SubQueries(), func(sq envelope.SubQuery, result *envelope.ResultEnvelope) {
		text := sq.Text
		if sq.Resolved != "" {
			view.SetResolved(sq.Backend, sq.Resolved)
			text = sq.Resolved
		}
		o.publishDispatch(ctx, run, sq.Backend, text, result)
		if err := view.RecordResult(sq.Backend, result); err != nil && recordErr == nil {
			recordErr = err
		}
	})
	if err != nil {
		return err
	}
	return recordErr
}

func (o *Orchestrator) publishDispatch(ctx context.Context, run *turnRun, backend, text string, result *envelope.ResultEnvelope) {
	o.logger.Info("backend_dispatched",
		"request_id", run.state.RequestID,
		"backend", backend,
		"success", result.Success,
		"row_count", result.RowCount,
		"duration_ms", result.DurationMS,
	)
	run.emit.publish(ctx, &commbus.BackendDispatched{
		SessionID:  run.state.SessionID,
		RequestID:  run.state.RequestID,
		Backend:    backend,
		Query:      text,
		Success:    result.Success,
		RowCount:   result.RowCount,
		DurationMS: result.DurationMS,
		Error:      result.ErrorMessage,
	})
}

// =============================================================================
// DATA ENGINEER AND AGGREGATION
// =============================================================================

func (o *Orchestrator) dataEngineer(ctx context.Context, run *turnRun) error {
	view := run.state.EngineerView()
	resp := o.engineer.Handle(ctx, view.Query(), view.Classification())
	view.SetResponse(resp.Response, resp.Suggestions)
	return nil
}

func (o *Orchestrator) aggregate(ctx context.Context, run *turnRun) error {
	view := run.state.AggregateView()
	order, results := view.Results()
	combined := o.aggregator.Aggregate(ctx, order, results, agents.AggregatePlan{
		Intent:         view.Intent(),
		GroupKey:       view.GroupKey(),
		PartialSuccess: o.config.PartialSuccess,
	})
	view.SetCombined(combined)
	return nil
}

// =============================================================================
// CONTEXT AND RESPONSE
// =============================================================================

// updateContext appends the turn to the session window. A cancelled caller
// leaves the history untouched.
func (o *Orchestrator) updateContext(ctx context.Context, run *turnRun) error {
	st := run.state
	if run.parent.Err() != nil {
		o.logger.Info("history_append_skipped", "request_id", st.RequestID, "session_id", st.SessionID)
		return nil
	}
	view := st.ContextView()
	window, err := run.turn.Append(run.parent, view.Entry())
	if err != nil {
		// The turn is still answered; the store logged the failure.
		return nil
	}
	view.SetHistory(window)
	return nil
}

func (o *Orchestrator) formatResponse(ctx context.Context, run *turnRun) error {
	run.response = buildResponse(run.state, run.sessionID)
	return nil
}
