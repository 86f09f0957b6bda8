// Package runtime drives a turn through the query routing state machine.
//
// The Orchestrator walks the declarative table in config.PipelineConfig:
// each stage handler receives the turn state, and the next stage is chosen
// by the first transition whose named guard holds. Stage failures are
// converted to envelope.OrchestratorError and routed through error_next,
// so every turn reaches format_response.
package runtime

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/queryrouter/commbus"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/backends"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/config"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/history"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/observability"
)

var tracer = otel.Tracer("queryrouter/runtime")

// Classifier labels a query. *agents.QueryAnalyzer satisfies it.
type Classifier interface {
	ClassifyWithHint(ctx context.Context, query string, history []envelope.HistoryEntry, hint string) envelope.Classification
}

// Decomposer plans a hybrid query. *agents.QueryDecomposer satisfies it.
type Decomposer interface {
	Decompose(ctx context.Context, query string, c envelope.Classification) (*agents.Decomposition, error)
}

// Engineer answers queries that cannot be dispatched.
// *agents.DataEngineerAgent satisfies it.
type Engineer interface {
	Handle(ctx context.Context, query string, c envelope.Classification) agents.EngineerResponse
}

// Aggregator merges backend envelopes. *agents.ResultAggregator satisfies it.
type Aggregator interface {
	Aggregate(ctx context.Context, order []string, results map[string]*envelope.ResultEnvelope, plan agents.AggregatePlan) *envelope.ResultEnvelope
}

// Dependencies are the collaborators of an Orchestrator. Analyzer,
// Decomposer, Engineer, Aggregator and Backends are required.
type Dependencies struct {
	Analyzer   Classifier
	Decomposer Decomposer
	Engineer   Engineer
	Aggregator Aggregator
	Backends   BackendSource
	Catalog    *backends.Catalog
	Vocab      *agents.Vocabulary
	History    *history.Manager
	Bus        commbus.CommBus
	Pipeline   *config.PipelineConfig
	Config     *config.CoreConfig
	Logger     observability.Logger
}

// stageFunc is one stage handler. A returned error becomes the turn error.
type stageFunc func(ctx context.Context, run *turnRun) error

// turnRun is the per-turn working set shared by stage handlers.
type turnRun struct {
	state *envelope.OrchestratorState
	turn  *history.Turn
	emit  emitter
	// parent is the caller's context. Stages run under a child bounded by
	// the turn timeout; the history append uses parent so a timed-out turn
	// is still recorded.
	parent context.Context
	// sessionID is the caller's session, empty for an ephemeral turn.
	sessionID string
	response  *TurnResponse
}

// Orchestrator runs turns. It is safe for concurrent use; turns of one
// session are serialized by the history manager.
type Orchestrator struct {
	analyzer   Classifier
	decomposer Decomposer
	engineer   Engineer
	aggregator Aggregator
	dispatcher *Dispatcher
	vocab      *agents.Vocabulary
	history    *history.Manager
	bus        commbus.CommBus
	pipeline   *config.PipelineConfig
	config     *config.CoreConfig
	logger     observability.Logger

	handlers map[string]stageFunc
	guardFns map[string]Guard
	maxHops  int
}

// NewOrchestrator validates deps and the pipeline table and builds an
// Orchestrator.
func NewOrchestrator(deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Analyzer == nil:
		return nil, fmt.Errorf("orchestrator requires an analyzer")
	case deps.Decomposer == nil:
		return nil, fmt.Errorf("orchestrator requires a decomposer")
	case deps.Engineer == nil:
		return nil, fmt.Errorf("orchestrator requires a data engineer")
	case deps.Aggregator == nil:
		return nil, fmt.Errorf("orchestrator requires an aggregator")
	case deps.Backends == nil:
		return nil, fmt.Errorf("orchestrator requires backends")
	}
	if deps.Config == nil {
		deps.Config = config.GetCoreConfig()
	}
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	if deps.Vocab == nil {
		deps.Vocab = agents.DefaultVocabulary()
	}
	if deps.Pipeline == nil {
		deps.Pipeline = config.DefaultQueryPipeline()
	}
	if deps.History == nil {
		deps.History = history.NewManager(nil, deps.Config.HistoryWindow, deps.Logger)
	}

	o := &Orchestrator{
		analyzer:   deps.Analyzer,
		decomposer: deps.Decomposer,
		engineer:   deps.Engineer,
		aggregator: deps.Aggregator,
		dispatcher: NewDispatcher(deps.Backends, deps.Catalog, deps.Config, deps.Logger),
		vocab:      deps.Vocab,
		history:    deps.History,
		bus:        deps.Bus,
		pipeline:   deps.Pipeline,
		config:     deps.Config,
		logger:     deps.Logger.Bind("component", "orchestrator"),
	}
	o.handlers = map[string]stageFunc{
		envelope.StageClassify:             o.classify,
		envelope.StageReclassify:           o.reclassify,
		envelope.StageDispatchSingle:       o.dispatchSingle,
		envelope.StageDecomposeAndDispatch: o.decomposeAndDispatch,
		envelope.StageDataEngineer:         o.dataEngineer,
		envelope.StageAggregate:            o.aggregate,
		envelope.StageUpdateContext:        o.updateContext,
		envelope.StageFormatResponse:       o.formatResponse,
	}
	o.guardFns = o.guards()

	if err := o.pipeline.Validate(o.knownGuards()); err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}
	for _, stage := range o.pipeline.Stages {
		if _, ok := o.handlers[stage.Name]; !ok {
			return nil, fmt.Errorf("invalid pipeline: no handler for stage '%s'", stage.Name)
		}
	}
	o.maxHops = o.pipeline.MaxHops
	if o.config.MaxHops > 0 && o.config.MaxHops < o.maxHops {
		o.maxHops = o.config.MaxHops
	}
	return o, nil
}

// History returns the context manager, for the session endpoints.
func (o *Orchestrator) History() *history.Manager { return o.history }

// Run executes one turn and always returns a response. A turn on a session
// waits for any earlier turn of that session to finish.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest) *TurnResponse {
	start := time.Now()

	turn, err := o.history.Begin(ctx, req.SessionID, req.PriorHistory)
	if err != nil {
		st := envelope.NewOrchestratorState(req.Query, req.SessionID, req.PriorHistory)
		st.SetError(envelope.NewOrchestratorError(envelope.ErrorKindCancelled, envelope.StageStart,
			"cancelled while waiting for the session", envelope.ErrTurnCancelled))
		st.Complete()
		o.logger.Info("turn_cancelled", "session_id", req.SessionID, "error", err.Error())
		return buildResponse(st, req.SessionID)
	}
	defer turn.End()

	st := envelope.NewOrchestratorState(req.Query, req.SessionID, turn.History())
	run := &turnRun{
		state:     st,
		turn:      turn,
		parent:    ctx,
		sessionID: req.SessionID,
		emit:      emitter{bus: o.bus, logger: o.logger},
	}

	turnCtx := ctx
	if timeout := o.config.TurnTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	turnCtx, span := tracer.Start(turnCtx, "orchestrator.turn", trace.WithAttributes(
		attribute.String("request_id", st.RequestID),
		attribute.String("session_id", st.SessionID),
	))
	defer span.End()

	o.logger.Info("turn_started", "request_id", st.RequestID, "session_id", st.SessionID, "history_length", len(st.ConversationHistory))
	run.emit.publish(ctx, &commbus.TurnStarted{
		SessionID: st.SessionID,
		RequestID: st.RequestID,
		Query:     st.CurrentQuery,
		Timestamp: st.StartedAt,
	})

	o.execute(turnCtx, run)
	st.Complete()

	resp := run.response
	durationMS := int(time.Since(start).Milliseconds())
	resp.DurationMS = durationMS

	status := "success"
	if !resp.Success {
		status = "error"
		span.SetStatus(codes.Error, resp.Error)
	}
	domain := string(st.Domain)
	if domain == "" {
		domain = "none"
	}
	span.SetAttributes(
		attribute.String("domain", domain),
		attribute.String("query_type", string(st.QueryType)),
		attribute.Int("retry_count", st.RetryCount),
	)
	observability.RecordTurn(domain, status, durationMS)

	run.emit.publish(ctx, &commbus.TurnCompleted{
		SessionID:     st.SessionID,
		RequestID:     st.RequestID,
		Success:       resp.Success,
		Domain:        string(st.Domain),
		QueryType:     string(st.QueryType),
		ExecutionPath: resp.ExecutionPath,
		DurationMS:    durationMS,
		Error:         resp.Error,
	})
	o.logger.Info("turn_completed",
		"request_id", st.RequestID,
		"session_id", st.SessionID,
		"success", resp.Success,
		"domain", string(st.Domain),
		"query_type", string(st.QueryType),
		"retry_count", st.RetryCount,
		"execution_path", st.ExecutionPath,
		"duration_ms", durationMS,
	)
	return resp
}

// execute walks the table from the entry stage to end. If the walk stops
// early (hop limit, malformed table) the terminal stages are run directly
// so the turn is still recorded and answered.
func (o *Orchestrator) execute(ctx context.Context, run *turnRun) {
	st := run.state
	current := o.pipeline.Entry
	for hop := 0; current != config.EndStage; hop++ {
		if hop >= o.maxHops {
			o.logger.Error("hop_limit_exceeded", "request_id", st.RequestID, "stage", current, "max_hops", o.maxHops)
			st.SetError(envelope.NewOrchestratorError(envelope.ErrorKindFatal, current,
				fmt.Sprintf("hop limit %d exceeded", o.maxHops), envelope.ErrInvariantViolated))
			break
		}
		if ctx.Err() != nil && !isTerminalStage(current) {
			st.SetError(o.interruption(run, current))
			current = envelope.StageUpdateContext
			if o.pipeline.GetStage(current) == nil {
				break
			}
		}
		current = o.step(ctx, run, current, hop)
	}

	if run.response == nil {
		if st.VisitCount(envelope.StageUpdateContext) == 0 {
			o.runTerminal(ctx, run, envelope.StageUpdateContext)
		}
		o.runTerminal(ctx, run, envelope.StageFormatResponse)
	}
}

// interruption is the error for a turn whose context ended at stage. A
// caller cancellation is ErrorKindCancelled; the turn timeout is fatal.
func (o *Orchestrator) interruption(run *turnRun, stage string) *envelope.OrchestratorError {
	if run.parent.Err() != nil {
		o.logger.Info("turn_cancelled", "request_id", run.state.RequestID, "stage", stage)
		return envelope.NewOrchestratorError(envelope.ErrorKindCancelled, stage, "turn cancelled", envelope.ErrTurnCancelled)
	}
	o.logger.Warn("turn_timeout", "request_id", run.state.RequestID, "stage", stage, "timeout_ms", o.config.TurnTimeoutMS)
	return envelope.NewOrchestratorError(envelope.ErrorKindFatal, stage, "turn exceeded its time limit", context.DeadlineExceeded)
}

// step runs one stage and returns the next stage name.
func (o *Orchestrator) step(ctx context.Context, run *turnRun, name string, hop int) string {
	st := run.state
	stage := o.pipeline.GetStage(name)
	if stage == nil {
		st.SetError(envelope.NewOrchestratorError(envelope.ErrorKindFatal, name, "unknown stage", envelope.ErrInvariantViolated))
		return config.EndStage
	}

	stageCtx, span := tracer.Start(ctx, "orchestrator.stage", trace.WithAttributes(
		attribute.String("stage", name),
		attribute.Int("hop", hop),
	))
	defer span.End()

	st.RecordStageStart(name)
	run.emit.publish(ctx, &commbus.StageStarted{
		SessionID: st.SessionID,
		RequestID: st.RequestID,
		Stage:     name,
		Hop:       hop,
	})
	start := time.Now()

	err := SafeExecute(o.logger, "stage:"+name, func() error {
		return o.handlers[name](stageCtx, run)
	})

	status := "success"
	var next, errMsg string
	if err != nil {
		oe := envelope.AsOrchestratorError(err, name)
		st.SetError(oe)
		status = "error"
		errMsg = oe.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, errMsg)
		o.logger.Warn("stage_failed", "request_id", st.RequestID, "stage", name, "kind", string(oe.Kind), "error", errMsg)
		next = stage.ErrorNext
		if next == "" {
			next = stage.DefaultNext
		}
	} else {
		next = o.route(stage, st)
	}

	st.RecordStageComplete(name, status)
	durationMS := int(time.Since(start).Milliseconds())
	observability.RecordStageExecution(name, status, durationMS)
	o.logger.Debug("stage_completed", "request_id", st.RequestID, "stage", name, "next", next, "duration_ms", durationMS)
	run.emit.publish(ctx, &commbus.StageCompleted{
		SessionID:  st.SessionID,
		RequestID:  st.RequestID,
		Stage:      name,
		Next:       next,
		Status:     status,
		DurationMS: durationMS,
		Error:      errMsg,
	})
	return next
}

// runTerminal runs a terminal stage outside the table walk.
func (o *Orchestrator) runTerminal(ctx context.Context, run *turnRun, name string) {
	if o.pipeline.GetStage(name) != nil {
		o.step(ctx, run, name, -1)
	}
	if name == envelope.StageFormatResponse && run.response == nil {
		run.response = buildResponse(run.state, run.sessionID)
	}
}

// route picks the first transition whose guard holds, else the default.
func (o *Orchestrator) route(stage *config.StageConfig, st *envelope.OrchestratorState) string {
	for _, rule := range stage.Transitions {
		if guard, ok := o.guardFns[rule.Guard]; ok && guard(st) {
			return rule.Target
		}
	}
	if stage.DefaultIsFatal {
		o.logger.Error("no_transition", "request_id", st.RequestID, "stage", stage.Name,
			"domain", string(st.Domain), "query_type", string(st.QueryType))
		st.SetError(envelope.NewOrchestratorError(envelope.ErrorKindFatal, stage.Name,
			fmt.Sprintf("no transition for domain %q and query type %q", st.Domain, st.QueryType),
			envelope.ErrInvariantViolated))
	}
	return stage.DefaultNext
}

func isTerminalStage(name string) bool {
	return name == envelope.StageUpdateContext || name == envelope.StageFormatResponse
}
