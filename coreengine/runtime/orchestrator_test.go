package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/queryrouter/commbus"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/backends"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/config"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/history"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/testutil"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

const (
	classifyEmployee  = `{"domain":"employee","intent":"select","complexity":"simple","query_type":"clear","confidence":0.92}`
	classifyHybrid    = `{"domain":"hybrid","intent":"select","complexity":"moderate","query_type":"clear","confidence":0.88}`
	classifyAmbiguous = `{"domain":"unclear","intent":"clarify","complexity":"simple","query_type":"ambiguous","confidence":0.3}`
)

type harness struct {
	cfg     *config.CoreConfig
	llm     *testutil.MockLLMProvider
	sql     *testutil.MockAgent
	nosql   *testutil.MockAgent
	bus     *commbus.InMemoryCommBus
	logger  *testutil.MockLogger
	history *history.Manager
	deps    Dependencies
	orch    *Orchestrator
}

func newHarness(t *testing.T, tweak ...func(h *harness)) *harness {
	t.Helper()
	h := &harness{
		cfg:    testutil.NewTestConfig(),
		llm:    testutil.NewMockLLMProvider(),
		logger: testutil.NewMockLogger(),
	}
	h.sql = testutil.NewMockAgent(backends.BackendSQL,
		testutil.SuccessResult(backends.BackendSQL, "SELECT * FROM employees", employeeRows(1, 2, 3)))
	h.nosql = testutil.NewMockAgent(backends.BackendNoSQL,
		testutil.SuccessResult(backends.BackendNoSQL, "db.orders.find({})", testutil.Rows(2, func(i int) map[string]any {
			return map[string]any{"order_id": 100 + i, "employee_info": map[string]any{"employee_id": i + 1}}
		})))
	h.bus = commbus.NewInMemoryCommBus(time.Second, h.logger)

	for _, fn := range tweak {
		fn(h)
	}

	client := testutil.NewMockClient(h.llm)
	vocab := agents.DefaultVocabulary()
	catalog := backends.DefaultCatalog("")
	h.history = history.NewManager(nil, h.cfg.HistoryWindow, h.logger)
	h.deps = Dependencies{
		Analyzer:   agents.NewQueryAnalyzer(client, vocab, catalog, h.cfg, h.logger),
		Decomposer: agents.NewQueryDecomposer(client, vocab, catalog, h.cfg, h.logger),
		Engineer:   agents.NewDataEngineerAgent(client, vocab, catalog, h.cfg, h.logger),
		Aggregator: agents.NewResultAggregator(h.cfg.RowCap, h.logger),
		Backends:   backends.NewRegistry(h.sql, h.nosql),
		Catalog:    catalog,
		Vocab:      vocab,
		History:    h.history,
		Bus:        h.bus,
		Config:     h.cfg,
		Logger:     h.logger,
	}
	return h
}

// build constructs the orchestrator, applying override to the dependencies.
func (h *harness) build(t *testing.T, override ...func(d *Dependencies)) *Orchestrator {
	t.Helper()
	for _, fn := range override {
		fn(&h.deps)
	}
	orch, err := NewOrchestrator(h.deps)
	require.NoError(t, err)
	h.orch = orch
	return orch
}

func (h *harness) run(t *testing.T, query, session string) *TurnResponse {
	t.Helper()
	if h.orch == nil {
		h.build(t)
	}
	resp := h.orch.Run(context.Background(), TurnRequest{Query: query, SessionID: session})
	require.NotNil(t, resp)
	return resp
}

func (h *harness) storedHistory(t *testing.T, session string) []envelope.HistoryEntry {
	t.Helper()
	entries, err := h.history.Get(context.Background(), session)
	require.NoError(t, err)
	return entries
}

type classifierFunc func(ctx context.Context, query string, history []envelope.HistoryEntry, hint string) envelope.Classification

func (f classifierFunc) ClassifyWithHint(ctx context.Context, query string, history []envelope.HistoryEntry, hint string) envelope.Classification {
	return f(ctx, query, history, hint)
}

type aggregatorFunc func(ctx context.Context, order []string, results map[string]*envelope.ResultEnvelope, plan agents.AggregatePlan) *envelope.ResultEnvelope

func (f aggregatorFunc) Aggregate(ctx context.Context, order []string, results map[string]*envelope.ResultEnvelope, plan agents.AggregatePlan) *envelope.ResultEnvelope {
	return f(ctx, order, results, plan)
}

func countStage(path []string, stage string) int {
	n := 0
	for _, s := range path {
		if s == stage {
			n++
		}
	}
	return n
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestOrchestrator_SingleDomainQuery(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.llm.WithResponse("classify", classifyEmployee) })

	resp := h.run(t, "Show all employees in Engineering", "sess-1")

	assert.True(t, resp.Success)
	assert.Equal(t, envelope.DomainEmployee, resp.Domain)
	assert.Equal(t, envelope.QueryTypeClear, resp.QueryType)
	assert.Equal(t, 3, resp.RowCount)
	assert.Len(t, resp.Data, 3)
	assert.Equal(t, "SELECT * FROM employees", resp.QueryExecuted)
	assert.Equal(t, "Found 3 records in the employee data.", resp.ResponseText)
	assert.Empty(t, resp.Error)

	// A single-domain turn makes exactly one backend call and has no plan.
	assert.Equal(t, []string{"Show all employees in Engineering"}, h.sql.GetCalls())
	assert.Empty(t, h.nosql.GetCalls())
	assert.Empty(t, resp.SubQueries)
	assert.Equal(t, []string{
		envelope.StageClassify,
		envelope.StageDispatchSingle,
		envelope.StageAggregate,
		envelope.StageUpdateContext,
		envelope.StageFormatResponse,
	}, resp.ExecutionPath)

	require.Len(t, resp.History, 1)
	assert.Equal(t, "Show all employees in Engineering", resp.History[0].Content)
	assert.Equal(t, envelope.DomainEmployee, resp.History[0].Domain)
	assert.True(t, resp.History[0].Success)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.NotEmpty(t, resp.RequestID)
}

func TestOrchestrator_AmbiguousQueryExhaustsRetries(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.llm.WithResponse("classify", classifyAmbiguous) })

	resp := h.run(t, "Show me everything", "sess-1")

	assert.True(t, resp.Success)
	assert.Equal(t, envelope.DomainUnclear, resp.Domain)
	assert.Equal(t, envelope.QueryTypeAmbiguous, resp.QueryType)
	assert.Equal(t, 3, resp.RetryCount)
	assert.Equal(t, 4, h.llm.CallsFor("classify"))
	assert.Equal(t, 4, countStage(resp.ExecutionPath, envelope.StageClassify))
	assert.Equal(t, 3, countStage(resp.ExecutionPath, envelope.StageReclassify))
	assert.Equal(t, 1, countStage(resp.ExecutionPath, envelope.StageDataEngineer))
	assert.True(t, h.logger.HasLog("warn", "ambiguity_exceeded"))

	assert.GreaterOrEqual(t, len(resp.Suggestions), 3)
	assert.LessOrEqual(t, len(resp.Suggestions), 5)
	assert.Empty(t, resp.Data)
	assert.NotEmpty(t, resp.ResponseText)
	assert.Empty(t, h.sql.GetCalls())
	assert.Empty(t, h.nosql.GetCalls())
}

func TestOrchestrator_ReclassifyHintReachesModel(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.build(t, func(d *Dependencies) {
		inner := d.Analyzer
		d.Analyzer = classifierFunc(func(ctx context.Context, q string, hist []envelope.HistoryEntry, hint string) envelope.Classification {
			calls++
			if calls == 1 {
				assert.Empty(t, hint)
				return envelope.Classification{
					Domain: envelope.DomainUnclear, QueryType: envelope.QueryTypeAmbiguous,
					Intent: envelope.IntentClarify, Confidence: 0.2, SuggestedDomain: "employee",
				}
			}
			assert.Contains(t, hint, "employee")
			h.llm.WithResponse("classify", classifyEmployee)
			return inner.ClassifyWithHint(ctx, q, hist, hint)
		})
	})

	resp := h.run(t, "Show all employees", "")

	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.RetryCount)
	assert.Equal(t, envelope.DomainEmployee, resp.Domain)
	assert.Len(t, h.sql.GetCalls(), 1)
}

func TestOrchestrator_ConfidentAmbiguityGoesStraightToEngineer(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.llm.WithResponse("classify", `{"domain":"unclear","query_type":"ambiguous","confidence":0.9}`)
	})

	resp := h.run(t, "Tell me about the data", "")

	assert.Equal(t, 0, resp.RetryCount)
	assert.Equal(t, 1, h.llm.CallsFor("classify"))
	assert.Equal(t, []string{
		envelope.StageClassify,
		envelope.StageDataEngineer,
		envelope.StageUpdateContext,
		envelope.StageFormatResponse,
	}, resp.ExecutionPath)
	assert.False(t, h.logger.HasLog("warn", "ambiguity_exceeded"))
}

func TestOrchestrator_EmptyQuery(t *testing.T) {
	h := newHarness(t)

	resp := h.run(t, "   ", "")

	assert.Equal(t, envelope.QueryTypeAmbiguous, resp.QueryType)
	assert.Equal(t, 0, resp.RetryCount)
	assert.Equal(t, 0, h.llm.CallsFor("classify"))
	assert.GreaterOrEqual(t, len(resp.Suggestions), 3)
	assert.Empty(t, h.sql.GetCalls())
}

func TestOrchestrator_TechnicalQuery(t *testing.T) {
	h := newHarness(t)

	resp := h.run(t, "SELECT * FROM employees", "")

	assert.True(t, resp.Success)
	assert.Equal(t, envelope.DomainTechnical, resp.Domain)
	assert.Equal(t, envelope.QueryTypeTechnical, resp.QueryType)
	assert.Equal(t, 0, h.llm.CallsFor("classify"))
	assert.Empty(t, h.sql.GetCalls())
	assert.Empty(t, h.nosql.GetCalls())
	assert.Contains(t, resp.ResponseText, "Here is the data available to query")
	assert.Equal(t, []string{
		envelope.StageClassify,
		envelope.StageDataEngineer,
		envelope.StageUpdateContext,
		envelope.StageFormatResponse,
	}, resp.ExecutionPath)
}

func TestOrchestrator_HybridDependentQuery(t *testing.T) {
	const plan = `{"sub_queries":[` +
		`{"backend":"nosql","query":"orders of fruit products placed by employees [{{sql.employee_id}}]","depends_on":["sql"]},` +
		`{"backend":"sql","query":"employees in Engineering"}` +
		`],"group_key":"employee_id"}`

	var mu sync.Mutex
	var order []string
	h := newHarness(t, func(h *harness) {
		h.llm.WithResponse("classify", classifyHybrid).WithResponse("decompose", plan)
		h.sql.ExecuteFunc = func(ctx context.Context, q string) *envelope.ResultEnvelope {
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			order = append(order, "sql")
			mu.Unlock()
			return testutil.SuccessResult("sql", "SELECT employee_id FROM employees", employeeRows(4, 8))
		}
		h.nosql.ExecuteFunc = func(ctx context.Context, q string) *envelope.ResultEnvelope {
			mu.Lock()
			order = append(order, "nosql")
			mu.Unlock()
			return testutil.SuccessResult("nosql", "db.orders.find(...)", testutil.Rows(1, func(int) map[string]any {
				return map[string]any{"order_id": 7}
			}))
		}
	})

	resp := h.run(t, "Which employees in Engineering placed orders for fruit products?", "")

	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, envelope.DomainHybrid, resp.Domain)
	assert.Equal(t, []string{"sql", "nosql"}, order)
	assert.Equal(t, []string{"orders of fruit products placed by employees [4, 8]"}, h.nosql.GetCalls())

	require.Len(t, resp.SubQueries, 2)
	assert.Equal(t, "sql", resp.SubQueries[0].Backend)
	assert.Equal(t, "nosql", resp.SubQueries[1].Backend)
	assert.Equal(t, []string{"sql"}, resp.SubQueries[1].DependsOn)
	assert.Equal(t, "orders of fruit products placed by employees [4, 8]", resp.SubQueries[1].Resolved)

	assert.Equal(t, 3, resp.RowCount)
	sources := map[any]int{}
	for _, row := range resp.Data {
		sources[row[agents.SourceField]]++
	}
	assert.Equal(t, map[any]int{"sql": 2, "nosql": 1}, sources)
	assert.Contains(t, resp.ExecutionPath, envelope.StageDecomposeAndDispatch)
}

func TestOrchestrator_HybridBackendTimeoutIsPartialSuccess(t *testing.T) {
	const plan = `{"sub_queries":[` +
		`{"backend":"sql","query":"employees in Engineering"},` +
		`{"backend":"nosql","query":"orders of fruit products"}` +
		`]}`
	h := newHarness(t, func(h *harness) {
		h.cfg.BackendTimeoutMS = 20
		h.llm.WithResponse("classify", classifyHybrid).WithResponse("decompose", plan)
		h.sql.Delay = 5 * time.Second
	})

	start := time.Now()
	resp := h.run(t, "Which employees in Engineering placed orders for fruit products?", "")

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, resp.Success)
	assert.Equal(t, "sql unavailable", resp.Error)
	assert.Empty(t, resp.ErrorKind)
	require.NotEmpty(t, resp.Data)
	for _, row := range resp.Data {
		assert.Equal(t, "nosql", row[agents.SourceField])
	}
	assert.Contains(t, resp.ResponseText, "Some results are incomplete: sql unavailable.")
}

func TestOrchestrator_HybridAllBackendsFail(t *testing.T) {
	const plan = `{"sub_queries":[` +
		`{"backend":"sql","query":"employees in Engineering"},` +
		`{"backend":"nosql","query":"orders of fruit products"}` +
		`]}`
	h := newHarness(t, func(h *harness) {
		h.llm.WithResponse("classify", classifyHybrid).WithResponse("decompose", plan)
		h.sql.Results = []*envelope.ResultEnvelope{testutil.FailedResult("sql", "sql unavailable")}
		h.nosql.Results = []*envelope.ResultEnvelope{testutil.FailedResult("nosql", "nosql query failed: bad filter")}
	})

	resp := h.run(t, "Which employees in Engineering placed orders for fruit products?", "sess-f")

	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "sql unavailable")
	assert.Contains(t, resp.Error, "nosql query failed: bad filter")
	assert.Empty(t, resp.Data)

	stored := h.storedHistory(t, "sess-f")
	require.Len(t, stored, 1)
	assert.False(t, stored[0].Success)
}

func TestOrchestrator_PartialSuccessDisabled(t *testing.T) {
	const plan = `{"sub_queries":[` +
		`{"backend":"sql","query":"employees in Engineering"},` +
		`{"backend":"nosql","query":"orders of fruit products"}` +
		`]}`
	h := newHarness(t, func(h *harness) {
		h.cfg.PartialSuccess = false
		h.llm.WithResponse("classify", classifyHybrid).WithResponse("decompose", plan)
		h.nosql.Results = []*envelope.ResultEnvelope{testutil.FailedResult("nosql", "nosql unavailable")}
	})

	resp := h.run(t, "Which employees in Engineering placed orders for fruit products?", "")

	assert.False(t, resp.Success)
	assert.Equal(t, "nosql unavailable", resp.Error)
}

func TestOrchestrator_DecompositionCycleIsFatal(t *testing.T) {
	const plan = `{"sub_queries":[` +
		`{"backend":"sql","query":"employees who placed [{{nosql.employee_info.employee_id}}]"},` +
		`{"backend":"nosql","query":"orders by [{{sql.employee_id}}]"}` +
		`]}`
	h := newHarness(t, func(h *harness) {
		h.llm.WithResponse("classify", classifyHybrid).WithResponse("decompose", plan)
	})

	resp := h.run(t, "Which employees in Engineering placed orders for fruit products?", "sess-c")

	assert.False(t, resp.Success)
	assert.Equal(t, envelope.ErrorKindDecompositionCycle, resp.ErrorKind)
	assert.NotEmpty(t, resp.Error)
	assert.Empty(t, h.sql.GetCalls())
	assert.Empty(t, h.nosql.GetCalls())
	assert.NotContains(t, resp.ExecutionPath, envelope.StageAggregate)
	assert.Equal(t, envelope.StageFormatResponse, resp.ExecutionPath[len(resp.ExecutionPath)-1])
	assert.Len(t, h.storedHistory(t, "sess-c"), 1)
}

func TestOrchestrator_DecomposerFallbackPlan(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.llm.WithResponse("classify", classifyHybrid).WithResponse("decompose", "I cannot help with that")
	})

	resp := h.run(t, "Which employees in Engineering placed orders for fruit products?", "")

	assert.True(t, resp.Success)
	require.Len(t, resp.SubQueries, 2)
	assert.Len(t, h.sql.GetCalls(), 1)
	assert.Len(t, h.nosql.GetCalls(), 1)
}

// =============================================================================
// CONTEXT WINDOW
// =============================================================================

func TestOrchestrator_HistoryWindowIsMonotonic(t *testing.T) {
	const window, turns = 5, 8
	h := newHarness(t, func(h *harness) {
		h.cfg.HistoryWindow = window
		h.llm.WithResponse("classify", classifyEmployee)
	})

	for i := 0; i < turns; i++ {
		resp := h.run(t, fmt.Sprintf("Show employees hired in year %d", 2000+i), "sess-w")

		want := i + 1
		if want > window {
			want = window
		}
		require.Len(t, resp.History, want)
		assert.Equal(t, fmt.Sprintf("Show employees hired in year %d", 2000+i), resp.History[want-1].Content)
		assert.Equal(t, fmt.Sprintf("Show employees hired in year %d", 2000+i-want+1), resp.History[0].Content)
		for j := 1; j < len(resp.History); j++ {
			assert.False(t, resp.History[j].Timestamp.Before(resp.History[j-1].Timestamp))
		}
	}
	assert.Len(t, h.storedHistory(t, "sess-w"), window)
}

func TestOrchestrator_EphemeralTurnUsesPriorHistory(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.llm.WithResponse("classify", classifyEmployee) })
	orch := h.build(t)
	prior := []envelope.HistoryEntry{
		{Role: "user", Content: "List all fruit products", Domain: envelope.DomainWarehouse, Success: true, Timestamp: time.Now().Add(-time.Minute)},
	}

	resp := orch.Run(context.Background(), TurnRequest{Query: "Show all employees", PriorHistory: prior})

	assert.Empty(t, resp.SessionID)
	require.Len(t, resp.History, 2)
	assert.Equal(t, "List all fruit products", resp.History[0].Content)
	assert.Equal(t, "Show all employees", resp.History[1].Content)
	assert.Contains(t, h.llm.LastPrompt("classify"), "List all fruit products")
}

func TestOrchestrator_SessionTurnsAreSerialized(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.llm.WithResponse("classify", classifyEmployee)
		h.sql.Delay = 20 * time.Millisecond
	})
	orch := h.build(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			orch.Run(context.Background(), TurnRequest{Query: fmt.Sprintf("Show employees %d", i), SessionID: "sess-s"})
		}(i)
	}
	wg.Wait()

	assert.Len(t, h.storedHistory(t, "sess-s"), 4)
}

// =============================================================================
// FAULTS AND INTERRUPTION
// =============================================================================

func TestOrchestrator_FaultsAlwaysProduceResponse(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(h *harness)
		override    func(d *Dependencies)
		query       string
		wantSuccess bool
		wantKind    envelope.ErrorKind
		wantError   string
	}{
		{
			name:        "classifier returns malformed output",
			setup:       func(h *harness) { h.llm.WithResponse("classify", "not json at all") },
			query:       "Show all employees in Engineering",
			wantSuccess: true,
		},
		{
			name:        "classifier times out",
			setup:       func(h *harness) { h.llm.WithResponse("classify", classifyEmployee).WithDelay(time.Second) },
			query:       "Show all employees in Engineering",
			wantSuccess: true,
		},
		{
			name:  "classifier panics",
			setup: func(h *harness) {},
			override: func(d *Dependencies) {
				d.Analyzer = classifierFunc(func(context.Context, string, []envelope.HistoryEntry, string) envelope.Classification {
					panic("classifier bug")
				})
			},
			query:    "Show all employees",
			wantKind: envelope.ErrorKindFatal,
		},
		{
			name: "backend panics",
			setup: func(h *harness) {
				h.llm.WithResponse("classify", classifyEmployee)
				h.sql.ExecuteFunc = func(context.Context, string) *envelope.ResultEnvelope { panic("driver bug") }
			},
			query:     "Show all employees",
			wantError: "sql failed: internal error",
		},
		{
			name:  "aggregator panics",
			setup: func(h *harness) { h.llm.WithResponse("classify", classifyEmployee) },
			override: func(d *Dependencies) {
				d.Aggregator = aggregatorFunc(func(context.Context, []string, map[string]*envelope.ResultEnvelope, agents.AggregatePlan) *envelope.ResultEnvelope {
					panic("aggregator bug")
				})
			},
			query:    "Show all employees",
			wantKind: envelope.ErrorKindFatal,
		},
		{
			name:  "classification with no route",
			setup: func(h *harness) {},
			override: func(d *Dependencies) {
				d.Analyzer = classifierFunc(func(context.Context, string, []envelope.HistoryEntry, string) envelope.Classification {
					return envelope.Classification{Domain: "", QueryType: envelope.QueryTypeClear, Confidence: 1}
				})
			},
			query:    "Show all employees",
			wantKind: envelope.ErrorKindFatal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.setup)
			if tt.override != nil {
				h.build(t, tt.override)
			}

			resp := h.run(t, tt.query, "sess-fault")

			assert.Equal(t, tt.wantSuccess, resp.Success)
			assert.Equal(t, tt.wantKind, resp.ErrorKind)
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, resp.Error)
			}
			if !tt.wantSuccess {
				assert.NotEmpty(t, resp.Error)
			}
			n := len(resp.ExecutionPath)
			require.GreaterOrEqual(t, n, 2)
			assert.Equal(t, []string{envelope.StageUpdateContext, envelope.StageFormatResponse}, resp.ExecutionPath[n-2:])
			assert.Len(t, h.storedHistory(t, "sess-fault"), 1)
		})
	}
}

func TestOrchestrator_StagePanicIsLogged(t *testing.T) {
	h := newHarness(t)
	h.build(t, func(d *Dependencies) {
		d.Analyzer = classifierFunc(func(context.Context, string, []envelope.HistoryEntry, string) envelope.Classification {
			panic("boom")
		})
	})

	resp := h.run(t, "Show all employees", "")

	assert.Equal(t, envelope.ErrorKindFatal, resp.ErrorKind)
	assert.True(t, h.logger.HasLog("error", "panic_recovered"))
	assert.True(t, h.logger.HasLog("warn", "stage_failed"))
}

func TestOrchestrator_CallerCancellationLeavesHistoryUntouched(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.llm.WithResponse("classify", classifyEmployee)
		h.sql.Delay = 5 * time.Second
		h.sql.Started = make(chan string, 1)
	})
	orch := h.build(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-h.sql.Started
		cancel()
	}()

	start := time.Now()
	resp := orch.Run(ctx, TurnRequest{Query: "Show all employees", SessionID: "sess-x"})

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, resp.Success)
	assert.Equal(t, envelope.ErrorKindCancelled, resp.ErrorKind)
	assert.Empty(t, h.storedHistory(t, "sess-x"))
	assert.True(t, h.logger.HasLog("info", "history_append_skipped"))
	assert.NotContains(t, resp.ExecutionPath, envelope.StageAggregate)
	assert.Equal(t, envelope.StageFormatResponse, resp.ExecutionPath[len(resp.ExecutionPath)-1])
}

func TestOrchestrator_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	orch := h.build(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := orch.Run(ctx, TurnRequest{Query: "Show all employees", SessionID: "sess-x"})

	assert.False(t, resp.Success)
	assert.Equal(t, envelope.ErrorKindCancelled, resp.ErrorKind)
	assert.Empty(t, h.sql.GetCalls())
	assert.Empty(t, h.storedHistory(t, "sess-x"))
}

func TestOrchestrator_TurnTimeoutIsRecorded(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.cfg.TurnTimeoutMS = 50
		h.cfg.BackendTimeoutMS = 5000
		h.llm.WithResponse("classify", classifyEmployee)
		h.sql.Delay = 5 * time.Second
	})

	start := time.Now()
	resp := h.run(t, "Show all employees", "sess-t")

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, resp.Success)
	assert.Equal(t, envelope.ErrorKindFatal, resp.ErrorKind)
	assert.True(t, h.logger.HasLog("warn", "turn_timeout"))

	stored := h.storedHistory(t, "sess-t")
	require.Len(t, stored, 1)
	assert.False(t, stored[0].Success)
}

func TestOrchestrator_HopLimit(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.llm.WithResponse("classify", classifyEmployee)
	})
	loop := &config.PipelineConfig{
		Name:    "looping",
		Entry:   envelope.StageClassify,
		MaxHops: 6,
		Stages: []*config.StageConfig{
			{
				Name:        envelope.StageClassify,
				Transitions: []config.TransitionRule{{Guard: config.GuardHasError, Target: envelope.StageUpdateContext}},
				DefaultNext: envelope.StageReclassify,
				ErrorNext:   envelope.StageUpdateContext,
			},
			{Name: envelope.StageReclassify, DefaultNext: envelope.StageClassify, ErrorNext: envelope.StageUpdateContext},
			{Name: envelope.StageUpdateContext, DefaultNext: envelope.StageFormatResponse},
			{Name: envelope.StageFormatResponse, DefaultNext: config.EndStage},
		},
	}
	orch := h.build(t, func(d *Dependencies) { d.Pipeline = loop })

	resp := orch.Run(context.Background(), TurnRequest{Query: "Show all employees", SessionID: "sess-h"})

	assert.False(t, resp.Success)
	assert.Equal(t, envelope.ErrorKindFatal, resp.ErrorKind)
	assert.True(t, h.logger.HasLog("error", "hop_limit_exceeded"))
	n := len(resp.ExecutionPath)
	assert.Equal(t, 6+2, n)
	assert.Equal(t, []string{envelope.StageUpdateContext, envelope.StageFormatResponse}, resp.ExecutionPath[n-2:])
	assert.Len(t, h.storedHistory(t, "sess-h"), 1)
}

// =============================================================================
// EVENTS
// =============================================================================

func TestOrchestrator_PublishesTurnEvents(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.llm.WithResponse("classify", classifyEmployee) })
	orch := h.build(t)

	var mu sync.Mutex
	var events []commbus.TurnEvent
	unsubscribe := commbus.SubscribeSession(h.bus, "sess-e", func(e commbus.TurnEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})
	defer unsubscribe()

	other := commbus.SubscribeSession(h.bus, "sess-other", func(e commbus.TurnEvent) {
		t.Errorf("unexpected event for another session: %T", e)
	})
	defer other()

	resp := orch.Run(context.Background(), TurnRequest{Query: "Show all employees", SessionID: "sess-e"})

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	started, ok := events[0].(*commbus.TurnStarted)
	require.True(t, ok, "first event is %T", events[0])
	assert.Equal(t, resp.RequestID, started.RequestID)
	assert.Equal(t, "Show all employees", started.Query)

	completed, ok := events[len(events)-1].(*commbus.TurnCompleted)
	require.True(t, ok, "last event is %T", events[len(events)-1])
	assert.True(t, completed.Success)
	assert.Equal(t, resp.ExecutionPath, completed.ExecutionPath)

	var stageStarts, dispatched int
	for _, e := range events {
		switch ev := e.(type) {
		case *commbus.StageStarted:
			stageStarts++
		case *commbus.BackendDispatched:
			dispatched++
			assert.Equal(t, "sql", ev.Backend)
			assert.True(t, ev.Success)
			assert.Equal(t, 3, ev.RowCount)
		}
	}
	assert.Equal(t, len(resp.ExecutionPath), stageStarts)
	assert.Equal(t, 1, dispatched)
}

func TestBusEventContext(t *testing.T) {
	bus := commbus.NewInMemoryCommBus(time.Second, nil)
	var got []commbus.Message
	bus.Subscribe("AgentStarted", func(ctx context.Context, m commbus.Message) (any, error) {
		got = append(got, m)
		return nil, nil
	})
	bus.Subscribe("AgentCompleted", func(ctx context.Context, m commbus.Message) (any, error) {
		got = append(got, m)
		return nil, nil
	})

	ec := NewBusEventContext(bus)
	require.NoError(t, ec.EmitAgentStarted(agents.AnalyzerName))
	require.NoError(t, ec.EmitAgentCompleted(agents.AnalyzerName, agents.StatusError, 12, errors.New("model down")))

	require.Len(t, got, 2)
	assert.Equal(t, agents.AnalyzerName, got[0].(*commbus.AgentStarted).AgentName)
	completed := got[1].(*commbus.AgentCompleted)
	assert.Equal(t, agents.StatusError, completed.Status)
	assert.Equal(t, 12, completed.DurationMS)
	require.NotNil(t, completed.Error)
	assert.Equal(t, "model down", *completed.Error)
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

func TestNewOrchestrator_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *Dependencies)
		wantErr string
	}{
		{name: "missing analyzer", mutate: func(d *Dependencies) { d.Analyzer = nil }, wantErr: "analyzer"},
		{name: "missing decomposer", mutate: func(d *Dependencies) { d.Decomposer = nil }, wantErr: "decomposer"},
		{name: "missing engineer", mutate: func(d *Dependencies) { d.Engineer = nil }, wantErr: "data engineer"},
		{name: "missing aggregator", mutate: func(d *Dependencies) { d.Aggregator = nil }, wantErr: "aggregator"},
		{name: "missing backends", mutate: func(d *Dependencies) { d.Backends = nil }, wantErr: "backends"},
		{
			name: "unknown guard",
			mutate: func(d *Dependencies) {
				p := config.DefaultQueryPipeline()
				p.Stages[0].Transitions = append(p.Stages[0].Transitions, config.TransitionRule{Guard: "is_friday", Target: config.EndStage})
				d.Pipeline = p
			},
			wantErr: "unknown guard",
		},
		{
			name: "stage without handler",
			mutate: func(d *Dependencies) {
				d.Pipeline = &config.PipelineConfig{
					Name:    "custom",
					Entry:   "summarize",
					MaxHops: 4,
					Stages:  []*config.StageConfig{{Name: "summarize", DefaultNext: config.EndStage}},
				}
			},
			wantErr: "no handler for stage 'summarize'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.mutate(&h.deps)
			_, err := NewOrchestrator(h.deps)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewOrchestrator_Defaults(t *testing.T) {
	h := newHarness(t)
	h.deps.Config = nil
	h.deps.Logger = nil
	h.deps.Pipeline = nil
	h.deps.History = nil
	h.deps.Vocab = nil
	h.deps.Bus = nil

	orch, err := NewOrchestrator(h.deps)
	require.NoError(t, err)
	assert.NotNil(t, orch.History())
	assert.Equal(t, config.DefaultQueryPipeline().MaxHops, orch.maxHops)
}

func TestNewOrchestrator_ConfigLowersHopLimit(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.cfg.MaxHops = 5 })
	orch := h.build(t)
	assert.Equal(t, 5, orch.maxHops)
}
