package envelope

import "fmt"

// Narrowed views over OrchestratorState. Each stage handler receives the
// view for its stage and can only write the fields that stage owns.

// ClassifyView is handed to the classify stage.
type ClassifyView struct{ s *OrchestratorState }

// ClassifyView returns the classify stage view.
func (s *OrchestratorState) ClassifyView() ClassifyView { return ClassifyView{s} }

func (v ClassifyView) Query() string                  { return v.s.CurrentQuery }
func (v ClassifyView) History() []HistoryEntry        { return v.s.ConversationHistory }
func (v ClassifyView) ReconsiderHint() string         { return v.s.ReconsiderHint }
func (v ClassifyView) RetryCount() int                { return v.s.RetryCount }
func (v ClassifyView) Classification() Classification { return v.s.Classification() }

// SetClassification writes the analyzer output.
func (v ClassifyView) SetClassification(c Classification) {
	v.s.Domain = c.Domain
	v.s.Intent = c.Intent
	v.s.Complexity = c.Complexity
	v.s.QueryType = c.QueryType
	v.s.Confidence = c.Confidence
	v.s.Issues = copyStringSlice(c.Issues)
	v.s.SuggestedDomain = c.SuggestedDomain
}

// ForceAmbiguous marks the classification ambiguous and unclear once
// reclassification retries are exhausted.
func (v ClassifyView) ForceAmbiguous() {
	v.s.QueryType = QueryTypeAmbiguous
	v.s.Domain = DomainUnclear
	v.s.ForcedAmbiguous = true
}

// DispatchView is handed to dispatch_single and decompose_and_dispatch.
type DispatchView struct{ s *OrchestratorState }

// DispatchView returns the dispatch stage view.
func (s *OrchestratorState) DispatchView() DispatchView { return DispatchView{s} }

func (v DispatchView) Query() string                  { return v.s.CurrentQuery }
func (v DispatchView) Classification() Classification { return v.s.Classification() }
func (v DispatchView) SubQueries() []SubQuery         { return v.s.SubQueries }

// SetPlan records the decomposition. Only valid for hybrid turns.
func (v DispatchView) SetPlan(subQueries []SubQuery, groupKey string) error {
	if v.s.Domain != DomainHybrid {
		return fmt.Errorf("%w: sub-queries set for %s domain", ErrInvariantViolated, v.s.Domain)
	}
	seen := make(map[string]bool, len(subQueries))
	for _, sq := range subQueries {
		if seen[sq.Backend] {
			return fmt.Errorf("%w: duplicate sub-query for backend %s", ErrInvariantViolated, sq.Backend)
		}
		seen[sq.Backend] = true
	}
	v.s.SubQueries = subQueries
	v.s.GroupKey = groupKey
	return nil
}

// SetResolved records the substituted text actually dispatched for backend.
func (v DispatchView) SetResolved(backend, text string) {
	for i := range v.s.SubQueries {
		if v.s.SubQueries[i].Backend == backend {
			v.s.SubQueries[i].Resolved = text
			return
		}
	}
}

// RecordResult stores a backend envelope. Each backend may write once.
func (v DispatchView) RecordResult(backend string, result *ResultEnvelope) error {
	if _, exists := v.s.BackendResults[backend]; exists {
		return fmt.Errorf("%w: backend %s already produced a result", ErrInvariantViolated, backend)
	}
	if result == nil {
		result = NewFailedResult(backend, "", backend+" returned no result")
	}
	v.s.BackendResults[backend] = result
	return nil
}

// Result returns the envelope recorded for backend.
func (v DispatchView) Result(backend string) (*ResultEnvelope, bool) {
	r, ok := v.s.BackendResults[backend]
	return r, ok
}

// EngineerView is handed to the data_engineer stage.
type EngineerView struct{ s *OrchestratorState }

// EngineerView returns the data engineer stage view.
func (s *OrchestratorState) EngineerView() EngineerView { return EngineerView{s} }

func (v EngineerView) Query() string                  { return v.s.CurrentQuery }
func (v EngineerView) Classification() Classification { return v.s.Classification() }

// SetResponse writes the engineered text as a data-less combined result.
func (v EngineerView) SetResponse(response string, suggestions []string) {
	if v.s.QueryType == QueryTypeAmbiguous {
		v.s.ClarificationSuggestions = copyStringSlice(suggestions)
	}
	v.s.CombinedResult = &ResultEnvelope{
		Success:     true,
		Data:        []map[string]any{},
		Response:    response,
		Suggestions: copyStringSlice(suggestions),
	}
}

// AggregateView is handed to the aggregate stage.
type AggregateView struct{ s *OrchestratorState }

// AggregateView returns the aggregate stage view.
func (s *OrchestratorState) AggregateView() AggregateView { return AggregateView{s} }

func (v AggregateView) Intent() Intent   { return v.s.Intent }
func (v AggregateView) GroupKey() string { return v.s.GroupKey }
func (v AggregateView) IsHybrid() bool   { return v.s.Domain == DomainHybrid }

// Results returns backend envelopes in dispatch order.
func (v AggregateView) Results() ([]string, map[string]*ResultEnvelope) {
	order := make([]string, 0, len(v.s.BackendResults))
	for _, sq := range v.s.SubQueries {
		if _, ok := v.s.BackendResults[sq.Backend]; ok {
			order = append(order, sq.Backend)
		}
	}
	if len(order) != len(v.s.BackendResults) {
		for name := range v.s.BackendResults {
			if _, ok := v.s.SubQuery(name); !ok {
				order = append(order, name)
			}
		}
	}
	return order, v.s.BackendResults
}

// SetCombined writes the aggregated envelope.
func (v AggregateView) SetCombined(result *ResultEnvelope) {
	v.s.CombinedResult = result
}

// ContextView is handed to update_context.
type ContextView struct{ s *OrchestratorState }

// ContextView returns the update_context stage view.
func (s *OrchestratorState) ContextView() ContextView { return ContextView{s} }

func (v ContextView) SessionID() string       { return v.s.SessionID }
func (v ContextView) History() []HistoryEntry { return v.s.ConversationHistory }

// Entry builds the history entry for this turn.
func (v ContextView) Entry() HistoryEntry {
	success := v.s.Error == nil && v.s.CombinedResult != nil && v.s.CombinedResult.Success
	return HistoryEntry{
		Role:    "user",
		Content: v.s.CurrentQuery,
		Domain:  v.s.Domain,
		Intent:  v.s.Intent,
		Success: success,
	}
}

// SetHistory replaces the history with the store's post-append window.
func (v ContextView) SetHistory(h []HistoryEntry) {
	v.s.ConversationHistory = h
	v.s.HistoryRecorded = true
}
