package envelope

import (
	"time"

	"github.com/google/uuid"
)

// HistoryEntry is one prior turn in the conversation window.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Domain    Domain    `json:"domain"`
	Intent    Intent    `json:"intent,omitempty"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// Classification is the analyzer's output for one query.
type Classification struct {
	Domain          Domain     `json:"domain"`
	Intent          Intent     `json:"intent"`
	Complexity      Complexity `json:"complexity"`
	QueryType       QueryType  `json:"query_type"`
	Confidence      float64    `json:"confidence"`
	Issues          []string   `json:"issues,omitempty"`
	SuggestedDomain string     `json:"suggested_domain,omitempty"`
}

// IsClear reports whether the query can be dispatched to a backend.
func (c Classification) IsClear() bool {
	return c.QueryType == QueryTypeClear
}

// HasIssue reports whether issue was recorded during classification.
func (c Classification) HasIssue(issue string) bool {
	for _, i := range c.Issues {
		if i == issue {
			return true
		}
	}
	return false
}

// SubQuery is the per-backend fragment of a hybrid query.
type SubQuery struct {
	Backend string `json:"backend"`
	Text    string `json:"text"`
	// DependsOn lists backends whose results are substituted into Text.
	DependsOn []string `json:"depends_on,omitempty"`
	// Resolved is Text after placeholder substitution, set at dispatch.
	Resolved string `json:"resolved,omitempty"`
}

// StageRecord is the timing record for one visited stage.
type StageRecord struct {
	Stage       string     `json:"stage"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int        `json:"duration_ms"`
	Status      string     `json:"status"` // "running", "success", "error"
}

// OrchestratorState is the single record threaded through every stage of a
// turn. A fresh state is created per query; only ConversationHistory is
// carried in from previous turns.
type OrchestratorState struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`

	ConversationHistory []HistoryEntry `json:"conversation_history"`
	CurrentQuery        string         `json:"current_query"`

	// Classification, written only by the classify stage.
	Domain          Domain     `json:"domain"`
	Intent          Intent     `json:"intent"`
	Complexity      Complexity `json:"complexity"`
	QueryType       QueryType  `json:"query_type"`
	Confidence      float64    `json:"confidence"`
	Issues          []string   `json:"issues,omitempty"`
	SuggestedDomain string     `json:"suggested_domain,omitempty"`

	// Dispatch.
	SubQueries     []SubQuery                 `json:"sub_queries"`
	GroupKey       string                     `json:"group_key,omitempty"`
	BackendResults map[string]*ResultEnvelope `json:"backend_results"`

	CombinedResult           *ResultEnvelope `json:"combined_result,omitempty"`
	ClarificationSuggestions []string        `json:"clarification_suggestions,omitempty"`

	ExecutionPath []string           `json:"execution_path"`
	Error         *OrchestratorError `json:"error,omitempty"`
	RetryCount    int                `json:"retry_count"`
	// ReconsiderHint is passed to the classifier on a retry.
	ReconsiderHint string `json:"reconsider_hint,omitempty"`
	// ForcedAmbiguous is set when retries ran out and the turn was routed to
	// the data engineer as ambiguous.
	ForcedAmbiguous bool `json:"forced_ambiguous,omitempty"`
	HistoryRecorded bool `json:"history_recorded"`

	Stages      []StageRecord `json:"stages"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// NewOrchestratorState creates the state for a new turn. An empty sessionID
// gets a generated one.
func NewOrchestratorState(query, sessionID string, history []HistoryEntry) *OrchestratorState {
	if sessionID == "" {
		sessionID = "sess_" + uuid.New().String()[:16]
	}
	h := make([]HistoryEntry, len(history))
	copy(h, history)
	return &OrchestratorState{
		RequestID:           "req_" + uuid.New().String()[:16],
		SessionID:           sessionID,
		ConversationHistory: h,
		CurrentQuery:        query,
		SubQueries:          []SubQuery{},
		BackendResults:      make(map[string]*ResultEnvelope),
		ExecutionPath:       []string{},
		Stages:              []StageRecord{},
		StartedAt:           time.Now().UTC(),
	}
}

// Classification returns the classification fields as one value.
func (s *OrchestratorState) Classification() Classification {
	return Classification{
		Domain:          s.Domain,
		Intent:          s.Intent,
		Complexity:      s.Complexity,
		QueryType:       s.QueryType,
		Confidence:      s.Confidence,
		Issues:          copyStringSlice(s.Issues),
		SuggestedDomain: s.SuggestedDomain,
	}
}

// HasError reports whether a stage has set the turn error.
func (s *OrchestratorState) HasError() bool {
	return s.Error != nil
}

// SetError records the turn error. The first error wins.
func (s *OrchestratorState) SetError(err *OrchestratorError) {
	if s.Error == nil && err != nil {
		s.Error = err
	}
}

// SubQuery returns the sub-query for backend.
func (s *OrchestratorState) SubQuery(backend string) (SubQuery, bool) {
	for _, sq := range s.SubQueries {
		if sq.Backend == backend {
			return sq, true
		}
	}
	return SubQuery{}, false
}

// =============================================================================
// Stage Tracking
// =============================================================================

// RecordStageStart appends stage to the execution path and opens its record.
func (s *OrchestratorState) RecordStageStart(stage string) {
	s.ExecutionPath = append(s.ExecutionPath, stage)
	s.Stages = append(s.Stages, StageRecord{
		Stage:     stage,
		StartedAt: time.Now().UTC(),
		Status:    "running",
	})
}

// RecordStageComplete closes the latest open record for stage.
func (s *OrchestratorState) RecordStageComplete(stage, status string) {
	for i := len(s.Stages) - 1; i >= 0; i-- {
		rec := &s.Stages[i]
		if rec.Stage == stage && rec.Status == "running" {
			now := time.Now().UTC()
			rec.CompletedAt = &now
			rec.Status = status
			rec.DurationMS = int(now.Sub(rec.StartedAt).Milliseconds())
			return
		}
	}
}

// VisitCount returns how many times stage appears in the execution path.
func (s *OrchestratorState) VisitCount(stage string) int {
	n := 0
	for _, p := range s.ExecutionPath {
		if p == stage {
			n++
		}
	}
	return n
}

// Complete stamps the completion time.
func (s *OrchestratorState) Complete() {
	now := time.Now().UTC()
	s.CompletedAt = &now
}

// TotalProcessingTimeMS sums stage durations.
func (s *OrchestratorState) TotalProcessingTimeMS() int {
	total := 0
	for _, rec := range s.Stages {
		total += rec.DurationMS
	}
	return total
}

// =============================================================================
// Retry Management
// =============================================================================

// IncrementRetry bumps RetryCount and resets classification output so the
// next classify pass starts clean.
func (s *OrchestratorState) IncrementRetry(hint string) {
	s.RetryCount++
	s.ReconsiderHint = hint
	s.Domain = ""
	s.Intent = ""
	s.Complexity = ""
	s.QueryType = ""
	s.Confidence = 0
	s.Issues = nil
	s.SuggestedDomain = ""
}

// =============================================================================
// Clone and Serialization
// =============================================================================

// Clone deep-copies the state.
func (s *OrchestratorState) Clone() *OrchestratorState {
	c := *s
	c.ConversationHistory = make([]HistoryEntry, len(s.ConversationHistory))
	copy(c.ConversationHistory, s.ConversationHistory)
	c.Issues = copyStringSlice(s.Issues)
	c.SubQueries = make([]SubQuery, len(s.SubQueries))
	for i, sq := range s.SubQueries {
		sq.DependsOn = copyStringSlice(sq.DependsOn)
		c.SubQueries[i] = sq
	}
	c.BackendResults = make(map[string]*ResultEnvelope, len(s.BackendResults))
	for k, v := range s.BackendResults {
		c.BackendResults[k] = v.Clone()
	}
	c.CombinedResult = s.CombinedResult.Clone()
	c.ClarificationSuggestions = copyStringSlice(s.ClarificationSuggestions)
	c.ExecutionPath = copyStringSlice(s.ExecutionPath)
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	c.Stages = make([]StageRecord, len(s.Stages))
	copy(c.Stages, s.Stages)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// ToStateDict flattens the state for structured logs and debugging output.
func (s *OrchestratorState) ToStateDict() map[string]any {
	subQueries := make(map[string]any, len(s.SubQueries))
	for _, sq := range s.SubQueries {
		subQueries[sq.Backend] = sq.Text
	}
	results := make(map[string]any, len(s.BackendResults))
	for name, r := range s.BackendResults {
		results[name] = map[string]any{
			"success":   r.Success,
			"row_count": r.RowCount,
			"error":     r.ErrorMessage,
		}
	}
	dict := map[string]any{
		"request_id":      s.RequestID,
		"session_id":      s.SessionID,
		"current_query":   s.CurrentQuery,
		"domain":          string(s.Domain),
		"intent":          string(s.Intent),
		"complexity":      string(s.Complexity),
		"query_type":      string(s.QueryType),
		"confidence":      s.Confidence,
		"sub_queries":     subQueries,
		"backend_results": results,
		"execution_path":  copyStringSlice(s.ExecutionPath),
		"retry_count":     s.RetryCount,
		"history_length":  len(s.ConversationHistory),
	}
	if s.CombinedResult != nil {
		dict["combined_success"] = s.CombinedResult.Success
		dict["combined_row_count"] = s.CombinedResult.RowCount
	}
	if s.Error != nil {
		dict["error_kind"] = string(s.Error.Kind)
		dict["error"] = s.Error.Message
	}
	return dict
}
