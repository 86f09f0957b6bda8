package runtime

import (
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/envelope"
)

// TurnRequest is one user query. PriorHistory seeds a session the store
// knows nothing about, and is the whole history of an ephemeral turn (one
// without a SessionID).
type TurnRequest struct {
	Query        string                  `json:"query"`
	SessionID    string                  `json:"session_id,omitempty"`
	PriorHistory []envelope.HistoryEntry `json:"prior_history,omitempty"`
}

// TurnResponse is the formatted result of a turn.
type TurnResponse struct {
	Success       bool                    `json:"success"`
	Domain        envelope.Domain         `json:"domain"`
	QueryType     envelope.QueryType      `json:"query_type"`
	Intent        envelope.Intent         `json:"intent,omitempty"`
	Confidence    float64                 `json:"confidence"`
	ResponseText  string                  `json:"response_text"`
	Data          []map[string]any        `json:"data"`
	RowCount      int                     `json:"row_count"`
	Truncated     bool                    `json:"truncated,omitempty"`
	QueryExecuted string                  `json:"query_executed,omitempty"`
	Suggestions   []string                `json:"suggestions,omitempty"`
	Error         string                  `json:"error,omitempty"`
	ErrorKind     envelope.ErrorKind      `json:"error_kind,omitempty"`
	ExecutionPath []string                `json:"execution_path"`
	SubQueries    []envelope.SubQuery     `json:"sub_queries"`
	RetryCount    int                     `json:"retry_count"`
	History       []envelope.HistoryEntry `json:"history"`
	RequestID     string                  `json:"request_id"`
	SessionID     string                  `json:"session_id,omitempty"`
	DurationMS    int                     `json:"duration_ms"`
}

// buildResponse renders the final state. It is the only reader of
// st.Error.
func buildResponse(st *envelope.OrchestratorState, sessionID string) *TurnResponse {
	resp := &TurnResponse{
		Domain:        st.Domain,
		QueryType:     st.QueryType,
		Intent:        st.Intent,
		Confidence:    st.Confidence,
		Data:          []map[string]any{},
		ExecutionPath: append([]string{}, st.ExecutionPath...),
		SubQueries:    append([]envelope.SubQuery{}, st.SubQueries...),
		RetryCount:    st.RetryCount,
		History:       append([]envelope.HistoryEntry{}, st.ConversationHistory...),
		RequestID:     st.RequestID,
		SessionID:     sessionID,
	}

	if st.Error != nil {
		resp.Error = st.Error.UserMessage()
		resp.ErrorKind = st.Error.Kind
		resp.ResponseText = resp.Error
		return resp
	}
	r := st.CombinedResult
	if r == nil {
		resp.ErrorKind = envelope.ErrorKindFatal
		resp.Error = envelope.NewOrchestratorError(envelope.ErrorKindFatal, envelope.StageFormatResponse, "no result", nil).UserMessage()
		resp.ResponseText = resp.Error
		return resp
	}

	resp.Success = r.Success
	if r.Data != nil {
		resp.Data = r.Data
	}
	resp.RowCount = r.RowCount
	resp.Truncated = r.Truncated
	resp.QueryExecuted = r.QueryExecuted
	resp.Suggestions = r.Suggestions
	resp.Error = r.ErrorMessage
	resp.ResponseText = r.Response
	if resp.ResponseText == "" {
		resp.ResponseText = summarize(st.Domain, r)
	}
	return resp
}

// summarize describes a data result in one or two sentences.
func summarize(domain envelope.Domain, r *envelope.ResultEnvelope) string {
	if !r.Success {
		return "The query could not be completed: " + r.ErrorMessage + "."
	}
	source := fmt.Sprintf("the %s data", domain)
	if domain == envelope.DomainHybrid {
		source = "the employee and warehouse data"
	}

	var b strings.Builder
	switch {
	case r.RowCount == 0:
		fmt.Fprintf(&b, "No matching records were found in %s.", source)
	case r.RowCount > len(r.Data):
		fmt.Fprintf(&b, "Found %d records in %s; showing the first %d.", r.RowCount, source, len(r.Data))
	case r.RowCount == 1:
		fmt.Fprintf(&b, "Found 1 record in %s.", source)
	default:
		fmt.Fprintf(&b, "Found %d records in %s.", r.RowCount, source)
	}
	if r.ErrorMessage != "" {
		fmt.Fprintf(&b, " Some results are incomplete: %s.", r.ErrorMessage)
	}
	return b.String()
}
