package runtime

import (
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/config"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/envelope"
)

// Guard is a named predicate over the turn state used by transition rules.
type Guard func(st *envelope.OrchestratorState) bool

// guards binds every guard name the pipeline may use.
func (o *Orchestrator) guards() map[string]Guard {
	return map[string]Guard{
		config.GuardHasError: func(st *envelope.OrchestratorState) bool {
			return st.HasError()
		},
		config.GuardNeedsReclassification: func(st *envelope.OrchestratorState) bool {
			return o.retryable(st) && st.RetryCount < o.config.RetryCeiling
		},
		config.GuardRetriesExhausted: o.retriesExhausted,
		config.GuardSingleDomain: func(st *envelope.OrchestratorState) bool {
			return st.QueryType == envelope.QueryTypeClear && st.Domain.IsSingle()
		},
		config.GuardHybridDomain: func(st *envelope.OrchestratorState) bool {
			return st.QueryType == envelope.QueryTypeClear && st.Domain == envelope.DomainHybrid
		},
		config.GuardEngineerDomain: func(st *envelope.OrchestratorState) bool {
			switch st.Domain {
			case envelope.DomainUnclear, envelope.DomainTechnical:
				return true
			}
			switch st.QueryType {
			case envelope.QueryTypeAmbiguous, envelope.QueryTypeNonDomain,
				envelope.QueryTypeTechnical, envelope.QueryTypeOverlyComplex:
				return true
			}
			return false
		},
	}
}

// knownGuards is the guard name set for pipeline validation.
func (o *Orchestrator) knownGuards() map[string]bool {
	known := make(map[string]bool)
	for name := range o.guards() {
		known[name] = true
	}
	return known
}

// retryable reports an ambiguous, low-confidence classification that a
// second look could resolve. Empty queries and keyword fallbacks cannot
// improve on retry.
func (o *Orchestrator) retryable(st *envelope.OrchestratorState) bool {
	if st.QueryType != envelope.QueryTypeAmbiguous || st.Confidence >= o.config.ConfidenceThreshold {
		return false
	}
	c := st.Classification()
	return !c.HasIssue(agents.IssueEmptyQuery) && !c.HasIssue(agents.IssueClassifierUnavailable)
}

func (o *Orchestrator) retriesExhausted(st *envelope.OrchestratorState) bool {
	return o.retryable(st) && st.RetryCount >= o.config.RetryCeiling
}
