// Package envelope defines the per-turn orchestrator state and the result
// envelope shared by every backend and the aggregator.
//
// Classification values are closed string enums so they survive JSON and
// log output unchanged.
package envelope

// Domain is the data store a query semantically targets.
type Domain string

const (
	// DomainEmployee targets the relational employee store.
	DomainEmployee Domain = "employee"
	// DomainWarehouse targets the document warehouse store.
	DomainWarehouse Domain = "warehouse"
	// DomainHybrid spans both stores.
	DomainHybrid Domain = "hybrid"
	// DomainUnclear could not be resolved to a store.
	DomainUnclear Domain = "unclear"
	// DomainTechnical is a question about query syntax or schema structure.
	DomainTechnical Domain = "technical"
)

// Valid reports whether d is one of the closed set of domains.
func (d Domain) Valid() bool {
	switch d {
	case DomainEmployee, DomainWarehouse, DomainHybrid, DomainUnclear, DomainTechnical:
		return true
	}
	return false
}

// IsSingle reports whether d maps to exactly one backend.
func (d Domain) IsSingle() bool {
	return d == DomainEmployee || d == DomainWarehouse
}

// Intent is what the user wants done with the data.
type Intent string

const (
	IntentSelect    Intent = "select"
	IntentAnalyze   Intent = "analyze"
	IntentCompare   Intent = "compare"
	IntentAggregate Intent = "aggregate"
	IntentClarify   Intent = "clarify"
	IntentExplain   Intent = "explain"
)

// Valid reports whether i is a known intent.
func (i Intent) Valid() bool {
	switch i {
	case IntentSelect, IntentAnalyze, IntentCompare, IntentAggregate, IntentClarify, IntentExplain:
		return true
	}
	return false
}

// Complexity is the analyzer's estimate of query difficulty.
type Complexity string

const (
	ComplexitySimple        Complexity = "simple"
	ComplexityMedium        Complexity = "medium"
	ComplexityComplex       Complexity = "complex"
	ComplexityOverlyComplex Complexity = "overly_complex"
)

// Valid reports whether c is a known complexity.
func (c Complexity) Valid() bool {
	switch c {
	case ComplexitySimple, ComplexityMedium, ComplexityComplex, ComplexityOverlyComplex:
		return true
	}
	return false
}

// QueryType refines an unclear classification.
type QueryType string

const (
	QueryTypeClear         QueryType = "clear"
	QueryTypeAmbiguous     QueryType = "ambiguous"
	QueryTypeNonDomain     QueryType = "non_domain"
	QueryTypeTechnical     QueryType = "technical"
	QueryTypeOverlyComplex QueryType = "overly_complex"
)

// Stage names of the orchestrator state machine.
const (
	StageStart                = "start"
	StageClassify             = "classify"
	StageReclassify           = "reclassify"
	StageDispatchSingle       = "dispatch_single"
	StageDecomposeAndDispatch = "decompose_and_dispatch"
	StageDataEngineer         = "data_engineer"
	StageAggregate            = "aggregate"
	StageUpdateContext        = "update_context"
	StageFormatResponse       = "format_response"
	StageEnd                  = "end"
)
