package config

import (
	"fmt"
)

// Guard names understood by the orchestrator. Each is bound to a predicate
// over the turn state in the runtime package.
const (
	GuardHasError              = "has_error"
	GuardNeedsReclassification = "needs_reclassification"
	GuardRetriesExhausted      = "retries_exhausted"
	GuardSingleDomain          = "single_domain"
	GuardHybridDomain          = "hybrid_domain"
	GuardEngineerDomain        = "engineer_domain"
)

// EndStage is the implicit terminal stage.
const EndStage = "end"

// TransitionRule routes to Target when the named guard holds.
type TransitionRule struct {
	Guard  string `json:"guard" yaml:"guard"`
	Target string `json:"target" yaml:"target"`
}

// StageConfig is the declarative configuration of one state machine node.
type StageConfig struct {
	Name string `json:"name" yaml:"name"`

	// Routing Configuration. Transitions are evaluated in order, first match
	// wins; DefaultNext applies when none match.
	Transitions []TransitionRule `json:"transitions" yaml:"transitions"`
	DefaultNext string           `json:"default_next" yaml:"default_next"`
	ErrorNext   string           `json:"error_next" yaml:"error_next"` // Stage to route to when the handler fails

	// DefaultIsFatal marks falling through to DefaultNext as an invariant
	// violation (no guard matched a state that should always match one).
	DefaultIsFatal bool `json:"default_is_fatal,omitempty" yaml:"default_is_fatal,omitempty"`
}

// Validate validates the stage configuration.
func (s *StageConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("StageConfig.Name is required")
	}
	if s.DefaultNext == "" {
		return fmt.Errorf("stage '%s' has no default_next", s.Name)
	}
	for _, rule := range s.Transitions {
		if rule.Guard == "" {
			return fmt.Errorf("stage '%s' has a transition to '%s' without a guard", s.Name, rule.Target)
		}
	}
	return nil
}

// PipelineConfig is the orchestrator's explicit state machine table.
type PipelineConfig struct {
	Name   string         `json:"name" yaml:"name"`
	Entry  string         `json:"entry" yaml:"entry"`
	Stages []*StageConfig `json:"stages" yaml:"stages"`

	// MaxHops bounds total stage visits per turn.
	MaxHops int `json:"max_hops" yaml:"max_hops"`
}

// NewPipelineConfig creates a new pipeline config with defaults.
func NewPipelineConfig(name string) *PipelineConfig {
	return &PipelineConfig{
		Name:    name,
		Stages:  make([]*StageConfig, 0),
		MaxHops: 32,
	}
}

// AddStage adds a stage to the pipeline.
func (p *PipelineConfig) AddStage(stage *StageConfig) error {
	if err := stage.Validate(); err != nil {
		return err
	}
	p.Stages = append(p.Stages, stage)
	return nil
}

// Validate checks names, targets and guards, and that the end stage is
// reachable from the entry. knownGuards may be nil to skip guard checks.
func (p *PipelineConfig) Validate(knownGuards map[string]bool) error {
	if p.Name == "" {
		return fmt.Errorf("PipelineConfig.Name is required")
	}
	if p.MaxHops < 1 {
		return fmt.Errorf("pipeline '%s' max_hops must be >= 1", p.Name)
	}

	names := make(map[string]bool)
	for _, stage := range p.Stages {
		if err := stage.Validate(); err != nil {
			return err
		}
		if names[stage.Name] {
			return fmt.Errorf("duplicate stage name: %s", stage.Name)
		}
		names[stage.Name] = true
	}
	if !names[p.Entry] {
		return fmt.Errorf("pipeline '%s' entry '%s' not found", p.Name, p.Entry)
	}

	validTargets := make(map[string]bool, len(names)+1)
	for name := range names {
		validTargets[name] = true
	}
	validTargets[EndStage] = true

	for _, stage := range p.Stages {
		for _, rule := range stage.Transitions {
			if !validTargets[rule.Target] {
				return fmt.Errorf("stage '%s' routes to unknown target '%s'", stage.Name, rule.Target)
			}
			if knownGuards != nil && !knownGuards[rule.Guard] {
				return fmt.Errorf("stage '%s' uses unknown guard '%s'", stage.Name, rule.Guard)
			}
		}
		if !validTargets[stage.DefaultNext] {
			return fmt.Errorf("stage '%s' default_next '%s' not found", stage.Name, stage.DefaultNext)
		}
		if stage.ErrorNext != "" && !validTargets[stage.ErrorNext] {
			return fmt.Errorf("stage '%s' error_next '%s' not found", stage.Name, stage.ErrorNext)
		}
	}

	if !p.reachable(p.Entry, EndStage) {
		return fmt.Errorf("pipeline '%s': '%s' is not reachable from '%s'", p.Name, EndStage, p.Entry)
	}
	return nil
}

// reachable does a breadth-first walk over every possible transition.
func (p *PipelineConfig) reachable(from, to string) bool {
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == to {
			return true
		}
		stage := p.GetStage(current)
		if stage == nil {
			continue
		}
		for _, next := range stage.Targets() {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// Targets returns every stage this stage can route to.
func (s *StageConfig) Targets() []string {
	targets := make([]string, 0, len(s.Transitions)+2)
	for _, rule := range s.Transitions {
		targets = append(targets, rule.Target)
	}
	targets = append(targets, s.DefaultNext)
	if s.ErrorNext != "" {
		targets = append(targets, s.ErrorNext)
	}
	return targets
}

// GetStage gets a stage config by name.
func (p *PipelineConfig) GetStage(name string) *StageConfig {
	for _, stage := range p.Stages {
		if stage.Name == name {
			return stage
		}
	}
	return nil
}

// GetStageOrder returns stage names in declaration order.
func (p *PipelineConfig) GetStageOrder() []string {
	order := make([]string, len(p.Stages))
	for i, stage := range p.Stages {
		order[i] = stage.Name
	}
	return order
}

// DefaultQueryPipeline returns the query routing state machine:
//
//	classify -> {dispatch_single | decompose_and_dispatch | data_engineer}
//	         -> aggregate -> update_context -> format_response -> end
//
// with a reclassify loop on low confidence.
func DefaultQueryPipeline() *PipelineConfig {
	p := NewPipelineConfig("query_routing")
	p.Entry = "classify"
	p.Stages = []*StageConfig{
		{
			Name: "classify",
			Transitions: []TransitionRule{
				{Guard: GuardHasError, Target: "update_context"},
				{Guard: GuardNeedsReclassification, Target: "reclassify"},
				{Guard: GuardRetriesExhausted, Target: "data_engineer"},
				{Guard: GuardSingleDomain, Target: "dispatch_single"},
				{Guard: GuardHybridDomain, Target: "decompose_and_dispatch"},
				{Guard: GuardEngineerDomain, Target: "data_engineer"},
			},
			DefaultNext:    "update_context",
			ErrorNext:      "update_context",
			DefaultIsFatal: true,
		},
		{Name: "reclassify", DefaultNext: "classify", ErrorNext: "update_context"},
		{
			Name:        "dispatch_single",
			Transitions: []TransitionRule{{Guard: GuardHasError, Target: "update_context"}},
			DefaultNext: "aggregate",
			ErrorNext:   "update_context",
		},
		{
			Name:        "decompose_and_dispatch",
			Transitions: []TransitionRule{{Guard: GuardHasError, Target: "update_context"}},
			DefaultNext: "aggregate",
			ErrorNext:   "update_context",
		},
		{Name: "data_engineer", DefaultNext: "update_context", ErrorNext: "update_context"},
		{Name: "aggregate", DefaultNext: "update_context", ErrorNext: "update_context"},
		{Name: "update_context", DefaultNext: "format_response", ErrorNext: "format_response"},
		{Name: "format_response", DefaultNext: EndStage, ErrorNext: EndStage},
	}
	return p
}
