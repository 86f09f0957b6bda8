package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/backends"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/config"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/llm"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/typeutil"
)

// relativeConnectors signal that one domain's rows filter the other's.
var relativeConnectors = []string{"who", "that", "which", "whose", "where"}

// Decomposition is the per-backend plan for a hybrid query, in dependency
// order.
type Decomposition struct {
	SubQueries []envelope.SubQuery
	GroupKey   string
	// Fallback is set when the plan came from the keyword heuristic.
	Fallback bool
}

// QueryDecomposer splits a hybrid query into one sub-query per backend.
type QueryDecomposer struct {
	base
	client  *llm.Client
	vocab   *Vocabulary
	catalog *backends.Catalog
	config  *config.CoreConfig
}

// NewQueryDecomposer creates a QueryDecomposer. A nil client always uses the
// keyword plan.
func NewQueryDecomposer(client *llm.Client, vocab *Vocabulary, catalog *backends.Catalog, cfg *config.CoreConfig, logger Logger) *QueryDecomposer {
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	if cfg == nil {
		cfg = config.GetCoreConfig()
	}
	return &QueryDecomposer{
		base:    newBase(DecomposerName, logger),
		client:  client,
		vocab:   vocab,
		catalog: catalog,
		config:  cfg,
	}
}

// Decompose plans query. The only error is a dependency cycle in the
// model's plan, which is fatal for the turn; every other failure falls back
// to the keyword plan.
func (d *QueryDecomposer) Decompose(ctx context.Context, query string, c envelope.Classification) (result *Decomposition, err error) {
	ctx, finish := d.begin(ctx, attribute.String("intent", string(c.Intent)))
	status := StatusSuccess
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("decomposer_panic", "panic", fmt.Sprintf("%v", r))
			result, err = d.fallback(query, c), nil
			status = StatusFallback
		}
		if err != nil {
			status = StatusError
		}
		finish(status, err)
	}()

	plan, err := d.callDecomposer(ctx, query)
	if err == nil {
		return plan, nil
	}
	if errors.Is(err, envelope.ErrDecompositionCycle) {
		return nil, envelope.NewOrchestratorError(envelope.ErrorKindDecompositionCycle, envelope.StageDecomposeAndDispatch, err.Error(), err)
	}

	d.logger.Warn("decomposer_fallback", "error", err.Error())
	status = StatusFallback
	return d.fallback(query, c), nil
}

func (d *QueryDecomposer) callDecomposer(ctx context.Context, query string) (*Decomposition, error) {
	if d.client == nil {
		return nil, llm.ErrProviderUnavailable
	}
	names := make([]string, 0, len(d.vocab.Domains()))
	for _, spec := range d.vocab.Domains() {
		names = append(names, fmt.Sprintf("%s (%s data)", spec.Backend, spec.Domain))
	}
	system := fmt.Sprintf(decomposerSystemPrompt, schemaContext(d.catalog), strings.Join(names, ", "))

	output, err := d.client.CompleteJSON(ctx, "decompose", d.config.DecomposerTimeout(), system, llm.User(query))
	if err != nil {
		return nil, err
	}
	plan, err := d.parsePlan(output)
	if err != nil {
		return nil, err
	}
	ordered, err := OrderSubQueries(plan.SubQueries)
	if err != nil {
		return nil, err
	}
	plan.SubQueries = ordered
	return plan, nil
}

// parsePlan validates the model's plan.
func (d *QueryDecomposer) parsePlan(output map[string]any) (*Decomposition, error) {
	items, ok := typeutil.SafeSlice(output["sub_queries"])
	if !ok || len(items) < 2 {
		return nil, fmt.Errorf("plan needs at least two sub-queries")
	}

	plan := &Decomposition{GroupKey: typeutil.SafeStringDefault(output["group_key"], "")}
	seen := make(map[string]bool)
	distinctText := make(map[string]bool)
	for i, item := range items {
		m, ok := typeutil.SafeMapStringAny(item)
		if !ok {
			return nil, fmt.Errorf("sub-query %d is not an object", i)
		}
		backend, ok := d.resolveBackend(typeutil.SafeStringDefault(m["backend"], ""))
		if !ok {
			return nil, fmt.Errorf("sub-query %d names unknown backend %v", i, m["backend"])
		}
		if seen[backend] {
			return nil, fmt.Errorf("duplicate sub-query for backend %s", backend)
		}
		seen[backend] = true

		text := strings.TrimSpace(typeutil.SafeStringDefault(m["query"], ""))
		if text == "" {
			return nil, fmt.Errorf("sub-query for %s is empty", backend)
		}
		distinctText[strings.ToLower(text)] = true

		deps := make([]string, 0)
		for _, raw := range typeutil.SafeStringSliceDefault(m["depends_on"], nil) {
			dep, ok := d.resolveBackend(raw)
			if !ok {
				return nil, fmt.Errorf("sub-query for %s depends on unknown backend %s", backend, raw)
			}
			deps = appendUnique(deps, dep)
		}
		for _, p := range Placeholders(text) {
			dep, ok := d.resolveBackend(p.Backend)
			if !ok {
				return nil, fmt.Errorf("sub-query for %s references unknown backend %s", backend, p.Backend)
			}
			deps = appendUnique(deps, dep)
		}

		plan.SubQueries = append(plan.SubQueries, envelope.SubQuery{Backend: backend, Text: text, DependsOn: deps})
	}
	if len(distinctText) < 2 {
		return nil, fmt.Errorf("sub-queries are identical")
	}
	return plan, nil
}

// resolveBackend accepts a backend or domain name.
func (d *QueryDecomposer) resolveBackend(name string) (string, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if spec, ok := d.vocab.ByBackend(name); ok {
		return spec.Backend, true
	}
	if spec, ok := d.vocab.Spec(envelope.Domain(name)); ok {
		return spec.Backend, true
	}
	return "", false
}

// fallback builds the keyword plan: one sub-query per domain, with the
// first-mentioned domain producing join keys for the other when the query
// relates them.
func (d *QueryDecomposer) fallback(query string, c envelope.Classification) *Decomposition {
	specs := make([]DomainSpec, 0, 2)
	for _, domain := range d.vocab.Match(query) {
		spec, _ := d.vocab.Spec(domain)
		specs = append(specs, spec)
	}
	if len(specs) < 2 {
		for _, spec := range d.vocab.Domains() {
			if !containsSpec(specs, spec.Domain) {
				specs = append(specs, spec)
			}
		}
	}

	text := normalize(query)
	related := false
	for _, w := range relativeConnectors {
		if indexTerm(text, w) >= 0 {
			related = true
			break
		}
	}

	plan := &Decomposition{Fallback: true}
	producer := specs[0]
	for i, spec := range specs {
		entities := strings.Join(d.vocab.EntityNames(spec.Domain), ", ")
		sq := envelope.SubQuery{Backend: spec.Backend}
		switch {
		case i == 0 && related:
			sq.Text = fmt.Sprintf("%s (only the %s data: %s; include %s)", query, spec.Domain, entities, spec.JoinKey)
		case related:
			sq.Text = fmt.Sprintf("%s (only the %s data: %s; where %s is in [{{%s.%s}}])",
				query, spec.Domain, entities, spec.JoinField, producer.Backend, producer.JoinKey)
			sq.DependsOn = []string{producer.Backend}
		default:
			sq.Text = fmt.Sprintf("%s (only the %s data: %s)", query, spec.Domain, entities)
		}
		plan.SubQueries = append(plan.SubQueries, sq)
	}
	if c.Intent == envelope.IntentAggregate {
		plan.GroupKey = groupKeyFor(specs)
	}
	return plan
}

// groupKeyFor picks the most specific join key, since LookupField resolves
// a dotted key against flat rows but not the reverse.
func groupKeyFor(specs []DomainSpec) string {
	key := ""
	for _, s := range specs {
		if strings.Count(s.JoinKey, ".") > strings.Count(key, ".") || key == "" {
			key = s.JoinKey
		}
	}
	return key
}

func containsSpec(specs []DomainSpec, domain envelope.Domain) bool {
	for _, s := range specs {
		if s.Domain == domain {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
