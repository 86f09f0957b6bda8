package agents

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/backends"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/config"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/llm"
)

// Classification issues.
const (
	IssueEmptyQuery            = "empty_query"
	IssueClassifierUnavailable = "classifier_unavailable"
	IssueRawQuerySyntax        = "raw_query_syntax"
	IssueNoDomainMatch         = "no_domain_match"
	IssueTooComplex            = "exceeds_complexity_ceiling"
	IssueLowConfidence         = "low_confidence"
)

// fallbackConfidence is reported when the keyword heuristic picks a domain.
const fallbackConfidence = 0.6

// QueryAnalyzer classifies a query into domain, intent and complexity. The
// language model is advisory: its answer passes through deterministic
// post-processing, and any failure falls back to keyword matching.
type QueryAnalyzer struct {
	base
	client  *llm.Client
	vocab   *Vocabulary
	catalog *backends.Catalog
	config  *config.CoreConfig
}

// NewQueryAnalyzer creates a QueryAnalyzer. A nil client classifies with
// keywords only.
func NewQueryAnalyzer(client *llm.Client, vocab *Vocabulary, catalog *backends.Catalog, cfg *config.CoreConfig, logger Logger) *QueryAnalyzer {
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	if cfg == nil {
		cfg = config.GetCoreConfig()
	}
	return &QueryAnalyzer{
		base:    newBase(AnalyzerName, logger),
		client:  client,
		vocab:   vocab,
		catalog: catalog,
		config:  cfg,
	}
}

// Classify classifies query in the context of history. It never fails.
func (a *QueryAnalyzer) Classify(ctx context.Context, query string, history []envelope.HistoryEntry) envelope.Classification {
	return a.ClassifyWithHint(ctx, query, history, "")
}

// ClassifyWithHint is Classify with a reconsideration hint appended to the
// prompt, used when a previous pass was not confident.
func (a *QueryAnalyzer) ClassifyWithHint(ctx context.Context, query string, history []envelope.HistoryEntry, hint string) (result envelope.Classification) {
	ctx, finish := a.begin(ctx, attribute.Bool("retry", hint != ""))
	status := StatusSuccess
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("classifier_panic", "panic", fmt.Sprintf("%v", r))
			result = a.fallback(query)
			status = StatusFallback
		}
		finish(status, nil)
	}()

	q := strings.TrimSpace(query)
	if q == "" {
		return envelope.Classification{
			Domain:     envelope.DomainUnclear,
			Intent:     envelope.IntentClarify,
			Complexity: envelope.ComplexitySimple,
			QueryType:  envelope.QueryTypeAmbiguous,
			Confidence: 1.0,
			Issues:     []string{IssueEmptyQuery},
		}
	}
	if dialect := backends.DetectNative(q); dialect != backends.DialectNone {
		return technicalClassification(dialect)
	}
	if c, over := a.checkComplexity(q); over {
		return c
	}

	raw, err := a.callClassifier(ctx, q, history, hint)
	if err != nil {
		a.logger.Warn("classifier_unavailable", "error", err.Error())
		status = StatusFallback
		return a.fallback(q)
	}
	return a.postProcess(q, raw)
}

func technicalClassification(dialect backends.Dialect) envelope.Classification {
	suggested := envelope.DomainEmployee
	if dialect == backends.DialectMongo {
		suggested = envelope.DomainWarehouse
	}
	return envelope.Classification{
		Domain:          envelope.DomainTechnical,
		Intent:          envelope.IntentExplain,
		Complexity:      envelope.ComplexitySimple,
		QueryType:       envelope.QueryTypeTechnical,
		Confidence:      1.0,
		Issues:          []string{IssueRawQuerySyntax},
		SuggestedDomain: string(suggested),
	}
}

// checkComplexity applies the entity and operation ceilings.
func (a *QueryAnalyzer) checkComplexity(q string) (envelope.Classification, bool) {
	entities := a.vocab.CountEntities(q)
	operations := CountOperations(q)
	if entities <= a.config.MaxEntities && operations <= a.config.MaxOperations {
		return envelope.Classification{}, false
	}
	a.logger.Debug("complexity_ceiling_exceeded", "entities", entities, "operations", operations)
	return envelope.Classification{
		Domain:          envelope.DomainUnclear,
		Intent:          guessIntent(q),
		Complexity:      envelope.ComplexityOverlyComplex,
		QueryType:       envelope.QueryTypeOverlyComplex,
		Confidence:      1.0,
		Issues:          []string{IssueTooComplex},
		SuggestedDomain: a.suggestDomain(a.vocab.Match(q)),
	}, true
}

func (a *QueryAnalyzer) callClassifier(ctx context.Context, q string, history []envelope.HistoryEntry, hint string) (envelope.Classification, error) {
	if a.client == nil {
		return envelope.Classification{}, llm.ErrProviderUnavailable
	}
	system := fmt.Sprintf(classifierSystemPrompt, schemaContext(a.catalog))
	user := classifierUserPrompt(q, history, a.config.ContextSummaryTurns, hint)

	output, err := a.client.CompleteJSON(ctx, "classify", a.config.ClassifierTimeout(), system, llm.User(user))
	if err != nil {
		return envelope.Classification{}, err
	}
	return parseClassification(output)
}

// parseClassification reads the model's JSON. Unknown enum values are
// normalized rather than rejected; only a missing domain is an error.
func parseClassification(output map[string]any) (envelope.Classification, error) {
	domain, _ := output["domain"].(string)
	if domain == "" {
		return envelope.Classification{}, fmt.Errorf("classifier output missing domain")
	}
	c := envelope.Classification{
		Domain:     envelope.Domain(strings.ToLower(strings.TrimSpace(domain))),
		Intent:     envelope.IntentSelect,
		Complexity: envelope.ComplexitySimple,
		QueryType:  envelope.QueryTypeClear,
		Confidence: 0.5,
	}
	if s, ok := output["intent"].(string); ok && envelope.Intent(strings.ToLower(s)).Valid() {
		c.Intent = envelope.Intent(strings.ToLower(s))
	}
	if s, ok := output["complexity"].(string); ok && envelope.Complexity(strings.ToLower(s)).Valid() {
		c.Complexity = envelope.Complexity(strings.ToLower(s))
	}
	if s, ok := output["query_type"].(string); ok && s != "" {
		c.QueryType = envelope.QueryType(strings.ToLower(s))
	}
	if f, ok := output["confidence"].(float64); ok {
		c.Confidence = clamp01(f)
	}
	if issues, ok := output["issues"].([]any); ok {
		for _, i := range issues {
			if s, ok := i.(string); ok && s != "" {
				c.Issues = append(c.Issues, s)
			}
		}
	}
	if s, ok := output["suggested_domain"].(string); ok {
		c.SuggestedDomain = s
	}
	return c, nil
}

// postProcess applies the decision thresholds to a model classification.
func (a *QueryAnalyzer) postProcess(q string, c envelope.Classification) envelope.Classification {
	matched := a.vocab.Match(q)

	switch {
	case c.Confidence < a.config.ConfidenceThreshold:
		c.Issues = appendIssue(c.Issues, IssueLowConfidence)
		return unclear(c, envelope.QueryTypeAmbiguous)
	case c.QueryType == envelope.QueryTypeNonDomain:
		return unclear(c, envelope.QueryTypeNonDomain)
	case c.QueryType == envelope.QueryTypeTechnical || c.Domain == envelope.DomainTechnical:
		c.Domain = envelope.DomainTechnical
		c.QueryType = envelope.QueryTypeTechnical
		c.Intent = envelope.IntentExplain
		return c
	case c.QueryType == envelope.QueryTypeOverlyComplex || c.Complexity == envelope.ComplexityOverlyComplex:
		c.Complexity = envelope.ComplexityOverlyComplex
		c.SuggestedDomain = a.suggestDomain(matched)
		return unclear(c, envelope.QueryTypeOverlyComplex)
	case c.QueryType == envelope.QueryTypeAmbiguous || !c.Domain.Valid() || c.Domain == envelope.DomainUnclear:
		return unclear(c, envelope.QueryTypeAmbiguous)
	case len(matched) == 0:
		c.Issues = appendIssue(c.Issues, IssueNoDomainMatch)
		return unclear(c, envelope.QueryTypeNonDomain)
	}

	c.QueryType = envelope.QueryTypeClear
	if c.Intent == envelope.IntentClarify {
		c.Intent = envelope.IntentSelect
	}
	return c
}

func unclear(c envelope.Classification, qt envelope.QueryType) envelope.Classification {
	if c.Domain.Valid() && c.Domain != envelope.DomainUnclear && c.Domain != envelope.DomainTechnical && c.SuggestedDomain == "" {
		c.SuggestedDomain = string(c.Domain)
	}
	c.Domain = envelope.DomainUnclear
	c.QueryType = qt
	if qt == envelope.QueryTypeAmbiguous {
		c.Intent = envelope.IntentClarify
	}
	return c
}

// fallback classifies with the static vocabulary alone.
func (a *QueryAnalyzer) fallback(query string) envelope.Classification {
	q := strings.TrimSpace(query)
	matched := a.vocab.Match(q)
	c := envelope.Classification{
		Intent:     guessIntent(q),
		Complexity: envelope.ComplexitySimple,
		QueryType:  envelope.QueryTypeClear,
		Confidence: fallbackConfidence,
		Issues:     []string{IssueClassifierUnavailable},
	}

	switch len(matched) {
	case 0:
		c.Domain = envelope.DomainUnclear
		c.QueryType = envelope.QueryTypeAmbiguous
		c.Intent = envelope.IntentClarify
		c.Confidence = 0
		c.Issues = append(c.Issues, IssueNoDomainMatch)
	case 1:
		c.Domain = matched[0]
		if a.vocab.CountEntities(q) > 1 {
			c.Complexity = envelope.ComplexityMedium
		}
	default:
		c.Domain = envelope.DomainHybrid
		c.Complexity = envelope.ComplexityComplex
		c.SuggestedDomain = a.suggestDomain(matched)
	}
	return c
}

// suggestDomain names the matched domains in mention order.
func (a *QueryAnalyzer) suggestDomain(matched []envelope.Domain) string {
	names := make([]string, len(matched))
	for i, d := range matched {
		names[i] = string(d)
	}
	return strings.Join(names, ",")
}

// guessIntent picks an intent from keywords.
func guessIntent(query string) envelope.Intent {
	text := normalize(query)
	has := func(terms ...string) bool {
		for _, t := range terms {
			if indexTerm(text, t) >= 0 {
				return true
			}
		}
		return false
	}
	switch {
	case has("compare", "versus", "vs"):
		return envelope.IntentCompare
	case has("total", "sum", "average", "avg", "count", "how many"):
		return envelope.IntentAggregate
	case has("trend", "trends", "analyze", "analyse", "analysis"):
		return envelope.IntentAnalyze
	case has("explain", "why", "what is"):
		return envelope.IntentExplain
	}
	return envelope.IntentSelect
}

func appendIssue(issues []string, issue string) []string {
	for _, i := range issues {
		if i == issue {
			return issues
		}
	}
	return append(issues, issue)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
