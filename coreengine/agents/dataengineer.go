package agents

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/backends"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/config"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/llm"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/typeutil"
)

// EngineerResponse is the data engineer's answer for an unclear query.
type EngineerResponse struct {
	Response    string   `json:"response"`
	Suggestions []string `json:"suggestions,omitempty"`
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "me": true, "show": true, "list": true, "all": true,
	"of": true, "in": true, "for": true, "to": true, "and": true, "or": true, "is": true,
	"are": true, "what": true, "which": true, "who": true, "with": true, "by": true, "on": true,
	"my": true, "i": true, "you": true, "get": true, "give": true, "find": true, "their": true,
}

var stepSplitter = regexp.MustCompile(`(?i)\s*(?:,|;|\band then\b|\bthen\b|\bas well as\b|\balso\b|\bplus\b|\band\b)\s*`)

// DataEngineerAgent answers queries the analyzer could not route: it offers
// clarifications, explains the schema or breaks a query into steps. It never
// calls a backend and never fails.
type DataEngineerAgent struct {
	base
	client  *llm.Client
	vocab   *Vocabulary
	catalog *backends.Catalog
	config  *config.CoreConfig
}

// NewDataEngineerAgent creates a DataEngineerAgent. A nil client uses the
// deterministic step splitter for overly complex queries.
func NewDataEngineerAgent(client *llm.Client, vocab *Vocabulary, catalog *backends.Catalog, cfg *config.CoreConfig, logger Logger) *DataEngineerAgent {
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	if catalog == nil {
		catalog = backends.DefaultCatalog("")
	}
	if cfg == nil {
		cfg = config.GetCoreConfig()
	}
	return &DataEngineerAgent{
		base:    newBase(EngineerName, logger),
		client:  client,
		vocab:   vocab,
		catalog: catalog,
		config:  cfg,
	}
}

// Handle produces the response for c.QueryType.
func (e *DataEngineerAgent) Handle(ctx context.Context, query string, c envelope.Classification) (resp EngineerResponse) {
	ctx, finish := e.begin(ctx, attribute.String("query_type", string(c.QueryType)))
	status := StatusSuccess
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engineer_panic", "panic", fmt.Sprintf("%v", r))
			resp = EngineerResponse{}
		}
		if strings.TrimSpace(resp.Response) == "" {
			resp.Response = e.capabilities()
			status = StatusFallback
		}
		finish(status, nil)
	}()

	switch c.QueryType {
	case envelope.QueryTypeAmbiguous:
		return e.clarify(query)
	case envelope.QueryTypeNonDomain:
		return e.outOfScope()
	case envelope.QueryTypeTechnical:
		return e.explainSchema(c)
	case envelope.QueryTypeOverlyComplex:
		steps, fromModel := e.breakDown(ctx, query)
		if !fromModel {
			status = StatusFallback
		}
		return EngineerResponse{
			Response:    "That question is too broad to answer in one query. Try asking it in steps:\n" + numbered(steps),
			Suggestions: steps,
		}
	}
	return EngineerResponse{Response: e.capabilities(), Suggestions: e.rankSamples(query, e.config.MinSuggestions)}
}

func (e *DataEngineerAgent) clarify(query string) EngineerResponse {
	suggestions := e.rankSamples(query, e.suggestionCount(query))
	return EngineerResponse{
		Response:    "I'm not sure which data you are asking about. Here are some questions I can answer:\n" + bulleted(suggestions),
		Suggestions: suggestions,
	}
}

func (e *DataEngineerAgent) outOfScope() EngineerResponse {
	suggestions := e.rankSamples("", e.config.MinSuggestions)
	return EngineerResponse{
		Response:    e.capabilities() + "\nPlease rephrase your question in terms of this data, for example:\n" + bulleted(suggestions),
		Suggestions: suggestions,
	}
}

func (e *DataEngineerAgent) explainSchema(c envelope.Classification) EngineerResponse {
	var b strings.Builder
	b.WriteString("Here is the data available to query:\n\n")
	for _, name := range e.catalog.Backends() {
		s, _ := e.catalog.Get(name)
		b.WriteString(s.Summary())
		b.WriteString("\n")
	}

	examples := e.examples(c.SuggestedDomain, 3)
	var suggestions []string
	if len(examples) > 0 {
		b.WriteString("Ask in plain language and the query is written for you, for example:\n")
		for _, ex := range examples {
			fmt.Fprintf(&b, "- %q becomes: %s\n", ex.Question, ex.Query)
			suggestions = append(suggestions, ex.Question)
		}
	}
	return EngineerResponse{Response: strings.TrimRight(b.String(), "\n"), Suggestions: suggestions}
}

// examples picks up to n translations, preferring the suggested domain's
// backend, then one from each other backend.
func (e *DataEngineerAgent) examples(suggested string, n int) []backends.Example {
	preferred := ""
	if spec, ok := e.vocab.Spec(envelope.Domain(suggested)); ok {
		preferred = spec.Backend
	}
	var first, rest []backends.Example
	for _, name := range e.catalog.Backends() {
		s, _ := e.catalog.Get(name)
		if name == preferred {
			first = append(first, s.Examples...)
		} else if len(s.Examples) > 0 {
			rest = append(rest, s.Examples[0])
		}
	}
	if len(first) > n-1 && len(rest) > 0 {
		first = first[:n-1]
	}
	out := append(first, rest...)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// breakDown asks the model for narrower steps, falling back to splitting the
// query on conjunctions.
func (e *DataEngineerAgent) breakDown(ctx context.Context, query string) ([]string, bool) {
	if e.client != nil {
		system := fmt.Sprintf(engineerSystemPrompt, schemaContext(e.catalog))
		output, err := e.client.CompleteJSON(ctx, "break_down", e.config.EngineerTimeout(), system, llm.User(query))
		if err == nil {
			steps := cleanSteps(typeutil.SafeStringSliceDefault(output["steps"], nil))
			if len(steps) >= 2 {
				return capSteps(steps, e.config.MaxSuggestions), true
			}
		} else {
			e.logger.Warn("break_down_failed", "error", err.Error())
		}
	}
	return e.splitSteps(query), false
}

func (e *DataEngineerAgent) splitSteps(query string) []string {
	var steps []string
	for _, part := range stepSplitter.Split(strings.TrimSpace(query), -1) {
		part = strings.Trim(part, " .?!")
		if len(strings.Fields(part)) >= 2 {
			steps = append(steps, capitalize(part))
		}
	}
	if len(steps) < 2 {
		steps = steps[:0]
		for _, domain := range e.vocab.Match(query) {
			for _, entity := range e.vocab.EntityNames(domain) {
				if e.mentions(query, domain, entity) {
					steps = append(steps, fmt.Sprintf("List the %s relevant to your question", entity))
				}
			}
		}
		steps = append(steps, "Combine those results to answer: "+strings.TrimSpace(query))
	}
	return capSteps(steps, e.config.MaxSuggestions)
}

func (e *DataEngineerAgent) mentions(query string, domain envelope.Domain, entity string) bool {
	spec, _ := e.vocab.Spec(domain)
	text := normalize(query)
	for _, ent := range spec.Entities {
		if ent.Name != entity {
			continue
		}
		for _, term := range ent.Terms {
			if indexTerm(text, term) >= 0 {
				return true
			}
		}
	}
	return false
}

// suggestionCount is the minimum plus one per relevant sample, capped.
func (e *DataEngineerAgent) suggestionCount(query string) int {
	relevant := 0
	for _, s := range e.vocab.Samples() {
		if overlap(query, s) > 0 {
			relevant++
		}
	}
	n := e.config.MinSuggestions + relevant
	if n > e.config.MaxSuggestions {
		n = e.config.MaxSuggestions
	}
	return n
}

// rankSamples orders samples by token overlap with query. Ties keep
// vocabulary order, interleaving domains so both are represented.
func (e *DataEngineerAgent) rankSamples(query string, n int) []string {
	type scored struct {
		text  string
		score int
	}
	var all []scored
	specs := e.vocab.Domains()
	for i := 0; ; i++ {
		added := false
		for _, spec := range specs {
			if i < len(spec.Samples) {
				all = append(all, scored{text: spec.Samples[i], score: overlap(query, spec.Samples[i])})
				added = true
			}
		}
		if !added {
			break
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })

	if n > len(all) {
		n = len(all)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = all[i].text
	}
	return out
}

func (e *DataEngineerAgent) capabilities() string {
	var b strings.Builder
	b.WriteString("I can answer questions about:\n")
	for _, spec := range e.vocab.Domains() {
		fmt.Fprintf(&b, "- %s data: %s\n", spec.Domain, strings.Join(e.vocab.EntityNames(spec.Domain), ", "))
	}
	return b.String()
}

// overlap counts shared content words.
func overlap(a, b string) int {
	words := make(map[string]bool)
	for _, t := range tokens(a) {
		if !stopwords[t] {
			words[stem(t)] = true
		}
	}
	count := 0
	seen := make(map[string]bool)
	for _, t := range tokens(b) {
		s := stem(t)
		if words[s] && !seen[s] {
			count++
			seen[s] = true
		}
	}
	return count
}

// stem strips a plural "s" so "product" and "products" match.
func stem(w string) string {
	if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
		return w[:len(w)-1]
	}
	return w
}

func cleanSteps(steps []string) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func capSteps(steps []string, max int) []string {
	if max > 0 && len(steps) > max {
		return steps[:max]
	}
	return steps
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func bulleted(items []string) string {
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "- %s\n", it)
	}
	return strings.TrimRight(b.String(), "\n")
}

func numbered(items []string) string {
	var b strings.Builder
	for i, it := range items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, it)
	}
	return strings.TrimRight(b.String(), "\n")
}
