package agents

import (
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/backends"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/llm"
)

const classifierSystemPrompt = `You classify questions for a query router that serves two data stores.

%s
Domains:
  employee   - the relational employees database (people, departments, projects, attendance)
  warehouse  - the grocery warehouse document store (products, inventory, orders, suppliers)
  hybrid     - needs data from both stores
  unclear    - cannot tell which data is wanted
  technical  - a question about query syntax or the schema itself

Reply with ONLY a JSON object:
{"domain": "...", "intent": "select|analyze|compare|aggregate|clarify|explain",
 "complexity": "simple|medium|complex|overly_complex",
 "query_type": "clear|ambiguous|non_domain|technical|overly_complex",
 "confidence": <0.0-1.0>, "issues": ["..."], "suggested_domain": "..."}`

const decomposerSystemPrompt = `You split a question that spans two data stores into one sub-query per store.

%s
Backends: %s

Reply with ONLY a JSON object:
{"sub_queries": [{"backend": "<name>", "query": "<natural language>", "depends_on": ["<backend>"]}],
 "group_key": "<field rows are grouped on, or empty>"}

When a sub-query needs values produced by another, list that backend in depends_on and
reference the values as {{<backend>.<field>}} in its text, for example
"orders handled by employees with employee_id in {{sql.employee_id}}".
Never make two sub-queries depend on each other.`

const engineerSystemPrompt = `You help users of a query router phrase questions it can answer.

%s
The question below is too broad to answer in one query. Reply with ONLY a JSON object:
{"steps": ["<narrower question>", ...]}
listing 2 to 5 narrower questions, in the order they should be asked.`

// schemaContext renders every backend's summary for prompts.
func schemaContext(catalog *backends.Catalog) string {
	if catalog == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available data:\n")
	for _, name := range catalog.Backends() {
		s, _ := catalog.Get(name)
		b.WriteString(s.Summary())
	}
	return b.String()
}

// contextSummary renders the last n turns, newest last.
func contextSummary(history []envelope.HistoryEntry, n int) string {
	if len(history) == 0 || n <= 0 {
		return ""
	}
	if len(history) > n {
		history = history[len(history)-n:]
	}
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, h := range history {
		outcome := "answered"
		if !h.Success {
			outcome = "failed"
		}
		fmt.Fprintf(&b, "- %q (domain: %s, %s)\n", llm.Truncate(h.Content, 50), h.Domain, outcome)
	}
	return b.String()
}

func classifierUserPrompt(query string, history []envelope.HistoryEntry, turns int, hint string) string {
	var b strings.Builder
	if summary := contextSummary(history, turns); summary != "" {
		b.WriteString(summary)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Question: %s", query)
	if hint != "" {
		fmt.Fprintf(&b, "\n\n%s", hint)
	}
	return b.String()
}
