package backends

import (
	"context"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/llm"
)

// LLMGenerator writes native queries with a language model. Text that is
// already in the backend's native dialect is passed through unchanged.
type LLMGenerator struct {
	client  *llm.Client
	dialect Dialect
	timeout time.Duration
}

// NewLLMGenerator creates a generator for a backend speaking dialect.
func NewLLMGenerator(client *llm.Client, dialect Dialect, timeout time.Duration) *LLMGenerator {
	return &LLMGenerator{client: client, dialect: dialect, timeout: timeout}
}

func (g *LLMGenerator) Generate(ctx context.Context, question string, schema *SchemaDescription, rowCap int) (string, error) {
	if DetectNative(question) == g.dialect {
		return question, nil
	}
	if g.client == nil {
		return "", fmt.Errorf("no query generator configured: %w", llm.ErrProviderUnavailable)
	}

	purpose := "generate_" + string(g.dialect)
	text, err := g.client.Complete(ctx, purpose, g.timeout, g.systemPrompt(schema, rowCap), llm.User(question))
	if err != nil {
		return "", err
	}
	query := llm.CleanQuery(text)
	if query == "" {
		return "", llm.ErrEmptyResponse
	}
	return query, nil
}

func (g *LLMGenerator) systemPrompt(schema *SchemaDescription, rowCap int) string {
	if g.dialect == DialectMongo {
		return fmt.Sprintf(`You translate questions into MongoDB queries.

%s
Reply with ONLY one JSON document and nothing else, in one of these shapes:
  {"collection": "<name>", "query": {<filter>}, "projection": {...}, "sort": {...}, "limit": <n>}
  {"collection": "<name>", "pipeline": [<stages>]}
Use dotted paths for nested fields. Never modify data. Return at most %d documents.`, schema.Render(), rowCap)
	}
	return fmt.Sprintf(`You translate questions into %s SQL.

%s
Reply with ONLY one read-only SELECT statement and nothing else.
Never modify data. Add LIMIT %d unless the query aggregates.`, schema.Dialect, schema.Render(), rowCap)
}
