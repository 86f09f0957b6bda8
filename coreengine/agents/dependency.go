package agents

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/typeutil"
)

// placeholderPattern matches {{backend.field}} references to a producer's
// result values.
var placeholderPattern = regexp.MustCompile(`\{\{\s*(\w+)\.([\w.]+)\s*\}\}`)

// Placeholder is one {{backend.field}} reference in sub-query text.
type Placeholder struct {
	Token   string
	Backend string
	Field   string
}

// Placeholders returns the references in text, in order of appearance.
func Placeholders(text string) []Placeholder {
	matches := placeholderPattern.FindAllStringSubmatch(text, -1)
	out := make([]Placeholder, 0, len(matches))
	for _, m := range matches {
		out = append(out, Placeholder{Token: m[0], Backend: m[1], Field: m[2]})
	}
	return out
}

// OrderSubQueries sorts sub-queries so every producer precedes its
// dependents, keeping declaration order among independent ones. A cycle,
// including a self-dependency, returns ErrDecompositionCycle.
func OrderSubQueries(subQueries []envelope.SubQuery) ([]envelope.SubQuery, error) {
	index := make(map[string]int, len(subQueries))
	for i, sq := range subQueries {
		index[sq.Backend] = i
	}

	// For each backend, track which backends depend on it
	adjacency := make(map[string][]string, len(subQueries))
	inDegree := make(map[string]int, len(subQueries))
	for _, sq := range subQueries {
		inDegree[sq.Backend] = 0
	}
	for _, sq := range subQueries {
		for _, dep := range sq.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("sub-query for %s depends on unknown backend %s", sq.Backend, dep)
			}
			adjacency[dep] = append(adjacency[dep], sq.Backend)
			inDegree[sq.Backend]++
		}
	}

	// Kahn's algorithm, seeded in declaration order for a stable result
	queue := make([]string, 0, len(subQueries))
	for _, sq := range subQueries {
		if inDegree[sq.Backend] == 0 {
			queue = append(queue, sq.Backend)
		}
	}

	ordered := make([]envelope.SubQuery, 0, len(subQueries))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		ordered = append(ordered, subQueries[index[current]])

		for _, dependent := range adjacency[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(ordered) != len(subQueries) {
		cycleNodes := []string{}
		for name, degree := range inDegree {
			if degree > 0 {
				cycleNodes = append(cycleNodes, name)
			}
		}
		sort.Strings(cycleNodes)
		return nil, fmt.Errorf("%w: dependency cycle detected involving backends: %v", envelope.ErrDecompositionCycle, cycleNodes)
	}
	return ordered, nil
}

// Substitute replaces every placeholder in text with the distinct values of
// the referenced field in the producer's rows, comma-joined. It fails when
// a producer is missing, failed, or yielded no values for the field.
func Substitute(text string, results map[string]*envelope.ResultEnvelope) (string, error) {
	var err error
	out := placeholderPattern.ReplaceAllStringFunc(text, func(token string) string {
		if err != nil {
			return token
		}
		m := placeholderPattern.FindStringSubmatch(token)
		backend, field := m[1], m[2]

		r, ok := results[backend]
		if !ok || r == nil {
			err = fmt.Errorf("dependency %s has no result", backend)
			return token
		}
		if !r.Success {
			err = fmt.Errorf("dependency %s failed", backend)
			return token
		}
		values := typeutil.DistinctValues(r.Data, field)
		if len(values) == 0 {
			err = fmt.Errorf("dependency %s returned no %s values", backend, field)
			return token
		}
		literals := make([]string, len(values))
		for i, v := range values {
			literals[i] = typeutil.FormatLiteral(v)
		}
		return strings.Join(literals, ", ")
	})
	if err != nil {
		return "", err
	}
	return out, nil
}
