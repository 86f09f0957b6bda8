package agents

import (
	"sort"
	"strings"
	"unicode"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/backends"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/envelope"
)

// EntityTerms maps a canonical entity to the words that refer to it.
type EntityTerms struct {
	Name  string
	Terms []string
}

// DomainSpec is the static vocabulary of one domain.
type DomainSpec struct {
	Domain   envelope.Domain
	Backend  string
	Entities []EntityTerms
	// JoinKey is the field this domain's rows contribute to a dependent
	// sub-query; JoinField is where the other domain filters on it.
	JoinKey   string
	JoinField string
	// Samples are natural-language queries offered as clarification.
	Samples []string
}

// Vocabulary is the keyword model the analyzer falls back to and the
// decomposer and data engineer draw from.
type Vocabulary struct {
	domains []DomainSpec
}

// NewVocabulary creates a vocabulary from specs. Order is significant: it
// breaks ties everywhere a stable order is needed.
func NewVocabulary(specs ...DomainSpec) *Vocabulary {
	return &Vocabulary{domains: specs}
}

// DefaultVocabulary covers the employees database and the grocery warehouse.
func DefaultVocabulary() *Vocabulary {
	return NewVocabulary(
		DomainSpec{
			Domain:  envelope.DomainEmployee,
			Backend: backends.BackendSQL,
			Entities: []EntityTerms{
				{Name: "employees", Terms: []string{"employee", "employees", "staff", "worker", "workers", "people", "salary", "salaries", "hired", "hire date", "manager", "managers", "position"}},
				{Name: "departments", Terms: []string{"department", "departments", "engineering", "marketing", "sales", "finance", "operations", "hr", "human resources", "team", "teams"}},
				{Name: "projects", Terms: []string{"project", "projects", "assignment", "assignments"}},
				{Name: "attendance", Terms: []string{"attendance", "absent", "absence", "late", "check in", "hours worked", "remote"}},
			},
			JoinKey:   "employee_id",
			JoinField: "employee_id",
			Samples: []string{
				"Show all employees in Engineering",
				"What is the average salary per department?",
				"Which projects are currently active?",
				"Who was absent last week?",
				"List managers and the size of their teams",
			},
		},
		DomainSpec{
			Domain:  envelope.DomainWarehouse,
			Backend: backends.BackendNoSQL,
			Entities: []EntityTerms{
				{Name: "products", Terms: []string{"product", "products", "item", "items", "category", "categories", "brand", "brands", "grocery", "groceries", "sku", "fruit", "fruits", "vegetables", "dairy"}},
				{Name: "inventory", Terms: []string{"inventory", "stock", "warehouse", "batch", "batches", "expiry", "expiring", "reorder"}},
				{Name: "orders", Terms: []string{"order", "orders", "ordered", "purchase", "purchases", "purchased"}},
				{Name: "suppliers", Terms: []string{"supplier", "suppliers", "vendor", "vendors"}},
				{Name: "customers", Terms: []string{"customer", "customers"}},
			},
			JoinKey:   "employee_info.employee_id",
			JoinField: "employee_info.employee_id",
			Samples: []string{
				"List all fruit products",
				"Which products are below their reorder point?",
				"Show orders placed this month",
				"Which batches expire in the next 7 days?",
				"Total order value per customer",
			},
		},
	)
}

// Domains returns the specs in declaration order.
func (v *Vocabulary) Domains() []DomainSpec {
	return v.domains
}

// Spec returns the spec for domain.
func (v *Vocabulary) Spec(domain envelope.Domain) (DomainSpec, bool) {
	for _, d := range v.domains {
		if d.Domain == domain {
			return d, true
		}
	}
	return DomainSpec{}, false
}

// ByBackend returns the spec served by backend.
func (v *Vocabulary) ByBackend(backend string) (DomainSpec, bool) {
	for _, d := range v.domains {
		if d.Backend == backend {
			return d, true
		}
	}
	return DomainSpec{}, false
}

// Match returns the domains whose vocabulary occurs in query, ordered by
// first mention.
func (v *Vocabulary) Match(query string) []envelope.Domain {
	text := normalize(query)
	type hit struct {
		domain envelope.Domain
		pos    int
	}
	var hits []hit
	for _, d := range v.domains {
		pos := -1
		for _, e := range d.Entities {
			for _, term := range e.Terms {
				if p := indexTerm(text, term); p >= 0 && (pos < 0 || p < pos) {
					pos = p
				}
			}
		}
		if pos >= 0 {
			hits = append(hits, hit{domain: d.Domain, pos: pos})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	result := make([]envelope.Domain, len(hits))
	for i, h := range hits {
		result[i] = h.domain
	}
	return result
}

// CountEntities returns how many distinct entities, across all domains,
// query refers to.
func (v *Vocabulary) CountEntities(query string) int {
	text := normalize(query)
	count := 0
	for _, d := range v.domains {
		for _, e := range d.Entities {
			for _, term := range e.Terms {
				if indexTerm(text, term) >= 0 {
					count++
					break
				}
			}
		}
	}
	return count
}

// operationTerms are the join and aggregation keywords counted toward the
// complexity ceiling.
var operationTerms = []string{
	"join", "combine", "merge", "group by", "grouped", "aggregate", "sum", "total",
	"average", "count", "compare", "versus", "correlate", "rank", "per",
}

// CountOperations returns how many distinct join or aggregation keywords
// occur in query.
func CountOperations(query string) int {
	text := normalize(query)
	count := 0
	for _, term := range operationTerms {
		if indexTerm(text, term) >= 0 {
			count++
		}
	}
	return count
}

// Samples returns every domain's sample queries in declaration order.
func (v *Vocabulary) Samples() []string {
	var out []string
	for _, d := range v.domains {
		out = append(out, d.Samples...)
	}
	return out
}

// EntityNames returns every canonical entity name grouped by domain.
func (v *Vocabulary) EntityNames(domain envelope.Domain) []string {
	d, ok := v.Spec(domain)
	if !ok {
		return nil
	}
	names := make([]string, len(d.Entities))
	for i, e := range d.Entities {
		names[i] = e.Name
	}
	return names
}

// normalize lower-cases text and collapses every non-alphanumeric run to a
// single space, padded so terms can be matched on word boundaries.
func normalize(text string) string {
	var b strings.Builder
	b.WriteByte(' ')
	space := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}

// indexTerm finds term as whole words in normalized text.
func indexTerm(text, term string) int {
	return strings.Index(text, " "+term+" ")
}

// tokens splits text into lower-case words.
func tokens(text string) []string {
	return strings.Fields(normalize(text))
}
