package backends

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Dialect is the native query language a piece of text is written in.
type Dialect string

const (
	DialectNone  Dialect = ""
	DialectSQL   Dialect = "sql"
	DialectMongo Dialect = "mongo"
)

var sqlVerbs = []string{
	"SELECT", "INSERT", "UPDATE", "DELETE", "CREATE", "DROP", "ALTER",
	"DESCRIBE", "EXPLAIN", "USE", "SHOW", "WITH",
}

var (
	sqlClause     = regexp.MustCompile(`(?i)\b(FROM|WHERE|JOIN|GROUP\s+BY|ORDER\s+BY|LIMIT)\b|;`)
	sqlSymbols    = regexp.MustCompile(`[*=;(),'<>]`)
	sqlMetaTarget = regexp.MustCompile(`(?i)^(SHOW\s+(TABLES|DATABASES|COLUMNS|INDEX|CREATE)|DESCRIBE\s+\w+\s*;?\s*$|USE\s+\w+\s*;?\s*$|EXPLAIN\s+SELECT)`)

	mongoShell    = regexp.MustCompile(`\bdb\.\w+\.(find|findOne|aggregate|count|countDocuments|distinct)\s*\(`)
	mongoOperator = regexp.MustCompile(`["']?\$(match|group|lookup|project|unwind|sort|limit|sum|avg)["']?\s*:`)
)

// DetectNative reports whether text is already a native query rather than
// natural language.
//
// SQL needs a leading statement verb plus a clause marker, and either
// statement punctuation or an upper-case verb and clause, so plain English
// such as "select employees from sales" is not mistaken for SQL.
func DetectNative(text string) Dialect {
	t := strings.TrimSpace(text)
	if t == "" {
		return DialectNone
	}
	if isMongo(t) {
		return DialectMongo
	}
	if isSQL(t) {
		return DialectSQL
	}
	return DialectNone
}

func isSQL(t string) bool {
	fields := strings.Fields(t)
	first := fields[0]
	upper := strings.ToUpper(first)

	verb := ""
	for _, v := range sqlVerbs {
		if upper == v || strings.HasPrefix(upper, v+"(") {
			verb = v
			break
		}
	}
	if verb == "" {
		return false
	}
	if sqlMetaTarget.MatchString(t) {
		return true
	}

	clause := sqlClause.FindString(t)
	if clause == "" {
		return false
	}
	if sqlSymbols.MatchString(t) {
		return true
	}
	return first == upper && clause == strings.ToUpper(clause)
}

func isMongo(t string) bool {
	if mongoShell.MatchString(t) || mongoOperator.MatchString(t) {
		return true
	}
	switch t[0] {
	case '{':
		var doc map[string]any
		if json.Unmarshal([]byte(t), &doc) != nil {
			return false
		}
		_, hasCollection := doc["collection"]
		return hasCollection
	case '[':
		var stages []map[string]any
		if json.Unmarshal([]byte(t), &stages) != nil || len(stages) == 0 {
			return false
		}
		for k := range stages[0] {
			if strings.HasPrefix(k, "$") {
				return true
			}
		}
	}
	return false
}

// writeWords are keywords that make a statement modify data or the schema
// wherever they appear outside a string literal. INTO covers SELECT ... INTO
// and INTO OUTFILE.
var writeWords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "CREATE": true, "DROP": true,
	"ALTER": true, "TRUNCATE": true, "GRANT": true, "REVOKE": true, "MERGE": true,
	"CALL": true, "INTO": true, "COPY": true, "LOCK": true, "UPSERT": true,
}

var (
	sqlLiteral = regexp.MustCompile("'(?:[^']|'')*'|\"(?:[^\"]|\"\")*\"|`[^`]*`")
	sqlComment = regexp.MustCompile(`(?s)--[^\n]*|/\*.*?\*/`)
	sqlWord    = regexp.MustCompile(`\w+`)
)

// IsReadOnlySQL reports whether stmt is a single read-only statement. String
// literals, quoted identifiers and comments are removed before the keyword
// scan, so a value such as 'DELETE' does not reject a query.
func IsReadOnlySQL(stmt string) bool {
	s := sqlComment.ReplaceAllString(sqlLiteral.ReplaceAllString(stmt, "''"), " ")
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ";")
	if strings.Contains(s, ";") {
		return false
	}
	words := sqlWord.FindAllString(strings.ToUpper(s), -1)
	if len(words) == 0 {
		return false
	}
	switch words[0] {
	case "SELECT", "WITH", "EXPLAIN", "SHOW", "DESCRIBE", "DESC", "VALUES", "TABLE":
	default:
		return false
	}
	for _, w := range words {
		if writeWords[w] {
			return false
		}
	}
	return true
}
