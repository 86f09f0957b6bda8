package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/typeutil"
)

// Keys added to combined records.
const (
	SourceField   = "_source"
	CountField    = "count"
	SourcesField  = "sources"
	RowCountField = "row_count"
	RecordsField  = "records"
)

// AggregatePlan selects the merge policy.
type AggregatePlan struct {
	Intent         envelope.Intent
	GroupKey       string
	PartialSuccess bool
}

// ResultAggregator merges backend envelopes into the turn's combined result.
type ResultAggregator struct {
	base
	rowCap int
}

// NewResultAggregator creates a ResultAggregator capping combined data at
// rowCap rows. Zero disables the cap.
func NewResultAggregator(rowCap int, logger Logger) *ResultAggregator {
	return &ResultAggregator{base: newBase(AggregatorName, logger), rowCap: rowCap}
}

// Aggregate combines results, visited in order. A single result passes
// through unchanged apart from losing its backend name.
func (a *ResultAggregator) Aggregate(ctx context.Context, order []string, results map[string]*envelope.ResultEnvelope, plan AggregatePlan) *envelope.ResultEnvelope {
	_, finish := a.begin(ctx,
		attribute.String("intent", string(plan.Intent)),
		attribute.Int("backends", len(order)),
	)

	combined := a.aggregate(order, results, plan)
	status := StatusSuccess
	var err error
	if !combined.Success {
		status = StatusError
		err = errors.New(combined.ErrorMessage)
	}
	finish(status, err)
	return combined
}

func (a *ResultAggregator) aggregate(order []string, results map[string]*envelope.ResultEnvelope, plan AggregatePlan) *envelope.ResultEnvelope {
	present := make([]string, 0, len(order))
	for _, name := range order {
		if results[name] != nil {
			present = append(present, name)
		}
	}
	if len(present) == 0 {
		return envelope.NewFailedResult("", "", "no backend results")
	}
	if len(present) == 1 {
		out := results[present[0]].Clone()
		out.BackendName = ""
		return out
	}

	var succeeded, failures, notes, queries []string
	truncatedInput := false
	for _, name := range present {
		r := results[name]
		if r.QueryExecuted != "" {
			queries = append(queries, fmt.Sprintf("%s: %s", name, r.QueryExecuted))
		}
		if r.Success {
			succeeded = append(succeeded, name)
			truncatedInput = truncatedInput || r.Truncated
			if r.ErrorMessage != "" {
				notes = append(notes, r.ErrorMessage)
			}
		} else {
			failures = append(failures, r.ErrorMessage)
		}
	}

	var out *envelope.ResultEnvelope
	switch {
	case plan.Intent == envelope.IntentAggregate && plan.GroupKey != "":
		out = groupResults(succeeded, results, plan.GroupKey)
	case plan.Intent == envelope.IntentCompare:
		out = compareResults(succeeded, results)
	default:
		out = concatResults(succeeded, results)
	}
	out.QueryExecuted = strings.Join(queries, "\n")
	out.TruncateTo(a.rowCap)
	out.Truncated = out.Truncated || truncatedInput

	switch {
	case len(succeeded) == 0:
		out.Success = false
	case len(failures) > 0 && !plan.PartialSuccess:
		out.Success = false
	default:
		out.Success = true
	}
	if len(failures) > 0 {
		a.logger.Info("partial_results", "succeeded", succeeded, "failed", len(failures))
	}
	// Successful results only carry a message when their input was
	// incomplete.
	if msgs := append(failures, notes...); len(msgs) > 0 {
		out.ErrorMessage = strings.Join(msgs, "; ")
	}
	return out
}

// concatResults tags every row with its backend and appends them in order.
func concatResults(names []string, results map[string]*envelope.ResultEnvelope) *envelope.ResultEnvelope {
	data := make([]map[string]any, 0)
	total := 0
	for _, name := range names {
		r := results[name]
		for _, row := range r.Data {
			tagged := make(map[string]any, len(row)+1)
			for k, v := range row {
				tagged[k] = v
			}
			tagged[SourceField] = name
			data = append(data, tagged)
		}
		total += r.RowCount
	}
	out := envelope.NewSuccessResult("", "", data)
	out.RowCount = total
	return out
}

// compareResults keeps each backend's rows side by side.
func compareResults(names []string, results map[string]*envelope.ResultEnvelope) *envelope.ResultEnvelope {
	data := make([]map[string]any, 0, len(names))
	for _, name := range names {
		r := results[name].Clone()
		data = append(data, map[string]any{
			SourceField:   name,
			RowCountField: r.RowCount,
			RecordsField:  r.Data,
		})
	}
	return envelope.NewSuccessResult("", "", data)
}

type group struct {
	key     any
	count   int
	sources []string
	sums    map[string]float64
	counts  map[string]int
}

// groupResults buckets rows from every backend by groupKey and sums and
// averages their numeric fields. Rows without the key are dropped.
func groupResults(names []string, results map[string]*envelope.ResultEnvelope, groupKey string) *envelope.ResultEnvelope {
	groups := make(map[string]*group)
	var keys []string
	keyField := groupKey
	if idx := strings.LastIndexByte(groupKey, '.'); idx >= 0 {
		keyField = groupKey[idx+1:]
	}

	for _, name := range names {
		for _, row := range results[name].Data {
			v, ok := typeutil.LookupField(row, groupKey)
			if !ok || v == nil {
				continue
			}
			id := typeutil.FormatLiteral(v)
			g, ok := groups[id]
			if !ok {
				g = &group{key: v, sums: make(map[string]float64), counts: make(map[string]int)}
				groups[id] = g
				keys = append(keys, id)
			}
			g.count++
			g.sources = appendUnique(g.sources, name)
			for field, value := range row {
				if field == keyField || field == groupKey {
					continue
				}
				if f, ok := typeutil.ToFloat64(value); ok && typeutil.IsNumeric(value) {
					g.sums[field] += f
					g.counts[field]++
				}
			}
		}
	}

	data := make([]map[string]any, 0, len(keys))
	for _, id := range keys {
		g := groups[id]
		record := map[string]any{
			keyField:     g.key,
			CountField:   g.count,
			SourcesField: g.sources,
		}
		fields := make([]string, 0, len(g.sums))
		for f := range g.sums {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			record[f+"_sum"] = g.sums[f]
			record[f+"_avg"] = g.sums[f] / float64(g.counts[f])
		}
		data = append(data, record)
	}
	return envelope.NewSuccessResult("", "", data)
}
