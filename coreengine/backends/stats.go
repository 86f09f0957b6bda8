package backends

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/typeutil"
)

// DatabaseStats summarizes the employees database.
type DatabaseStats struct {
	Employees     int64     `json:"employees"`
	Departments   int64     `json:"departments"`
	Projects      int64     `json:"projects"`
	AverageSalary float64   `json:"average_salary"`
	Timestamp     time.Time `json:"timestamp"`
}

// employeeStatsQuery is valid on both PostgreSQL and MySQL.
const employeeStatsQuery = `SELECT ` +
	`(SELECT COUNT(*) FROM employees) AS employees, ` +
	`(SELECT COUNT(*) FROM departments) AS departments, ` +
	`(SELECT COUNT(*) FROM projects) AS projects, ` +
	`(SELECT AVG(salary) FROM employees) AS average_salary`

// Stats runs the fixed summary query on the sql backend's executor. It
// bypasses generation, so it works without an LLM provider.
func (r *Registry) Stats(ctx context.Context) (*DatabaseStats, error) {
	a, err := r.Get(BackendSQL)
	if err != nil {
		return nil, err
	}
	src, ok := a.(interface{ Executor() Executor })
	if !ok || src.Executor() == nil {
		return nil, NewConnectorError(BackendSQL, "Stats", "no executor", ErrNotConnected)
	}

	res, err := src.Executor().Execute(ctx, employeeStatsQuery, 1)
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, NewConnectorError(BackendSQL, "Stats", "summary query returned no rows", ErrMalformedQuery)
	}
	row := res.Rows[0]

	stats := &DatabaseStats{Timestamp: time.Now().UTC()}
	counts := []struct {
		column string
		dst    *int64
	}{
		{"employees", &stats.Employees},
		{"departments", &stats.Departments},
		{"projects", &stats.Projects},
	}
	for _, c := range counts {
		n, err := numeric(row[c.column])
		if err != nil {
			return nil, NewConnectorError(BackendSQL, "Stats", "bad "+c.column+" value", err)
		}
		*c.dst = int64(n)
	}

	// AVG over an empty table is NULL.
	if v := row["average_salary"]; v != nil {
		avg, err := numeric(v)
		if err != nil {
			return nil, NewConnectorError(BackendSQL, "Stats", "bad average_salary value", err)
		}
		stats.AverageSalary = math.Round(avg*100) / 100
	}
	return stats, nil
}

// numeric reads a driver value as a number. DECIMAL and NUMERIC columns
// arrive as text.
func numeric(v any) (float64, error) {
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrMalformedQuery, s)
		}
		return f, nil
	}
	if f, ok := typeutil.ToFloat64(v); ok {
		return f, nil
	}
	return 0, fmt.Errorf("%w: unexpected value %T", ErrMalformedQuery, v)
}
