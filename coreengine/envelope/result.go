package envelope

// ResultEnvelope is the uniform contract every backend and the aggregator
// produce.
type ResultEnvelope struct {
	Success       bool             `json:"success"`
	QueryExecuted string           `json:"query_executed,omitempty"`
	RowCount      int              `json:"row_count"`
	Data          []map[string]any `json:"data"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	BackendName   string           `json:"backend_name,omitempty"`

	// Response carries data engineer text on the combined envelope.
	Response    string   `json:"response,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`

	Truncated  bool  `json:"truncated,omitempty"`
	DurationMS int64 `json:"duration_ms,omitempty"`
	Attempts   int   `json:"attempts,omitempty"`
}

// NewSuccessResult builds a successful envelope. RowCount defaults to len(data).
func NewSuccessResult(backend, query string, data []map[string]any) *ResultEnvelope {
	if data == nil {
		data = []map[string]any{}
	}
	return &ResultEnvelope{
		Success:       true,
		QueryExecuted: query,
		RowCount:      len(data),
		Data:          data,
		BackendName:   backend,
	}
}

// NewFailedResult builds a failed envelope with empty data.
func NewFailedResult(backend, query, message string) *ResultEnvelope {
	if message == "" {
		message = backend + " failed"
	}
	return &ResultEnvelope{
		Success:       false,
		QueryExecuted: query,
		Data:          []map[string]any{},
		ErrorMessage:  message,
		BackendName:   backend,
	}
}

// Clone deep-copies the envelope.
func (r *ResultEnvelope) Clone() *ResultEnvelope {
	if r == nil {
		return nil
	}
	c := *r
	c.Data = deepCopyMapSlice(r.Data)
	c.Suggestions = copyStringSlice(r.Suggestions)
	return &c
}

// TruncateTo caps Data at limit rows, keeping RowCount as the true count.
func (r *ResultEnvelope) TruncateTo(limit int) {
	if limit <= 0 || len(r.Data) <= limit {
		return
	}
	if r.RowCount < len(r.Data) {
		r.RowCount = len(r.Data)
	}
	r.Data = r.Data[:limit]
	r.Truncated = true
}

func copyStringSlice(s []string) []string {
	if s == nil {
		return nil
	}
	result := make([]string, len(s))
	copy(result, s)
	return result
}

func deepCopyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyAnyMap(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = deepCopyValue(item)
		}
		return result
	case []map[string]any:
		return deepCopyMapSlice(val)
	case []string:
		return copyStringSlice(val)
	default:
		return v
	}
}

func deepCopyMapSlice(s []map[string]any) []map[string]any {
	if s == nil {
		return nil
	}
	result := make([]map[string]any, len(s))
	for i, m := range s {
		result[i] = deepCopyAnyMap(m)
	}
	return result
}
