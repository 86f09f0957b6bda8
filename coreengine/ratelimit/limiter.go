// Package ratelimit provides per-client request limits using a sliding
// window counter.
//
// Each client has one window per configured span (minute, hour, day). A
// window is split into sub-buckets so that counts slide rather than reset
// at span boundaries.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// Limits & Decision
// =============================================================================

// Limits are the request ceilings of one client. A zero field disables
// that window.
type Limits struct {
	PerMinute int `json:"per_minute" yaml:"per_minute"`
	PerHour   int `json:"per_hour" yaml:"per_hour"`
	PerDay    int `json:"per_day" yaml:"per_day"`
}

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Window     string        `json:"window,omitempty"` // "minute", "hour", "day"
	Current    int           `json:"current"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func denied(window string, current, limit int, retryAfter time.Duration) Decision {
	return Decision{
		Window:     window,
		Current:    current,
		Limit:      limit,
		RetryAfter: retryAfter,
	}
}

// WindowUsage reports one window of a client.
type WindowUsage struct {
	Current   int `json:"current"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

type span struct {
	name   string
	length time.Duration
	limit  func(Limits) int
}

var spans = []span{
	{"minute", time.Minute, func(l Limits) int { return l.PerMinute }},
	{"hour", time.Hour, func(l Limits) int { return l.PerHour }},
	{"day", 24 * time.Hour, func(l Limits) int { return l.PerDay }},
}

// =============================================================================
// Sliding Window
// =============================================================================

const bucketCount = 10

// window counts requests over length using bucketCount sub-buckets.
type window struct {
	length  time.Duration
	buckets map[int64]int
}

func newWindow(length time.Duration) *window {
	return &window{length: length, buckets: make(map[int64]int)}
}

func (w *window) bucketSize() int64 {
	return int64(w.length) / bucketCount
}

func (w *window) bucketOf(now time.Time) int64 {
	return now.UnixNano() / w.bucketSize()
}

// expire drops buckets that have slid out of the window.
func (w *window) expire(now time.Time) {
	oldest := w.bucketOf(now) - bucketCount
	for b := range w.buckets {
		if b <= oldest {
			delete(w.buckets, b)
		}
	}
}

func (w *window) record(now time.Time) {
	w.expire(now)
	w.buckets[w.bucketOf(now)]++
}

func (w *window) count(now time.Time) int {
	oldest := w.bucketOf(now) - bucketCount
	n := 0
	for b, c := range w.buckets {
		if b > oldest {
			n += c
		}
	}
	return n
}

// retryAfter is how long until the count drops below limit.
func (w *window) retryAfter(now time.Time, limit int) time.Duration {
	current := w.count(now)
	if current < limit {
		return 0
	}
	oldest := w.bucketOf(now) - bucketCount
	live := make([]int64, 0, len(w.buckets))
	for b := range w.buckets {
		if b > oldest {
			live = append(live, b)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })

	excess := current - limit + 1
	expired := 0
	for _, b := range live {
		expired += w.buckets[b]
		if expired >= excess {
			// Bucket b stops counting once bucketCount newer buckets exist.
			at := time.Unix(0, (b+bucketCount)*w.bucketSize())
			if d := at.Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}
	return w.length
}

// =============================================================================
// Limiter
// =============================================================================

type windowKey struct {
	client string
	span   string
}

// Limiter enforces Limits per client. It is safe for concurrent use.
type Limiter struct {
	defaults  Limits
	overrides map[string]Limits
	windows   map[windowKey]*window
	now       func() time.Time
	mu        sync.Mutex
}

// New creates a Limiter applying limits to every client.
func New(limits Limits) *Limiter {
	return &Limiter{
		defaults:  limits,
		overrides: make(map[string]Limits),
		windows:   make(map[windowKey]*window),
		now:       time.Now,
	}
}

// SetClientLimits overrides the limits of one client.
func (l *Limiter) SetClientLimits(client string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[client] = limits
}

// LimitsFor returns the effective limits of client.
func (l *Limiter) LimitsFor(client string) Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitsLocked(client)
}

func (l *Limiter) limitsLocked(client string) Limits {
	if lim, ok := l.overrides[client]; ok {
		return lim
	}
	return l.defaults
}

// Allow checks client against every window and, when all pass, records the
// request.
func (l *Limiter) Allow(client string) Decision {
	return l.check(client, true)
}

// Peek checks client without recording a request.
func (l *Limiter) Peek(client string) Decision {
	return l.check(client, false)
}

func (l *Limiter) check(client string, record bool) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	limits := l.limitsLocked(client)
	for _, s := range spans {
		limit := s.limit(limits)
		if limit <= 0 {
			continue
		}
		w := l.windowLocked(client, s)
		if current := w.count(now); current >= limit {
			return denied(s.name, current, limit, w.retryAfter(now, limit))
		}
	}

	if record {
		for _, s := range spans {
			if s.limit(limits) > 0 {
				l.windowLocked(client, s).record(now)
			}
		}
	}

	// Remaining is reported for the tightest enabled window.
	d := Decision{Allowed: true, Remaining: -1}
	for _, s := range spans {
		limit := s.limit(limits)
		if limit <= 0 {
			continue
		}
		current := l.windowLocked(client, s).count(now)
		if remaining := limit - current; d.Remaining < 0 || remaining < d.Remaining {
			d.Window, d.Current, d.Limit, d.Remaining = s.name, current, limit, remaining
		}
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d
}

func (l *Limiter) windowLocked(client string, s span) *window {
	key := windowKey{client: client, span: s.name}
	w, ok := l.windows[key]
	if !ok {
		w = newWindow(s.length)
		l.windows[key] = w
	}
	return w
}

// Usage reports every enabled window of client.
func (l *Limiter) Usage(client string) map[string]WindowUsage {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	limits := l.limitsLocked(client)
	usage := make(map[string]WindowUsage)
	for _, s := range spans {
		limit := s.limit(limits)
		if limit <= 0 {
			continue
		}
		current := 0
		if w, ok := l.windows[windowKey{client: client, span: s.name}]; ok {
			current = w.count(now)
		}
		remaining := limit - current
		if remaining < 0 {
			remaining = 0
		}
		usage[s.name] = WindowUsage{Current: current, Limit: limit, Remaining: remaining}
	}
	return usage
}

// Reset forgets every window of client and returns how many were dropped.
func (l *Limiter) Reset(client string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key := range l.windows {
		if key.client == client {
			delete(l.windows, key)
			n++
		}
	}
	return n
}

// Sweep drops windows with no requests left in them.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for key, w := range l.windows {
		w.expire(now)
		if len(w.buckets) == 0 {
			delete(l.windows, key)
			n++
		}
	}
	return n
}

// Size is the number of live windows.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
