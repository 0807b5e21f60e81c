package policy

import (
	"sync"
	"sync/atomic"

	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

// Limiter bounds concurrent invocations per skill instance. Each key owns
// its own counter, so unrelated instances never contend beyond the map
// lookup.
type Limiter struct {
	counters sync.Map // plan key -> *atomic.Int64
}

// NewLimiter creates a Limiter.
func NewLimiter() *Limiter {
	return &Limiter{}
}

func (l *Limiter) counter(key string) *atomic.Int64 {
	if c, ok := l.counters.Load(key); ok {
		return c.(*atomic.Int64)
	}
	c, _ := l.counters.LoadOrStore(key, new(atomic.Int64))
	return c.(*atomic.Int64)
}

// Admit reserves a slot for the plan's skill instance. It fails fast with
// ConcurrencyLimitExceeded when max_concurrent_requests slots are already
// taken; a limit of zero means unlimited. The returned release func must be
// called exactly once when the invocation finishes; extra calls are no-ops.
func (l *Limiter) Admit(plan *invocation.Plan) (func(), error) {
	key := plan.Key()
	limit := int64(plan.Capabilities.MaxConcurrentRequests)
	c := l.counter(key)

	for {
		cur := c.Load()
		if limit > 0 && cur >= limit {
			return nil, invocation.NewError(invocation.StageAuthorize, invocation.KindConcurrencyLimitExceeded,
				"%s has %d invocations in flight (max_concurrent_requests=%d)", key, cur, limit)
		}
		if c.CompareAndSwap(cur, cur+1) {
			break
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.Add(-1) })
	}, nil
}

// InFlight returns the number of admitted, unreleased invocations for key.
func (l *Limiter) InFlight(key string) int64 {
	if c, ok := l.counters.Load(key); ok {
		return c.(*atomic.Int64).Load()
	}
	return 0
}

// Snapshot returns the in-flight count of every key seen so far.
func (l *Limiter) Snapshot() map[string]int64 {
	out := map[string]int64{}
	l.counters.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}
