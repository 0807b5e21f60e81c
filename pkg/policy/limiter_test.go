package policy

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

func limitedPlan(skill, instance string, limit int) *invocation.Plan {
	return &invocation.Plan{
		Skill:        skill,
		Instance:     instance,
		Capabilities: invocation.CapabilitySet{MaxConcurrentRequests: limit},
	}
}

func TestLimiterFailsFast(t *testing.T) {
	l := NewLimiter()
	plan := limitedPlan("s", "a", 2)

	r1, err := l.Admit(plan)
	require.NoError(t, err)
	r2, err := l.Admit(plan)
	require.NoError(t, err)
	assert.Equal(t, int64(2), l.InFlight("s/a"))

	_, err = l.Admit(plan)
	require.Error(t, err)
	assert.Equal(t, invocation.KindConcurrencyLimitExceeded, invocation.KindOf(err))
	assert.True(t, invocation.IsRetryable(err))

	r1()
	r1()
	assert.Equal(t, int64(1), l.InFlight("s/a"), "release is idempotent")

	r3, err := l.Admit(plan)
	require.NoError(t, err)
	r2()
	r3()
	assert.Equal(t, int64(0), l.InFlight("s/a"))
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := NewLimiter()

	release, err := l.Admit(limitedPlan("s", "a", 1))
	require.NoError(t, err)
	defer release()

	_, err = l.Admit(limitedPlan("s", "a", 1))
	assert.Error(t, err)

	other, err := l.Admit(limitedPlan("s", "b", 1))
	require.NoError(t, err, "a busy instance does not block another")
	assert.Equal(t, map[string]int64{"s/a": 1, "s/b": 1}, l.Snapshot())
	other()
	assert.Equal(t, int64(0), l.Snapshot()["s/b"])
}

func TestLimiterZeroIsUnlimited(t *testing.T) {
	l := NewLimiter()
	plan := limitedPlan("s", "a", 0)
	for i := 0; i < 100; i++ {
		_, err := l.Admit(plan)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(100), l.InFlight("s/a"))
}

func TestLimiterCeilingUnderContention(t *testing.T) {
	const limit = 3
	l := NewLimiter()
	plan := limitedPlan("s", "a", limit)

	var (
		wg       sync.WaitGroup
		current  atomic.Int64
		peak     atomic.Int64
		admitted atomic.Int64
		rejected atomic.Int64
	)
	start := make(chan struct{})
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			release, err := l.Admit(plan)
			if err != nil {
				rejected.Add(1)
				return
			}
			admitted.Add(1)
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			current.Add(-1)
			release()
		}()
	}
	close(start)
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(limit))
	assert.Equal(t, int64(64), admitted.Load()+rejected.Load())
	assert.Equal(t, int64(0), l.InFlight("s/a"))
}
