package capital

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Scenario(t *testing.T) {
	p := NewPool(TierArb, 0.7, 10000)
	assert.InDelta(t, 7000, p.Size(), 1e-9)

	require.True(t, p.Allocate(3000))
	assert.InDelta(t, 4000, p.Available(), 1e-9)

	assert.False(t, p.Allocate(5000), "超过可用额度")
	assert.InDelta(t, 4000, p.Available(), 1e-9, "失败时不修改")

	p.Release(3000)
	assert.InDelta(t, 7000, p.Available(), 1e-9)
}

func TestPool_EpsilonTolerance(t *testing.T) {
	p := NewPool(TierArb, 1, 100)
	require.True(t, p.Allocate(100+5e-10))
	assert.LessOrEqual(t, p.Allocated(), p.Size())
	assert.Equal(t, 0.0, p.Available())
}

func TestPool_RejectsNonPositive(t *testing.T) {
	p := NewPool(TierWash, 1, 100)
	assert.False(t, p.Allocate(0))
	assert.False(t, p.Allocate(-5))
	assert.Equal(t, 0.0, p.Allocated())
	assert.Equal(t, 0.0, p.Release(-1))
}

func TestPool_ReleaseClampsAtZero(t *testing.T) {
	p := NewPool(TierWash, 1, 100)
	require.True(t, p.Allocate(30))
	released := p.Release(50)
	assert.Equal(t, 30.0, released)
	assert.Equal(t, 0.0, p.Allocated())

	assert.Equal(t, 0.0, p.Release(10))
	assert.Equal(t, 0.0, p.Allocated())
}

func TestPool_EquityDropBlocksAllocation(t *testing.T) {
	p := NewPool(TierArb, 0.5, 1000)
	require.True(t, p.Allocate(400))

	p.Resize(600) // size 300 < allocated 400
	assert.Equal(t, 400.0, p.Allocated(), "权益变化不调整 allocated")
	assert.Equal(t, 0.0, p.Available())
	assert.False(t, p.Allocate(1))

	p.Release(200)
	assert.InDelta(t, 100, p.Available(), 1e-9)
	assert.True(t, p.Allocate(100))
}

// 随机 allocate/release 序列下 allocated 始终在 [0, size] 内。
func TestPool_BudgetConservation(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	p := NewPool(TierArb, 0.7, 10000)
	for i := 0; i < 5000; i++ {
		amt := r.Float64() * 3000
		if r.Intn(2) == 0 {
			if p.Allocate(amt) {
				assert.LessOrEqual(t, p.Allocated(), p.Size()+Epsilon)
			}
		} else {
			p.Release(amt)
		}
		require.GreaterOrEqual(t, p.Allocated(), 0.0)
	}
}

func TestPool_ConcurrentAllocateNeverOverbooks(t *testing.T) {
	p := NewPool(TierArb, 1, 1000)
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Allocate(100) {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, granted)
	assert.Equal(t, 1000.0, p.Allocated())
}
