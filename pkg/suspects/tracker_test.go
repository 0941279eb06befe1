package suspects

import (
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addrN(n int) common.Address {
	return common.HexToAddress(fmt.Sprintf("0x%040x", n+1))
}

func TestNewLRURejectsNonPositiveCapacity(t *testing.T) {
	_, err := NewLRU(0)
	assert.Error(t, err)
	_, err = NewSynchronized(-1)
	assert.Error(t, err)
}

func TestInsertIsIdempotent(t *testing.T) {
	tracker, err := NewLRU(4)
	require.NoError(t, err)

	a := addrN(1)
	tracker.Insert(a)
	tracker.Insert(a)
	assert.Equal(t, 1, tracker.Len())
	assert.True(t, tracker.Contains(a))
}

func TestKeyIsLowercase(t *testing.T) {
	tracker, err := NewLRU(2)
	require.NoError(t, err)

	mixed := common.HexToAddress("0x63341Ba917De90498F3903B199Df5699b4a55AC0")
	tracker.Insert(mixed)
	assert.Equal(t, []string{"0x63341ba917de90498f3903b199df5699b4a55ac0"}, tracker.Keys())
	assert.True(t, tracker.Contains(common.HexToAddress("0x63341ba917de90498f3903b199df5699b4a55ac0")))
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	const capacity = 3
	tracker, err := NewLRU(capacity)
	require.NoError(t, err)

	for i := 0; i <= capacity; i++ {
		tracker.Insert(addrN(i))
	}

	assert.Equal(t, capacity, tracker.Len())
	assert.False(t, tracker.Contains(addrN(0)))
	for i := 1; i <= capacity; i++ {
		assert.True(t, tracker.Contains(addrN(i)))
	}
}

func TestLookupRefreshesRecency(t *testing.T) {
	tracker, err := NewLRU(2)
	require.NoError(t, err)

	tracker.Insert(addrN(0))
	tracker.Insert(addrN(1))
	// 访问 0 后，1 成为最久未使用
	require.True(t, tracker.Contains(addrN(0)))
	tracker.Insert(addrN(2))

	assert.True(t, tracker.Contains(addrN(0)))
	assert.False(t, tracker.Contains(addrN(1)))
	assert.True(t, tracker.Contains(addrN(2)))
}

func TestSynchronizedConcurrentAccess(t *testing.T) {
	const capacity = 50
	tracker, err := NewSynchronized(capacity)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				a := addrN(w*1000 + i)
				tracker.Insert(a)
				tracker.Contains(a)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, capacity, tracker.Len())
}

// TestPeekDoesNotRefresh 测试 Peek 不改变淘汰顺序
func TestPeekDoesNotRefresh(t *testing.T) {
	tracker, err := NewSynchronized(2)
	require.NoError(t, err)

	a, b, c := addrN(1), addrN(2), addrN(3)
	tracker.Insert(a)
	tracker.Insert(b)
	assert.True(t, tracker.Peek(a))
	tracker.Insert(c)

	assert.False(t, tracker.Peek(a))
	assert.Equal(t, []string{Key(b), Key(c)}, tracker.Keys())
}
