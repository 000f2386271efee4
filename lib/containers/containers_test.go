package containers_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lfs3-go/lfs3/lib/containers"
)

type intKey int

func (k intKey) Cmp(o intKey) int { return int(k) - int(o) }

func TestOptionalSomeAndZero(t *testing.T) {
	var zero containers.Optional[int]
	require.False(t, zero.OK)

	some := containers.Some(42)
	require.True(t, some.OK)
	require.Equal(t, 42, some.Val)
}

func TestSetInsertDeleteHas(t *testing.T) {
	s := containers.NewSet(1, 2, 3)
	require.Equal(t, 3, s.Len())
	require.True(t, s.Has(2))

	s.Insert(4)
	require.True(t, s.Has(4))

	s.Delete(2)
	require.False(t, s.Has(2))
	require.Equal(t, 3, s.Len())

	keys := s.Keys()
	sort.Ints(keys)
	require.Equal(t, []int{1, 3, 4}, keys)
}

func TestSortedMapStoreLoadDeleteOrder(t *testing.T) {
	var m containers.SortedMap[intKey, string]
	m.Store(intKey(3), "three")
	m.Store(intKey(1), "one")
	m.Store(intKey(2), "two")

	require.Equal(t, 3, m.Len())

	v, ok := m.Load(intKey(2))
	require.True(t, ok)
	require.Equal(t, "two", v)

	_, ok = m.Load(intKey(99))
	require.False(t, ok)

	var keys []int
	var vals []string
	m.Range(func(k intKey, v string) bool {
		keys = append(keys, int(k))
		vals = append(vals, v)
		return true
	})
	require.Equal(t, []int{1, 2, 3}, keys)
	require.Equal(t, []string{"one", "two", "three"}, vals)

	m.Delete(intKey(1))
	require.Equal(t, 2, m.Len())
	_, ok = m.Load(intKey(1))
	require.False(t, ok)
}

func TestSortedMapRangeStopsEarly(t *testing.T) {
	var m containers.SortedMap[intKey, int]
	m.Store(intKey(1), 1)
	m.Store(intKey(2), 2)
	m.Store(intKey(3), 3)

	var seen []int
	m.Range(func(k intKey, v int) bool {
		seen = append(seen, v)
		return v < 2
	})
	require.Equal(t, []int{1, 2}, seen)
}
