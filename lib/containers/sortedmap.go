package containers

import "github.com/lfs3-go/lfs3/lib/rbtree"

// Ordered is any key type with a three-way comparison, matching
// rbtree.Ordered. mid, did, and (bid,rid) keys all implement this.
type Ordered[T any] = rbtree.Ordered[T]

type orderedKV[K Ordered[K], V any] struct {
	K K
	V V
}

// SortedMap is an ordered map keyed by K. Grounded on the teacher's containers.SortedMap,
// generalized to the weighted rbtree in lib/rbtree.
type SortedMap[K Ordered[K], V any] struct {
	inner rbtree.Tree[K, orderedKV[K, V]]
	inited bool
}

func (m *SortedMap[K, V]) init() {
	if m.inited {
		return
	}
	m.inited = true
}

func (m *SortedMap[K, V]) Delete(key K) {
	m.init()
	m.inner.Delete(key)
}

func (m *SortedMap[K, V]) Load(key K) (value V, ok bool) {
	m.init()
	node := m.inner.Lookup(key)
	if node == nil {
		var zero V
		return zero, false
	}
	return node.Value.V, true
}

func (m *SortedMap[K, V]) Store(key K, value V) {
	m.init()
	m.inner.Insert(key, orderedKV[K, V]{K: key, V: value})
}

func (m *SortedMap[K, V]) Len() int {
	m.init()
	return m.inner.Len()
}

// Range walks the map in key order, stopping early if f returns false.
func (m *SortedMap[K, V]) Range(f func(key K, value V) bool) {
	m.init()
	_ = m.inner.Walk(func(node *rbtree.Node[K, orderedKV[K, V]]) error {
		if f(node.Value.K, node.Value.V) {
			return nil
		}
		return errStop
	})
}

var errStop = stopError{}

type stopError struct{}

func (stopError) Error() string { return "stop" }
