package containers

import (
	"golang.org/x/exp/maps"
)

// Set[T] is an unordered set of T.
type Set[T comparable] map[T]struct{}

func NewSet[T comparable](values ...T) Set[T] {
	ret := make(Set[T], len(values))
	for _, v := range values {
		ret.Insert(v)
	}
	return ret
}

func (o Set[T]) Insert(v T)  { o[v] = struct{}{} }
func (o Set[T]) Delete(v T)  { delete(o, v) }
func (o Set[T]) Has(v T) bool {
	_, ok := o[v]
	return ok
}

func (o Set[T]) Len() int { return len(o) }

// Keys returns the set's members in unspecified order.
func (o Set[T]) Keys() []T { return maps.Keys(o) }
