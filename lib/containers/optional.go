// Package containers holds small generic container helpers. No other
// package in this module imports it. Grounded on lib/containers in the teacher
// repo (Optional, Set, SortedMap).
package containers

// Optional holds a value that may or may not be present, avoiding a
// separate "zero means absent" convention for types whose zero value
// is meaningful (e.g. mid 0, which is a real, reserved id).
type Optional[T any] struct {
	OK  bool
	Val T
}

func Some[T any](v T) Optional[T] { return Optional[T]{OK: true, Val: v} }
