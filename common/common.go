// Package common holds functionality that is common to multiple other packages.
package common

import (
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

// Set implements a Set for the key type T.
type Set[T comparable] map[T]struct{}

// MakeSet returns an empty Set of the given type. Size is optional, and if given
// will reserve the expected size.
func MakeSet[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// Has returns true if Set s has the given key.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert key into set.
func (s Set[T]) Insert(key T) {
	s[key] = struct{}{}
}

// Delete key from set. A no-op if the key is not in the set.
func (s Set[T]) Delete(key T) {
	delete(s, key)
}

// SortedKeys enumerate keys from a map and sort them.
func SortedKeys[K constraints.Ordered, V any](m map[K]V) (keys []K) {
	keys = make([]K, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return
}

// SendNoBlock attempts to send value to the channel without blocking.
// It returns 0 if the value was sent, and 1 if the channel was full and the
// value was dropped.
func SendNoBlock[T any](ch chan T, value T) int {
	select {
	case ch <- value:
		return 0
	default:
		return 1
	}
}
