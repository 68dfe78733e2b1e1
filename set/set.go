package set

import (
	"cmp"
	"slices"
)

type Set[T comparable] struct {
	set map[T]struct{}
}

func New[T comparable](items ...T) *Set[T] {
	s := &Set[T]{}
	for _, k := range items {
		s.Insert(k)
	}
	return s
}

func (s *Set[T]) Insert(k T) {
	if s.set == nil {
		s.set = make(map[T]struct{})
	}
	s.set[k] = struct{}{}
}

func (s *Set[T]) Contains(k T) bool {
	_, ok := s.set[k]
	return ok
}

func (s *Set[T]) Remove(k T) {
	delete(s.set, k)
}

func (s *Set[T]) Len() int {
	return len(s.set)
}

// Items returns the members in unspecified order. Use Sorted for
// deterministic output.
func (s *Set[T]) Items() []T {
	items := make([]T, 0, len(s.set))
	for k := range s.set {
		items = append(items, k)
	}
	return items
}

// Sorted returns the members of an ordered set in ascending order.
func Sorted[T cmp.Ordered](s *Set[T]) []T {
	items := s.Items()
	slices.Sort(items)
	return items
}
