// Package list is an insertion-ordered container that owns its elements.
//
// Each element handed to a List is destroyed exactly once: by Destroy, by
// Clear, or by whichever List it was moved to with Transfer. Elements returned
// by Drain are no longer owned and are never destroyed by the list.
package list

import "sync"

type List[T any] struct {
	mu      sync.Mutex
	items   []T
	destroy func(T)
}

// New returns an empty list. destroy may be nil.
func New[T any](destroy func(T)) *List[T] {
	return &List[T]{destroy: destroy}
}

func (l *List[T]) Append(items ...T) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, items...)
	return len(l.items)
}

func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Items returns a snapshot. Ownership stays with the list.
func (l *List[T]) Items() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]T, len(l.items))
	copy(out, l.items)
	return out
}

// Drain removes every element and hands ownership to the caller.
func (l *List[T]) Drain() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.items
	l.items = nil
	return out
}

// Transfer moves all elements of src to the end of l without destroying them.
func (l *List[T]) Transfer(src *List[T]) int {
	if src == nil || src == l {
		return l.Len()
	}
	moved := src.Drain()
	return l.Append(moved...)
}

// Clear destroys every element and empties the list. The list stays usable.
func (l *List[T]) Clear() {
	l.mu.Lock()
	items := l.items
	l.items = nil
	destroy := l.destroy
	l.mu.Unlock()
	if destroy == nil {
		return
	}
	for _, it := range items {
		destroy(it)
	}
}

// Destroy is Clear under the name callers use at end of life.
func (l *List[T]) Destroy() {
	l.Clear()
}
