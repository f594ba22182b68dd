package rpc

import (
	"context"
	"sync"

	"slurmgo/internal/list"
	"slurmgo/internal/proto"
)

// aggregator collects results until expected of them have arrived. done is
// closed exactly once, when the count is reached.
type aggregator struct {
	mu       sync.Mutex
	results  *list.List[proto.Result]
	seen     map[string]struct{}
	expected int
	sealed   bool
	done     chan struct{}
}

func newAggregator(expected int) *aggregator {
	a := &aggregator{
		results:  list.New[proto.Result](nil),
		seen:     make(map[string]struct{}, expected),
		expected: expected,
		done:     make(chan struct{}),
	}
	if expected <= 0 {
		close(a.done)
	}
	return a
}

// add appends the entries of one worker. Entries for nodes already accounted
// for, and anything arriving after seal, are dropped. It returns how many
// entries were accepted.
func (a *aggregator) add(batch *list.List[proto.Result]) int {
	items := batch.Drain()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sealed {
		return 0
	}
	accepted := list.New[proto.Result](nil)
	for _, r := range items {
		if _, dup := a.seen[r.NodeName]; dup {
			continue
		}
		a.seen[r.NodeName] = struct{}{}
		accepted.Append(r)
	}
	n := accepted.Len()
	before := a.results.Len()
	after := a.results.Transfer(accepted)
	if before < a.expected && after >= a.expected {
		close(a.done)
	}
	return n
}

func (a *aggregator) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.results.Len()
}

// wait blocks until the expected count is reached or ctx ends. It returns a
// snapshot of the collected entries and whether the count was reached.
func (a *aggregator) wait(ctx context.Context) ([]proto.Result, bool) {
	select {
	case <-a.done:
		return a.snapshot(), true
	case <-ctx.Done():
	}
	// the count may have been reached while ctx was ending
	select {
	case <-a.done:
		return a.snapshot(), true
	default:
		return a.snapshot(), false
	}
}

func (a *aggregator) snapshot() []proto.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.results.Items()
}

// seal stops further additions and reports which node names are present.
func (a *aggregator) seal() ([]proto.Result, map[string]struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sealed = true
	seen := make(map[string]struct{}, len(a.seen))
	for k := range a.seen {
		seen[k] = struct{}{}
	}
	return a.results.Items(), seen
}
