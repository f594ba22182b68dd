// Package registry maps node names to dialable addresses.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/exp/slices"
)

var ErrUnknownNode = errors.New("unknown node")

// Resolver matches rpc.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Static resolves from a fixed table. Names missing from the table resolve
// to name:port when a default port is set.
type Static struct {
	mu    sync.RWMutex
	nodes map[string]string
	port  int
}

func NewStatic(nodes map[string]string, defaultPort int) *Static {
	s := &Static{port: defaultPort}
	s.Replace(nodes)
	return s
}

// Replace swaps the whole table, as on reconfigure.
func (s *Static) Replace(nodes map[string]string) {
	table := make(map[string]string, len(nodes))
	for name, addr := range nodes {
		table[name] = addr
	}
	s.mu.Lock()
	s.nodes = table
	s.mu.Unlock()
}

func (s *Static) Resolve(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	addr, ok := s.nodes[name]
	port := s.port
	s.mu.RUnlock()
	if ok {
		return withPort(addr, port), nil
	}
	if port > 0 {
		return net.JoinHostPort(name, strconv.Itoa(port)), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownNode, name)
}

// Names returns the table's node names in sorted order.
func (s *Static) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.nodes))
	for name := range s.nodes {
		names = append(names, name)
	}
	s.mu.RUnlock()
	slices.Sort(names)
	return names
}

// withPort appends port to addr when addr carries none.
func withPort(addr string, port int) string {
	if port <= 0 {
		return addr
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

// Chain tries each resolver in turn and returns the first address found.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, name string) (string, error) {
	var lastErr error
	for _, r := range c {
		if r == nil {
			continue
		}
		addr, err := r.Resolve(ctx, name)
		if err == nil {
			return addr, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	return "", lastErr
}
