package network

import (
	"sync"
	"time"
)

const limiterLogInterval = 10 * time.Second

// ipLimiter caps concurrent connections and streams per remote host. A
// non-positive cap disables that check.
type ipLimiter struct {
	mu           sync.Mutex
	maxConns     int
	maxStreams   int
	connCounts   map[string]int
	streamCounts map[string]int
}

func newIPLimiter(maxConns, maxStreams int) *ipLimiter {
	return &ipLimiter{
		maxConns:     maxConns,
		maxStreams:   maxStreams,
		connCounts:   make(map[string]int),
		streamCounts: make(map[string]int),
	}
}

func (l *ipLimiter) acquireConn(host string) bool {
	return l.acquire(l.connCounts, l.maxConns, host)
}

func (l *ipLimiter) releaseConn(host string) {
	l.release(l.connCounts, l.maxConns, host)
}

func (l *ipLimiter) acquireStream(host string) bool {
	return l.acquire(l.streamCounts, l.maxStreams, host)
}

func (l *ipLimiter) releaseStream(host string) {
	l.release(l.streamCounts, l.maxStreams, host)
}

func (l *ipLimiter) acquire(counts map[string]int, max int, host string) bool {
	if max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if counts[host] >= max {
		return false
	}
	counts[host]++
	return true
}

func (l *ipLimiter) release(counts map[string]int, max int, host string) {
	if max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if counts[host] <= 1 {
		delete(counts, host)
		return
	}
	counts[host]--
}
