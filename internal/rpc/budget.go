package rpc

import "time"

// hopOverhead is added per tree level on top of the per-hop timeout.
const hopOverhead = time.Second

type Budget struct {
	// Hop bounds a single connect, send or leaf receive.
	Hop time.Duration
	// Wait bounds the whole subtree below a sender of cnt nodes.
	Wait  time.Duration
	Steps int
}

// TimeoutBudget sizes the wait for a fanout over cnt nodes with the given
// tree width and per-hop timeout.
func TimeoutBudget(cnt, width int, timeout time.Duration) Budget {
	if width <= 0 {
		width = DefaultTreeWidth
	}
	if timeout <= 0 {
		timeout = DefaultMsgTimeout
	}
	if cnt < 0 {
		cnt = 0
	}
	steps := (cnt + 1) / width
	return Budget{
		Hop:   timeout,
		Wait:  hopOverhead*time.Duration(steps) + timeout*time.Duration(steps+1),
		Steps: steps,
	}
}

// levels counts the forwarding hops below a head whose subtree holds cnt
// nodes.
func levels(cnt, width int) int {
	n := 0
	for cnt > 0 {
		n++
		deepest := 0
		for _, sp := range Span(cnt, width) {
			deepest = max(deepest, sp)
		}
		cnt = deepest
	}
	return n
}

// readWait bounds how long a sender reads for the reply of a branch head
// with rest nodes below it. It is hopOverhead longer than the head's own
// collectWait, so a head whose subtree times out still answers in time.
func readWait(rest, width int, hop time.Duration) time.Duration {
	return TimeoutBudget(rest, width, hop).Wait + hopOverhead*time.Duration(levels(rest, width))
}

// collectWait bounds how long a node holding cnt nodes below it waits for
// their results before it replies.
func collectWait(cnt, width int, hop time.Duration) time.Duration {
	w := readWait(cnt, width, hop)
	if cnt > 0 {
		w -= hopOverhead
	}
	return w
}
