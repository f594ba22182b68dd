package network

import "testing"

func TestIPLimiterConnCap(t *testing.T) {
	lim := newIPLimiter(1, 0)
	if !lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected first conn acquire")
	}
	if lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected conn cap")
	}
	lim.releaseConn("1.2.3.4")
	if !lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
}

func TestIPLimiterStreamCap(t *testing.T) {
	lim := newIPLimiter(0, 2)
	if !lim.acquireStream("1.2.3.4") || !lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected stream acquire")
	}
	if lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected stream cap")
	}
	lim.releaseStream("1.2.3.4")
	if !lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
}

func TestIPLimiterSeparateHosts(t *testing.T) {
	lim := newIPLimiter(1, 1)
	if !lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected first conn")
	}
	if !lim.acquireConn("2.3.4.5") {
		t.Fatalf("expected separate host conn")
	}
	if !lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected stream acquire")
	}
	if !lim.acquireStream("2.3.4.5") {
		t.Fatalf("expected separate host stream")
	}
}

func TestIPLimiterUnlimited(t *testing.T) {
	lim := newIPLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !lim.acquireConn("h") || !lim.acquireStream("h") {
			t.Fatalf("expected no cap")
		}
	}
	lim.releaseConn("h")
	if len(lim.connCounts) != 0 {
		t.Fatalf("disabled cap should not track counts")
	}
}
