package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncFanout("REQUEST_PING")
	m.IncBranch()
	m.IncBranch()
	m.IncFailover()
	m.IncExchange("ok")
	m.IncExchange("connection")
	m.IncRetry()
	m.IncRecvByType("REQUEST_PING")
	m.IncRecvByType("REQUEST_PING")
	m.IncDropByReason("auth")
	m.AddStreams(3)
	m.AddStreams(-1)
	m.ObserveFanout(FanoutRecord{ID: "f1", MsgType: "REQUEST_PING", Nodes: 10, Failed: 3}, 20*time.Millisecond)

	snap := m.Snapshot()
	if snap.Fanout.Started != 1 || snap.Fanout.Branches != 2 || snap.Fanout.Failovers != 1 {
		t.Fatalf("unexpected fanout counts: %+v", snap.Fanout)
	}
	if snap.Fanout.NodesOK != 7 || snap.Fanout.NodesFailed != 3 || snap.Fanout.Incomplete != 1 {
		t.Fatalf("unexpected node counts: %+v", snap.Fanout)
	}
	if snap.Exchange.Sent != 2 || snap.Exchange.Errors != 1 || snap.Exchange.Retries != 1 {
		t.Fatalf("unexpected exchange counts: %+v", snap.Exchange)
	}
	if snap.RecvByType["REQUEST_PING"] != 2 {
		t.Fatalf("expected recv_by_type=2, got %d", snap.RecvByType["REQUEST_PING"])
	}
	if snap.DropByReason["auth"] != 1 {
		t.Fatalf("expected drop_by_reason auth=1, got %d", snap.DropByReason["auth"])
	}
	if snap.CurrentStreams != 2 {
		t.Fatalf("expected streams=2, got %d", snap.CurrentStreams)
	}
	if len(snap.Recent) != 1 || snap.Recent[0].DurationMS != 20 {
		t.Fatalf("unexpected recent: %+v", snap.Recent)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncFanout("x")
	m.IncExchange("ok")
	m.ObserveFanout(FanoutRecord{}, time.Second)
	m.AddStreams(1)
}

func TestFanoutRecentBounded(t *testing.T) {
	r := NewFanoutRecent(2)
	r.Add(FanoutRecord{ID: "a"})
	r.Add(FanoutRecord{ID: "b"})
	r.Add(FanoutRecord{ID: "c"})
	got := r.List()
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Fatalf("unexpected ring contents: %+v", got)
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.IncFanout("REQUEST_PING")
	path := filepath.Join(t.TempDir(), "snap.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("WriteSnapshot failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Fanout.Started != 1 {
		t.Fatalf("expected started=1, got %d", snap.Fanout.Started)
	}
	if err := m.WriteSnapshot(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.IncFanout("REQUEST_NODE_STATUS")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `slurmgo_fanouts_total{msg_type="REQUEST_NODE_STATUS"} 1`) {
		t.Fatalf("counter missing from exposition:\n%s", rec.Body.String())
	}
}
