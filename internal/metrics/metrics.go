package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "slurmgo"

// FanoutRecord summarizes one finished fanout or forward.
type FanoutRecord struct {
	ID         string    `json:"id"`
	MsgType    string    `json:"msg_type"`
	Nodes      int       `json:"nodes"`
	Failed     int       `json:"failed"`
	Complete   bool      `json:"complete"`
	DurationMS int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

type Snapshot struct {
	GeneratedAt    time.Time         `json:"generated_at"`
	Fanout         FanoutMetrics     `json:"fanout"`
	Exchange       ExchangeMetrics   `json:"exchange"`
	RecvByType     map[string]uint64 `json:"recv_by_type"`
	DropByReason   map[string]uint64 `json:"drop_by_reason"`
	CurrentStreams int64             `json:"current_streams"`
	Recent         []FanoutRecord    `json:"recent"`
}

type FanoutMetrics struct {
	Started     uint64 `json:"started"`
	Branches    uint64 `json:"branches"`
	NodesOK     uint64 `json:"nodes_ok"`
	NodesFailed uint64 `json:"nodes_failed"`
	Failovers   uint64 `json:"failovers"`
	Incomplete  uint64 `json:"incomplete"`
}

type ExchangeMetrics struct {
	Sent    uint64 `json:"sent"`
	Retries uint64 `json:"retries"`
	Errors  uint64 `json:"errors"`
}

// Metrics keeps atomic counters for the JSON snapshot and mirrors them into
// a private prometheus registry.
type Metrics struct {
	fanoutStarted     atomic.Uint64
	fanoutBranches    atomic.Uint64
	fanoutNodesOK     atomic.Uint64
	fanoutNodesFailed atomic.Uint64
	fanoutFailovers   atomic.Uint64
	fanoutIncomplete  atomic.Uint64
	exchangeSent      atomic.Uint64
	exchangeRetries   atomic.Uint64
	exchangeErrors    atomic.Uint64
	currentStreams    atomic.Int64

	mu           sync.Mutex
	recvByType   map[string]uint64
	dropByReason map[string]uint64

	recent *FanoutRecent

	registry        *prometheus.Registry
	promFanouts     *prometheus.CounterVec
	promNodes       *prometheus.CounterVec
	promDuration    *prometheus.HistogramVec
	promBranches    prometheus.Counter
	promFailovers   prometheus.Counter
	promExchanges   *prometheus.CounterVec
	promRetries     prometheus.Counter
	promRecv        *prometheus.CounterVec
	promDrops       *prometheus.CounterVec
	promStreams     prometheus.Gauge
	promWorkersBusy prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		recent:       NewFanoutRecent(64),
		registry:     prometheus.NewRegistry(),
		promFanouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanouts_total",
			Help:      "Fanouts and forwards started, by message type.",
		}, []string{"msg_type"}),
		promNodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_node_results_total",
			Help:      "Per-node results collected by fanouts.",
		}, []string{"outcome"}),
		promDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_duration_seconds",
			Help:      "Time from dispatch to aggregated result.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"msg_type"}),
		promBranches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_branches_total",
			Help:      "Branch workers started.",
		}),
		promFailovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_failovers_total",
			Help:      "Branch heads replaced after a connect failure.",
		}),
		promExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Single-hop exchanges, by result code.",
		}, []string{"result"}),
		promRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchange_retries_total",
			Help:      "Connect or send retries.",
		}),
		promRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received by the daemon, by type.",
		}, []string{"msg_type"}),
		promDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound messages dropped, by reason.",
		}, []string{"reason"}),
		promStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_streams",
			Help:      "Inbound streams being served.",
		}),
		promWorkersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "forward_workers_busy",
			Help:      "Branch workers holding a worker slot.",
		}),
	}
	m.registry.MustRegister(
		m.promFanouts, m.promNodes, m.promDuration, m.promBranches, m.promFailovers,
		m.promExchanges, m.promRetries, m.promRecv, m.promDrops, m.promStreams, m.promWorkersBusy,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry. Mount it on /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Recent() *FanoutRecent {
	return m.recent
}

func (m *Metrics) IncFanout(msgType string) {
	if m == nil {
		return
	}
	m.fanoutStarted.Add(1)
	m.promFanouts.WithLabelValues(msgType).Inc()
}

func (m *Metrics) IncBranch() {
	if m == nil {
		return
	}
	m.fanoutBranches.Add(1)
	m.promBranches.Inc()
}

func (m *Metrics) IncFailover() {
	if m == nil {
		return
	}
	m.fanoutFailovers.Add(1)
	m.promFailovers.Inc()
}

func (m *Metrics) AddWorkersBusy(delta int) {
	if m == nil {
		return
	}
	m.promWorkersBusy.Add(float64(delta))
}

// ObserveFanout records the outcome of a finished fanout.
func (m *Metrics) ObserveFanout(rec FanoutRecord, d time.Duration) {
	if m == nil {
		return
	}
	ok := rec.Nodes - rec.Failed
	if ok > 0 {
		m.fanoutNodesOK.Add(uint64(ok))
		m.promNodes.WithLabelValues("ok").Add(float64(ok))
	}
	if rec.Failed > 0 {
		m.fanoutNodesFailed.Add(uint64(rec.Failed))
		m.promNodes.WithLabelValues("failed").Add(float64(rec.Failed))
	}
	if !rec.Complete {
		m.fanoutIncomplete.Add(1)
	}
	m.promDuration.WithLabelValues(rec.MsgType).Observe(d.Seconds())
	rec.DurationMS = d.Milliseconds()
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	}
	m.recent.Add(rec)
}

func (m *Metrics) IncExchange(result string) {
	if m == nil {
		return
	}
	m.exchangeSent.Add(1)
	if result != "ok" {
		m.exchangeErrors.Add(1)
	}
	m.promExchanges.WithLabelValues(result).Inc()
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.exchangeRetries.Add(1)
	m.promRetries.Inc()
}

func (m *Metrics) IncRecvByType(msgType string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.recvByType[msgType]++
	m.mu.Unlock()
	m.promRecv.WithLabelValues(msgType).Inc()
}

func (m *Metrics) IncDropByReason(reason string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
	m.promDrops.WithLabelValues(reason).Inc()
}

func (m *Metrics) AddStreams(delta int64) {
	if m == nil {
		return
	}
	m.currentStreams.Add(delta)
	m.promStreams.Add(float64(delta))
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	recv := make(map[string]uint64, len(m.recvByType))
	for k, v := range m.recvByType {
		recv[k] = v
	}
	drops := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drops[k] = v
	}
	m.mu.Unlock()
	recent := []FanoutRecord{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Fanout: FanoutMetrics{
			Started:     m.fanoutStarted.Load(),
			Branches:    m.fanoutBranches.Load(),
			NodesOK:     m.fanoutNodesOK.Load(),
			NodesFailed: m.fanoutNodesFailed.Load(),
			Failovers:   m.fanoutFailovers.Load(),
			Incomplete:  m.fanoutIncomplete.Load(),
		},
		Exchange: ExchangeMetrics{
			Sent:    m.exchangeSent.Load(),
			Retries: m.exchangeRetries.Load(),
			Errors:  m.exchangeErrors.Load(),
		},
		RecvByType:     recv,
		DropByReason:   drops,
		CurrentStreams: m.currentStreams.Load(),
		Recent:         recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// FanoutRecent is a bounded ring of the latest fanout records.
type FanoutRecent struct {
	mu   sync.Mutex
	cap  int
	list []FanoutRecord
}

func NewFanoutRecent(capacity int) *FanoutRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &FanoutRecent{cap: capacity}
}

func (r *FanoutRecent) Add(rec FanoutRecord) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = rec
		return
	}
	r.list = append(r.list, rec)
}

func (r *FanoutRecent) List() []FanoutRecord {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FanoutRecord, len(r.list))
	copy(out, r.list)
	return out
}
