// Package metrics implements the Metrics Sampler: a periodic tick that
// reads per-process OS counters via gopsutil, maintains a rolling window
// per process, computes per-workspace health-score aggregates, and
// exports everything through Prometheus collectors.
package metrics

import (
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/wezterm-parallel/core/internal/process"
)

const rollingWindow = 60

var (
	cpuGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wptld",
		Subsystem: "process",
		Name:      "cpu_percent",
		Help:      "Most recent CPU utilization sample per process.",
	}, []string{"workspace", "process_id"})

	rssGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wptld",
		Subsystem: "process",
		Name:      "rss_bytes",
		Help:      "Most recent resident set size sample per process.",
	}, []string{"workspace", "process_id"})

	workspaceHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wptld",
		Subsystem: "workspace",
		Name:      "health_score",
		Help:      "Aggregate health score in [0,100] for a workspace.",
	}, []string{"workspace"})

	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wptld",
		Subsystem: "metrics",
		Name:      "tick_duration_seconds",
		Help:      "Wall time spent computing one sampler tick.",
		Buckets:   prometheus.DefBuckets,
	})

	registerOnce sync.Once
)

// Register installs the sampler's collectors into r. Safe to call more
// than once; subsequent calls are no-ops.
func Register(r prometheus.Registerer) error {
	var regErr error
	registerOnce.Do(func() {
		for _, c := range []prometheus.Collector{cpuGauge, rssGauge, workspaceHealth, tickDuration} {
			if err := r.Register(c); err != nil {
				var are prometheus.AlreadyRegisteredError
				if errors.As(err, &are) {
					continue
				}
				regErr = err
				return
			}
		}
	})
	return regErr
}

// Handler exposes the default Prometheus gatherer over HTTP.
func Handler() http.Handler { return promhttp.Handler() }

// sample is one rolling-window entry for a process.
type sample struct {
	cpuPercent float64
	rssBytes   uint64
	at         time.Time
}

type processWindow struct {
	samples []sample
}

func (w *processWindow) push(s sample) {
	w.samples = append(w.samples, s)
	if len(w.samples) > rollingWindow {
		w.samples = w.samples[len(w.samples)-rollingWindow:]
	}
}

// Lister is the subset of the Supervisor the sampler depends on.
type Lister interface {
	List(workspace string) []process.Record
	UpdateMetrics(id string, cpuPercent float64, rssBytes uint64)
}

// WorkspaceAggregate is published to the broadcaster each tick.
type WorkspaceAggregate struct {
	Workspace         string    `json:"workspace"`
	TotalCPUPercent   float64   `json:"total_cpu_percent"`
	TotalRSSBytes     uint64    `json:"total_rss_bytes"`
	RunningCount      int       `json:"running_count"`
	UnresponsiveCount int       `json:"unresponsive_count"`
	FailedCount       int       `json:"failed_count"`
	HealthScore       int       `json:"health_score"`
	SampledAt         time.Time `json:"sampled_at"`
}

// Publisher receives each tick's per-workspace aggregates, typically the
// Dashboard Broadcaster.
type Publisher interface {
	PublishMetrics(aggregates []WorkspaceAggregate)
}

// Sampler runs the periodic sampling tick.
type Sampler struct {
	lister    Lister
	publisher Publisher
	interval  time.Duration

	mu      sync.Mutex
	windows map[string]*processWindow
	latest  map[string]WorkspaceAggregate

	stop chan struct{}
	done chan struct{}
}

// New constructs a Sampler. publisher may be nil to disable broadcaster
// delivery (Prometheus export still works via Handler).
func New(lister Lister, publisher Publisher, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sampler{
		lister:    lister,
		publisher: publisher,
		interval:  interval,
		windows:   make(map[string]*processWindow),
		latest:    make(map[string]WorkspaceAggregate),
	}
}

// SystemSnapshot returns every workspace's most recent aggregate.
func (s *Sampler) SystemSnapshot() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkspaceAggregate, 0, len(s.latest))
	for _, a := range s.latest {
		out = append(out, a)
	}
	return out
}

// WorkspaceSnapshot returns one workspace's most recent aggregate.
func (s *Sampler) WorkspaceSnapshot(name string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.latest[name]
	return a, ok
}

// Start launches the background tick loop. Call Stop to end it.
func (s *Sampler) Start() {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run()
}

// Stop ends the tick loop and waits for the current tick to finish.
func (s *Sampler) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
}

func (s *Sampler) run() {
	defer close(s.done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.tick()
		}
	}
}

func (s *Sampler) tick() {
	start := time.Now()
	defer func() { tickDuration.Observe(time.Since(start).Seconds()) }()

	records := s.lister.List("")
	byWorkspace := make(map[string][]process.Record, len(records))
	for _, r := range records {
		byWorkspace[r.Workspace] = append(byWorkspace[r.Workspace], r)
	}

	s.mu.Lock()
	for _, r := range records {
		if r.PID <= 0 {
			continue
		}
		cpuPct, rss, err := readProcCounters(r.PID)
		if err != nil {
			continue
		}
		w, ok := s.windows[r.ID]
		if !ok {
			w = &processWindow{}
			s.windows[r.ID] = w
		}
		w.push(sample{cpuPercent: cpuPct, rssBytes: rss, at: start})
		s.lister.UpdateMetrics(r.ID, cpuPct, rss)
		cpuGauge.WithLabelValues(r.Workspace, r.ID).Set(cpuPct)
		rssGauge.WithLabelValues(r.Workspace, r.ID).Set(float64(rss))
	}
	// Drop windows for processes no longer listed, so memory doesn't grow
	// unbounded across a long-running daemon's process churn.
	live := make(map[string]struct{}, len(records))
	for _, r := range records {
		live[r.ID] = struct{}{}
	}
	for id := range s.windows {
		if _, ok := live[id]; !ok {
			delete(s.windows, id)
		}
	}
	s.mu.Unlock()

	workspaces := make([]string, 0, len(byWorkspace))
	for ws := range byWorkspace {
		workspaces = append(workspaces, ws)
	}
	sort.Strings(workspaces)

	aggregates := make([]WorkspaceAggregate, 0, len(workspaces))
	for _, ws := range workspaces {
		agg := aggregate(ws, byWorkspace[ws], start)
		workspaceHealth.WithLabelValues(ws).Set(float64(agg.HealthScore))
		aggregates = append(aggregates, agg)
	}

	s.mu.Lock()
	for _, agg := range aggregates {
		s.latest[agg.Workspace] = agg
	}
	s.mu.Unlock()

	if s.publisher != nil && len(aggregates) > 0 {
		s.publisher.PublishMetrics(aggregates)
	}
}

func aggregate(workspace string, records []process.Record, at time.Time) WorkspaceAggregate {
	agg := WorkspaceAggregate{Workspace: workspace, SampledAt: at}
	for _, r := range records {
		agg.TotalCPUPercent += r.Metrics.CPUPercent
		agg.TotalRSSBytes += r.Metrics.RSSBytes
		switch r.Status {
		case process.StatusUnresponsive:
			agg.UnresponsiveCount++
		case process.StatusFailed:
			agg.FailedCount++
		case process.StatusRunning, process.StatusBusy, process.StatusIdle:
			agg.RunningCount++
		}
	}
	score := 100 - 20*agg.UnresponsiveCount - 50*agg.FailedCount
	if score < 0 {
		score = 0
	} else if score > 100 {
		score = 100
	}
	agg.HealthScore = score
	return agg
}

// readProcCounters reads a process's current CPU percent and RSS via
// gopsutil, the same library the teacher uses for its own per-process
// metrics collector.
func readProcCounters(pid int) (cpuPercent float64, rssBytes uint64, err error) {
	proc, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0, 0, err
	}
	cpuPercent, err = proc.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	return cpuPercent, memInfo.RSS, nil
}
