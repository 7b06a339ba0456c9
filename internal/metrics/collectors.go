// Package metrics reports the in-process state this server already holds
// as Prometheus metrics: connection counters, the job list/shaper, and the
// FastCGI pool's process table.
package metrics

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lighttgo/lighttgo/internal/fastcgi"
	"github.com/lighttgo/lighttgo/internal/joblist"
)

const namespace = "lighttgod"

// ServerStats holds the process-wide counters the event loop updates as
// it runs. Plain int64 fields accessed through atomic add/load, the way
// a single-threaded-by-design core (spec §4 "Scheduling model") still
// wants a lock-free read path for a concurrently-scraped metrics endpoint.
type ServerStats struct {
	ActiveConnections   int64
	AcceptedConnections int64
	BytesRead           int64
	BytesWritten         int64
}

func (s *ServerStats) IncActive()             { atomic.AddInt64(&s.ActiveConnections, 1) }
func (s *ServerStats) DecActive()             { atomic.AddInt64(&s.ActiveConnections, -1) }
func (s *ServerStats) IncAccepted()           { atomic.AddInt64(&s.AcceptedConnections, 1) }
func (s *ServerStats) AddBytesRead(n int64)   { atomic.AddInt64(&s.BytesRead, n) }
func (s *ServerStats) AddBytesWritten(n int64) { atomic.AddInt64(&s.BytesWritten, n) }

// Collector implements prometheus.Collector: a fixed set of *prometheus.Desc
// built once in NewCollector, with Collect fanning out over live in-process
// state rather than a remote scrape round-trip.
type Collector struct {
	Stats  *ServerStats
	Pool   *fastcgi.Pool
	Jobs   *joblist.List
	Shaper *joblist.Shaper

	activeConnections   *prometheus.Desc
	acceptedConnections *prometheus.Desc
	bytesRead           *prometheus.Desc
	bytesWritten        *prometheus.Desc
	jobListLength       *prometheus.Desc
	fcgiHostLoad        *prometheus.Desc
	fcgiProcState       *prometheus.Desc
	fcgiProcLoad        *prometheus.Desc
}

// NewCollector builds a Collector reporting on stats/pool/jobs/shaper;
// any of pool, jobs, shaper may be nil (e.g. in a test harness that
// only exercises connection counters), in which case Collect simply
// skips the metrics that source would have produced.
func NewCollector(stats *ServerStats, pool *fastcgi.Pool, jobs *joblist.List, shaper *joblist.Shaper) *Collector {
	return &Collector{
		Stats:  stats,
		Pool:   pool,
		Jobs:   jobs,
		Shaper: shaper,

		activeConnections: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_connections"),
			"Connections currently open.", nil, nil),
		acceptedConnections: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "accepted_connections_total"),
			"Connections accepted since start.", nil, nil),
		bytesRead: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "bytes_read_total"),
			"Bytes read from clients since start.", nil, nil),
		bytesWritten: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "bytes_written_total"),
			"Bytes written to clients since start.", nil, nil),
		jobListLength: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "joblist_length"),
			"Connections pending another Step call with no network event.", nil, nil),
		fcgiHostLoad: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "fastcgi", "host_load"),
			"Total in-flight requests across a FastCGI host's processes.",
			[]string{"host"}, nil),
		fcgiProcState: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "fastcgi", "process_state"),
			"Number of FastCGI processes for a host in a given state.",
			[]string{"host", "state"}, nil),
		fcgiProcLoad: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "fastcgi", "process_load"),
			"In-flight requests on one FastCGI process.",
			[]string{"host", "slot"}, nil),
	}
}

// Describe exposes the metric descriptions to Prometheus.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeConnections
	ch <- c.acceptedConnections
	ch <- c.bytesRead
	ch <- c.bytesWritten
	ch <- c.jobListLength
	ch <- c.fcgiHostLoad
	ch <- c.fcgiProcState
	ch <- c.fcgiProcLoad
}

// Collect reads the live counters/pool state and emits them. There is no
// scrape round-trip or error to report: every value is already in process
// memory.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.activeConnections, prometheus.GaugeValue, float64(atomic.LoadInt64(&c.Stats.ActiveConnections)))
	ch <- prometheus.MustNewConstMetric(c.acceptedConnections, prometheus.CounterValue, float64(atomic.LoadInt64(&c.Stats.AcceptedConnections)))
	ch <- prometheus.MustNewConstMetric(c.bytesRead, prometheus.CounterValue, float64(atomic.LoadInt64(&c.Stats.BytesRead)))
	ch <- prometheus.MustNewConstMetric(c.bytesWritten, prometheus.CounterValue, float64(atomic.LoadInt64(&c.Stats.BytesWritten)))

	if c.Jobs != nil {
		ch <- prometheus.MustNewConstMetric(c.jobListLength, prometheus.GaugeValue, float64(c.Jobs.Len()))
	}

	if c.Pool == nil {
		return
	}
	for _, h := range c.Pool.AllHosts() {
		procs := h.ActiveProcs()

		states := map[string]int{
			"UNSET": 0, "RUNNING": 0, "OVERLOADED": 0,
			"DIED_WAIT_FOR_PID": 0, "DIED": 0, "KILLED": 0,
		}
		total := 0
		for _, p := range procs {
			states[p.State.String()]++
			total += p.Load
			ch <- prometheus.MustNewConstMetric(c.fcgiProcLoad, prometheus.GaugeValue, float64(p.Load), h.Name, strconv.Itoa(p.Slot))
		}
		ch <- prometheus.MustNewConstMetric(c.fcgiHostLoad, prometheus.GaugeValue, float64(total), h.Name)
		for state, n := range states {
			ch <- prometheus.MustNewConstMetric(c.fcgiProcState, prometheus.GaugeValue, float64(n), h.Name, state)
		}
	}
}

var _ prometheus.Collector = (*Collector)(nil)
