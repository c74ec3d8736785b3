// Package metrics exports the live reclamation-core counters (freemem,
// needfree, deficit, zones over cap, desscan, nscan, pageout_nsec,
// po_share, push_list_size, pageout_pushcount, pageout_pushing) and a
// deadman trip counter as Prometheus gauges/counters. pageout_timeouts and
// pageout_stucktime are not exported.
//
// The named-collector-constructor registry is grounded on
// intel-cri-resource-manager/pkg/metrics's RegisterCollector/
// NewMetricGatherer pair: collectors register themselves by name at
// package init time, and a single pedantic registry gathers all of them.
// This module does not serve that registry over HTTP itself.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/biscuit-os/pageout/pageio"
	"github.com/biscuit-os/pageout/sched"
)

const namespace = "pageout"

// / InitCollector builds one prometheus.Collector, mirroring the
// / teacher's InitCollector signature.
type InitCollector func() (prometheus.Collector, error)

var builtin = make(map[string]InitCollector)

// / RegisterCollector adds a named collector constructor to the builtin
// / registry. It is an error to register the same name twice.
func RegisterCollector(name string, init InitCollector) error {
	if _, found := builtin[name]; found {
		return fmt.Errorf("metrics: collector %q already registered", name)
	}
	builtin[name] = init
	return nil
}

// / NewGatherer runs every registered collector constructor, registers any
// / extra live collectors the caller supplies (SchedCollector,
// / QueueCollector — these wrap live state pageoutcore constructs at
// / runtime, so they can't be package-init registered), and returns a
// / prometheus.Gatherer exposing all of them through one pedantic
// / registry, per the teacher's NewMetricGatherer.
func NewGatherer(extra ...prometheus.Collector) (prometheus.Gatherer, error) {
	reg := prometheus.NewPedanticRegistry()
	for name, init := range builtin {
		c, err := init()
		if err != nil {
			return nil, fmt.Errorf("metrics: collector %q: %w", name, err)
		}
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: registering %q: %w", name, err)
		}
	}
	for _, c := range extra {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: registering extra collector: %w", err)
		}
	}
	return reg, nil
}

// / SchedCollector adapts a live *sched.Scheduler + *sched.Tunables pair
// / into a prometheus.Collector, sampled on every scrape rather than
// / pushed, since every value it reports is already a point-in-time
// / atomic read.
type SchedCollector struct {
	Observed  *sched.Observed
	Tunables  *sched.Tunables
	Scheduler *sched.Scheduler

	freemem      *prometheus.Desc
	needfree     *prometheus.Desc
	deficit      *prometheus.Desc
	zonesOverCap *prometheus.Desc
	desscan      *prometheus.Desc
	nscan        *prometheus.Desc
	pageoutNsec  *prometheus.Desc
	poShare      *prometheus.Desc
}

// / NewSchedCollector builds a SchedCollector over the given live state.
func NewSchedCollector(scheduler *sched.Scheduler) *SchedCollector {
	return &SchedCollector{
		Observed:  scheduler.Observed,
		Tunables:  scheduler.Tunables,
		Scheduler: scheduler,
		freemem:      prometheus.NewDesc(namespace+"_freemem_pages", "Current free physical pages.", nil, nil),
		needfree:     prometheus.NewDesc(namespace+"_needfree_pages", "Pages needed to satisfy a pending reservation.", nil, nil),
		deficit:      prometheus.NewDesc(namespace+"_deficit_pages", "Pages of swap-backed reservation deficit.", nil, nil),
		zonesOverCap: prometheus.NewDesc(namespace+"_zones_over_cap", "Number of zones currently over their soft cap.", nil, nil),
		desscan:      prometheus.NewDesc(namespace+"_desscan_pages", "Pages each scanner should target this tick.", nil, nil),
		nscan:        prometheus.NewDesc(namespace+"_nscan_pages", "Pages examined by the scanner fleet last tick.", nil, nil),
		pageoutNsec:  prometheus.NewDesc(namespace+"_pageout_nsec", "CPU time budget for one scanner's cycle, in nanoseconds.", nil, nil),
		poShare:      prometheus.NewDesc(namespace+"_po_share", "Current page-sharing threshold (po_share).", nil, nil),
	}
}

// / Describe implements prometheus.Collector.
func (c *SchedCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.freemem
	ch <- c.needfree
	ch <- c.deficit
	ch <- c.zonesOverCap
	ch <- c.desscan
	ch <- c.nscan
	ch <- c.pageoutNsec
	ch <- c.poShare
}

// / Collect implements prometheus.Collector.
func (c *SchedCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.freemem, prometheus.GaugeValue, float64(c.Observed.Freemem.Load()))
	ch <- prometheus.MustNewConstMetric(c.needfree, prometheus.GaugeValue, float64(c.Observed.Needfree.Load()))
	ch <- prometheus.MustNewConstMetric(c.deficit, prometheus.GaugeValue, float64(c.Observed.Deficit.Load()))
	ch <- prometheus.MustNewConstMetric(c.zonesOverCap, prometheus.GaugeValue, float64(c.Observed.ZoneNumOverCap.Load()))
	ch <- prometheus.MustNewConstMetric(c.desscan, prometheus.GaugeValue, float64(c.Tunables.Desscan()))
	ch <- prometheus.MustNewConstMetric(c.nscan, prometheus.GaugeValue, float64(c.Scheduler.Nscan.Load()))
	ch <- prometheus.MustNewConstMetric(c.pageoutNsec, prometheus.GaugeValue, float64(c.Tunables.PageoutNsec()))
	ch <- prometheus.MustNewConstMetric(c.poShare, prometheus.GaugeValue, float64(c.Tunables.PoShare()))
}

// / QueueCollector adapts a live *pageio.Queue into Prometheus gauges for
// / the writeback pipeline's push_list_size and pageout_pushcount.
type QueueCollector struct {
	Queue *pageio.Queue

	pushListSize *prometheus.Desc
	pushCount    *prometheus.Desc
	pushing      *prometheus.Desc
}

// / NewQueueCollector builds a QueueCollector over q.
func NewQueueCollector(q *pageio.Queue) *QueueCollector {
	return &QueueCollector{
		Queue:        q,
		pushListSize: prometheus.NewDesc(namespace+"_push_list_size", "Requests currently pending writeback.", nil, nil),
		pushCount:    prometheus.NewDesc(namespace+"_pushcount_total", "Writeback requests pushed since startup.", nil, nil),
		pushing:      prometheus.NewDesc(namespace+"_pushing", "1 if the drainer is actively pushing a request.", nil, nil),
	}
}

// / Describe implements prometheus.Collector.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pushListSize
	ch <- c.pushCount
	ch <- c.pushing
}

// / Collect implements prometheus.Collector.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.pushListSize, prometheus.GaugeValue, float64(c.Queue.PushListSize()))
	ch <- prometheus.MustNewConstMetric(c.pushCount, prometheus.CounterValue, float64(c.Queue.PushCount()))
	pushing := 0.0
	if c.Queue.IsPushing() {
		pushing = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.pushing, prometheus.GaugeValue, pushing)
}

// / DeadmanTrips counts deadman panics. It is registered by this package's
// / init and incremented from the panic hook pageoutcore installs on the
// / Queue.
var DeadmanTrips = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "deadman_trips_total",
	Help:      "Number of times the writeback deadman watchdog tripped.",
})

func init() {
	_ = RegisterCollector("deadman_trips", func() (prometheus.Collector, error) {
		return DeadmanTrips, nil
	})
}
