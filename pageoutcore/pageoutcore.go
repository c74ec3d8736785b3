// Package pageoutcore wires pgring, backend, zone, checkpage, pageio,
// threshold, sched, scanner, config, metrics, and log into the single
// pageout() entry point spec.md §6 names: one call that boots the
// threshold configurator, starts the scheduler's 4 Hz tick, the scanner
// fleet, the writeback drainer, and the 1 Hz deadman, and runs until its
// context is cancelled.
package pageoutcore

import (
	"context"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/biscuit-os/pageout/backend"
	"github.com/biscuit-os/pageout/checkpage"
	"github.com/biscuit-os/pageout/config"
	"github.com/biscuit-os/pageout/log"
	"github.com/biscuit-os/pageout/metrics"
	"github.com/biscuit-os/pageout/pageio"
	"github.com/biscuit-os/pageout/pgring"
	"github.com/biscuit-os/pageout/scanner"
	"github.com/biscuit-os/pageout/sched"
	"github.com/biscuit-os/pageout/threshold"
	"github.com/biscuit-os/pageout/zone"
)

// / Core bundles every collaborator pageout() needs, assembled once at
// / startup and then driven by Run.
type Core struct {
	Ring     *pgring.Ring
	Zones    *zone.Accounts
	Queue    *pageio.Queue
	Checker  *checkpage.Checker
	Scanners *scanner.Fleet
	Sched    *sched.Scheduler
	Log      log.Logger

	// PerCPUStats is the checkpage.Stats sink; New always installs its own
	// CounterStats, and Options has no field to replace it.
	PerCPUStats *CounterStats
}

// / CounterStats is the narrow checkpage.Stats sink as four independent
// / atomic counters, grounded on the same per-CPU-counter shape
// / biscuit/src/accnt/accnt.go uses for its own bookkeeping (plain atomics,
// / no lock, summed on read).
type CounterStats struct {
	dfree    atomic.Int64
	fsfree   atomic.Int64
	execfree atomic.Int64
	anonfree atomic.Int64
}

func (s *CounterStats) Dfree()    { s.dfree.Add(1) }
func (s *CounterStats) Fsfree()   { s.fsfree.Add(1) }
func (s *CounterStats) Execfree() { s.execfree.Add(1) }
func (s *CounterStats) Anonfree() { s.anonfree.Add(1) }

// / Snapshot returns the four counters' current values.
func (s *CounterStats) Snapshot() (dfree, fsfree, execfree, anonfree int64) {
	return s.dfree.Load(), s.fsfree.Load(), s.execfree.Load(), s.anonfree.Load()
}

// / Options parameterizes New: the host's simulated page count, zone
// / count, operator tunables, and collaborators that are genuinely
// / out-of-scope for this core (reaper, backing store).
type Options struct {
	TotalPages int
	NumZones   int
	Tunables   config.Tunables
	Reaper     sched.Reaper
	PutPage    backend.PutPageFunc
	Log        log.Logger
}

// / New assembles a Core from Options, running threshold.Configurator's
// / first (non-recalculating) Setup pass to seed initial thresholds,
// / matching spec.md §4.1's boot sequence.
func New(opts Options) *Core {
	if opts.TotalPages <= 0 {
		opts.TotalPages = 1
	}
	if opts.NumZones <= 0 {
		opts.NumZones = 1
	}
	if opts.Log == nil {
		opts.Log = log.Nop()
	}

	ring := pgring.NewRing(opts.TotalPages)
	zones := zone.NewAccounts(opts.NumZones)
	stats := &CounterStats{}

	cfg := threshold.NewConfigurator(opts.Tunables.MaxPScanThreads)
	t := cfg.Setup(opts.Tunables.Threshold(), int64(opts.TotalPages), false)

	tunables := sched.NewTunables(opts.Tunables.MinPercentCPU, opts.Tunables.MaxPercentCPU, opts.Tunables.ZonePageoutNsec)
	tunables.SetThresholds(t)
	if !opts.Tunables.Dopageout {
		tunables.SetDopageout(false)
	}

	observed := &sched.Observed{}

	queueCfg := pageio.Config{
		Capacity:       opts.Tunables.AsyncListSize,
		DeadmanSeconds: opts.Tunables.PageoutDeadmanSecs,
		Freemem:        func() int64 { return observed.Freemem.Load() },
		MaxPushes:      tunables.MaxPushes,
		PutPage:        opts.PutPage,
	}
	queue := pageio.NewQueue(queueCfg)
	queue.SetPanicHook(func(r pageio.DeadmanReport) {
		metrics.DeadmanTrips.Inc()
		opts.Log.Fatalf("%s", r.String())
	})

	checker := &checkpage.Checker{
		Zones:   zones,
		Queue:   queue,
		Stats:   stats,
		PoShare: tunables.PoShare,
	}

	fleet := scanner.NewFleet(ring, checker, tunables, observed, t.DesPageScanners)
	fleet.Config = cfg
	fleet.TotalPages = int64(opts.TotalPages)

	scheduler := &sched.Scheduler{
		Observed:   observed,
		Tunables:   tunables,
		Config:     cfg,
		Scanners:   fleet,
		Drainer:    queue,
		Reaper:     opts.Reaper,
		TotalPages: int64(opts.TotalPages),
		CalibrationDone: fleet.Calibration.Done,
	}
	fleet.Nscan = &scheduler.Nscan

	return &Core{
		Ring:        ring,
		Zones:       zones,
		Queue:       queue,
		Checker:     checker,
		Scanners:    fleet,
		Sched:       scheduler,
		Log:         opts.Log,
		PerCPUStats: stats,
	}
}

// / Run starts the scanner fleet, the writeback drainer, the deadman
// / ticker, and the scheduler's self-rescheduling tick, then blocks until
// / ctx is cancelled. This is spec.md §6's pageout() entry point.
func (c *Core) Run(ctx context.Context) {
	c.Log.Infof("pageout core starting: %d pages, des_page_scanners=%d", c.Ring.Len(), c.Scanners.NPageScanners())

	c.Scanners.Start(ctx)
	go c.Queue.Run(ctx)
	go pageio.DeadmanTicker(ctx, c.Queue)

	c.Sched.Run(ctx)

	if err := c.Scanners.Wait(); err != nil {
		c.Log.Errorf("scanner fleet exited with error: %v", err)
	}
	c.Log.Infof("pageout core stopped")
}

// / Metrics returns a Prometheus gatherer exposing every registered
// / builtin collector plus this Core's live scheduler and queue state.
func (c *Core) Metrics() (prometheus.Gatherer, error) {
	return metrics.NewGatherer(
		metrics.NewSchedCollector(c.Sched),
		metrics.NewQueueCollector(c.Queue),
	)
}
