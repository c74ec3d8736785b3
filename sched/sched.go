// Package sched implements spec.md §4.2's schedpaging: the 4 Hz tick that
// evaluates free-memory pressure, sets desscan and pageout_nsec, wakes
// scanners, reaps caches, and rebalances the scanner count.
//
// The self-rescheduling one-shot timer (rather than a free-running
// time.Ticker) is grounded on the *shape* of biscuit's own
// src/time/sleep.go timer primitives: a single callback that, on each
// firing, explicitly arms the next one. We use time.AfterFunc to get that
// shape on a hosted runtime instead of the freestanding kernel's own timer
// wheel, which src/time/sleep.go talks to directly and cannot run here.
package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/biscuit-os/pageout/threshold"
)

// / SchedpagingHz is spec.md §4.2's fixed 4 Hz tick rate.
const SchedpagingHz = 4

// / WakeReason is the scheduler's step-8 decision: why (or whether) the
// / scanner fleet should run this tick.
type WakeReason int

const (
	// / WakeNone means no scanning is required this tick.
	WakeNone WakeReason = iota
	// / WakeLowMemory means freemem has dropped below lotsfree+needfree,
	// / or startup calibration is still pending.
	WakeLowMemory
	// / WakeZoneOverCap means no zone memory pressure globally, but a
	// / zone has crossed its soft cap.
	WakeZoneOverCap
)

// / Observed is the live, externally-owned state schedpaging reads each
// / tick: freemem, needfree, and deficit (spec.md §3), all single-word
// / counters updated elsewhere and read here as atomics. Ordering across
// / the three reads is not synchronized — spec.md §4.2's "ordering
// / contract" explicitly tolerates a stale combined snapshot.
type Observed struct {
	Freemem        atomic.Int64
	Needfree       atomic.Int64
	Deficit        atomic.Int64
	ZoneNumOverCap atomic.Int32
}

// / Reaper is the cache-reaping collaborator (kmem_reap/seg_preap/
// / kcage_cageout_wakeup), out of this core's scope per spec.md §1 but
// / consumed narrowly here.
type Reaper interface {
	KmemReap()
	SegPreap()
	CageoutWakeup()
	KmemAvail() bool
}

// / ScannerControl is the narrow slice of the scanner fleet (package
// / scanner) schedpaging drives: waking all scanners, and converging the
// / live scanner count toward a target.
type ScannerControl interface {
	WakeAll()
	SetDesired(n int)
}

// / Drainer is the narrow slice of the writeback pipeline (package
// / pageio) the idle branch pokes.
type Drainer interface {
	Wake()
}

// / Tunables is the live (mutable, atomically-swappable) set of scan
// / parameters schedpaging both reads and writes. PoShare adapts here and
// / in the scanner package; everything else is written only by
// / schedpaging and threshold.Configurator.
type Tunables struct {
	mu sync.RWMutex
	t  threshold.Thresholds

	desscan       atomic.Int64
	pageoutNsec   atomic.Int64
	poShare       atomic.Int32
	desPageScans  atomic.Int32
	zonesOver     atomic.Bool
	dopageout     atomic.Bool

	minPercentCPU    int64
	maxPercentCPU    int64
	minPageoutNsec   int64
	maxPageoutNsec   int64
	zonePageoutNsec  int64
}

const (
	minPoShare = 8
	maxPoShare = 8 * (1 << 24)
)

// / NewTunables derives min/max pageout_nsec from minPercent/maxPercent of
// / one scheduler period, per spec.md §3's CPU-budget tunables, and seeds
// / po_share at its floor and dopageout enabled.
func NewTunables(minPercentCPU, maxPercentCPU int64, zonePageoutNsec int64) *Tunables {
	if minPercentCPU <= 0 {
		minPercentCPU = 4
	}
	if maxPercentCPU <= 0 {
		maxPercentCPU = 80
	}
	period := int64(time.Second) / SchedpagingHz
	tn := &Tunables{
		minPercentCPU:   minPercentCPU,
		maxPercentCPU:   maxPercentCPU,
		minPageoutNsec:  period * minPercentCPU / 100,
		maxPageoutNsec:  period * maxPercentCPU / 100,
		zonePageoutNsec: zonePageoutNsec,
	}
	tn.poShare.Store(minPoShare)
	tn.pageoutNsec.Store(tn.maxPageoutNsec)
	tn.dopageout.Store(true)
	return tn
}

// / SetThresholds installs a freshly derived threshold.Thresholds record.
func (tn *Tunables) SetThresholds(t threshold.Thresholds) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	tn.t = t
	tn.desPageScans.Store(int32(t.DesPageScanners))
}

// / Snapshot returns the current Thresholds.
func (tn *Tunables) Snapshot() threshold.Thresholds {
	tn.mu.RLock()
	defer tn.mu.RUnlock()
	return tn.t
}

// / Desscan returns the last tick's computed desscan.
func (tn *Tunables) Desscan() int64 { return tn.desscan.Load() }

// / PageoutNsec returns the current pageout_nsec budget, read without
// / locking by scanners per spec.md §5.
func (tn *Tunables) PageoutNsec() time.Duration {
	return time.Duration(tn.pageoutNsec.Load())
}

// / PoShare returns the current po_share, read without locking.
func (tn *Tunables) PoShare() int32 { return tn.poShare.Load() }

// / DoubleShare doubles po_share under pageout_mutex semantics (here, a
// / CAS loop), returning the new value. It never exceeds maxPoShare.
func (tn *Tunables) DoubleShare() int32 {
	for {
		cur := tn.poShare.Load()
		next := cur * 2
		if next > maxPoShare || next < cur {
			next = maxPoShare
		}
		if tn.poShare.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// / HalveShare halves po_share if above its floor.
func (tn *Tunables) HalveShare() {
	for {
		cur := tn.poShare.Load()
		if cur <= minPoShare {
			return
		}
		next := cur / 2
		if next < minPoShare {
			next = minPoShare
		}
		if tn.poShare.CompareAndSwap(cur, next) {
			return
		}
	}
}

// / AtShareCeiling reports whether po_share has reached its maximum.
func (tn *Tunables) AtShareCeiling() bool { return tn.poShare.Load() >= maxPoShare }

// / ZonesOver reports the current zones_over flag scanners read.
func (tn *Tunables) ZonesOver() bool { return tn.zonesOver.Load() }

// / Dopageout reports the operator kill-switch (SPEC_FULL.md §12).
func (tn *Tunables) Dopageout() bool { return tn.dopageout.Load() }

// / SetDopageout flips the kill-switch.
func (tn *Tunables) SetDopageout(v bool) { tn.dopageout.Store(v) }

// / DesPageScanners returns des_page_scanners.
func (tn *Tunables) DesPageScanners() int { return int(tn.desPageScans.Load()) }

// / MaxPushes returns max_pushes = maxpgio / SchedpagingHz from the
// / Thresholds last installed by SetThresholds (0 when maxpgio is unset),
// / for use as pageio.Queue's MaxPushesFunc.
func (tn *Tunables) MaxPushes() int {
	tn.mu.RLock()
	defer tn.mu.RUnlock()
	if tn.t.Maxpgio <= 0 {
		return 0
	}
	return int(tn.t.Maxpgio / SchedpagingHz)
}

// / Scheduler runs schedpaging on a self-rescheduling timer.
type Scheduler struct {
	Observed   *Observed
	Tunables   *Tunables
	Config     *threshold.Configurator
	Scanners   ScannerControl
	Drainer    Drainer
	Reaper     Reaper
	TotalPages int64

	// CalibrationDone reports whether the one-shot startup calibration
	// (package scanner) has completed; schedpaging branches on it in
	// steps 4-6 and 8.
	CalibrationDone func() bool

	// MemAvailBroadcast, if set, is invoked at the end of a tick that
	// observes kernel memory has become available (step 9). It is
	// deliberately not synchronized with any lock the allocator side
	// might hold on its memavail_cv — spec.md §9's documented race.
	MemAvailBroadcast func()

	// Nscan is the shared global scan counter scanners add their
	// per-cycle nscan_cnt into (spec.md §3's nscan); schedpaging zeroes
	// it at the top of each tick (step 3).
	Nscan atomic.Int64

	kmemReapahead int64
}

// / Tick runs one schedpaging invocation, implementing spec.md §4.2 steps
// / 1-9. It does not reschedule itself; use Run for the self-rescheduling
// / timer loop spec.md §4.2 step 10 describes.
func (s *Scheduler) Tick() WakeReason {
	t := s.Tunables.Snapshot()

	freemem := s.Observed.Freemem.Load()
	needfree := s.Observed.Needfree.Load()
	deficit := s.Observed.Deficit.Load()

	// Step 1: cache reaping.
	if s.Reaper != nil {
		if freemem < t.Lotsfree+needfree+s.kmemReapahead {
			s.Reaper.KmemReap()
		}
		if freemem < t.Lotsfree+needfree {
			s.Reaper.SegPreap()
		}
	}

	// Step 2: cage wakeup.
	if s.Reaper != nil && freemem < t.Lotsfree {
		s.Reaper.CageoutWakeup()
	}

	// Step 3: reset nscan.
	s.Nscan.Store(0)

	calibrationDone := s.CalibrationDone != nil && s.CalibrationDone()

	// Step 4: vavail.
	deduct := deficit
	if calibrationDone {
		deduct += needfree
	}
	vavail := freemem - deduct
	vavail = clamp(vavail, 0, t.Lotsfree)

	// Step 5: desscan.
	var desscan int64
	if needfree > 0 && !calibrationDone {
		desscan = t.Fastscan / SchedpagingHz
	} else if t.Lotsfree > 0 {
		desscan = (t.Slowscan*vavail + t.Fastscan*(t.Lotsfree-vavail)) / t.Lotsfree / SchedpagingHz
	}

	// Step 6: pageout_nsec.
	var nsec int64
	if !calibrationDone {
		nsec = s.Tunables.maxPageoutNsec
	} else if t.Lotsfree > 0 {
		nsec = s.Tunables.minPageoutNsec +
			(t.Lotsfree-vavail)*(s.Tunables.maxPageoutNsec-s.Tunables.minPageoutNsec)/t.Lotsfree
	} else {
		nsec = s.Tunables.minPageoutNsec
	}

	// Step 7: rebalance scanner count.
	if calibrationDone && s.Scanners != nil {
		des := t.DesPageScanners
		if t.Handspreadpages > 0 {
			maxByHandspread := int(s.TotalPages / t.Handspreadpages)
			if maxByHandspread < 1 {
				maxByHandspread = 1
			}
			if des > maxByHandspread {
				des = maxByHandspread
			}
		}
		if des < 1 {
			des = 1
		}
		s.Scanners.SetDesired(des)
	}

	reason := WakeNone
	startup := !calibrationDone

	// zones_over is reset unconditionally every tick; only the
	// zone-cap-only branch below sets it back to true. Otherwise a
	// zone-cap tick's flag would leak into a later low-memory tick and
	// wrongly restrict checkpage's zone filter.
	s.Tunables.zonesOver.Store(false)

	if freemem < t.Lotsfree+needfree || startup {
		reason = WakeLowMemory
	} else if s.Observed.ZoneNumOverCap.Load() > 0 {
		desscan = s.TotalPages
		if s.Tunables.zonePageoutNsec != 0 {
			nsec = s.Tunables.zonePageoutNsec
		} else {
			nsec = s.Tunables.maxPageoutNsec
		}
		s.Tunables.zonesOver.Store(true)
		reason = WakeZoneOverCap
	}

	s.Tunables.desscan.Store(desscan)
	s.Tunables.pageoutNsec.Store(nsec)

	if reason == WakeNone {
		s.Tunables.HalveShare()
		if s.Drainer != nil {
			s.Drainer.Wake()
		}
	} else if s.Tunables.Dopageout() && s.Scanners != nil {
		s.Scanners.WakeAll()
	}

	// Step 9: broadcast memory-available.
	if s.Reaper != nil && s.Reaper.KmemAvail() && s.MemAvailBroadcast != nil {
		s.MemAvailBroadcast()
	}

	return reason
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// / Run self-reschedules Tick every 1/SchedpagingHz seconds until ctx is
// / cancelled, matching spec.md §4.2 step 10.
func (s *Scheduler) Run(ctx context.Context) {
	period := time.Second / SchedpagingHz
	var timer *time.Timer
	var fire func()
	fire = func() {
		if ctx.Err() != nil {
			return
		}
		s.Tick()
		timer = time.AfterFunc(period, fire)
	}
	timer = time.AfterFunc(period, fire)
	<-ctx.Done()
	timer.Stop()
}
