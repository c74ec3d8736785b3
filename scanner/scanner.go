// Package scanner implements spec.md §4.3: the pageout_scanner fleet, a
// set of cooperating goroutines that walk the physical page ring with a
// front/back hand pair, honoring per-cycle page and time budgets, and
// running the one-shot startup calibration feedback loop.
//
// The fleet's "task owns its slot, exits voluntarily when inst >=
// n_page_scanners" design is exactly spec.md §9's redesign note for
// "Scanner fleet with dynamic cardinality"; supervision uses
// golang.org/x/sync/errgroup (promoted from the teacher's own indirect,
// toolchain-only dependency on golang.org/x/sync into a direct, exercised
// one). The lock-protected flag idiom for reset_hands is grounded on
// biscuit/src/vm/as.go's Vm_t.pgfltaken field and Lock_pmap/Unlock_pmap
// pair: a boolean set under a mutex that a single well-known reader
// consults before proceeding.
package scanner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/biscuit-os/pageout/checkpage"
	"github.com/biscuit-os/pageout/pgring"
	"github.com/biscuit-os/pageout/sched"
	"github.com/biscuit-os/pageout/threshold"
)

// / MaxPScanThreads is spec.md §3's MAX_PSCAN_THREADS.
const MaxPScanThreads = 16

// / pagesPollGranularity is spec.md §4.3's CPU-budget poll granularity.
const pagesPollGranularity = 1024

// / pageoutResetCnt is spec.md §4.3's wraps-before-forced-reset constant.
const pageoutResetCnt = 64

// / minCalibrationSamples is PAGE_SCAN_STARTUP's sample-count threshold
// / (spec.md §3: "pageout_sample_cnt < 4").
const minCalibrationSamples = 4

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// / Calibration is the one-shot startup feedback loop's shared state
// / (spec.md §3's calibration state), single-writer: scanner 0 during
// / startup.
type Calibration struct {
	mu sync.Mutex

	sampleCnt   int
	samplePages int64
	sampleEtime time.Duration
	rate        float64 // pages/sec
	newSpread   int64

	// MinElapsed guards against SPEC_FULL.md §12's supplemented
	// behavior: the scanner does not trust an implausibly short sample
	// window. Default is zero (disabled); NewFleet leaves it at zero, so
	// it only takes effect when a caller sets it.
	MinElapsed time.Duration

	onTransition func(pageoutRate float64, newSpread int64)
}

// / Done reports PAGE_SCAN_STARTUP's negation: whether calibration has
// / produced a usable pageout_new_spread.
func (c *Calibration) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.newSpread != 0
}

// / Rate returns the measured pageout_rate in pages/sec, or 0 before
// / calibration completes.
func (c *Calibration) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// observe is called only by scanner 0, only while !Done(), once per scan
// cycle, accumulating samples and triggering the rate calculation once
// enough data has been gathered.
func (c *Calibration) observe(pages int64, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.newSpread != 0 {
		return
	}
	c.sampleCnt++
	c.samplePages += pages
	c.sampleEtime += elapsed

	if c.sampleCnt < minCalibrationSamples {
		return
	}
	if c.sampleEtime <= 0 || c.sampleEtime < c.MinElapsed {
		return
	}

	c.rate = float64(c.samplePages) * 1e9 / float64(c.sampleEtime.Nanoseconds())
	c.newSpread = int64(c.rate / 10)
	if c.newSpread == 0 {
		c.newSpread = 1
	}
	if c.onTransition != nil {
		c.onTransition(c.rate, c.newSpread)
	}
}

// / Fleet owns the live set of scanner tasks and the controls schedpaging
// / drives (spec.md §4.2 step 7, §4.3).
type Fleet struct {
	Ring        *pgring.Ring
	Checker     *checkpage.Checker
	Tunables    *sched.Tunables
	Observed    *sched.Observed
	Calibration *Calibration
	Clock       Clock

	// Config and TotalPages, if set, let scanner 0's calibration
	// transition retune thresholds in place (spec.md §4.3's calibration
	// tail re-running setupclock with recalc=true).
	Config     *threshold.Configurator
	TotalPages int64

	// Nscan, if set, is the scheduler's shared nscan_cnt accumulator
	// (sched.Scheduler.Nscan), reset to zero once per tick by
	// schedpaging and added to here once per scan cycle, avoiding an
	// import cycle between scanner and sched.
	Nscan *atomic.Int64

	mu         sync.Mutex
	cond       *sync.Cond
	n          int32 // n_page_scanners
	des        int32 // des_page_scanners
	resetHands [MaxPScanThreads]atomic.Bool
	running    [MaxPScanThreads]bool
	group      *errgroup.Group
	groupCtx   context.Context
}

// / NewFleet builds a fleet with des initial scanners. The caller must
// / call Start to spawn goroutines.
func NewFleet(ring *pgring.Ring, checker *checkpage.Checker, tunables *sched.Tunables, observed *sched.Observed, des int) *Fleet {
	if des < 1 {
		des = 1
	}
	if des > MaxPScanThreads {
		des = MaxPScanThreads
	}
	f := &Fleet{
		Ring:        ring,
		Checker:     checker,
		Tunables:    tunables,
		Observed:    observed,
		Calibration: &Calibration{},
		Clock:       time.Now,
		des:         int32(des),
	}
	f.cond = sync.NewCond(&f.mu)
	f.Calibration.onTransition = f.onCalibrated
	return f
}

// onCalibrated implements spec.md §4.3's calibration tail: feed
// pageout_new_spread back into the threshold configurator and re-run
// setupclock with recalc=true so Maxfastscan/DesPageScanners reflect the
// host's measured scan rate instead of the architectural default.
func (f *Fleet) onCalibrated(_ float64, newSpread int64) {
	if f.Config == nil || f.TotalPages <= 0 {
		return
	}
	f.Config.SetCalibration(newSpread)
	t := f.Config.Setup(threshold.Init{}, f.TotalPages, true)
	f.Tunables.SetThresholds(t)
}

// / Start spawns the initial des_page_scanners tasks under an errgroup
// / supervised by ctx.
func (f *Fleet) Start(ctx context.Context) {
	f.group, f.groupCtx = errgroup.WithContext(ctx)
	f.mu.Lock()
	des := int(f.des)
	f.mu.Unlock()
	for i := 0; i < des; i++ {
		f.spawn(i)
	}
}

// / Wait blocks until every scanner task has exited (ctx cancellation, or
// / a task error).
func (f *Fleet) Wait() error {
	if f.group == nil {
		return nil
	}
	return f.group.Wait()
}

func (f *Fleet) spawn(inst int) {
	f.mu.Lock()
	f.running[inst] = true
	if int32(inst) >= f.n {
		f.n = int32(inst) + 1
	}
	f.mu.Unlock()

	f.group.Go(func() error {
		f.runScanner(f.groupCtx, inst)
		return nil
	})
}

// / WakeAll implements schedpaging's broadcast to every parked scanner.
func (f *Fleet) WakeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cond.Broadcast()
}

// / SetDesired converges n_page_scanners toward des_page_scanners: spawns
// / new tasks to grow, and raises reset_hands on every live task so
// / surplus ones self-exit on their next wakeup (spec.md §4.2 step 7).
// / Shrinkage is eventually consistent: a surplus scanner stops at its
// / next scan-loop iteration (or its next wakeup, if parked) and exits
// / then, per spec.md §9's documented design choice.
func (f *Fleet) SetDesired(n int) {
	if n < 1 {
		n = 1
	}
	if n > MaxPScanThreads {
		n = MaxPScanThreads
	}
	f.mu.Lock()
	f.des = int32(n)
	var toSpawn []int
	if n > int(f.n) {
		for i := int(f.n); i < n; i++ {
			toSpawn = append(toSpawn, i)
		}
	}
	for i := 0; i < MaxPScanThreads; i++ {
		f.resetHands[i].Store(true)
	}
	f.mu.Unlock()

	for _, inst := range toSpawn {
		f.spawn(inst)
	}
	f.WakeAll()
}

// / NPageScanners returns the live scanner count.
func (f *Fleet) NPageScanners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(f.n)
}

// hand tracks one scanner's front/back ring positions.
type hand struct {
	front pgring.Pfn_t
	back  pgring.Pfn_t
}

func (f *Fleet) runScanner(ctx context.Context, inst int) {
	var h hand
	// iter is this scanner's lifetime wrap counter. It is never reset —
	// not by a freed page, not by a reposition — it exists only to fire
	// a periodic hand reset every pageoutResetCnt wraps regardless of
	// scan outcome.
	iter := 0
	positioned := false

	for {
		if ctx.Err() != nil {
			return
		}

		if !positioned || f.resetHands[inst].Load() {
			if !f.repositionOrExit(inst, &h) {
				return
			}
			positioned = true
		}

		if !f.waitForWakeup(ctx, inst) {
			return
		}
		if ctx.Err() != nil {
			return
		}

		if f.resetHands[inst].Load() {
			if !f.repositionOrExit(inst, &h) {
				return
			}
		}

		f.scanCycle(ctx, inst, &h, &iter)
	}
}

// repositionOrExit implements the hand-reset branch: surplus threads
// terminate, survivors reposition per spec.md §4.3's
// backhand = total_pages/n_page_scanners * inst,
// fronthand = backhand + handspreadpages (wrapped), or backhand +
// total_pages - 1 when the spread would exceed the ring.
func (f *Fleet) repositionOrExit(inst int, h *hand) bool {
	f.mu.Lock()
	n := f.n
	if int32(inst) >= n || int32(inst) >= f.des {
		f.running[inst] = false
		// n_page_scanners drops to one past the highest slot still
		// running, so a later SetDesired grows from there again.
		live := int32(0)
		for i := MaxPScanThreads - 1; i >= 0; i-- {
			if f.running[i] {
				live = int32(i) + 1
				break
			}
		}
		f.n = live
		f.mu.Unlock()
		return false
	}
	f.resetHands[inst].Store(false)
	f.mu.Unlock()

	total := pgring.Pfn_t(f.Ring.Len())
	t := f.Tunables.Snapshot()
	spread := pgring.Pfn_t(t.Handspreadpages)

	h.back = pgring.Pfn_t(int64(total) / int64(n) * int64(inst))
	if int64(spread) >= int64(total) {
		h.front = (h.back + total - 1) % total
	} else {
		h.front = (h.back + spread) % total
	}
	return true
}

// waitForWakeup parks on the fleet's wakeup condition until broadcast or
// ctx cancellation.
func (f *Fleet) waitForWakeup(ctx context.Context, inst int) bool {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			f.cond.Broadcast()
			f.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	f.cond.Wait()
	return ctx.Err() == nil
}

// scanCycle implements spec.md §4.3's scan loop for one wakeup. count is
// this wakeup's consecutive ineffective-wrap counter: it starts at zero
// every call and resets again on any freed page, and gates po_share
// escalation. iter is the scanner's lifetime wrap counter, carried across
// wakeups by the caller and never reset here.
func (f *Fleet) scanCycle(ctx context.Context, inst int, h *hand, iter *int) {
	startup := !f.Calibration.Done()
	t := f.Tunables.Snapshot()

	limit := f.Tunables.Desscan()
	if startup {
		limit = int64(f.Ring.Len())
	}

	clock := f.Clock
	if clock == nil {
		clock = time.Now
	}
	sampleStart := clock()
	pageoutNsec := f.Tunables.PageoutNsec()

	var nscanCnt int64
	var pagesSinceBudgetCheck int
	var count int

	for nscanCnt < limit {
		zonesOver := f.Tunables.ZonesOver()
		lowMemory := f.lowMemory(t)
		if !(zonesOver || lowMemory || startup) {
			break
		}

		pagesSinceBudgetCheck++
		if pagesSinceBudgetCheck >= pagesPollGranularity {
			pagesSinceBudgetCheck = 0
			if clock().Sub(sampleStart) >= pageoutNsec {
				break
			}
		}

		if f.resetHands[inst].Load() {
			break
		}

		frontRes := f.Checker.Check(ctx, f.Ring.At(h.front), checkpage.Front, zonesOver)
		backRes := f.Checker.Check(ctx, f.Ring.At(h.back), checkpage.Back, zonesOver)

		if frontRes == checkpage.Freed || backRes == checkpage.Freed {
			count = 0
		}
		if frontRes != checkpage.Ineligible || backRes != checkpage.Ineligible {
			nscanCnt++
		}

		h.front = f.Ring.Next(h.front)
		h.back = f.Ring.Next(h.back)

		if h.front == f.Ring.First() {
			if !f.handleFrontWrap(inst, iter, &count, startup, lowMemory) {
				break
			}
		}
	}

	if f.Nscan != nil {
		f.Nscan.Add(nscanCnt)
	}

	if inst == 0 && startup {
		f.Calibration.observe(nscanCnt, clock().Sub(sampleStart))
	}
}

// lowMemory implements spec.md §4.3's "freemem < lotsfree + needfree"
// continuation predicate, read without extra synchronization beyond the
// atomics already backing Observed — an intentionally stale read, per
// spec.md §9's tolerated-race design note for scanner continuation
// checks.
func (f *Fleet) lowMemory(t threshold.Thresholds) bool {
	freemem := f.Observed.Freemem.Load()
	needfree := f.Observed.Needfree.Load()
	return freemem < t.Lotsfree+needfree
}

// handleFrontWrap implements spec.md §4.3's front-hand-wrap handling.
// iter is this scanner's lifetime wrap counter: every pageoutResetCnt
// wraps it forces a hand reset regardless of scan mode or outcome, simple
// periodic hygiene independent of whether the scanner is keeping up.
// count is this wakeup's consecutive-ineffective-wrap counter: a run of
// pageoutResetCnt such wraps while genuinely low on memory means this
// scanner isn't keeping up, so it escalates po_share (or, once po_share
// is already at its ceiling, gives up and forces a hand reset, which for
// a surplus scanner doubles as the self-exit check). In zone-cap-only
// mode wrapping is normal, so count never drives po_share escalation
// there.
func (f *Fleet) handleFrontWrap(inst int, iter, count *int, startup, lowMemory bool) bool {
	*iter++
	if *iter%pageoutResetCnt == 0 {
		// Flagged, not forced: the outer scan loop checks resetHands at
		// the top of its next iteration, same as a reset requested elsewhere.
		f.resetHands[inst].Store(true)
	}

	if startup || !lowMemory {
		return true
	}

	*count++
	if *count < pageoutResetCnt {
		return true
	}
	*count = 0
	if f.Tunables.AtShareCeiling() {
		f.resetHands[inst].Store(true)
		return false
	}
	f.Tunables.DoubleShare()
	return true
}
