// Package threshold implements spec.md §4.1's setupclock: deriving the
// seven water-marks and scan parameters from total physical pages,
// operator tunables, and calibration results.
//
// The "freeze operator input on first call, always derive from the frozen
// snapshot" discipline is grounded on biscuit/src/mem/mem.go's Phys_init,
// which likewise takes a single irrevocable snapshot of the host's
// physical page layout at boot and never re-derives from already-derived
// state. The generic helpers in package util (Min, Max, Min3I64,
// ClampI64), extended from biscuit/src/util/util.go, back the min/clamp
// steps of the derivation below.
package threshold

import "github.com/biscuit-os/pageout/util"

const (
	maxSlowScan    = 100
	diskRPMDefault = 7200
)

// / pageSize matches spec.md's 4 KiB page assumption used in its worked
// / examples (§8 scenario 1).
const pageSize = 4096

func bytesToPages(n int64) int64 { return n / pageSize }

// / Init is the frozen snapshot of operator-supplied tunables: zero means
// / "auto". It is captured once, on the first Setup call, and never
// / mutated again — recalculation always re-derives from this record, not
// / from the previously derived Thresholds, preventing drift (spec.md
// / §4.1).
type Init struct {
	LotsfreeMax     int64
	LotsfreeMin     int64
	Lotsfree        int64
	Desfree         int64
	Minfree         int64
	Throttlefree    int64
	PageoutReserve  int64
	Maxpgio         int64
	Maxfastscan     int64
	Fastscan        int64
	Slowscan        int64
	Handspreadpages int64

	// HalfMode selects pageout_threshold_style==1 (halving mode) over
	// the default ratio mode for minfree/pageout_reserve derivation.
	HalfMode bool
	DiskRPM  int64
}

// / Thresholds holds every derived value consumers read. Only Setup
// / writes it; everyone else reads with relaxed atomics where tearing is
// / harmless, per spec.md §9's "single configuration record" design note
// / — modeled here as a plain struct returned by value, since Go callers
// / can swap a pointer atomically rather than mutate shared fields.
type Thresholds struct {
	LotsfreeMax     int64
	LotsfreeMin     int64
	Lotsfree        int64
	Desfree         int64
	Minfree         int64
	Throttlefree    int64
	PageoutReserve  int64
	Maxpgio         int64
	Maxfastscan     int64
	Fastscan        int64
	Slowscan        int64
	Handspreadpages int64

	// DesPageScanners is only recomputed on recalc==true.
	DesPageScanners int
	ScannerRegionSz int64
}

// / tune implements spec.md §4.1's tune(init, ceiling, default): returns
// / default if init is zero or at/above ceiling, else init.
func tune(init, ceiling, def int64) int64 {
	if init == 0 || init >= ceiling {
		return def
	}
	return init
}

// / Configurator derives Thresholds from a frozen Init snapshot and the
// / host's total page count. Call Setup once at boot with recalc==false,
// / then again after the first calibration completes or after memory
// / hot-plug with recalc==true.
type Configurator struct {
	init       Init
	totalPages int64
	haveInit   bool

	maxPScanThreads  int
	pageoutNewSpread int64
}

// / NewConfigurator creates a Configurator bounded to at most
// / maxPScanThreads scanners (spec.md §3's MAX_PSCAN_THREADS, default 16).
func NewConfigurator(maxPScanThreads int) *Configurator {
	if maxPScanThreads <= 0 {
		maxPScanThreads = 16
	}
	return &Configurator{maxPScanThreads: maxPScanThreads}
}

// / Setup runs setupclock. On the first call it freezes init; subsequent
// / calls ignore the init argument and re-derive from the frozen snapshot,
// / per spec.md §4.1.
func (c *Configurator) Setup(init Init, totalPages int64, recalc bool) Thresholds {
	if totalPages <= 0 {
		panic("threshold: totalPages must be positive")
	}
	if !c.haveInit {
		c.init = init
		c.totalPages = totalPages
		c.haveInit = true
	}
	ci := c.init
	total := c.totalPages

	var t Thresholds

	t.LotsfreeMax = tune(ci.LotsfreeMax, total, bytesToPages(2<<30))
	t.LotsfreeMin = tune(ci.LotsfreeMin, t.LotsfreeMax, bytesToPages(16<<20))
	t.Lotsfree = tune(ci.Lotsfree, total, util.ClampI64(total/64, t.LotsfreeMin, t.LotsfreeMax))
	t.Desfree = tune(ci.Desfree, t.Lotsfree, t.Lotsfree/2)

	if ci.HalfMode {
		t.Minfree = tune(ci.Minfree, t.Desfree, t.Desfree/2)
	} else {
		t.Minfree = tune(ci.Minfree, t.Desfree, 3*t.Desfree/4)
	}
	t.Throttlefree = tune(ci.Throttlefree, t.Desfree, t.Minfree)

	if ci.HalfMode {
		t.PageoutReserve = tune(ci.PageoutReserve, t.Throttlefree, t.Throttlefree/2)
	} else {
		t.PageoutReserve = tune(ci.PageoutReserve, t.Throttlefree, 3*t.Throttlefree/4)
	}

	diskRPM := ci.DiskRPM
	if diskRPM == 0 {
		diskRPM = diskRPMDefault
	}
	if ci.Maxpgio != 0 {
		t.Maxpgio = ci.Maxpgio
	} else {
		t.Maxpgio = (diskRPM * 2) / 3
	}

	maxHandSpread := c.pageoutNewSpread
	if ci.Maxfastscan != 0 {
		t.Maxfastscan = ci.Maxfastscan
	} else if maxHandSpread != 0 {
		t.Maxfastscan = maxHandSpread
	} else {
		t.Maxfastscan = maxHandSpreadPagesDefaultFor(total)
	}

	fsIn := ci.Fastscan
	if fsIn == 0 {
		fsIn = total / 2
	}
	t.Fastscan = util.Min3I64(fsIn, t.Maxfastscan, total/2)

	ssIn := ci.Slowscan
	if ssIn == 0 {
		ssIn = t.Fastscan / 10
	}
	t.Slowscan = util.Min3I64(ssIn, maxSlowScan, t.Fastscan/2)

	hsIn := ci.Handspreadpages
	if hsIn == 0 {
		hsIn = t.Fastscan
	}
	t.Handspreadpages = util.Min(hsIn, total-1)

	if recalc {
		sz := util.Max(bytesToPages(64<<30), 2*t.Handspreadpages)
		if sz > total {
			sz = total
		}
		t.ScannerRegionSz = sz
		des := (total + sz - 1) / sz // ceiling division
		if des < 1 {
			des = 1
		}
		if des > int64(c.maxPScanThreads) {
			des = int64(c.maxPScanThreads)
		}
		t.DesPageScanners = int(des)
	}

	return t
}

// / SetCalibration records pageout_new_spread so future Setup calls prefer
// / it over the architectural default, per spec.md §4.1 step 9 and §4.3's
// / calibration tail.
func (c *Configurator) SetCalibration(pageoutNewSpread int64) {
	c.pageoutNewSpread = pageoutNewSpread
}

func maxHandSpreadPagesDefaultFor(total int64) int64 {
	// MAXHANDSPREADPAGES in the source is a fixed architectural constant
	// (the largest handspread considered sane regardless of host size);
	// we derive an equivalent cap as total/2 clamped to a conservative
	// upper bound so tiny hosts (spec.md §8 boundary: total_pages <
	// MAXHANDSPREADPAGES) still get a usable value.
	const absoluteCap = 4 << 20 // 4M pages ~ 16GiB at 4K pages
	if total/2 < absoluteCap {
		return total / 2
	}
	return absoluteCap
}
