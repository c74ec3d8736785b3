// Package checkpage implements the page predicate spec.md §4.4 names
// checkpage(pp, hand): classify one ring page as ineligible, referenced, or
// freeable, driving the simulated HAT (package pgring) to clear or sample
// ref/mod bits, demote large pages, and hand dirty pages to the writeback
// queue (package pageio).
//
// The unlocked-gate-then-lock-then-recheck shape is grounded on
// biscuit/src/vm/as.go's Vm_t, which takes its address-space mutex, sets a
// "page fault in progress" flag, and asserts it is held before touching
// page-table state — the same optimistic-check/lock/recheck discipline
// checkpage needs around a single page's exclusive lock.
package checkpage

import (
	"context"

	"github.com/biscuit-os/pageout/backend"
	"github.com/biscuit-os/pageout/pgring"
	"github.com/biscuit-os/pageout/zone"
)

// / Hand distinguishes the clock's two hands. spec.md §9 calls for a
// / tagged enum with an exhaustive match rather than subtyping, since the
// / two behaviors (clear vs sample-only) differ too much to share an
// / interface.
type Hand int

const (
	// / Front clears the reference bit as it passes.
	Front Hand = iota
	// / Back evicts pages the front hand already found unreferenced.
	Back
)

// / Result is checkpage's three-way verdict.
type Result int

const (
	// / Ineligible means the page was never a reclamation candidate this
	// / pass; always expected, never logged, only counted (spec.md §7).
	Ineligible Result = iota
	// / NotFreed means the page was examined but is still warm, its
	// / writeback could not be queued, or it raced with a mutator.
	NotFreed
	// / Freed means the page transitioned to the free list, or a
	// / writeback request was enqueued on its behalf — exactly one,
	// / never both (spec.md §8 invariant).
	Freed
)

// / Enqueuer is the narrow slice of the writeback pipeline (package
// / pageio) checkpage needs: spec.md §6's queue_io_request. pageio.Queue
// / implements this structurally; checkpage does not import pageio to
// / avoid a dependency cycle (pageio has no need to know about checkpage).
type Enqueuer interface {
	Enqueue(ctx context.Context, v *backend.Vnode, off int64) bool
}

// / Stats receives the per-CPU counters spec.md §4.4's clean path bumps:
// / dfree on every disposed page, plus the anon/fs/exec split.
type Stats interface {
	Dfree()
	Fsfree()
	Execfree()
	Anonfree()
}

// / Checker holds the state checkpage needs across calls: the zone table
// / for the zone-cap filter, the writeback queue, and the per-CPU stats
// / sink. One Checker is shared by every scanner hand.
type Checker struct {
	Zones    *zone.Accounts
	Queue    Enqueuer
	Stats    Stats
	PoShare  func() int32 // current po_share, read without locking (§5)
}

// / Check implements checkpage(pp, hand). zonesOver is the scheduler's
// / current wake-reason flag (spec.md §4.2 step 8); when it is set, only
// / pages of a zone that is over its cap are eligible.
func (c *Checker) Check(ctx context.Context, p *pgring.Page, hand Hand, zonesOver bool) Result {
	if !c.gate(p, zonesOver) {
		return Ineligible
	}

	if !p.TryLock() {
		return Ineligible
	}

	// Recheck after acquiring the lock: the unlocked gate above may be
	// stale (spec.md §4.4 "After acquisition recheck free/locked/cow").
	if p.OnFreeList() || p.IsLocked() || p.CowCnt() != 0 {
		p.Unlock()
		return Ineligible
	}

	if zonesOver {
		z := c.Zones.Zone(p.ZoneID())
		if z == nil || !z.IsOverCap() {
			p.Unlock()
			return Ineligible
		}
	}

	return c.decide(ctx, p, hand)
}

// gate is the unlocked ineligibility gate: all reads here are assumed
// atomic and tolerant of staleness, per spec.md §4.4.
func (c *Checker) gate(p *pgring.Page, zonesOver bool) bool {
	if p.IsKernel() {
		return false
	}
	if p.IsLocked() {
		return false
	}
	if p.OnFreeList() {
		return false
	}
	if p.LockCnt() != 0 || p.CowCnt() != 0 {
		return false
	}
	share := int32(8)
	if c.PoShare != nil {
		share = c.PoShare()
	}
	if p.CheckShare(share) {
		return false
	}
	return true
}

// decide runs the ref/mod sample, large-page demotion, and dirty/clean
// branches. The caller holds p's exclusive lock on entry; decide always
// releases it before returning.
func (c *Checker) decide(ctx context.Context, p *pgring.Page, hand Hand) Result {
recheck:
	var attr pgring.Attr
	switch hand {
	case Front:
		attr = p.Sync(pgring.ZeroRefMod)
	case Back:
		attr = p.Sync(pgring.SampleOnly)
	default:
		panic("checkpage: unknown hand")
	}

	if attr.Ref {
		if hand == Front {
			p.ClrRef()
		}
		p.Unlock()
		return NotFreed
	}

	if p.Szc() != 0 {
		if !p.TryDemote() {
			p.Unlock()
			return Ineligible
		}
		goto recheck
	}

	if attr.Mod && p.Vnode() != nil {
		v := p.Vnode()
		v.Hold()
		off := int64(0)
		p.Unlock()
		if !c.Queue.Enqueue(ctx, v, off) {
			v.Release()
			return NotFreed
		}
		z := c.Zones.Zone(p.ZoneID())
		if z != nil {
			if v.SwapFS {
				z.Account(zone.AnonDirty)
			} else {
				z.Account(zone.Dirty)
			}
		}
		return Freed
	}

	after := p.Unload()
	if after.Ref || after.Mod {
		goto recheck
	}

	v := p.Vnode()
	p.Dispose()
	p.Unlock()

	c.Stats.Dfree()
	z := c.Zones.Zone(p.ZoneID())
	switch {
	case v == nil || v.SwapFS:
		c.Stats.Anonfree()
		if z != nil {
			z.Account(zone.Anon)
		}
	case v.Exec:
		c.Stats.Execfree()
		if z != nil {
			z.Account(zone.FS)
		}
	default:
		c.Stats.Fsfree()
		if z != nil {
			z.Account(zone.FS)
		}
	}
	return Freed
}
