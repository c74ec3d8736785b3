// Package pgring models the physical page ring that the page reclamation
// core scans: the page table (page_t) and HAT layer spec.md §6 lists as
// external collaborators. Real kernels back this with hardware page tables;
// here it is a flat, fixed-size array addressed modulo its length, in the
// spirit of biscuit's Physmem_t (biscuit/src/mem/mem.go) but carrying the
// ref/mod/lock/zone attributes checkpage needs instead of a physical
// address.
package pgring

import (
	"sync"
	"sync/atomic"

	"github.com/biscuit-os/pageout/backend"
)

// / Pfn_t is a page frame number: an index into a Ring, taken modulo the
// / ring's length by every accessor.
type Pfn_t uint64

// / SyncFlags controls what hat_pagesync does to the ref/mod bits.
type SyncFlags int

const (
	// / ZeroRefMod reads ref+mod, then clears them (front hand).
	ZeroRefMod SyncFlags = iota
	// / SampleOnly reads ref+mod, leaving them untouched (back hand).
	SampleOnly
)

// / Attr carries the ref/mod bits hat_pagesync reports.
type Attr struct {
	Ref bool
	Mod bool
}

// / Page is one entry of the physical page ring. The embedded mutex stands
// / in for page_trylock(p, EXCL): TryLock is the only non-blocking
// / acquisition primitive checkpage is allowed to use.
type Page struct {
	mu sync.Mutex

	// observed without the lock held; see checkpage's ineligibility gate
	kernel     atomic.Bool
	locked     atomic.Bool
	onFreelist atomic.Bool
	lckcnt     atomic.Int32
	cowcnt     atomic.Int32
	shared     atomic.Int32 // number of address spaces mapping this page

	// only meaningful once the exclusive lock is held
	ref  bool
	mod  bool
	szc  int
	zone int32

	vnode *backend.Vnode
}

// / Ring is a fixed-length, logically circular array of Page. Index
// / arithmetic wraps modulo len(Pages), mirroring spec.md §9's
// / "next(i) = (i+1) mod total_pages" ring topology note.
type Ring struct {
	Pages []Page
}

// / NewRing allocates a ring of n pages, all initially clean, unmapped, and
// / owned by no zone.
func NewRing(n int) *Ring {
	if n <= 0 {
		panic("pgring: ring size must be positive")
	}
	return &Ring{Pages: make([]Page, n)}
}

// / Len returns total_pages.
func (r *Ring) Len() int { return len(r.Pages) }

// / First returns the page-ring index of page_first().
func (r *Ring) First() Pfn_t { return 0 }

// / Next returns page_next(p): the next ring slot after p, wrapping.
func (r *Ring) Next(p Pfn_t) Pfn_t {
	n := Pfn_t(len(r.Pages))
	return (p + 1) % n
}

// / NextN returns page_nextn(p, k): the ring slot k steps after p.
func (r *Ring) NextN(p Pfn_t, k int) Pfn_t {
	n := Pfn_t(len(r.Pages))
	return (p + Pfn_t(k)%n) % n
}

// / At returns a pointer to the page at the given ring index.
func (r *Ring) At(p Pfn_t) *Page {
	return &r.Pages[int(p)%len(r.Pages)]
}

// / TryLock attempts the non-blocking exclusive lock page_trylock(p, EXCL)
// / provides. It never blocks.
func (p *Page) TryLock() bool { return p.mu.TryLock() }

// / Unlock releases the exclusive page lock.
func (p *Page) Unlock() { p.mu.Unlock() }

// / IsKernel reports whether the page belongs to a kernel address space.
func (p *Page) IsKernel() bool { return p.kernel.Load() }

// / SetKernel marks or clears kernel ownership (test/setup helper; real
// / ownership is driven by the segment layer, out of this core's scope).
func (p *Page) SetKernel(v bool) { p.kernel.Store(v) }

// / IsLocked reports whether some other subsystem currently holds the page
// / locked for I/O or pinning, independent of the exclusive TryLock above.
func (p *Page) IsLocked() bool { return p.locked.Load() }

// / SetLocked marks or clears the external "locked for I/O" condition.
func (p *Page) SetLocked(v bool) { p.locked.Store(v) }

// / OnFreeList reports whether the allocator already owns this page.
func (p *Page) OnFreeList() bool { return p.onFreelist.Load() }

// / SetOnFreeList marks or clears free-list membership.
func (p *Page) SetOnFreeList(v bool) { p.onFreelist.Store(v) }

// / LockCnt returns lckcnt: the count of explicit page-lock holders.
func (p *Page) LockCnt() int32 { return p.lckcnt.Load() }

// / SetLockCnt sets lckcnt (setup/test helper).
func (p *Page) SetLockCnt(v int32) { p.lckcnt.Store(v) }

// / CowCnt returns cowcnt: the count of copy-on-write sharers.
func (p *Page) CowCnt() int32 { return p.cowcnt.Load() }

// / SetCowCnt sets cowcnt (setup/test helper).
func (p *Page) SetCowCnt(v int32) { p.cowcnt.Store(v) }

// / CheckShare implements hat_page_checkshare(pp, n): true if the page is
// / mapped by strictly more than n address spaces.
func (p *Page) CheckShare(n int32) bool {
	return p.shared.Load() > n
}

// / SetShared sets the number of mapping address spaces (setup/test
// / helper; a real HAT tracks this from actual mappings).
func (p *Page) SetShared(v int32) { p.shared.Store(v) }

// / Szc returns p_szc: zero for base pages, nonzero for a large page's
// / size code.
func (p *Page) Szc() int {
	return p.szc
}

// / SetSzc sets p_szc (setup/test helper).
func (p *Page) SetSzc(v int) { p.szc = v }

// / ZoneID returns the zone owning this page's allocation.
func (p *Page) ZoneID() int32 { return p.zone }

// / SetZoneID sets the owning zone (setup/test helper).
func (p *Page) SetZoneID(z int32) { p.zone = z }

// / Vnode returns the backing vnode, or nil for anonymous memory.
func (p *Page) Vnode() *backend.Vnode { return p.vnode }

// / SetVnode sets the backing vnode (setup/test helper).
func (p *Page) SetVnode(v *backend.Vnode) { p.vnode = v }

// / SetDirty marks the page modified without going through a mapping, for
// / tests that need to exercise the dirty path directly.
func (p *Page) SetDirty(v bool) { p.mod = v }

// / Sync implements hat_pagesync: sample ref/mod, optionally clearing them.
// / Must be called with the exclusive lock held.
func (p *Page) Sync(flags SyncFlags) Attr {
	a := Attr{Ref: p.ref, Mod: p.mod}
	if flags == ZeroRefMod {
		p.ref = false
		p.mod = false
	}
	return a
}

// / ClrRef implements hat_clrref: explicitly clear the reference bit.
// / Must be called with the exclusive lock held.
func (p *Page) ClrRef() { p.ref = false }

// / Touch marks the page referenced and, if write is true, modified. This
// / models a mutator thread faulting the page in; tests use it to drive
// / the ref/mod state machine the same way real mappings would.
func (p *Page) Touch(write bool) {
	p.ref = true
	if write {
		p.mod = true
	}
}

// / GetAttr implements hat_page_getattr: read ref/mod without side effects.
// / Must be called with the exclusive lock held.
func (p *Page) GetAttr() Attr {
	return Attr{Ref: p.ref, Mod: p.mod}
}

// / Unload implements hat_pageunload(p, FORCE): tear down every mapping.
// / Must be called with the exclusive lock held. Returns the attributes
// / observed immediately before unload, mirroring the source's pattern of
// / re-reading ref/mod right after to detect a racing fault.
func (p *Page) Unload() Attr {
	before := Attr{Ref: p.ref, Mod: p.mod}
	p.shared.Store(0)
	return before
}

// / TryDemote implements page_try_demote_pages: best-effort demotion of a
// / large page to base page size. Demotion always succeeds in this model
// / because we do not simulate TLB shootdown contention; real kernels can
// / fail here under load.
func (p *Page) TryDemote() bool {
	p.szc = 0
	return true
}

// / Dispose implements VN_DISPOSE(p, B_FREE, 0, kcred): return a clean page
// / to the free list. Must be called with the exclusive lock held; the
// / caller releases the lock afterward per checkpage's contract.
func (p *Page) Dispose() {
	p.onFreelist.Store(true)
	p.vnode = nil
	p.ref = false
	p.mod = false
}
