// Package zone tracks per-zone memory-cap state and pageout attribution:
// spec.md §6's zone_num_over_cap / zone_pdata[].zpers_over, and §4.4's
// ZPO_DIRTY/ZPO_ANONDIRTY/ZPO_FS/ZPO_ANON counters.
//
// The accounting idiom (atomically-updated counters and a snapshot
// method) is grounded on biscuit/src/accnt/accnt.go's Accnt_t,
// generalized from one CPU-time record per process to one record per
// zone. Zone has no mutex: every field is its own atomic.
package zone

import "sync/atomic"

// / Kind enumerates the pageout attribution buckets spec.md §4.4 names.
type Kind int

const (
	// / Dirty counts pages pushed to a filesystem vnode.
	Dirty Kind = iota
	// / AnonDirty counts pages pushed to swap (anonymous, SwapFS vnode).
	AnonDirty
	// / FS counts clean filesystem pages returned to the free list.
	FS
	// / Anon counts clean anonymous pages returned to the free list.
	Anon
)

// / Zone holds one zone's memory-cap flag and pageout counters.
type Zone struct {
	id int32

	over atomic.Bool // zpers_over, read unlocked by design — see spec.md §9

	dirty     atomic.Int64
	anonDirty atomic.Int64
	fs        atomic.Int64
	anon      atomic.Int64
}

// / ID returns the zone's identifier.
func (z *Zone) ID() int32 { return z.id }

// / IsOverCap implements the zone-cap filter's zpers_over read. The read is
// / intentionally unsynchronized with any write-side lock: spec.md §9
// / documents that this value may flip under the reader and that staleness
// / is accepted, never a bug.
func (z *Zone) IsOverCap() bool { return z.over.Load() }

// / SetOverCap is called by the (out-of-scope) per-zone memory accounting
// / collaborator when a zone crosses its soft cap.
func (z *Zone) SetOverCap(v bool) { z.over.Store(v) }

// / Account attributes one freed or enqueued page to this zone under the
// / given bucket.
func (z *Zone) Account(k Kind) {
	switch k {
	case Dirty:
		z.dirty.Add(1)
	case AnonDirty:
		z.anonDirty.Add(1)
	case FS:
		z.fs.Add(1)
	case Anon:
		z.anon.Add(1)
	default:
		panic("zone: unknown accounting kind")
	}
}

// / Counters is a point-in-time snapshot of a zone's pageout accounting.
type Counters struct {
	Dirty, AnonDirty, FS, Anon int64
}

// / Snapshot returns the current counters. Each field is read with its own
// / atomic load; the snapshot is not a single atomic transaction, matching
// / spec.md §4.2's tolerance for torn reads of independently-updated
// / single-word counters.
func (z *Zone) Snapshot() Counters {
	return Counters{
		Dirty:     z.dirty.Load(),
		AnonDirty: z.anonDirty.Load(),
		FS:        z.fs.Load(),
		Anon:      z.anon.Load(),
	}
}

// / Accounts owns the fixed set of zones the core observes and the
// / process-wide zone_num_over_cap counter.
type Accounts struct {
	zones       []Zone
	numOverCap  atomic.Int32
}

// / NewAccounts creates n zones, numbered 0..n-1.
func NewAccounts(n int) *Accounts {
	a := &Accounts{zones: make([]Zone, n)}
	for i := range a.zones {
		a.zones[i].id = int32(i)
	}
	return a
}

// / Zone returns the zone for the given id, or nil if the id is out of
// / range. checkpage must treat a nil result as "not over cap" rather than
// / panicking, per spec.md §9's note on unexpected zoneids.
func (a *Accounts) Zone(id int32) *Zone {
	if id < 0 || int(id) >= len(a.zones) {
		return nil
	}
	return &a.zones[id]
}

// / NumOverCap returns zone_num_over_cap.
func (a *Accounts) NumOverCap() int32 { return a.numOverCap.Load() }

// / SetOverCap flips a zone's cap flag and keeps the process-wide counter
// / consistent with the set of zones currently over cap.
func (a *Accounts) SetOverCap(id int32, over bool) {
	z := a.Zone(id)
	if z == nil {
		panic("zone: SetOverCap on unknown zone id")
	}
	was := z.over.Swap(over)
	switch {
	case over && !was:
		a.numOverCap.Add(1)
	case !over && was:
		a.numOverCap.Add(-1)
	}
}
