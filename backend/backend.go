// Package backend models the VFS/vnode layer spec.md §6 lists as an
// external collaborator: VN_HOLD, VN_RELE and VOP_PUTPAGE. checkpage
// (package checkpage) holds a vnode across dropping the page lock and
// releases it once the writeback call returns, per spec.md §4.4 and §9's
// counted-handle design note.
//
// The counted-refcount idiom is grounded on biscuit/src/accnt/accnt.go's
// Accnt_t: an embedded sync.Mutex plus atomically-updated int64 counters,
// adapted here from "nanoseconds of CPU time" to "outstanding holds".
package backend

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

// / PutPageFunc is the narrow VOP_PUTPAGE contract checkpage drives:
// / schedule asynchronous writeback of one page at the given offset.
// / Returns nil on successful enqueue with the vnode's backing store,
// / matching VOP_PUTPAGE's "0 on success" convention translated to Go.
type PutPageFunc func(ctx context.Context, v *Vnode, off int64) error

// / Vnode is a counted handle to a backing file or swap device. SwapFS
// / distinguishes ZPO_ANONDIRTY accounting (swap-backed) from ZPO_DIRTY
// / (filesystem-backed) per spec.md §4.4.
type Vnode struct {
	ID     uuid.UUID
	SwapFS bool
	// Exec marks a text (executable) mapping, splitting clean-page
	// disposal into the execfree bucket instead of fsfree (spec.md
	// §4.4's "fsfree/execfree/anonfree" per-CPU stats split).
	Exec bool

	holds   atomic.Int64
	putPage PutPageFunc
}

// / NewVnode creates a vnode backed by putPage for writeback.
func NewVnode(swapfs bool, putPage PutPageFunc) *Vnode {
	return &Vnode{
		ID:      uuid.New(),
		SwapFS:  swapfs,
		putPage: putPage,
	}
}

// / Hold implements VN_HOLD: take a reference, preventing reclamation of
// / the vnode itself while a writeback request is in flight.
func (v *Vnode) Hold() {
	c := v.holds.Add(1)
	if c <= 0 {
		panic("backend: hold count went non-positive")
	}
}

// / Release implements VN_RELE: drop a reference taken by Hold.
func (v *Vnode) Release() {
	c := v.holds.Add(-1)
	if c < 0 {
		panic("backend: release without matching hold")
	}
}

// / Holds returns the current outstanding hold count, for tests and
// / diagnostics.
func (v *Vnode) Holds() int64 { return v.holds.Load() }

// / PutPage implements VOP_PUTPAGE(vp, off, len, ASYNC|FREE, cred): hand
// / the page at off to the backing store for asynchronous writeback.
func (v *Vnode) PutPage(ctx context.Context, off int64) error {
	if v.putPage == nil {
		return nil
	}
	return v.putPage(ctx, v, off)
}
