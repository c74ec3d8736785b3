// Package pageio implements spec.md §4.5: the bounded writeback queue
// (request pool + pending list), the single draining thread, and the 1 Hz
// deadman.
//
// The request pool reuses biscuit/src/mem/mem.go's index-linked free-list
// technique verbatim: a flat slice of slots, each slot's "next" field
// chaining it onto whichever of two lists currently owns it (req_freelist
// or push_list), both lists mutated only under one mutex (push_lock in
// spec.md terms), with a sentinel value standing in for "end of list" the
// same way Physmem_t uses ^uint32(0). That is exactly Physmem_t's
// freei/pmaps dual free lists generalized from "two kinds of physical
// page" to "free slot vs. pending-push slot". Both queue_io_request and
// the drainer operate on the head of push_list (spec.md §4.5's "push to
// head of push_list" / "pop head"), so the list behaves as a stack despite
// being labeled a pending FIFO in spec.md §3 — that is the source's own
// behavior, preserved here rather than corrected.
package pageio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/biscuit-os/pageout/backend"
)

const sentinel = ^uint32(0)

// / Request is one async_req slot: a queued writeback of a single page.
type Request struct {
	ID     uuid.UUID
	Vnode  *backend.Vnode
	Offset int64
}

type slot struct {
	req  Request
	next uint32
}

// / DeadmanReport is the diagnostic payload pageout_deadman panics with.
// / Freemem and Seconds match spec.md §4.5's panic message; ID and VnodeID
// / are the enrichment SPEC_FULL.md §12 adds, naming the specific wedged
// / request rather than only the global stuck flag.
type DeadmanReport struct {
	Seconds int
	Freemem int64
	ID      uuid.UUID
	VnodeID uuid.UUID
}

func (r DeadmanReport) String() string {
	return fmt.Sprintf(
		"pageout_deadman: stuck pushing request %s (vnode %s) for %d seconds (freemem is %d)",
		r.ID, r.VnodeID, r.Seconds, r.Freemem,
	)
}

// / FreememFunc reports the live free-page count for deadman diagnostics.
type FreememFunc func() int64

// / MaxPushesFunc returns the current max_pushes quota for one drainer
// / wakeup. It is called every time the drainer wakes from an empty queue
// / so that retuning maxpgio takes effect immediately — the fix for
// / spec.md §9's Open Question 1 (max_pushes computed once at startup and
// / never revisited).
type MaxPushesFunc func() int

// / Queue is the bounded writeback pipeline: a fixed-capacity pool of
// / Request slots split between req_freelist and push_list, both guarded
// / by mu (push_lock).
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots     []slot
	freeHead  uint32
	pushHead  uint32
	pushSize  int

	pushes    int
	pushing   bool
	pushCount int64

	pushCountSeen int64
	stuckSeconds  int
	curReq        *Request // request currently being pushed, for deadman

	deadmanSeconds int
	freemem        FreememFunc
	maxPushes      MaxPushesFunc
	putPage        backend.PutPageFunc

	// limiter paces Run's putPage calls against the current max_pushes
	// quota. It is a single long-lived instance whose rate is retuned
	// every wakeup via SetLimit, rather than a fresh limiter per call —
	// a limiter built fresh each time always has its full burst
	// available and so never actually blocks.
	limiter *rate.Limiter

	onPanic func(DeadmanReport) // overridable for tests; defaults to panic
}

// / Config bundles Queue's construction parameters.
type Config struct {
	Capacity       int // async_list_size, default 256
	DeadmanSeconds int // pageout_deadman_seconds; 0 selects the 90-second default
	Freemem        FreememFunc
	MaxPushes      MaxPushesFunc
	PutPage        backend.PutPageFunc
}

// / NewQueue builds a Queue with cfg.Capacity free slots and no pending
// / requests, matching spec.md §3's "every slot is in exactly one list"
// / invariant at t=0 (every slot starts on the free list).
func NewQueue(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.DeadmanSeconds == 0 {
		cfg.DeadmanSeconds = 90
	}
	q := &Queue{
		slots:          make([]slot, cfg.Capacity),
		pushHead:       sentinel,
		deadmanSeconds: cfg.DeadmanSeconds,
		freemem:        cfg.Freemem,
		maxPushes:      cfg.MaxPushes,
		putPage:        cfg.PutPage,
		limiter:        rate.NewLimiter(rate.Inf, 1),
	}
	q.cond = sync.NewCond(&q.mu)
	for i := range q.slots {
		if i == len(q.slots)-1 {
			q.slots[i].next = sentinel
		} else {
			q.slots[i].next = uint32(i + 1)
		}
	}
	q.freeHead = 0
	return q
}

// / Enqueue implements queue_io_request(vp, off): pop a free slot, fill it
// / in, and push it to the head of push_list. Returns false when the pool
// / is exhausted.
func (q *Queue) Enqueue(_ context.Context, v *backend.Vnode, off int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.freeHead == sentinel {
		return false
	}
	idx := q.freeHead
	q.freeHead = q.slots[idx].next

	q.slots[idx].req = Request{ID: uuid.New(), Vnode: v, Offset: off}
	q.slots[idx].next = q.pushHead
	q.pushHead = idx
	q.pushSize++

	if q.freeHead == sentinel {
		q.cond.Signal()
	}
	return true
}

// / PushListSize returns push_list_size for metrics export.
func (q *Queue) PushListSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushSize
}

// / PushCount returns pageout_pushcount for metrics and deadman checks.
func (q *Queue) PushCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushCount
}

// / IsPushing returns pageout_pushing.
func (q *Queue) IsPushing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushing
}

// / Run is the drainer thread (pageout()'s writeback half): forever pop
// / push_list's head, push it to the backing store, and return the slot
// / to req_freelist. Run blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	for {
		idx, req, limiter, ok := q.waitForWork(ctx)
		if !ok {
			return
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				q.returnSlot(idx)
				return
			}
		}

		q.mu.Lock()
		q.pushing = true
		q.curReq = &req
		q.mu.Unlock()

		err := q.putPageFor(ctx, &req)

		q.mu.Lock()
		if err == nil {
			q.pushes++
		}
		q.pushing = false
		q.curReq = nil
		q.pushCount++
		q.mu.Unlock()

		q.returnSlot(idx)
		req.Vnode.Release()
	}
}

func (q *Queue) returnSlot(idx uint32) {
	q.mu.Lock()
	q.slots[idx].next = q.freeHead
	q.freeHead = idx
	q.mu.Unlock()
}

func (q *Queue) putPageFor(ctx context.Context, req *Request) error {
	if q.putPage == nil {
		return nil
	}
	return q.putPage(ctx, req.Vnode, req.Offset)
}

// waitForWork blocks until push_list is non-empty and this wakeup's push
// quota is not exhausted, mirroring spec.md §4.5's "while
// push_list==NULL || pushes>max_pushes, wait on push_cv (which also
// resets pushes=0 on re-entry)".
func (q *Queue) waitForWork(ctx context.Context) (uint32, Request, *rate.Limiter, bool) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()

	max := q.currentMaxPushes()
	for q.pushHead == sentinel || q.pushes > max {
		if ctx.Err() != nil {
			return 0, Request{}, nil, false
		}
		q.cond.Wait()
		// pushes resets on every wakeup regardless of which disjunct
		// triggered the wait, matching the original's unconditional
		// "cv_wait(...); pushes = 0;" — resetting it only when
		// push_list was empty left the drainer permanently stuck once
		// pushes exceeded max while a backlog remained queued.
		q.pushes = 0
		if ctx.Err() != nil {
			return 0, Request{}, nil, false
		}
		max = q.currentMaxPushes()
	}

	idx := q.pushHead
	q.pushHead = q.slots[idx].next
	q.pushSize--
	req := q.slots[idx].req

	var limiter *rate.Limiter
	if max > 0 {
		q.limiter.SetLimit(rate.Limit(max))
		limiter = q.limiter
	}
	return idx, req, limiter, true
}

func (q *Queue) currentMaxPushes() int {
	if q.maxPushes == nil {
		return 1 << 30
	}
	return q.maxPushes()
}

// / Wake pokes the drainer if anything is queued, implementing
// / cv_signal_pageout(): a no-op if the queue is empty.
func (q *Queue) Wake() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pushHead != sentinel {
		q.cond.Signal()
	}
}

// / Deadman implements pageout_deadman(), run once per second by the
// / caller's own 1 Hz clock. Panicking is reported through onPanic if set
// / (tests), otherwise it calls Go's panic with a DeadmanReport value.
func (q *Queue) Deadman() {
	q.mu.Lock()
	if q.deadmanSeconds == 0 {
		q.mu.Unlock()
		return
	}
	if !q.pushing {
		q.stuckSeconds = 0
		q.pushCountSeen = q.pushCount
		q.mu.Unlock()
		return
	}
	if q.pushCount != q.pushCountSeen {
		q.stuckSeconds = 0
		q.pushCountSeen = q.pushCount
		q.mu.Unlock()
		return
	}
	q.stuckSeconds++
	stuck := q.stuckSeconds
	seconds := q.deadmanSeconds
	var cur Request
	if q.curReq != nil {
		cur = *q.curReq
	}
	q.mu.Unlock()

	if stuck < seconds {
		return
	}

	var freemem int64
	if q.freemem != nil {
		freemem = q.freemem()
	}
	report := DeadmanReport{Seconds: seconds, Freemem: freemem, ID: cur.ID}
	if cur.Vnode != nil {
		report.VnodeID = cur.Vnode.ID
	}
	if q.onPanic != nil {
		q.onPanic(report)
		return
	}
	panic(report.String())
}

// / SetPanicHook overrides the deadman's panic action; intended for tests
// / that must observe a deadman trip without crashing the test binary.
func (q *Queue) SetPanicHook(f func(DeadmanReport)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onPanic = f
}

// / DeadmanTicker drives Deadman once per second until ctx is cancelled,
// / matching spec.md §6's "clock() 1 Hz" caller contract.
func DeadmanTicker(ctx context.Context, q *Queue) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			q.Deadman()
		}
	}
}
