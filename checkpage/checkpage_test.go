package checkpage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biscuit-os/pageout/backend"
	"github.com/biscuit-os/pageout/pgring"
	"github.com/biscuit-os/pageout/zone"
)

type fakeStats struct {
	dfree, fsfree, execfree, anonfree int
}

func (s *fakeStats) Dfree()    { s.dfree++ }
func (s *fakeStats) Fsfree()   { s.fsfree++ }
func (s *fakeStats) Execfree() { s.execfree++ }
func (s *fakeStats) Anonfree() { s.anonfree++ }

type fakeEnqueuer struct {
	accept bool
	calls  int
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, _ *backend.Vnode, _ int64) bool {
	e.calls++
	return e.accept
}

func newChecker() (*Checker, *fakeStats, *fakeEnqueuer, *zone.Accounts) {
	zones := zone.NewAccounts(1)
	stats := &fakeStats{}
	enq := &fakeEnqueuer{accept: true}
	c := &Checker{Zones: zones, Queue: enq, Stats: stats}
	return c, stats, enq, zones
}

func TestCheckIneligibleOnLockedPage(t *testing.T) {
	c, _, _, _ := newChecker()
	r := pgring.NewRing(1)
	p := r.At(0)
	p.SetLocked(true)

	got := c.Check(context.Background(), p, Front, false)
	assert.Equal(t, Ineligible, got)
}

func TestCheckIneligibleWhenAlreadyHeld(t *testing.T) {
	c, _, _, _ := newChecker()
	r := pgring.NewRing(1)
	p := r.At(0)
	require.True(t, p.TryLock()) // simulate a concurrent holder

	got := c.Check(context.Background(), p, Front, false)
	assert.Equal(t, Ineligible, got)
}

func TestCheckReferencedPageIsNotFreedAndFrontHandClearsRef(t *testing.T) {
	c, _, _, _ := newChecker()
	r := pgring.NewRing(1)
	p := r.At(0)
	p.Touch(false) // ref=true, mod=false

	got := c.Check(context.Background(), p, Front, false)
	assert.Equal(t, NotFreed, got)
	require.True(t, p.TryLock())
	assert.False(t, p.GetAttr().Ref, "front hand must clear ref on a referenced page")
	p.Unlock()
}

func TestCheckLargePageDemotesThenReevaluates(t *testing.T) {
	c, _, _, _ := newChecker()
	r := pgring.NewRing(1)
	p := r.At(0)
	p.SetSzc(2)

	got := c.Check(context.Background(), p, Front, false)
	assert.Equal(t, Freed, got)
	require.True(t, p.TryLock())
	assert.Equal(t, 0, p.Szc())
	p.Unlock()
}

func TestCheckDirtyPageEnqueuesAndAccountsDirty(t *testing.T) {
	c, stats, enq, zones := newChecker()
	r := pgring.NewRing(1)
	p := r.At(0)
	v := backend.NewVnode(false, nil)
	p.SetVnode(v)
	p.SetDirty(true)

	got := c.Check(context.Background(), p, Front, false)
	assert.Equal(t, Freed, got)
	assert.Equal(t, 1, enq.calls)
	assert.Equal(t, int64(1), v.Holds(), "enqueue must hold the vnode for the async writeback")
	assert.Equal(t, zone.Counters{Dirty: 1}, zones.Zone(0).Snapshot())
	assert.Equal(t, 0, stats.dfree, "dfree is bumped only on the clean (disposed) path")
}

func TestCheckDirtyPageNotFreedWhenQueueFull(t *testing.T) {
	c, _, enq, _ := newChecker()
	enq.accept = false
	r := pgring.NewRing(1)
	p := r.At(0)
	v := backend.NewVnode(false, nil)
	p.SetVnode(v)
	p.SetDirty(true)

	got := c.Check(context.Background(), p, Front, false)
	assert.Equal(t, NotFreed, got)
	assert.Equal(t, int64(0), v.Holds(), "a rejected enqueue must release its hold")
}

func TestCheckCleanAnonPageDisposesAndBucketsAnonfree(t *testing.T) {
	c, stats, _, zones := newChecker()
	r := pgring.NewRing(1)
	p := r.At(0)

	got := c.Check(context.Background(), p, Back, false)
	assert.Equal(t, Freed, got)
	assert.Equal(t, 1, stats.dfree)
	assert.Equal(t, 1, stats.anonfree)
	assert.True(t, p.OnFreeList())
	assert.Equal(t, zone.Counters{Anon: 1}, zones.Zone(0).Snapshot())
}

func TestCheckCleanExecFileBackedPageBucketsExecfree(t *testing.T) {
	c, stats, _, _ := newChecker()
	r := pgring.NewRing(1)
	p := r.At(0)
	v := backend.NewVnode(false, nil)
	v.Exec = true
	p.SetVnode(v)

	got := c.Check(context.Background(), p, Back, false)
	assert.Equal(t, Freed, got)
	assert.Equal(t, 1, stats.execfree)
	assert.Equal(t, 0, stats.fsfree)
	assert.Equal(t, 0, stats.anonfree)
}

func TestCheckCleanPlainFileBackedPageBucketsFsfree(t *testing.T) {
	c, stats, _, _ := newChecker()
	r := pgring.NewRing(1)
	p := r.At(0)
	p.SetVnode(backend.NewVnode(false, nil))

	got := c.Check(context.Background(), p, Back, false)
	assert.Equal(t, Freed, got)
	assert.Equal(t, 1, stats.fsfree)
	assert.Equal(t, 0, stats.execfree)
	assert.Equal(t, 0, stats.anonfree)
}

func TestCheckCleanSwapfsBackedPageBucketsAnonfree(t *testing.T) {
	c, stats, _, zones := newChecker()
	r := pgring.NewRing(1)
	p := r.At(0)
	p.SetVnode(backend.NewVnode(true, nil)) // swapfs-backed, not a plain file

	got := c.Check(context.Background(), p, Back, false)
	assert.Equal(t, Freed, got)
	assert.Equal(t, 1, stats.anonfree)
	assert.Equal(t, 0, stats.fsfree)
	assert.Equal(t, 0, stats.execfree)
	assert.Equal(t, zone.Counters{Anon: 1}, zones.Zone(0).Snapshot())
}

func TestCheckZoneOverCapFilterSkipsUnderCapZone(t *testing.T) {
	c, _, _, zones := newChecker()
	zones.SetOverCap(0, false)
	r := pgring.NewRing(1)
	p := r.At(0)

	got := c.Check(context.Background(), p, Back, true)
	assert.Equal(t, Ineligible, got)
}

func TestCheckZoneOverCapFilterAllowsOverCapZone(t *testing.T) {
	c, _, _, zones := newChecker()
	zones.SetOverCap(0, true)
	r := pgring.NewRing(1)
	p := r.At(0)

	got := c.Check(context.Background(), p, Back, true)
	assert.Equal(t, Freed, got)
}

func TestCheckHighlyShardPageIsIneligible(t *testing.T) {
	c, _, _, _ := newChecker()
	c.PoShare = func() int32 { return 4 }
	r := pgring.NewRing(1)
	p := r.At(0)
	p.SetShared(5)

	got := c.Check(context.Background(), p, Front, false)
	assert.Equal(t, Ineligible, got)
}
