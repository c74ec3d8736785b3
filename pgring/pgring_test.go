package pgring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biscuit-os/pageout/backend"
)

func TestRingWraps(t *testing.T) {
	r := NewRing(4)
	require.Equal(t, 4, r.Len())
	require.Equal(t, Pfn_t(0), r.First())

	p := r.First()
	for i := 0; i < 4; i++ {
		p = r.Next(p)
	}
	assert.Equal(t, r.First(), p, "four Next calls on a 4-page ring should return to the start")

	assert.Equal(t, Pfn_t(2), r.NextN(0, 6), "6 steps on a 4-page ring wraps to index 2")
}

func TestSyncClearsOnFrontHandOnly(t *testing.T) {
	r := NewRing(1)
	p := r.At(0)
	p.Touch(true) // ref=true, mod=true

	attr := p.Sync(SampleOnly)
	assert.True(t, attr.Ref)
	assert.True(t, attr.Mod)
	// SampleOnly must not clear anything.
	assert.Equal(t, Attr{Ref: true, Mod: true}, p.GetAttr())

	attr = p.Sync(ZeroRefMod)
	assert.True(t, attr.Ref)
	assert.True(t, attr.Mod)
	assert.Equal(t, Attr{}, p.GetAttr(), "ZeroRefMod must clear both bits")
}

func TestCheckShareThreshold(t *testing.T) {
	r := NewRing(1)
	p := r.At(0)
	p.SetShared(8)
	assert.False(t, p.CheckShare(8), "shared==n is not strictly greater")
	p.SetShared(9)
	assert.True(t, p.CheckShare(8))
}

func TestDisposeClearsVnodeAndState(t *testing.T) {
	r := NewRing(1)
	p := r.At(0)
	v := backend.NewVnode(false, nil)
	p.SetVnode(v)
	p.Touch(true)

	p.Dispose()

	assert.Nil(t, p.Vnode())
	assert.True(t, p.OnFreeList())
	assert.Equal(t, Attr{}, p.GetAttr())
}

func TestTryDemoteAlwaysSucceeds(t *testing.T) {
	r := NewRing(1)
	p := r.At(0)
	p.SetSzc(3)
	require.True(t, p.TryDemote())
	assert.Equal(t, 0, p.Szc())
}

func TestTryLockExcludesConcurrentHolder(t *testing.T) {
	r := NewRing(1)
	p := r.At(0)
	require.True(t, p.TryLock())
	assert.False(t, p.TryLock(), "a page already locked must reject a second TryLock")
	p.Unlock()
	assert.True(t, p.TryLock())
}
