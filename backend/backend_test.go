package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHoldReleaseBalances(t *testing.T) {
	v := NewVnode(false, nil)
	require.Equal(t, int64(0), v.Holds())

	v.Hold()
	v.Hold()
	assert.Equal(t, int64(2), v.Holds())

	v.Release()
	assert.Equal(t, int64(1), v.Holds())
	v.Release()
	assert.Equal(t, int64(0), v.Holds())
}

func TestReleaseWithoutHoldPanics(t *testing.T) {
	v := NewVnode(false, nil)
	assert.Panics(t, func() { v.Release() })
}

func TestPutPageDelegatesToBackingFunc(t *testing.T) {
	var gotOff int64 = -1
	var gotVnode *Vnode
	v := NewVnode(true, func(ctx context.Context, vn *Vnode, off int64) error {
		gotVnode = vn
		gotOff = off
		return nil
	})

	err := v.PutPage(context.Background(), 4096)
	require.NoError(t, err)
	assert.Equal(t, v, gotVnode)
	assert.Equal(t, int64(4096), gotOff)
}

func TestPutPageNilFuncIsNoop(t *testing.T) {
	v := NewVnode(false, nil)
	assert.NoError(t, v.PutPage(context.Background(), 0))
}
