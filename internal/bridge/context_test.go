package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextArena(t *testing.T) {
	a := contextArena{max: 2}
	h1, c1, ok := a.alloc()
	require.True(t, ok)
	assert.True(t, h1.valid())
	_, _, ok = a.alloc()
	require.True(t, ok)
	_, _, ok = a.alloc()
	assert.False(t, ok)
	assert.Same(t, c1, a.get(h1))

	a.release(h1)
	assert.Nil(t, a.get(h1))
	h3, _, ok := a.alloc()
	require.True(t, ok)
	assert.Equal(t, h1.index, h3.index)
	assert.NotEqual(t, h1.gen, h3.gen)
	assert.Nil(t, a.get(h1))
	assert.NotNil(t, a.get(h3))

	a.release(h1)
	assert.Equal(t, 2, a.live)
	assert.Nil(t, a.get(ctxHandle{}))
	assert.Nil(t, a.get(ctxHandle{index: 9}))
}

func cookieAt(depth int) uint64 {
	if depth == 0 {
		return stackCookie()
	}
	return cookieAt(depth - 1)
}

func TestStackCookieDecreasesWithDepth(t *testing.T) {
	assert.Less(t, cookieAt(3), cookieAt(0))
	assert.Equal(t, cookieAt(2), cookieAt(2))
}
