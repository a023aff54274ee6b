package plugin

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     int
	broken atomic.Bool
	valid  bool
	closed atomic.Bool
}

func (c *fakeConn) Valid(ctx context.Context) bool { return c.valid }
func (c *fakeConn) Broken() bool                   { return c.broken.Load() }
func (c *fakeConn) Close() error                   { c.closed.Store(true); return nil }

func TestConnPoolManagerReusesIdleConn(t *testing.T) {
	var next int
	pool := NewConnPoolManager(2, func(ctx context.Context) (*fakeConn, error) {
		next++
		return &fakeConn{id: next, valid: true}, nil
	})

	c1, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(c1)

	c2, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, next)
}

func TestConnPoolManagerDiscardsBrokenConn(t *testing.T) {
	var next int
	pool := NewConnPoolManager(2, func(ctx context.Context) (*fakeConn, error) {
		next++
		return &fakeConn{id: next, valid: true}, nil
	})

	c1, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	c1.broken.Store(true)
	pool.Release(c1)

	c2, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	assert.NotSame(t, c1, c2)
	assert.True(t, c1.closed.Load())
	assert.Equal(t, 2, next)
}

func TestConnPoolManagerDialError(t *testing.T) {
	wantErr := errors.New("dial failed")
	pool := NewConnPoolManager(1, func(ctx context.Context) (*fakeConn, error) {
		return nil, wantErr
	})

	_, err := pool.Acquire(context.Background())
	assert.ErrorIs(t, err, wantErr)
}

func TestConnPoolManagerCloseClosesIdle(t *testing.T) {
	pool := NewConnPoolManager(1, func(ctx context.Context) (*fakeConn, error) {
		return &fakeConn{valid: true}, nil
	})

	c1, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(c1)

	require.NoError(t, pool.Close())
	assert.True(t, c1.closed.Load())

	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}
