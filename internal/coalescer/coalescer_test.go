package coalescer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCoalescer_FlushesOnMaxLength(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New[int](ctx, 3, time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Push(ctx, i))
	}

	select {
	case batch := <-c.Batches():
		require.Equal(t, []int{0, 1, 2}, batch)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for batch")
	}
}

func TestCoalescer_FlushesOnMaxWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New[int](ctx, 100, 20*time.Millisecond)
	require.NoError(t, c.Push(ctx, 1))
	require.NoError(t, c.Push(ctx, 2))

	select {
	case batch := <-c.Batches():
		require.Equal(t, []int{1, 2}, batch)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for time-based flush")
	}
}

func TestCoalescer_PreservesOrderAcrossBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New[int](ctx, 2, time.Hour)
	// Push blocks once the input buffer is full and a flushed batch is
	// waiting to be read, so push from a goroutine while batches are read.
	pushErr := make(chan error, 1)
	go func() {
		var err error
		for i := 0; i < 6 && err == nil; i++ {
			err = c.Push(ctx, i)
		}
		pushErr <- err
	}()

	var got []int
	for len(got) < 6 {
		batch := <-c.Batches()
		got = append(got, batch...)
	}
	require.NoError(t, <-pushErr)
	require.Equal(t, []int{0, 1, 2, 3, 4, 5}, got)
}

func TestCoalescer_CloseFlushesResidue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New[string](ctx, 10, time.Hour)
	require.NoError(t, c.Push(ctx, "a"))
	require.NoError(t, c.Push(ctx, "b"))
	c.Close()

	select {
	case batch, ok := <-c.Batches():
		require.True(t, ok)
		require.Equal(t, []string{"a", "b"}, batch)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for residue flush")
	}

	_, ok := <-c.Batches()
	require.False(t, ok, "batches channel should close after residue flush")
}

func TestCoalescer_ContextCancelFlushesAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := New[int](ctx, 10, time.Hour)
	require.NoError(t, c.Push(ctx, 42))
	cancel()

	select {
	case batch := <-c.Batches():
		require.Equal(t, []int{42}, batch)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation flush")
	}
}
