package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPushPop(t *testing.T) {
	requireT := require.New(t)

	ctx := context.Background()
	q := New[int]()
	requireT.True(q.Push(1))
	requireT.True(q.Push(2))
	requireT.EqualValues(2, q.Len())

	v, err := q.Pop(ctx)
	requireT.NoError(err)
	requireT.Equal(1, v)
	v, err = q.Pop(ctx)
	requireT.NoError(err)
	requireT.Equal(2, v)

	_, ok := q.TryPop()
	requireT.False(ok)
}

func TestPopWaits(t *testing.T) {
	requireT := require.New(t)

	q := New[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(7)
	}()

	v, err := q.Pop(context.Background())
	requireT.NoError(err)
	requireT.Equal(7, v)
}

func TestPopCanceled(t *testing.T) {
	requireT := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New[int]().Pop(ctx)
	requireT.ErrorIs(err, context.Canceled)
}

func TestClose(t *testing.T) {
	requireT := require.New(t)

	q := New[int]()
	q.Push(1)
	q.Close()
	requireT.False(q.Push(2))

	v, err := q.Pop(context.Background())
	requireT.NoError(err)
	requireT.Equal(1, v)

	_, err = q.Pop(context.Background())
	requireT.ErrorIs(err, ErrClosed)
}

func TestManyProducers(t *testing.T) {
	requireT := require.New(t)

	const producers = 8
	const items = 1000

	q := New[int]()
	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range items {
				q.Push(p*items + i)
			}
		}()
	}

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	for range producers * items {
		v, err := q.Pop(context.Background())
		requireT.NoError(err)
		p, i := v/items, v%items
		// Items of one producer are received in order.
		requireT.Greater(i, last[p])
		last[p] = i
	}
	wg.Wait()
}
