package kfsync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForEachIndexEveryIndexExactlyOnce(t *testing.T) {
	const total = 37
	for limit := 1; limit <= total; limit++ {
		var mu sync.Mutex
		seen := make(map[int]int)

		err := forEachIndex(context.Background(), total, limit, func(_ context.Context, i int) error {
			mu.Lock()
			seen[i]++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		require.Len(t, seen, total, "limit %d", limit)
		for i := 0; i < total; i++ {
			assert.Equal(t, 1, seen[i], "limit %d index %d", limit, i)
		}
	}
}

func TestForEachIndexPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := forEachIndex(context.Background(), 20, 4, func(_ context.Context, i int) error {
		if i == 7 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
}

func TestForEachIndexZeroItems(t *testing.T) {
	called := false
	err := forEachIndex(context.Background(), 0, 8, func(_ context.Context, _ int) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestForEachIndexTolerantCountsFailuresAndContinues(t *testing.T) {
	const total = 50
	boom := errors.New("detail fetch failed")

	var mu sync.Mutex
	seen := make(map[int]int)
	var reported []int

	failed := forEachIndexTolerant(context.Background(), total, 8,
		func(_ context.Context, i int) error {
			mu.Lock()
			seen[i]++
			mu.Unlock()
			if i == 13 {
				return boom
			}
			return nil
		},
		func(i int, err error) {
			mu.Lock()
			reported = append(reported, i)
			mu.Unlock()
		},
		nil,
	)

	assert.Equal(t, 1, failed)
	require.Len(t, seen, total)
	for i := 0; i < total; i++ {
		assert.Equal(t, 1, seen[i], "index %d", i)
	}
	require.Equal(t, []int{13}, reported)
}

func TestForEachIndexTolerantProgressReachesTotal(t *testing.T) {
	const total = 25
	var mu sync.Mutex
	var last int
	calls := 0

	forEachIndexTolerant(context.Background(), total, 5,
		func(_ context.Context, _ int) error { return nil },
		nil,
		func(done, tot int) {
			mu.Lock()
			calls++
			if done > last {
				last = done
			}
			assert.Equal(t, total, tot)
			mu.Unlock()
		},
	)

	assert.Equal(t, total, calls)
	assert.Equal(t, total, last)
}

func TestProgressCheckpoints(t *testing.T) {
	// Final item always logs.
	assert.True(t, progressCheckpoints(100, 100, 10))
	// Small batches log every item.
	assert.True(t, progressCheckpoints(3, 5, 10))
	// Large batches log roughly every total/steps items.
	assert.True(t, progressCheckpoints(100, 1000, 10))
	assert.False(t, progressCheckpoints(101, 1000, 10))
	assert.False(t, progressCheckpoints(0, 1000, 10))
}
