package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRangeTooLarge(t *testing.T) {
	for _, msg := range []string{
		"query returned more than 10000 results",
		"too many results in requested range",
		"block range is too wide",
		"log response size exceeded",
		"requested range 5000 is greater than the limit 2000",
	} {
		assert.True(t, IsRangeTooLarge(errors.New(msg)), msg)
	}

	assert.False(t, IsRangeTooLarge(nil))
	assert.False(t, IsRangeTooLarge(errors.New("connection refused")))
	// Wrapped errors still classify.
	assert.True(t, IsRangeTooLarge(fmt.Errorf("get_logs: %w", errors.New("too many results"))))
}

type countingSource struct {
	calls int
	err   error
}

func (s *countingSource) GetHeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &types.Header{Number: number, Time: 1_700_000_000 + number.Uint64()}, nil
}

func TestBlockTimeCacheMemoizes(t *testing.T) {
	src := &countingSource{}
	cache := NewBlockTimeCache(src)
	ctx := context.Background()

	ts, err := cache.Timestamp(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_700_000_042), ts)

	_, err = cache.Timestamp(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	_, err = cache.Timestamp(ctx, 43)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestBlockTimeCacheDoesNotCacheErrors(t *testing.T) {
	src := &countingSource{err: errors.New("node down")}
	cache := NewBlockTimeCache(src)
	ctx := context.Background()

	_, err := cache.Timestamp(ctx, 7)
	require.Error(t, err)

	src.err = nil
	ts, err := cache.Timestamp(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_700_000_007), ts)
	assert.Equal(t, 2, src.calls)
}
