package rpc

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
)

// HeaderSource is the slice of the client the block-time cache needs.
type HeaderSource interface {
	GetHeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// BlockTimeCache memoizes block-number -> block-timestamp lookups. Blocks are
// immutable for the lifetime of one indexer process, so entries are never
// invalidated; growth is bounded by the number of distinct blocks touched.
type BlockTimeCache struct {
	source HeaderSource

	mu    sync.Mutex
	cache map[uint64]uint64
}

// NewBlockTimeCache builds a cache reading through to the given source.
func NewBlockTimeCache(source HeaderSource) *BlockTimeCache {
	return &BlockTimeCache{source: source, cache: make(map[uint64]uint64)}
}

// Timestamp returns the timestamp of the given block, fetching the header at
// most once per block.
func (c *BlockTimeCache) Timestamp(ctx context.Context, block uint64) (uint64, error) {
	c.mu.Lock()
	if ts, ok := c.cache[block]; ok {
		c.mu.Unlock()
		return ts, nil
	}
	c.mu.Unlock()

	hdr, err := c.source.GetHeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.cache[block] = hdr.Time
	c.mu.Unlock()
	return hdr.Time, nil
}
