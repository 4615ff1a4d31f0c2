package ingest

import (
	"context"
	"math/big"
	"sort"

	"degenerus-indexer/internal/decode"
	"degenerus-indexer/internal/rpc"
	"degenerus-indexer/internal/store"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Backfill pulls historical logs for block ranges in adaptive windows and
// writes them to the store as atomic batches.
type Backfill struct {
	node       Node
	st         *store.Store
	dec        *decode.Decoder
	blockTimes *rpc.BlockTimeCache
	addresses  []common.Address
	batchSize  uint64
	startBlock uint64
}

// NewBackfill wires a backfill engine over the watched address set.
func NewBackfill(node Node, st *store.Store, dec *decode.Decoder, blockTimes *rpc.BlockTimeCache, addresses []common.Address, batchSize, startBlock uint64) *Backfill {
	if batchSize == 0 {
		batchSize = 1
	}
	return &Backfill{
		node:       node,
		st:         st,
		dec:        dec,
		blockTimes: blockTimes,
		addresses:  addresses,
		batchSize:  batchSize,
		startBlock: startBlock,
	}
}

// Range ingests every watched log in [from, to], inclusive. The range is
// sliced into windows of the current batch size; when the node rejects a
// window as too large the size is halved and the same window retried, down to
// a single block. After each window the cursor advances to the window's last
// block together with that block's timestamp, so a crash resumes exactly
// where the last committed window ended.
func (b *Backfill) Range(ctx context.Context, from, to uint64) error {
	current := from
	batchSize := b.batchSize

	for current <= to {
		batchTo := current + batchSize - 1
		if batchTo > to {
			batchTo = to
		}

		logs, err := b.node.GetLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(current),
			ToBlock:   new(big.Int).SetUint64(batchTo),
			Addresses: b.addresses,
		})
		if err != nil {
			if rpc.IsRangeTooLarge(err) && batchSize > 1 {
				batchSize = batchSize / 2
				if batchSize < 1 {
					batchSize = 1
				}
				logrus.Warnf("get_logs too large (%d-%d), reducing batch size to %d", current, batchTo, batchSize)
				continue
			}
			return err
		}

		// Some nodes return logs unsorted.
		sort.SliceStable(logs, func(i, j int) bool {
			if logs[i].BlockNumber != logs[j].BlockNumber {
				return logs[i].BlockNumber < logs[j].BlockNumber
			}
			return logs[i].Index < logs[j].Index
		})

		// Decode outside the store lock; only the batch insert and cursor
		// update run inside it.
		items := make([]store.BatchItem, 0, len(logs))
		for _, lg := range logs {
			ts, err := b.blockTimes.Timestamp(ctx, lg.BlockNumber)
			if err != nil {
				return err
			}
			dec := b.dec.Decode(lg)
			rec, indexed := makeRecord(lg, dec, &ts)
			items = append(items, store.BatchItem{Event: rec, Indexed: indexed})
		}
		if err := b.st.InsertBatch(items); err != nil {
			return err
		}

		batchTS, err := b.blockTimes.Timestamp(ctx, batchTo)
		if err != nil {
			return err
		}
		if err := b.st.UpdateSync(batchTo, &batchTS); err != nil {
			return err
		}
		current = batchTo + 1
	}
	return nil
}

// Missed catches up from the sync cursor to the chain tip. The gap is
// [max(cursor+1, start_block), tip]; a no-op when the cursor is already at or
// past the tip.
func (b *Backfill) Missed(ctx context.Context) error {
	latest, err := b.node.LatestBlockNumber(ctx)
	if err != nil {
		return err
	}
	cursor, _ := b.st.Cursor()
	from := uint64(cursor + 1)
	if b.startBlock > from {
		from = b.startBlock
	}
	if from > latest {
		return nil
	}
	return b.Range(ctx, from, latest)
}
