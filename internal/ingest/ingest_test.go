package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"degenerus-indexer/internal/config"
	"degenerus-indexer/internal/decode"
	"degenerus-indexer/internal/registry"
	"degenerus-indexer/internal/rpc"
	"degenerus-indexer/internal/store"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBaseTime = uint64(1_700_000_000)
	tokenAddr    = "0x1111111111111111111111111111111111111111"
)

const transferABI = `[
  {"type":"event","name":"Transfer","inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"value","type":"uint256","indexed":false}]}
]`

// fakeNode serves a fixed log set and rejects windows wider than maxRange the
// way capacity-limited nodes do.
type fakeNode struct {
	latest   uint64
	logs     []types.Log
	maxRange uint64 // 0 means unlimited
	failAll  error
	windows  [][2]uint64
}

func (f *fakeNode) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return f.latest, nil
}

func (f *fakeNode) GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	from := query.FromBlock.Uint64()
	to := query.ToBlock.Uint64()
	f.windows = append(f.windows, [2]uint64{from, to})
	if f.failAll != nil {
		return nil, f.failAll
	}
	if f.maxRange > 0 && to-from+1 > f.maxRange {
		return nil, errors.New("query returned more than 10000 results")
	}
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeNode) GetHeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: number, Time: testBaseTime + number.Uint64()}, nil
}

type harness struct {
	node *fakeNode
	st   *store.Store
	dec  *decode.Decoder
	bt   *rpc.BlockTimeCache
	reg  *registry.Registry
}

func newHarness(t *testing.T, startBlock uint64) *harness {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Token.json"), []byte(transferABI), 0o644))
	reg, err := registry.Load(&config.Config{
		ABIDir: dir,
		Contracts: map[string]config.ContractEntry{
			"Token": {Address: tokenAddr},
		},
	})
	require.NoError(t, err)

	st, err := store.Open(":memory:", startBlock)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	node := &fakeNode{}
	return &harness{
		node: node,
		st:   st,
		dec:  decode.New(reg),
		bt:   rpc.NewBlockTimeCache(node),
		reg:  reg,
	}
}

func (h *harness) backfill(batchSize, startBlock uint64) *Backfill {
	return NewBackfill(h.node, h.st, h.dec, h.bt, h.reg.Addresses(), batchSize, startBlock)
}

func (h *harness) live(batchSize uint64) *Live {
	return NewLive("ws://unused", h.backfill(batchSize, 0), h.st, h.dec, h.bt, h.reg.Addresses(), 1)
}

func transferLog(block uint64, logIndex uint, value int64) types.Log {
	return types.Log{
		Address: common.HexToAddress(tokenAddr),
		Topics: []common.Hash{
			common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"),
			common.BytesToHash(common.HexToAddress("0xaaaa000000000000000000000000000000000001").Bytes()),
			common.BytesToHash(common.HexToAddress("0xbbbb000000000000000000000000000000000002").Bytes()),
		},
		Data:        common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block)*1000 + int64(logIndex))),
		Index:       logIndex,
	}
}

func TestRangeIngestsAndAdvancesCursor(t *testing.T) {
	h := newHarness(t, 0)
	h.node.logs = []types.Log{transferLog(5, 0, 100), transferLog(5, 1, 200), transferLog(8, 0, 300)}

	require.NoError(t, h.backfill(1000, 0).Range(context.Background(), 0, 10))

	count, err := h.st.CountEvents()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	cursor, ts := h.st.Cursor()
	assert.Equal(t, int64(10), cursor)
	require.NotNil(t, ts)
	assert.Equal(t, testBaseTime+10, *ts)

	events, err := h.st.EventsUpTo(10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "Transfer", events[0].EventName)
	assert.JSONEq(t, fmt.Sprintf(`{"from": %q, "to": %q, "value": 100}`,
		common.HexToAddress("0xaaaa000000000000000000000000000000000001").Hex(),
		common.HexToAddress("0xbbbb000000000000000000000000000000000002").Hex(),
	), events[0].DecodedArgs)
	require.NotNil(t, events[0].BlockTimestamp)
	assert.Equal(t, testBaseTime+5, *events[0].BlockTimestamp)
}

func TestRangeAdaptiveWindowHalving(t *testing.T) {
	h := newHarness(t, 0)
	h.node.maxRange = 25
	h.node.logs = []types.Log{transferLog(3, 0, 1), transferLog(60, 0, 2), transferLog(99, 0, 3)}

	require.NoError(t, h.backfill(100, 0).Range(context.Background(), 0, 99))

	// 100-wide and 50-wide windows bounce, then 25-wide windows sweep the
	// range without re-fetching covered blocks.
	assert.Equal(t, [][2]uint64{
		{0, 99}, {0, 49}, {0, 24}, {25, 49}, {50, 74}, {75, 99},
	}, h.node.windows)

	count, err := h.st.CountEvents()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	cursor, _ := h.st.Cursor()
	assert.Equal(t, int64(99), cursor)
}

func TestRangeSingleBlockRejectionIsFatal(t *testing.T) {
	h := newHarness(t, 0)
	h.node.failAll = errors.New("query returned more than 10000 results")

	err := h.backfill(1, 0).Range(context.Background(), 5, 5)
	require.Error(t, err)
	assert.True(t, rpc.IsRangeTooLarge(err))
}

func TestRangeIdempotentReplay(t *testing.T) {
	h := newHarness(t, 0)
	h.node.logs = []types.Log{transferLog(5, 0, 100), transferLog(8, 0, 300)}
	b := h.backfill(1000, 0)

	require.NoError(t, b.Range(context.Background(), 0, 10))
	require.NoError(t, b.Range(context.Background(), 0, 10))

	count, err := h.st.CountEvents()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	indexed, err := h.st.CountIndexedArgs()
	require.NoError(t, err)
	assert.Equal(t, 4, indexed)
}

func TestMissedCatchesUpFromCursor(t *testing.T) {
	h := newHarness(t, 100)
	h.node.latest = 110
	h.node.logs = []types.Log{transferLog(105, 0, 1)}
	b := h.backfill(1000, 100)

	require.NoError(t, b.Missed(context.Background()))
	require.Len(t, h.node.windows, 1)
	assert.Equal(t, [2]uint64{100, 110}, h.node.windows[0])

	cursor, _ := h.st.Cursor()
	assert.Equal(t, int64(110), cursor)

	// At the tip the catch-up is a no-op.
	require.NoError(t, b.Missed(context.Background()))
	assert.Len(t, h.node.windows, 1)
}

func TestMissedHonorsStartBlockFloor(t *testing.T) {
	h := newHarness(t, 0)
	h.node.latest = 50
	b := h.backfill(1000, 30)

	require.NoError(t, b.Missed(context.Background()))
	require.Len(t, h.node.windows, 1)
	assert.Equal(t, [2]uint64{30, 50}, h.node.windows[0])
}

func TestLiveGapHeal(t *testing.T) {
	h := newHarness(t, 0)
	h.node.logs = []types.Log{transferLog(2, 0, 10), transferLog(3, 0, 20)}
	l := h.live(1000)

	// A streamed log past cursor+1 must trigger a synchronous backfill of the
	// gap before the log itself lands.
	require.NoError(t, l.handleLog(context.Background(), transferLog(5, 0, 30)))

	require.Len(t, h.node.windows, 1)
	assert.Equal(t, [2]uint64{1, 4}, h.node.windows[0])

	count, err := h.st.CountEvents()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	cursor, ts := h.st.Cursor()
	assert.Equal(t, int64(5), cursor)
	require.NotNil(t, ts)
	assert.Equal(t, testBaseTime+5, *ts)
}

func TestLiveSequentialLogNeedsNoBackfill(t *testing.T) {
	h := newHarness(t, 0)
	l := h.live(1000)

	require.NoError(t, l.handleLog(context.Background(), transferLog(1, 0, 10)))
	assert.Empty(t, h.node.windows)

	cursor, _ := h.st.Cursor()
	assert.Equal(t, int64(1), cursor)
}

func TestLiveRemovedLogRevokesEvent(t *testing.T) {
	h := newHarness(t, 0)
	l := h.live(1000)
	lg := transferLog(1, 0, 10)

	require.NoError(t, l.handleLog(context.Background(), lg))
	count, err := h.st.CountEvents()
	require.NoError(t, err)
	require.Equal(t, 1, count)

	revoked := lg
	revoked.Removed = true
	require.NoError(t, l.handleLog(context.Background(), revoked))

	count, err = h.st.CountEvents()
	require.NoError(t, err)
	assert.Zero(t, count)
	indexed, err := h.st.CountIndexedArgs()
	require.NoError(t, err)
	assert.Zero(t, indexed)

	// Revocation must not advance the cursor.
	cursor, _ := h.st.Cursor()
	assert.Equal(t, int64(1), cursor)
}

func TestHealthCatchUpOnLag(t *testing.T) {
	h := newHarness(t, 0)
	h.node.latest = 20
	h.node.logs = []types.Log{transferLog(15, 0, 1)}
	health := NewHealth(h.node, h.backfill(1000, 0), h.st, 1, 5)

	health.check(context.Background())
	require.Len(t, h.node.windows, 1)
	assert.Equal(t, [2]uint64{1, 20}, h.node.windows[0])

	// Within the threshold the monitor stays quiet.
	h.node.latest = 24
	health.check(context.Background())
	assert.Len(t, h.node.windows, 1)
}

func TestMakeRecordShape(t *testing.T) {
	h := newHarness(t, 0)
	lg := transferLog(7, 2, 42)
	ts := testBaseTime + 7

	rec, indexed := makeRecord(lg, h.dec.Decode(lg), &ts)

	assert.Equal(t, uint64(7), rec.BlockNumber)
	assert.Equal(t, tokenAddr, rec.ContractAddress)
	assert.Equal(t, "Transfer", rec.EventName)
	require.NotNil(t, rec.EventSignature)
	assert.Equal(t, "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef", *rec.EventSignature)
	require.NotNil(t, rec.RawData)
	assert.Equal(t, "0x"+"000000000000000000000000000000000000000000000000000000000000002a", *rec.RawData)

	// Indexed args come out sorted by name.
	require.Len(t, indexed, 2)
	assert.Equal(t, "from", indexed[0].Name)
	assert.Equal(t, "to", indexed[1].Name)
}

func TestMakeRecordOmitsEmptyData(t *testing.T) {
	h := newHarness(t, 0)
	lg := transferLog(7, 0, 1)
	lg.Data = nil
	ts := testBaseTime

	rec, _ := makeRecord(lg, h.dec.Decode(lg), &ts)
	assert.Nil(t, rec.RawData)
}
