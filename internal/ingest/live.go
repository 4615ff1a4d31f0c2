package ingest

import (
	"context"
	"strings"
	"time"

	"degenerus-indexer/internal/decode"
	"degenerus-indexer/internal/rpc"
	"degenerus-indexer/internal/store"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

const maxReconnectBackoff = 60 * time.Second

// Live maintains the long-lived log subscription. It detects block gaps and
// heals them through the backfill engine before applying the triggering log,
// and undoes logs the node revokes during reorgs.
type Live struct {
	wsURL      string
	backfill   *Backfill
	st         *store.Store
	dec        *decode.Decoder
	blockTimes *rpc.BlockTimeCache
	addresses  []common.Address

	reconnectDelay time.Duration
}

// NewLive wires the live subscriber. reconnectDelay is the initial backoff in
// seconds; it doubles per consecutive failure up to a minute and resets after
// a successful subscribe.
func NewLive(wsURL string, backfill *Backfill, st *store.Store, dec *decode.Decoder, blockTimes *rpc.BlockTimeCache, addresses []common.Address, reconnectDelay int) *Live {
	if reconnectDelay < 1 {
		reconnectDelay = 1
	}
	return &Live{
		wsURL:          wsURL,
		backfill:       backfill,
		st:             st,
		dec:            dec,
		blockTimes:     blockTimes,
		addresses:      addresses,
		reconnectDelay: time.Duration(reconnectDelay) * time.Second,
	}
}

// Run keeps the subscription alive until the context is cancelled. Every
// (re)connection first catches up missed blocks, so the store never skips a
// range while the socket was down.
func (l *Live) Run(ctx context.Context) error {
	backoff := l.reconnectDelay
	for {
		subscribed, err := l.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			backoff = l.reconnectDelay
		}
		logrus.Warnf("Websocket error: %v", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

// runOnce performs one connect-subscribe-consume cycle. The returned flag
// reports whether the subscription was established, which drives the backoff
// reset.
func (l *Live) runOnce(ctx context.Context) (bool, error) {
	if err := l.backfill.Missed(ctx); err != nil {
		return false, err
	}

	ws, err := rpc.Dial(ctx, l.wsURL)
	if err != nil {
		return false, err
	}
	defer ws.Close()

	ch := make(chan types.Log, 256)
	sub, err := ws.SubscribeLogs(ctx, ethereum.FilterQuery{Addresses: l.addresses}, ch)
	if err != nil {
		return false, err
	}
	defer sub.Unsubscribe()
	logrus.Info("Websocket connected, subscribed to logs")

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-sub.Err():
			return true, err
		case lg := <-ch:
			if err := l.handleLog(ctx, lg); err != nil {
				return true, err
			}
		}
	}
}

// handleLog applies one streamed log: revoked logs are deleted, gaps are
// synchronously backfilled first, then the log itself is decoded, persisted
// and the cursor advanced.
func (l *Live) handleLog(ctx context.Context, lg types.Log) error {
	if lg.Removed {
		return l.st.DeleteLog(strings.ToLower(lg.TxHash.Hex()), lg.Index)
	}

	cursor, _ := l.st.Cursor()
	if int64(lg.BlockNumber) > cursor+1 {
		if err := l.backfill.Range(ctx, uint64(cursor+1), lg.BlockNumber-1); err != nil {
			return err
		}
	}

	ts, err := l.blockTimes.Timestamp(ctx, lg.BlockNumber)
	if err != nil {
		return err
	}
	dec := l.dec.Decode(lg)
	rec, indexed := makeRecord(lg, dec, &ts)
	if _, err := l.st.InsertEvent(rec); err != nil {
		return err
	}
	if err := l.st.InsertIndexedArgs(rec, indexed); err != nil {
		return err
	}
	return l.st.UpdateSync(lg.BlockNumber, &ts)
}
