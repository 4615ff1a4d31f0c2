package ingest

import (
	"context"
	"encoding/hex"
	"math/big"
	"sort"
	"strings"

	"degenerus-indexer/internal/decode"
	"degenerus-indexer/internal/store"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

// Node is the slice of the RPC client the ingestion engine consumes. Tests
// substitute a scripted implementation.
type Node interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	GetHeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// makeRecord turns a decoded log into its persistence shape: the event row
// plus the indexed-argument rows.
func makeRecord(lg types.Log, dec decode.Decoded, ts *uint64) (store.EventRecord, []store.IndexedArg) {
	rec := store.EventRecord{
		BlockNumber:     lg.BlockNumber,
		BlockTimestamp:  ts,
		TxHash:          strings.ToLower(lg.TxHash.Hex()),
		TxIndex:         lg.TxIndex,
		LogIndex:        lg.Index,
		ContractAddress: strings.ToLower(lg.Address.Hex()),
		EventName:       dec.Name,
		DecodedArgs:     decode.EncodeArgs(dec.Args),
	}
	if dec.Signature != nil {
		sig := strings.ToLower(dec.Signature.Hex())
		rec.EventSignature = &sig
	}
	if len(lg.Data) > 0 {
		raw := "0x" + hex.EncodeToString(lg.Data)
		rec.RawData = &raw
	}

	names := make([]string, 0, len(dec.Indexed))
	for name := range dec.Indexed {
		names = append(names, name)
	}
	sort.Strings(names)
	indexed := make([]store.IndexedArg, 0, len(names))
	for _, name := range names {
		indexed = append(indexed, store.IndexedArg{
			Name:  name,
			Value: decode.StringifyIndexed(dec.Indexed[name]),
		})
	}
	return rec, indexed
}
