package decode

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"degenerus-indexer/internal/config"
	"degenerus-indexer/internal/registry"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tokenAddrHex = "0x1111111111111111111111111111111111111111"

const tokenABI = `[
  {"type":"event","name":"Transfer","inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"value","type":"uint256","indexed":false}]},
  {"type":"event","name":"GamepieceMinted","inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"traits","type":"uint8[4]","indexed":false}]},
  {"type":"event","name":"Ping","anonymous":true,"inputs":[
    {"name":"sender","type":"address","indexed":true}]},
  {"type":"event","name":"Note","inputs":[
    {"name":"selector","type":"bytes4","indexed":false},
    {"name":"data","type":"bytes","indexed":false}]}
]`

func testDecoder(t *testing.T) (*Decoder, *registry.Contract) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Token.json"), []byte(tokenABI), 0o644))

	cfg := &config.Config{
		ABIDir: dir,
		Contracts: map[string]config.ContractEntry{
			"Token": {Address: tokenAddrHex},
		},
	}
	reg, err := registry.Load(cfg)
	require.NoError(t, err)

	contract, ok := reg.Lookup(common.HexToAddress(tokenAddrHex))
	require.True(t, ok)
	require.NotNil(t, contract.ABI)
	return New(reg), contract
}

func addressTopic(hexAddr string) common.Hash {
	return common.BytesToHash(common.HexToAddress(hexAddr).Bytes())
}

func uintWord(v int64) []byte {
	return common.LeftPadBytes(big.NewInt(v).Bytes(), 32)
}

func TestDecodeTransferByTopic0(t *testing.T) {
	dec, contract := testDecoder(t)
	transferID := contract.ABI.Events["Transfer"].ID
	from := "0xaaaa000000000000000000000000000000000001"
	to := "0xbbbb000000000000000000000000000000000002"

	got := dec.Decode(types.Log{
		Address: common.HexToAddress(tokenAddrHex),
		Topics:  []common.Hash{transferID, addressTopic(from), addressTopic(to)},
		Data:    uintWord(1000),
	})

	assert.Equal(t, "Transfer", got.Name)
	require.NotNil(t, got.Signature)
	assert.Equal(t, transferID, *got.Signature)

	assert.Equal(t, common.HexToAddress(from), got.Args["from"])
	assert.Equal(t, common.HexToAddress(to), got.Args["to"])
	value, ok := got.Args["value"].(*big.Int)
	require.True(t, ok)
	assert.Equal(t, int64(1000), value.Int64())

	assert.Len(t, got.Indexed, 2)
	assert.Contains(t, got.Indexed, "from")
	assert.Contains(t, got.Indexed, "to")
	assert.NotContains(t, got.Indexed, "value")
}

func TestDecodeStaticArrayArgument(t *testing.T) {
	dec, contract := testDecoder(t)
	mintID := contract.ABI.Events["GamepieceMinted"].ID
	owner := "0xaaaa000000000000000000000000000000000001"

	var data []byte
	for _, trait := range []int64{0, 2, 3, 1} {
		data = append(data, uintWord(trait)...)
	}

	got := dec.Decode(types.Log{
		Address: common.HexToAddress(tokenAddrHex),
		Topics:  []common.Hash{mintID, common.BigToHash(big.NewInt(7)), addressTopic(owner)},
		Data:    data,
	})

	require.Equal(t, "GamepieceMinted", got.Name)
	assert.Equal(t, []interface{}{uint8(0), uint8(2), uint8(3), uint8(1)}, got.Args["traits"])

	encoded := EncodeArgs(got.Args)
	assert.JSONEq(t, fmt.Sprintf(`{
		"tokenId": 7,
		"to": %q,
		"traits": [0, 2, 3, 1]
	}`, common.HexToAddress(owner).Hex()), encoded)
}

func TestDecodeBytesArguments(t *testing.T) {
	dec, contract := testDecoder(t)
	noteID := contract.ABI.Events["Note"].ID

	// abi encoding of (bytes4 0xdeadbeef, bytes 0x0102)
	var data []byte
	data = append(data, common.RightPadBytes([]byte{0xde, 0xad, 0xbe, 0xef}, 32)...)
	data = append(data, uintWord(64)...)
	data = append(data, uintWord(2)...)
	data = append(data, common.RightPadBytes([]byte{0x01, 0x02}, 32)...)

	got := dec.Decode(types.Log{
		Address: common.HexToAddress(tokenAddrHex),
		Topics:  []common.Hash{noteID},
		Data:    data,
	})

	require.Equal(t, "Note", got.Name)
	assert.Equal(t, "0xdeadbeef", got.Args["selector"])
	assert.Equal(t, "0x0102", got.Args["data"])
}

func TestDecodeAnonymousEventFallback(t *testing.T) {
	dec, _ := testDecoder(t)
	sender := "0xaaaa000000000000000000000000000000000001"

	// An anonymous event has no topic-0, so dispatch must fall back to
	// trying every candidate.
	got := dec.Decode(types.Log{
		Address: common.HexToAddress(tokenAddrHex),
		Topics:  []common.Hash{addressTopic(sender)},
	})

	require.Equal(t, "Ping", got.Name)
	assert.Equal(t, common.HexToAddress(sender), got.Args["sender"])
}

func TestDecodeUnknownTopic(t *testing.T) {
	dec, _ := testDecoder(t)
	bogus := common.HexToHash("0x00000000000000000000000000000000000000000000000000000000deadbeef")

	got := dec.Decode(types.Log{
		Address: common.HexToAddress(tokenAddrHex),
		Topics:  []common.Hash{bogus, bogus, bogus, bogus},
		Data:    uintWord(1),
	})

	assert.Equal(t, UnknownEvent, got.Name)
	require.NotNil(t, got.Signature)
	assert.Equal(t, bogus, *got.Signature)
	assert.Empty(t, got.Args)
}

func TestDecodeUnknownTopicWithKnownShape(t *testing.T) {
	dec, _ := testDecoder(t)
	bogus := common.HexToHash("0x00000000000000000000000000000000000000000000000000000000deadbeef")
	from := "0xaaaa000000000000000000000000000000000001"
	to := "0xbbbb000000000000000000000000000000000002"

	// Same topic count and data layout as Transfer, but a foreign signature.
	// The fallback must not attach it to Transfer.
	got := dec.Decode(types.Log{
		Address: common.HexToAddress(tokenAddrHex),
		Topics:  []common.Hash{bogus, addressTopic(from), addressTopic(to)},
		Data:    uintWord(1000),
	})

	assert.Equal(t, UnknownEvent, got.Name)
	require.NotNil(t, got.Signature)
	assert.Equal(t, bogus, *got.Signature)
	assert.Empty(t, got.Args)
}

func TestDecodeUnregisteredAddress(t *testing.T) {
	dec, contract := testDecoder(t)
	transferID := contract.ABI.Events["Transfer"].ID

	got := dec.Decode(types.Log{
		Address: common.HexToAddress("0x9999999999999999999999999999999999999999"),
		Topics:  []common.Hash{transferID},
	})
	assert.Equal(t, UnknownEvent, got.Name)
}

func TestDecodeTopicCountMismatchDegrades(t *testing.T) {
	dec, contract := testDecoder(t)
	transferID := contract.ABI.Events["Transfer"].ID

	// Transfer needs three topics; a truncated log must not half-decode.
	got := dec.Decode(types.Log{
		Address: common.HexToAddress(tokenAddrHex),
		Topics:  []common.Hash{transferID, addressTopic(tokenAddrHex)},
		Data:    uintWord(5),
	})
	assert.Equal(t, UnknownEvent, got.Name)
}

func TestEncodeArgsLosslessBigInt(t *testing.T) {
	huge, ok := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	require.True(t, ok)

	owner := common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	encoded := EncodeArgs(map[string]interface{}{
		"value": huge,
		"owner": owner,
		"blob":  []byte{0xca, 0xfe},
	})
	assert.JSONEq(t, fmt.Sprintf(`{
		"value": 115792089237316195423570985008687907853269984665640564039457584007913129639935,
		"owner": %q,
		"blob": "0xcafe"
	}`, owner.Hex()), encoded)
}

func TestEncodeArgsEscapesNonASCII(t *testing.T) {
	encoded := EncodeArgs(map[string]interface{}{
		"name":  "héllo",
		"emoji": "🎲",
	})
	assert.NotContains(t, encoded, "é")
	assert.Contains(t, encoded, `\u00e9`)
	// Characters beyond the BMP escape as a surrogate pair.
	assert.Contains(t, encoded, `\ud83c\udfb2`)
	assert.JSONEq(t, `{"name":"héllo","emoji":"🎲"}`, encoded)
}

func TestStringifyIndexed(t *testing.T) {
	assert.Equal(t, "1000", StringifyIndexed(big.NewInt(1000)))
	owner := common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	assert.Equal(t, owner.Hex(), StringifyIndexed(owner))
	assert.Equal(t, "true", StringifyIndexed(true))
	assert.Equal(t, "hello", StringifyIndexed("hello"))
	assert.Equal(t, "0x0102", StringifyIndexed([]byte{0x01, 0x02}))
}
