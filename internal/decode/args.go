package decode

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// normalizeValue rewrites one unpacked value guided by its ABI type: fixed
// and dynamic byte blobs become 0x hex strings, arrays become []interface{},
// tuples become name-keyed maps. Scalars pass through untouched.
func normalizeValue(v interface{}, t abi.Type) interface{} {
	// Indexed dynamic values surface as the topic hash itself.
	if h, ok := v.(common.Hash); ok {
		return h
	}
	switch t.T {
	case abi.FixedBytesTy, abi.BytesTy:
		rv := reflect.ValueOf(v)
		if isByteArray(rv) {
			return "0x" + hex.EncodeToString(byteSlice(rv))
		}
		return v
	case abi.SliceTy, abi.ArrayTy:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return v
		}
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = normalizeValue(rv.Index(i).Interface(), *t.Elem)
		}
		return out
	case abi.TupleTy:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Struct || len(t.TupleRawNames) != rv.NumField() {
			return v
		}
		out := make(map[string]interface{}, rv.NumField())
		for i, name := range t.TupleRawNames {
			if rv.Field(i).CanInterface() {
				out[name] = normalizeValue(rv.Field(i).Interface(), *t.TupleElems[i])
			}
		}
		return out
	default:
		return v
	}
}

// EncodeArgs serializes a decoded argument map to its canonical JSON form:
// big integers as JSON numbers (sqlite stores the text verbatim and the
// reconstructor parses it back with arbitrary precision), addresses
// as checksum hex strings, byte blobs as 0x-prefixed hex, sequences as
// arrays.
func EncodeArgs(args map[string]interface{}) string {
	out, err := json.Marshal(jsonValue(args))
	if err != nil {
		return "{}"
	}
	return asciiJSON(out)
}

// asciiJSON rewrites marshaled JSON so every non-ASCII character becomes a
// \uXXXX escape. The stored document stays 7-bit clean regardless of what
// string arguments a contract emits.
func asciiJSON(data []byte) string {
	var sb strings.Builder
	sb.Grow(len(data))
	for _, r := range string(data) {
		switch {
		case r < 0x80:
			sb.WriteRune(r)
		case r > 0xFFFF:
			r -= 0x10000
			fmt.Fprintf(&sb, `\u%04x\u%04x`, 0xD800+(r>>10), 0xDC00+(r&0x3FF))
		default:
			fmt.Fprintf(&sb, `\u%04x`, r)
		}
	}
	return sb.String()
}

// StringifyIndexed renders one indexed argument value for the secondary
// lookup table: big integers decimal, addresses checksum hex, byte blobs
// 0x hex, composites JSON.
func StringifyIndexed(v interface{}) string {
	switch t := v.(type) {
	case *big.Int:
		return t.String()
	case common.Address:
		return t.Hex()
	case common.Hash:
		return t.Hex()
	case []byte:
		return "0x" + hex.EncodeToString(t)
	case string:
		return t
	case bool:
		return fmt.Sprintf("%t", t)
	}

	rv := reflect.ValueOf(v)
	if isByteArray(rv) {
		return "0x" + hex.EncodeToString(byteSlice(rv))
	}
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array || rv.Kind() == reflect.Map || rv.Kind() == reflect.Struct {
		if out, err := json.Marshal(jsonValue(v)); err == nil {
			return string(out)
		}
	}
	return fmt.Sprint(v)
}

// jsonValue rewrites a decoded value into a tree json.Marshal renders
// losslessly.
func jsonValue(v interface{}) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case *big.Int:
		// A decimal integer literal is valid JSON of arbitrary precision.
		return json.RawMessage(t.String())
	case common.Address:
		return t.Hex()
	case common.Hash:
		return t.Hex()
	case []byte:
		return "0x" + hex.EncodeToString(t)
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return t
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = jsonValue(val)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if isByteArray(rv) {
			return "0x" + hex.EncodeToString(byteSlice(rv))
		}
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = jsonValue(rv.Index(i).Interface())
		}
		return out
	case reflect.Struct:
		// Tuple inputs unpack into anonymous structs.
		out := make(map[string]interface{}, rv.NumField())
		rt := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			if !rv.Field(i).CanInterface() {
				continue
			}
			out[fieldName(rt.Field(i))] = jsonValue(rv.Field(i).Interface())
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return jsonValue(rv.Elem().Interface())
	default:
		return fmt.Sprint(v)
	}
}

func isByteArray(rv reflect.Value) bool {
	return (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) &&
		rv.Type().Elem().Kind() == reflect.Uint8
}

func byteSlice(rv reflect.Value) []byte {
	out := make([]byte, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = byte(rv.Index(i).Uint())
	}
	return out
}

func fieldName(f reflect.StructField) string {
	if tag, ok := f.Tag.Lookup("abi"); ok && tag != "" {
		return tag
	}
	name := f.Name
	return string(name[0]|0x20) + name[1:]
}
