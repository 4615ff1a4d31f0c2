package state

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Args is a decoded-argument map read back from the store. Numbers are kept
// as json.Number so arbitrary-precision integers survive the round trip.
type Args map[string]interface{}

func parseArgs(encoded string) Args {
	if encoded == "" {
		return Args{}
	}
	dec := json.NewDecoder(strings.NewReader(encoded))
	dec.UseNumber()
	var args Args
	if err := dec.Decode(&args); err != nil {
		return Args{}
	}
	return args
}

// bigValue converts one argument value to a big integer. Integral JSON
// numbers and decimal or 0x-hex strings are accepted.
func bigValue(v interface{}) (*big.Int, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, ok := new(big.Int).SetString(t.String(), 10); ok {
			return n, true
		}
		return nil, false
	case string:
		if strings.HasPrefix(t, "0x") {
			if n, ok := new(big.Int).SetString(t[2:], 16); ok {
				return n, true
			}
			return nil, false
		}
		if n, ok := new(big.Int).SetString(t, 10); ok {
			return n, true
		}
		return nil, false
	case float64:
		return big.NewInt(int64(t)), true
	case int64:
		return big.NewInt(t), true
	default:
		return nil, false
	}
}

// isInteger reports whether the value is an integral number, which is what
// distinguishes an ERC-20 transfer amount from anything else.
func isInteger(v interface{}) bool {
	n, ok := v.(json.Number)
	if !ok {
		return false
	}
	s := n.String()
	return !strings.ContainsAny(s, ".eE")
}

// firstBig returns the first key whose value converts to a non-zero big
// integer, mirroring short-circuit `a or b or 0` lookups.
func firstBig(args Args, keys ...string) *big.Int {
	for _, key := range keys {
		if v, ok := args[key]; ok {
			if n, ok := bigValue(v); ok && n.Sign() != 0 {
				return n
			}
		}
	}
	return big.NewInt(0)
}

// addrValue renders an argument as a lower-case address string.
func addrValue(v interface{}) string {
	if v == nil {
		return ""
	}
	return strings.ToLower(fmt.Sprint(v))
}

// subFloor subtracts b from a, flooring the result at zero.
func subFloor(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(a, b)
	if out.Sign() < 0 {
		return big.NewInt(0)
	}
	return out
}
