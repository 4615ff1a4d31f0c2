package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"degenerus-indexer/internal/config"
	"degenerus-indexer/internal/store"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Contract is one watched contract with its parsed event schema.
type Contract struct {
	Name          string
	Address       common.Address
	DeployedBlock *uint64

	// ABI is nil when no schema could be located; the contract's logs then
	// decode as Unknown.
	ABI     *abi.ABI
	ABIHash *string

	// Events lists the contract's event ABIs in declaration order, anonymous
	// ones included. The decoder walks it for try-all fallback decoding.
	Events []abi.Event
	// TopicToEvent maps topic-0 to the event ABI. Anonymous events carry no
	// topic-0 and are excluded.
	TopicToEvent map[common.Hash]abi.Event
}

// Registry holds the watched address set and per-address event dispatch maps.
// It is immutable after Load.
type Registry struct {
	contracts map[common.Address]*Contract
	addresses []common.Address
}

// Load resolves every configured contract's ABI and builds the topic-0
// dispatch maps. ABI resolution precedence: inline array in the config, then
// an explicit file or directory path, then a recursive search of abiDir for
// <Name>.json or <Name>.abi.json. An explicitly named path that does not
// exist is fatal; a failed directory search only logs a warning.
func Load(cfg *config.Config) (*Registry, error) {
	if len(cfg.Contracts) == 0 {
		return nil, config.Errorf("config.contracts is empty")
	}
	reg := &Registry{contracts: make(map[common.Address]*Contract, len(cfg.Contracts))}

	for name, entry := range cfg.Contracts {
		if entry.Address == "" {
			return nil, config.Errorf("missing address for contract %s", name)
		}
		if !common.IsHexAddress(entry.Address) {
			return nil, config.Errorf("invalid address for contract %s: %s", name, entry.Address)
		}
		addr := common.HexToAddress(entry.Address)

		raw, err := resolveABI(name, entry, cfg.ABIDir)
		if err != nil {
			return nil, err
		}

		contract := &Contract{
			Name:          name,
			Address:       addr,
			DeployedBlock: entry.DeployedBlock,
			TopicToEvent:  make(map[common.Hash]abi.Event),
		}
		if raw != nil {
			if err := contract.attachABI(raw); err != nil {
				return nil, config.Errorf("parse abi for contract %s: %v", name, err)
			}
		}
		reg.contracts[addr] = contract
		reg.addresses = append(reg.addresses, addr)
	}

	sort.Slice(reg.addresses, func(i, j int) bool {
		return reg.addresses[i].Hex() < reg.addresses[j].Hex()
	})
	return reg, nil
}

// Addresses returns the watched address set in stable order.
func (r *Registry) Addresses() []common.Address {
	return r.addresses
}

// Lookup returns the contract registered for the given address.
func (r *Registry) Lookup(addr common.Address) (*Contract, bool) {
	c, ok := r.contracts[addr]
	return c, ok
}

// Persist writes the contract catalog to the store, insert-or-replace on
// address. Called on every load so ABI changes are detectable via the hash.
func (r *Registry) Persist(st *store.Store) error {
	for _, c := range r.contracts {
		if err := st.SaveContract(strings.ToLower(c.Address.Hex()), c.Name, c.ABIHash, c.DeployedBlock); err != nil {
			return err
		}
	}
	return nil
}

// attachABI parses the raw ABI JSON array and fills the event dispatch
// structures.
func (c *Contract) attachABI(raw []byte) error {
	parsed, err := abi.JSON(strings.NewReader(string(raw)))
	if err != nil {
		return err
	}
	c.ABI = &parsed

	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])
	c.ABIHash = &hash

	// Recover event declaration order from the raw array; the abi package
	// keeps events in a map.
	var decls []struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &decls); err != nil {
		return err
	}
	for _, decl := range decls {
		if decl.Type != "event" {
			continue
		}
		ev, ok := parsed.Events[decl.Name]
		if !ok {
			continue
		}
		c.Events = append(c.Events, ev)
		if !ev.Anonymous {
			c.TopicToEvent[ev.ID] = ev
		}
	}
	return nil
}

// resolveABI returns the canonical compact JSON array for the contract's ABI,
// or nil when none could be found through a directory search.
func resolveABI(name string, entry config.ContractEntry, abiDir string) ([]byte, error) {
	if entry.ABIInline != nil {
		raw, err := json.Marshal(yamlToJSON(entry.ABIInline))
		if err != nil {
			return nil, config.Errorf("encode inline abi for contract %s: %v", name, err)
		}
		return raw, nil
	}

	if entry.ABIPath != "" {
		path := entry.ABIPath
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			path = findABIFile(name, path)
		}
		if path == "" {
			return nil, config.Errorf("abi path not found for %s: %s", name, entry.ABIPath)
		}
		raw, err := readABIFile(path)
		if err != nil {
			return nil, config.Errorf("abi path not found for %s: %s (%v)", name, entry.ABIPath, err)
		}
		return raw, nil
	}

	path := findABIFile(name, abiDir)
	if path == "" {
		logrus.Warnf("ABI not found for %s (searched in %s)", name, abiDir)
		return nil, nil
	}
	raw, err := readABIFile(path)
	if err != nil {
		return nil, config.Errorf("read abi for contract %s: %v", name, err)
	}
	return raw, nil
}

// readABIFile loads an ABI file in either on-disk shape: a raw JSON array or
// a compiler artifact object with an "abi" key. The result is re-encoded as a
// compact JSON array so hashing is stable across formatting.
func readABIFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var asArray []interface{}
	if err := json.Unmarshal(data, &asArray); err == nil {
		return json.Marshal(asArray)
	}

	var asArtifact struct {
		ABI []interface{} `json:"abi"`
	}
	if err := json.Unmarshal(data, &asArtifact); err == nil && asArtifact.ABI != nil {
		return json.Marshal(asArtifact.ABI)
	}
	return nil, fmt.Errorf("file %s holds neither an ABI array nor an artifact with an abi key", path)
}

// findABIFile looks for <name>.json or <name>.abi.json directly under dir,
// then walks the tree for <name>.json. Returns "" when nothing matches.
func findABIFile(name, dir string) string {
	if dir == "" {
		return ""
	}
	if _, err := os.Stat(dir); err != nil {
		return ""
	}

	direct := filepath.Join(dir, name+".json")
	if _, err := os.Stat(direct); err == nil {
		return direct
	}
	directAlt := filepath.Join(dir, name+".abi.json")
	if _, err := os.Stat(directAlt); err == nil {
		return directAlt
	}

	var match string
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || match != "" {
			return nil
		}
		if !d.IsDir() && d.Name() == name+".json" {
			match = path
		}
		return nil
	})
	return match
}

// yamlToJSON rewrites yaml.v2's map[interface{}]interface{} trees into
// map[string]interface{} so they can be marshaled as JSON.
func yamlToJSON(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = yamlToJSON(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = yamlToJSON(val)
		}
		return out
	default:
		return v
	}
}
