package config

import (
	"fmt"
	"os"
	"path/filepath"

	yaml "gopkg.in/yaml.v2"
)

// Defaults applied by Load when the corresponding key is absent.
const (
	DefaultDBPath               = "./events.db"
	DefaultABIDir               = "./abis"
	DefaultBatchSize            = 1000
	DefaultReconnectDelay       = 5
	DefaultHealthCheckInterval  = 30
	DefaultHealthCheckThreshold = 3
)

// Error marks a configuration problem that is fatal at startup. The process
// is expected to exit when it sees one of these.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return e.Msg }

// Errorf builds a config Error the same way fmt.Errorf would.
func Errorf(format string, args ...interface{}) error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// ContractEntry describes one watched contract. In the config file it can be
// written either as a bare address string or as a mapping with address,
// deployed_block and an optional abi source (inline array or path).
type ContractEntry struct {
	Address       string
	DeployedBlock *uint64
	// ABIPath is set when the abi key holds a file or directory path.
	ABIPath string
	// ABIInline holds the raw inline ABI array when the abi key embeds it
	// directly in the config. It is re-encoded to JSON before parsing.
	ABIInline []interface{}
}

// UnmarshalYAML accepts both contract entry shapes.
func (c *ContractEntry) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var addr string
	if err := unmarshal(&addr); err == nil {
		c.Address = addr
		return nil
	}

	var full struct {
		Address       string      `yaml:"address"`
		DeployedBlock *uint64     `yaml:"deployed_block"`
		ABI           interface{} `yaml:"abi"`
	}
	if err := unmarshal(&full); err != nil {
		return err
	}
	c.Address = full.Address
	c.DeployedBlock = full.DeployedBlock
	switch abi := full.ABI.(type) {
	case string:
		c.ABIPath = abi
	case []interface{}:
		c.ABIInline = abi
	case nil:
	default:
		return fmt.Errorf("unsupported abi value of type %T", full.ABI)
	}
	return nil
}

type Config struct {
	RPCWS                string                   `yaml:"rpc_ws"`
	RPCHTTP              string                   `yaml:"rpc_http"`
	DBPath               string                   `yaml:"db_path"`
	ABIDir               string                   `yaml:"abi_dir"`
	StartBlock           uint64                   `yaml:"start_block"`
	ReconnectDelay       int                      `yaml:"reconnect_delay"`
	BatchSize            uint64                   `yaml:"batch_size"`
	HealthCheckInterval  int                      `yaml:"health_check_interval"`
	HealthCheckThreshold uint64                   `yaml:"health_check_threshold"`
	Contracts            map[string]ContractEntry `yaml:"contracts"`
}

// Load reads and unmarshals the configuration file located at the given path.
// YAML is a superset of JSON here, so plain JSON config files are accepted
// unchanged. The contracts map is validated by the registry, not here:
// read-only commands against an existing database do not need one.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, Errorf("read config: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, Errorf("parse config: %v", err)
	}

	// Apply defaults for keys the file did not set.
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	if cfg.ABIDir == "" {
		cfg.ABIDir = DefaultABIDir
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if cfg.HealthCheckThreshold == 0 {
		cfg.HealthCheckThreshold = DefaultHealthCheckThreshold
	}

	return &cfg, nil
}

// RequireHTTP returns a fatal config error unless an HTTP endpoint is set.
// Backfills, block timestamps and health probes all need it.
func (c *Config) RequireHTTP() error {
	if c.RPCHTTP == "" {
		return Errorf("rpc_http is required for backfills and block timestamps")
	}
	return nil
}

// RequireWS returns a fatal config error unless a websocket endpoint is set.
func (c *Config) RequireWS() error {
	if c.RPCWS == "" {
		return Errorf("rpc_ws is required for live subscription")
	}
	return nil
}
