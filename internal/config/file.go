package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// NetworkType represents the network (mainnet or testnet).
type NetworkType string

const (
	NetworkMainnet NetworkType = "mainnet"
	NetworkTestnet NetworkType = "testnet"
)

// File holds all runtime configuration loaded from config.yaml.
type File struct {
	// NetworkType is the network type (mainnet or testnet).
	NetworkType NetworkType `yaml:"network_type"`

	// Storage settings
	Storage StorageConfig `yaml:"storage"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging"`

	// Gateways holds per-ledger endpoint configuration.
	Gateways map[string]*GatewayConfig `yaml:"gateways,omitempty"`

	// Swap orchestration overrides (defaults applied if zero).
	Swap SwapFileConfig `yaml:"swap"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// GatewayConfig holds endpoint configuration for one ledger gateway.
type GatewayConfig struct {
	// RPCURL is the node endpoint (EVM JSON-RPC, Solana JSON-RPC).
	RPCURL string `yaml:"rpc_url,omitempty"`

	// HorizonURL is the Stellar Horizon endpoint.
	HorizonURL string `yaml:"horizon_url,omitempty"`

	// ContractAddr is the HTLC contract address (EVM).
	ContractAddr string `yaml:"contract_addr,omitempty"`

	// ProgramID is the HTLC program address (Solana).
	ProgramID string `yaml:"program_id,omitempty"`

	// SignerKeyFile is the path to the coordinator's signing key for this ledger.
	// EVM: 32-byte hex private key. Solana: 32-byte hex ed25519 seed.
	// Stellar: S... strkey seed.
	SignerKeyFile string `yaml:"signer_key_file,omitempty"`
}

// SwapFileConfig holds user-tunable swap settings.
type SwapFileConfig struct {
	MatchToleranceBps uint32 `yaml:"match_tolerance_bps"`
	ExpiryIntervalSec int    `yaml:"expiry_interval_sec"`
}

// IsTestnet returns true if running on testnet.
func (f *File) IsTestnet() bool {
	return f.NetworkType == NetworkTestnet
}

// SwapConfig folds the file overrides into the compiled defaults.
func (f *File) SwapConfig() *SwapConfig {
	cfg := DefaultSwapConfig()
	if f.Swap.MatchToleranceBps > 0 {
		cfg.MatchToleranceBps = f.Swap.MatchToleranceBps
	}
	if f.Swap.ExpiryIntervalSec > 0 {
		cfg.ExpiryInterval = time.Duration(f.Swap.ExpiryIntervalSec) * time.Second
	}
	return cfg
}

// Gateway returns the gateway config for a ledger tag, or nil.
func (f *File) Gateway(tag string) *GatewayConfig {
	if f.Gateways == nil {
		return nil
	}
	return f.Gateways[tag]
}

// DefaultFile returns a File with sensible defaults.
func DefaultFile() *File {
	return &File{
		NetworkType: NetworkMainnet,
		Storage: StorageConfig{
			DataDir: "~/.crosslock",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Gateways: map[string]*GatewayConfig{
			"evm":     {RPCURL: "http://127.0.0.1:8545"},
			"solana":  {RPCURL: "http://127.0.0.1:8899"},
			"stellar": {HorizonURL: "https://horizon.stellar.org"},
		},
	}
}

// FileName is the default config file name.
const FileName = "config.yaml"

// Load loads configuration from config.yaml in the data directory.
// If the file doesn't exist, it creates one with default values.
func Load(dataDir string) (*File, error) {
	expandedDir := ExpandPath(dataDir)
	configPath := filepath.Join(expandedDir, FileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultFile()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultFile()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the config to the given path as YAML.
func (f *File) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
