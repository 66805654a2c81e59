// Package main provides the crosslockd daemon - the cross-chain swap coordinator.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/config"
	"github.com/crosslock-exchange/crosslock/internal/gateway"
	"github.com/crosslock-exchange/crosslock/internal/ledger"
	"github.com/crosslock-exchange/crosslock/internal/nonce"
	"github.com/crosslock-exchange/crosslock/internal/rpc"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/internal/swap"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data-dir", "~/.crosslock", "Data directory")
		apiAddr     = flag.String("api", "127.0.0.1:8080", "JSON-RPC API address")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("crosslockd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Load or create config file
	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over config file
	cfg.Logging.Level = *logLevel
	cfg.Storage.DataDir = *dataDir
	if *testnet {
		cfg.NetworkType = config.NetworkTestnet
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	network := ledger.Mainnet
	if cfg.IsTestnet() {
		network = ledger.Testnet
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	// Nonce allocation is shared across all EVM gateways.
	allocator := nonce.NewAllocator(store, log)

	// Build ledger gateways from config. Missing or unconfigured ledgers
	// are skipped; the coordinator refuses orders on ledgers it has no
	// gateway for.
	registry := gateway.NewRegistry()
	defer registry.Close()

	for _, tag := range ledger.Supported(network) {
		gwCfg := cfg.Gateway(tag)
		if gwCfg == nil {
			log.Warn("No gateway configured, skipping ledger", "ledger", tag)
			continue
		}

		gw, err := buildGateway(ctx, tag, network, gwCfg, allocator, log)
		if err != nil {
			log.Fatal("Failed to initialize gateway", "ledger", tag, "error", err)
		}
		registry.Register(gw)

		// EVM gateways draw nonces from the shared allocator; seed it
		// from the chain before any transaction goes out.
		if evm, ok := gw.(*gateway.EVMGateway); ok {
			if err := allocator.Initialize(ctx, evm.SignerAddress(), evm); err != nil {
				log.Fatal("Failed to initialize nonce state", "ledger", tag, "error", err)
			}
		}

		log.Info("Gateway initialized", "ledger", tag)
	}

	// Initialize swap coordinator
	coordinator := swap.NewCoordinator(&swap.CoordinatorConfig{
		Store:     store,
		Gateways:  registry,
		Allocator: allocator,
		Swap:      cfg.SwapConfig(),
		Network:   network,
		Logger:    log,
	})
	defer coordinator.Stop()
	log.Info("Swap coordinator initialized", "network", network)

	// Expire orders that went stale while the daemon was down.
	if err := coordinator.Recover(); err != nil {
		log.Warn("Recovery sweep failed", "error", err)
	}

	// Start the background expiry monitor
	coordinator.StartExpiryMonitor()

	// Start RPC server
	rpcServer := rpc.NewServer(store, registry, coordinator)
	if err := rpcServer.Start(*apiAddr); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	printBanner(log, registry, network, *apiAddr)

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}

	log.Info("Shutdown complete")
}

// buildGateway constructs the gateway for one ledger from its config block.
func buildGateway(ctx context.Context, tag string, network ledger.Network, gwCfg *config.GatewayConfig, allocator *nonce.Allocator, log *logging.Logger) (gateway.Gateway, error) {
	params, ok := ledger.Get(tag, network)
	if !ok {
		return nil, fmt.Errorf("unknown ledger %q on %s", tag, network)
	}

	key, err := readSignerKey(gwCfg.SignerKeyFile)
	if err != nil {
		return nil, err
	}

	switch params.Type {
	case ledger.TypeEVM:
		contract := gwCfg.ContractAddr
		if contract == "" {
			contract = config.GetEVMHTLCContract(params.ChainID)
		}
		if contract == "" {
			return nil, fmt.Errorf("no HTLC contract known for %s (chain %d)", tag, params.ChainID)
		}
		return gateway.NewEVMGateway(ctx, gateway.EVMConfig{
			Ledger:       tag,
			RPCURL:       gwCfg.RPCURL,
			ContractAddr: contract,
			SignerKeyHex: key,
			Nonces:       allocator,
			Logger:       log,
		})

	case ledger.TypeSolana:
		seed, err := hex.DecodeString(strings.TrimPrefix(key, "0x"))
		if err != nil {
			return nil, fmt.Errorf("solana signer seed must be hex: %w", err)
		}
		program := gwCfg.ProgramID
		if program == "" {
			program = config.GetSolanaHTLCProgram(string(network))
		}
		return gateway.NewSolanaGateway(gateway.SolanaConfig{
			Ledger:     tag,
			RPCURL:     gwCfg.RPCURL,
			ProgramID:  program,
			SignerSeed: seed,
			Logger:     log,
		})

	case ledger.TypeStellar:
		return gateway.NewStellarGateway(gateway.StellarConfig{
			Ledger:            tag,
			HorizonURL:        gwCfg.HorizonURL,
			NetworkPassphrase: params.NetworkPassphrase,
			SignerSeed:        key,
			Logger:            log,
		})
	}

	return nil, fmt.Errorf("no gateway implementation for ledger type %q", params.Type)
}

// readSignerKey loads and trims the signing key material for one ledger.
func readSignerKey(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("signer_key_file is required")
	}
	data, err := os.ReadFile(config.ExpandPath(path))
	if err != nil {
		return "", fmt.Errorf("failed to read signer key: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// printBanner logs startup info.
func printBanner(log *logging.Logger, registry *gateway.Registry, network ledger.Network, apiAddr string) {
	log.Info("========================================")
	log.Info("Crosslock coordinator is running")
	log.Info("Version: " + version)
	log.Info("Network: " + string(network))
	log.Info("Ledgers: " + strings.Join(registry.Ledgers(), ", "))
	log.Info("RPC API: http://" + apiAddr)
	log.Info("WebSocket: ws://" + apiAddr + "/ws")
	log.Info("========================================")
}
