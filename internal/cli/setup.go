package cli

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/keeper/internal/core/config"
	"github.com/vietddude/keeper/internal/infra/journal"
	"github.com/vietddude/keeper/internal/infra/ledger"
	redisclient "github.com/vietddude/keeper/internal/infra/redis"
	"github.com/vietddude/keeper/internal/infra/storage/postgres"
	"github.com/vietddude/stylelog"
)

// loadConfig reads the config file and applies explicitly set flags on top.
func loadConfig(cmd *cobra.Command) (*config.AppConfig, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Keeper.Validate(); err != nil {
		return nil, fmt.Errorf("invalid keeper config: %w", err)
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.AppConfig) {
	fs := cmd.Flags()
	src := &flagValues.Keeper
	dst := &cfg.Keeper

	overrides := map[string]func(){
		"deployment":                    func() { dst.Deployment = src.Deployment },
		"state-file":                    func() { dst.StateFile = src.StateFile },
		"rpc-url":                       func() { dst.RPCURL = src.RPCURL },
		"private-key-env":               func() { dst.PrivateKeyEnv = src.PrivateKeyEnv },
		"once":                          func() { dst.Once = src.Once },
		"poll-seconds":                  func() { dst.PollSeconds = src.PollSeconds },
		"confirmations":                 func() { dst.Confirmations = src.Confirmations },
		"log-chunk":                     func() { dst.LogChunk = src.LogChunk },
		"max-concurrency":               func() { dst.MaxConcurrency = src.MaxConcurrency },
		"gas-limit":                     func() { dst.GasLimit = src.GasLimit },
		"max-txs-per-cycle":             func() { dst.MaxTxsPerCycle = src.MaxTxsPerCycle },
		"min-submit-interval":           func() { dst.MinSubmitIntervalMs = uint64(minSubmitInterval.Milliseconds()) },
		"tx-timeout-seconds":            func() { dst.TxTimeoutSeconds = src.TxTimeoutSeconds },
		"pending-ttl-seconds":           func() { dst.PendingTTLSeconds = src.PendingTTLSeconds },
		"force-pending":                 func() { dst.ForcePending = src.ForcePending },
		"backoff-base-seconds":          func() { dst.BackoffBaseSeconds = src.BackoffBaseSeconds },
		"backoff-max-seconds":           func() { dst.BackoffMaxSeconds = src.BackoffMaxSeconds },
		"plan-inactive-backoff-seconds": func() { dst.PlanInactiveBackoffSeconds = src.PlanInactiveBackoffSeconds },
		"rpc-error-backoff-seconds":     func() { dst.RPCErrorBackoffSeconds = src.RPCErrorBackoffSeconds },
		"jitter-seconds":                func() { dst.JitterSeconds = src.JitterSeconds },
		"dry-run":                       func() { dst.DryRun = src.DryRun },
		"no-simulate":                   func() { dst.NoSimulate = src.NoSimulate },
		"ignore-backoff":                func() { dst.IgnoreBackoff = src.IgnoreBackoff },
		"metrics-port":                  func() { cfg.Server.Port = flagValues.Server.Port },
		"journal-file":                  func() { cfg.Journal.File = flagValues.Journal.File },
		"redis-url":                     func() { cfg.Redis.URL = flagValues.Redis.URL },
		"database-url":                  func() { cfg.Database.URL = flagValues.Database.URL },
	}
	for name, apply := range overrides {
		if f := fs.Lookup(name); f != nil && f.Changed {
			apply()
		}
	}
}

func setupLogging(level string) {
	slogLevel := slog.LevelInfo
	switch {
	case isDebug || level == "debug":
		slogLevel = slog.LevelDebug
	case level == "warn":
		slogLevel = slog.LevelWarn
	case level == "error":
		slogLevel = slog.LevelError
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
}

// loadPrivateKey reads the signer key from envName. The key is optional in
// dry-run mode.
func loadPrivateKey(envName string, dryRun bool) (*ecdsa.PrivateKey, error) {
	raw := strings.TrimSpace(os.Getenv(envName))
	if raw == "" {
		if dryRun {
			slog.Warn("No private key set; dry run simulates from the zero address", "env", envName)
			return nil, nil
		}
		return nil, fmt.Errorf("missing private key: set %s", envName)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key in %s: %w", envName, err)
	}
	return key, nil
}

func dialLedger(
	ctx context.Context,
	kc *config.KeeperConfig,
	dep *config.Deployment,
	key *ecdsa.PrivateKey,
) (*ledger.EthLedger, error) {
	rpcURL, err := config.ResolveRPCURL(kc.RPCURL, dep, os.Getenv)
	if err != nil {
		return nil, err
	}
	eth, err := ledger.Dial(ctx, ledger.Config{
		RPCURL:     rpcURL,
		Address:    dep.LedgerAddress(),
		PrivateKey: key,
		GasLimit:   kc.GasLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("rpc unreachable: %w", err)
	}
	return eth, nil
}

// checkDeployment verifies the RPC serves the deployment's chain and that
// the ledger has code.
func checkDeployment(ctx context.Context, eth *ledger.EthLedger, dep *config.Deployment) error {
	if eth.ChainID() != dep.ChainID {
		return fmt.Errorf("chain id mismatch: rpc reports %d, deployment expects %d", eth.ChainID(), dep.ChainID)
	}
	ok, err := eth.HasCode(ctx)
	if err != nil {
		return fmt.Errorf("failed to read ledger code: %w", err)
	}
	if !ok {
		return fmt.Errorf("no contract code at ledger address %s; check the deployment and RPC", dep.LedgerAddress())
	}
	return nil
}

// openJournal builds the configured journal sinks. Without any it returns
// journal.Nop.
func openJournal(ctx context.Context, cfg *config.AppConfig) (journal.Sink, error) {
	var sinks journal.Multi
	if fs := journal.NewFileSink(cfg.Journal.File); fs != nil {
		sinks = append(sinks, fs)
		slog.Info("Journaling charge attempts", "file", cfg.Journal.File)
	}

	if cfg.Database.URL != "" {
		repo, closeDB, err := openJournalRepo(ctx, cfg.Database)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, closingSink{Sink: repo, close: closeDB})
		slog.Info("Journaling charge attempts to PostgreSQL")
	}

	if len(sinks) == 0 {
		return journal.Nop{}, nil
	}
	return sinks, nil
}

func openJournalRepo(ctx context.Context, cfg postgres.Config) (*postgres.JournalRepo, func() error, error) {
	db, err := postgres.NewDB(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to migrate journal schema: %w", err)
	}
	return postgres.NewJournalRepo(db), db.Close, nil
}

// closingSink closes the owning resource after the sink.
type closingSink struct {
	journal.Sink
	close func() error
}

func (c closingSink) Close() error {
	err := c.Sink.Close()
	if cerr := c.close(); err == nil {
		err = cerr
	}
	return err
}

func openMirror(
	ctx context.Context,
	cfg *config.AppConfig,
	dep *config.Deployment,
) (*redisclient.Mirror, func(), error) {
	client, err := redisclient.NewClient(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	keys := redisclient.NewKeys(cfg.Redis.Prefix, dep.ChainID, dep.LedgerAddress().Hex())
	slog.Info("Mirroring state to Redis", "cursor_key", keys.Cursor())
	return redisclient.NewMirror(client, keys), func() { _ = client.Close() }, nil
}
