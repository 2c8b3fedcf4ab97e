package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/vietddude/keeper/internal/control"
	"github.com/vietddude/keeper/internal/core/config"
	"github.com/vietddude/keeper/internal/core/state"
	"github.com/vietddude/keeper/internal/health"
	"github.com/vietddude/keeper/internal/keeper/backoff"
	"github.com/vietddude/keeper/internal/keeper/scanner"
	"github.com/vietddude/keeper/internal/keeper/submit"
)

var (
	cfgPath string
	isDebug bool

	// flagValues receives every keeper flag. Only flags set explicitly
	// override the config file.
	flagValues        = config.Defaults()
	minSubmitInterval time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "keeper",
	Short: "Subscription keeper",
	Long: `Keeper discovers due subscriptions on an OpenSub ledger and charges them with collect(),
backing off known-bad subscriptions and never double-submitting in-flight charges.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runKeeper,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	k := &flagValues.Keeper

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "keeper config file (YAML, optional)")
	pf.BoolVar(&isDebug, "debug", false, "enable debug logging")
	pf.StringVar(&k.Deployment, "deployment", k.Deployment, "deployment artifact JSON")
	pf.StringVar(&k.StateFile, "state-file", k.StateFile, "keeper state file")
	pf.StringVar(&k.RPCURL, "rpc-url", "", "RPC URL (overrides "+config.RPCURLEnv+" and the deployment)")
	pf.StringVar(&flagValues.Redis.URL, "redis-url", "", "mirror state to this Redis URL")
	pf.StringVar(&flagValues.Database.URL, "database-url", "", "journal attempts to this PostgreSQL URL")

	f := rootCmd.Flags()
	f.StringVar(&k.PrivateKeyEnv, "private-key-env", k.PrivateKeyEnv, "env var holding the keeper private key")
	f.BoolVar(&k.Once, "once", false, "run a single cycle and exit")
	f.Uint64Var(&k.PollSeconds, "poll-seconds", k.PollSeconds, "seconds between cycles")
	f.Uint64Var(&k.Confirmations, "confirmations", k.Confirmations, "confirmations for log scans and receipts")
	f.Uint64Var(&k.LogChunk, "log-chunk", k.LogChunk, "blocks per eth_getLogs request")
	f.IntVar(&k.MaxConcurrency, "max-concurrency", k.MaxConcurrency, "max concurrent RPC reads")
	f.Uint64Var(&k.GasLimit, "gas-limit", 0, "fixed gas limit for collect (0 estimates)")
	f.IntVar(&k.MaxTxsPerCycle, "max-txs-per-cycle", k.MaxTxsPerCycle, "max collect transactions per cycle")
	f.DurationVar(&minSubmitInterval, "min-submit-interval",
		time.Duration(k.MinSubmitIntervalMs)*time.Millisecond, "minimum spacing between sends")
	f.Uint64Var(&k.TxTimeoutSeconds, "tx-timeout-seconds", k.TxTimeoutSeconds, "receipt wait per transaction")
	f.Uint64Var(&k.PendingTTLSeconds, "pending-ttl-seconds", k.PendingTTLSeconds, "drop receiptless in-flight txs after this long")
	f.BoolVar(&k.ForcePending, "force-pending", false, "skip receipt waits and reconcile next cycle")
	f.Uint64Var(&k.BackoffBaseSeconds, "backoff-base-seconds", k.BackoffBaseSeconds, "base backoff for retryable failures")
	f.Uint64Var(&k.BackoffMaxSeconds, "backoff-max-seconds", k.BackoffMaxSeconds, "maximum backoff")
	f.Uint64Var(&k.PlanInactiveBackoffSeconds, "plan-inactive-backoff-seconds", k.PlanInactiveBackoffSeconds, "base backoff for inactive plans")
	f.Uint64Var(&k.RPCErrorBackoffSeconds, "rpc-error-backoff-seconds", k.RPCErrorBackoffSeconds, "fixed backoff after RPC errors")
	f.Uint64Var(&k.JitterSeconds, "jitter-seconds", k.JitterSeconds, "deterministic jitter window")
	f.BoolVar(&k.DryRun, "dry-run", false, "do everything except send transactions")
	f.BoolVar(&k.NoSimulate, "no-simulate", false, "disable the eth_call simulation guard")
	f.BoolVar(&k.IgnoreBackoff, "ignore-backoff", false, "retry every subscription every cycle (debug only)")
	f.IntVar(&flagValues.Server.Port, "metrics-port", 0, "serve /health and /metrics on this port (0 disables)")
	f.StringVar(&flagValues.Journal.File, "journal-file", "", "append charge attempts to this JSONL file")
}

func runKeeper(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := loadConfig(cmd)
	if err != nil {
		setupLogging("")
		slog.Error("Failed to load config", "error", err)
		return err
	}
	setupLogging(cfg.Logging.Level)

	if err := runWithConfig(cmd.Context(), cfg); err != nil {
		slog.Error("Keeper stopped", "error", err)
		return err
	}
	return nil
}

func runWithConfig(parent context.Context, cfg *config.AppConfig) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kc := &cfg.Keeper
	dep, err := config.LoadDeployment(kc.Deployment)
	if err != nil {
		return err
	}

	key, err := loadPrivateKey(kc.PrivateKeyEnv, kc.DryRun)
	if err != nil {
		return err
	}

	eth, err := dialLedger(ctx, kc, dep, key)
	if err != nil {
		return err
	}
	defer eth.Close()

	if err := checkDeployment(ctx, eth, dep); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(kc.StateFile), 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	lock, err := state.AcquireLock(kc.StateFile)
	if err != nil {
		return err
	}
	defer func() {
		_ = lock.Release()
	}()

	store := state.NewStore(kc.StateFile)
	st, err := store.LoadOrInit(state.New(dep.ChainID, dep.LedgerAddress(), dep.StartBlock))
	if err != nil {
		return err
	}

	sink, err := openJournal(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = sink.Close()
	}()

	deps := control.Deps{
		Ledger:    eth,
		Persister: store,
		Journal:   sink,
	}
	if cfg.Redis.URL != "" {
		mirror, closeMirror, err := openMirror(ctx, cfg, dep)
		if err != nil {
			return err
		}
		defer closeMirror()
		deps.Mirror = mirror
	}

	keeper, err := control.New(controlConfig(kc, dep.StartBlock), deps, st)
	if err != nil {
		return fmt.Errorf("failed to initialize keeper: %w", err)
	}

	if cfg.Server.Port > 0 {
		staleAfter := 3*kc.PollInterval() + kc.TxTimeout()
		srv := health.NewServer(health.NewMonitor(keeper, staleAfter), cfg.Server.Port)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Health server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(shutdownCtx)
		}()
		slog.Info("Health server listening", "port", cfg.Server.Port)
	}

	slog.Info("Keeper started",
		"chain_id", dep.ChainID,
		"ledger", dep.LedgerAddress(),
		"keeper", eth.Keeper(),
		"state_file", kc.StateFile,
		"known_subscriptions", len(st.Subscriptions),
		"last_scanned_block", st.LastScannedBlock,
		"dry_run", kc.DryRun,
		"simulate", !kc.NoSimulate,
	)

	if err := keeper.Run(ctx); err != nil {
		return err
	}
	slog.Info("Keeper stopped gracefully")
	return nil
}

func controlConfig(k *config.KeeperConfig, startBlock uint64) control.Config {
	secs := func(n uint64) time.Duration { return time.Duration(n) * time.Second }
	return control.Config{
		StartBlock:     startBlock,
		PollInterval:   k.PollInterval(),
		Once:           k.Once,
		DryRun:         k.DryRun,
		Simulate:       !k.NoSimulate,
		IgnoreBackoff:  k.IgnoreBackoff,
		MaxConcurrency: k.MaxConcurrency,
		Scanner: scanner.Config{
			ChunkSize:     k.LogChunk,
			Confirmations: k.Confirmations,
		},
		Submit: submit.Config{
			MaxTxsPerCycle: k.MaxTxsPerCycle,
			MinInterval:    k.MinSubmitInterval(),
			TxTimeout:      k.TxTimeout(),
			PendingTTL:     k.PendingTTL(),
			Confirmations:  k.Confirmations,
			ForcePending:   k.ForcePending,
		},
		Backoff: backoff.Policy{
			Base:             secs(k.BackoffBaseSeconds),
			PlanInactiveBase: secs(k.PlanInactiveBackoffSeconds),
			RPCError:         secs(k.RPCErrorBackoffSeconds),
			Max:              secs(k.BackoffMaxSeconds),
			Jitter:           secs(k.JitterSeconds),
		},
	}
}
