package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/vietddude/keeper/internal/core/cursor"
	"github.com/vietddude/keeper/internal/core/state"
)

var resetCursorCmd = &cobra.Command{
	Use:   "reset-cursor [block]",
	Short: "Set the last scanned block in the state file",
	Long: `Reset-cursor rewrites lastScannedBlock so the next run rescans from block+1.
Rediscovered subscriptions are deduplicated. The keeper must not be running.`,
	Args: cobra.ExactArgs(1),
	RunE: runResetCursor,
}

func init() {
	rootCmd.AddCommand(resetCursorCmd)
}

func runResetCursor(cmd *cobra.Command, args []string) error {
	block, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid block height %q: %w", args[0], err)
	}

	_ = godotenv.Load()
	cfg, err := loadConfig(cmd)
	if err != nil {
		setupLogging("")
		slog.Error("Failed to load config", "error", err)
		return err
	}
	setupLogging(cfg.Logging.Level)

	path := cfg.Keeper.StateFile
	lock, err := state.AcquireLock(path)
	if err != nil {
		slog.Error("Failed to lock state file", "error", err)
		return err
	}
	defer func() {
		_ = lock.Release()
	}()

	store := state.NewStore(path)
	st, found, err := store.Load()
	if err != nil {
		slog.Error("Failed to load state", "error", err)
		return err
	}
	if !found {
		err := errors.New("state file does not exist: " + path)
		slog.Error("Failed to reset cursor", "error", err)
		return err
	}

	previous := st.LastScannedBlock
	cursor.NewManager(st, 0).Reset(block)
	if err := store.Save(st); err != nil {
		slog.Error("Failed to save state", "error", err)
		return err
	}

	fmt.Printf("Successfully reset cursor from block %d to %d\n", previous, block)
	return nil
}
