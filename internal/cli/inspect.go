package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/vietddude/keeper/internal/core/config"
	"github.com/vietddude/keeper/internal/core/domain"
	"github.com/vietddude/keeper/internal/core/state"
	"github.com/vietddude/keeper/internal/infra/journal"
	"github.com/vietddude/keeper/internal/infra/ledger"
)

var inspectJournalLimit int

var inspectCmd = &cobra.Command{
	Use:   "inspect [subscription_id]",
	Short: "Read one subscription from the ledger and the local state",
	Long: `Inspect reads isDue, hasAccess, the subscription and its plan from the ledger, then prints
the subscription's retry record and in-flight entry from the state file. With --database-url it also
lists the most recent journaled attempts.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().IntVar(&inspectJournalLimit, "journal-limit", 10, "journal entries to list")
	rootCmd.AddCommand(inspectCmd)
}

// ledgerView is the live ledger read for one subscription.
type ledgerView struct {
	IsDue        bool
	HasAccess    bool
	Subscription domain.Subscription
	Plan         domain.Plan
}

func runInspect(cmd *cobra.Command, args []string) error {
	id, err := domain.ParseSubscriptionID(args[0])
	if err != nil {
		return err
	}

	_ = godotenv.Load()
	cfg, err := loadConfig(cmd)
	if err != nil {
		setupLogging("")
		slog.Error("Failed to load config", "error", err)
		return err
	}
	setupLogging(cfg.Logging.Level)

	dep, err := config.LoadDeployment(cfg.Keeper.Deployment)
	if err != nil {
		slog.Error("Failed to load deployment", "error", err)
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	eth, err := dialLedger(ctx, &cfg.Keeper, dep, nil)
	if err != nil {
		slog.Error("Failed to connect", "error", err)
		return err
	}
	defer eth.Close()

	view, err := readLedger(ctx, eth, id)
	if err != nil {
		slog.Error("Failed to read subscription", "subscription_id", id, "error", err)
		return err
	}

	var st *state.KeeperState
	if loaded, found, err := state.NewStore(cfg.Keeper.StateFile).Load(); err != nil {
		slog.Warn("Failed to load state file", "error", err)
	} else if found {
		st = loaded
	}

	var entries []journal.Entry
	if cfg.Database.URL != "" {
		repo, closeDB, err := openJournalRepo(ctx, cfg.Database)
		if err != nil {
			slog.Warn("Journal unavailable", "error", err)
		} else {
			defer func() {
				_ = closeDB()
			}()
			if entries, err = repo.ListBySubscription(ctx, id, inspectJournalLimit); err != nil {
				slog.Warn("Failed to list journal entries", "error", err)
			}
		}
	}

	printInspect(os.Stdout, id, view, st, entries, time.Now())
	return nil
}

func readLedger(ctx context.Context, eth *ledger.EthLedger, id domain.SubscriptionID) (ledgerView, error) {
	var v ledgerView
	var err error
	if v.IsDue, err = eth.IsDue(ctx, id); err != nil {
		return v, fmt.Errorf("isDue: %w", err)
	}
	if v.HasAccess, err = eth.HasAccess(ctx, id); err != nil {
		return v, fmt.Errorf("hasAccess: %w", err)
	}
	if v.Subscription, err = eth.Subscription(ctx, id); err != nil {
		return v, fmt.Errorf("subscriptions: %w", err)
	}
	if v.Plan, err = eth.Plan(ctx, v.Subscription.PlanID); err != nil {
		return v, fmt.Errorf("plans: %w", err)
	}
	return v, nil
}

func printInspect(
	out io.Writer,
	id domain.SubscriptionID,
	v ledgerView,
	st *state.KeeperState,
	entries []journal.Entry,
	now time.Time,
) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Subscription\t%s\n", id)
	_, _ = fmt.Fprintf(w, "isDue\t%t\n", v.IsDue)
	_, _ = fmt.Fprintf(w, "hasAccess\t%t\n", v.HasAccess)
	_, _ = fmt.Fprintf(w, "Status\t%d (active=%t)\n", v.Subscription.Status, v.Subscription.Active())
	_, _ = fmt.Fprintf(w, "Subscriber\t%s\n", v.Subscription.Subscriber.Hex())
	_, _ = fmt.Fprintf(w, "Paid through\t%s\n", unixTime(v.Subscription.PaidThrough))
	_, _ = fmt.Fprintf(w, "Last charged\t%s\n", unixTime(v.Subscription.LastChargedAt))
	_, _ = fmt.Fprintf(w, "Plan\t%s (active=%t)\n", v.Subscription.PlanID, v.Plan.Active)
	_, _ = fmt.Fprintf(w, "Token\t%s\n", v.Plan.Token.Hex())
	_, _ = fmt.Fprintf(w, "Price\t%s\n", v.Plan.Price)
	_, _ = fmt.Fprintf(w, "Interval\t%s\n", time.Duration(v.Plan.Interval)*time.Second)

	switch {
	case st == nil:
		_, _ = fmt.Fprintln(w, "Local state\tunavailable")
	default:
		_, known := st.Subscriptions[id]
		_, _ = fmt.Fprintf(w, "Known locally\t%t\n", known)
		if rec, ok := st.Retry(id); ok {
			_, _ = fmt.Fprintf(w, "Backoff\t%s attempt %d, next retry %s (%s)\n",
				rec.Kind, rec.AttemptCount, rec.NextRetryAt.Format(time.RFC3339), until(now, rec.NextRetryAt))
			_, _ = fmt.Fprintf(w, "Last error\t%s\n", rec.LastErrorMessage)
		} else {
			_, _ = fmt.Fprintln(w, "Backoff\tnone")
		}
		if e, ok := st.InFlightFor(id); ok {
			_, _ = fmt.Fprintf(w, "In-flight\t%s nonce %d, submitted %s\n",
				e.TxHash.Hex(), e.Nonce, e.SubmittedAt.Format(time.RFC3339))
		} else {
			_, _ = fmt.Fprintln(w, "In-flight\tnone")
		}
	}
	_ = w.Flush()

	if len(entries) == 0 {
		return
	}
	_, _ = fmt.Fprintf(out, "\nRecent attempts (%d)\n", len(entries))
	jw := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(jw, "AT\tEVENT\tKIND\tTX\tREASON")
	for _, e := range entries {
		_, _ = fmt.Fprintf(jw, "%s\t%s\t%s\t%s\t%s\n", e.At.Format(time.RFC3339), e.Event, e.Kind, e.TxHash, e.Reason)
	}
	_ = jw.Flush()
}

func unixTime(sec uint64) string {
	if sec == 0 {
		return "-"
	}
	return time.Unix(int64(sec), 0).UTC().Format(time.RFC3339)
}
