package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/vietddude/keeper/internal/core/config"
	"github.com/vietddude/keeper/internal/core/state"
)

var statusFromRedis bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cursor, retry records and in-flight transactions",
	Long:  `Status prints the keeper state from the state file without any RPC. With --from-redis it reads the mirrored copy instead.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusFromRedis, "from-redis", false, "read the Redis mirror instead of the state file")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()
	cfg, err := loadConfig(cmd)
	if err != nil {
		setupLogging("")
		slog.Error("Failed to load config", "error", err)
		return err
	}
	setupLogging(cfg.Logging.Level)

	var view statusView
	if statusFromRedis {
		view, err = statusFromMirror(cfg)
	} else {
		view, err = statusFromFile(cfg.Keeper.StateFile)
	}
	if err != nil {
		slog.Error("Failed to read state", "error", err)
		return err
	}

	printStatus(os.Stdout, view, time.Now())
	return nil
}

// statusView is what status prints, from either source.
type statusView struct {
	Source           string
	LastScannedBlock uint64
	Subscriptions    int
	UpdatedAt        time.Time
	ReadyForRetry    int
	Retries          []state.RetryRecord
	InFlight         []state.InFlightEntry
}

func statusFromFile(path string) (statusView, error) {
	st, found, err := state.NewStore(path).Load()
	if err != nil {
		return statusView{}, err
	}
	if !found {
		return statusView{}, fmt.Errorf("state file %s does not exist", path)
	}

	view := statusView{
		Source:           path,
		LastScannedBlock: st.LastScannedBlock,
		Subscriptions:    len(st.Subscriptions),
		UpdatedAt:        st.UpdatedAt,
	}
	now := time.Now()
	for _, id := range st.RetryIDs() {
		rec := st.Retries[id]
		view.Retries = append(view.Retries, rec)
		if !now.Before(rec.NextRetryAt) {
			view.ReadyForRetry++
		}
	}
	for _, id := range st.InFlightIDs() {
		view.InFlight = append(view.InFlight, st.InFlight[id])
	}
	return view, nil
}

func statusFromMirror(cfg *config.AppConfig) (statusView, error) {
	if cfg.Redis.URL == "" {
		return statusView{}, errors.New("--from-redis needs redis.url or --redis-url")
	}
	dep, err := config.LoadDeployment(cfg.Keeper.Deployment)
	if err != nil {
		return statusView{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mirror, closeMirror, err := openMirror(ctx, cfg, dep)
	if err != nil {
		return statusView{}, err
	}
	defer closeMirror()
	snap, err := mirror.Load(ctx)
	if err != nil {
		return statusView{}, err
	}
	ready, err := mirror.ReadyForRetry(ctx, time.Now())
	if err != nil {
		return statusView{}, err
	}
	return statusView{
		Source:           "redis " + cfg.Redis.URL,
		LastScannedBlock: snap.LastScannedBlock,
		Subscriptions:    snap.Subscriptions,
		UpdatedAt:        snap.UpdatedAt,
		ReadyForRetry:    len(ready),
		Retries:          snap.Retries,
		InFlight:         snap.InFlight,
	}, nil
}

func printStatus(out io.Writer, v statusView, now time.Time) {
	_, _ = fmt.Fprintf(out, "Source:              %s\n", v.Source)
	_, _ = fmt.Fprintf(out, "Last scanned block:  %d\n", v.LastScannedBlock)
	_, _ = fmt.Fprintf(out, "Known subscriptions: %d\n", v.Subscriptions)
	if !v.UpdatedAt.IsZero() {
		_, _ = fmt.Fprintf(out, "Updated:             %s\n", v.UpdatedAt.Format(time.RFC3339))
	}

	_, _ = fmt.Fprintf(out, "\nRetry records (%d, %d ready)\n", len(v.Retries), v.ReadyForRetry)
	if len(v.Retries) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
		_, _ = fmt.Fprintln(w, "ID\tKIND\tATTEMPTS\tNEXT RETRY\tIN\tLAST ERROR")
		for _, r := range v.Retries {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
				r.SubscriptionID, r.Kind, r.AttemptCount,
				r.NextRetryAt.Format(time.RFC3339), until(now, r.NextRetryAt), r.LastErrorMessage)
		}
		_ = w.Flush()
	}

	_, _ = fmt.Fprintf(out, "\nIn-flight transactions (%d)\n", len(v.InFlight))
	if len(v.InFlight) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
		_, _ = fmt.Fprintln(w, "ID\tTX\tNONCE\tSUBMITTED\tAGE")
		for _, e := range v.InFlight {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				e.SubscriptionID, e.TxHash.Hex(), e.Nonce,
				e.SubmittedAt.Format(time.RFC3339), now.Sub(e.SubmittedAt).Round(time.Second))
		}
		_ = w.Flush()
	}
}

func until(now, t time.Time) string {
	if !now.Before(t) {
		return "ready"
	}
	return t.Sub(now).Round(time.Second).String()
}
