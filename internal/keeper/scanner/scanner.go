// Package scanner discovers subscriptions by range-scanning the ledger's
// Subscribed events behind a restart-safe cursor.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/vietddude/keeper/internal/core/cursor"
	"github.com/vietddude/keeper/internal/core/domain"
	"github.com/vietddude/keeper/internal/infra/ledger"
)

// LogSource fetches Subscribed events.
type LogSource interface {
	FilterSubscribed(ctx context.Context, from, to uint64) ([]ledger.SubscribedEvent, error)
}

// Sink receives discovered subscriptions. It returns false for known ids.
type Sink interface {
	AddSubscription(sub domain.KnownSubscription) bool
}

// Config controls chunking and per-chunk retries.
type Config struct {
	ChunkSize     uint64
	MinChunkSize  uint64
	Confirmations uint64
	// RetryAttempts is the number of tries per chunk before shrinking it.
	RetryAttempts uint64
	RetryBase     time.Duration
}

// DefaultConfig returns the default scan settings.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     2000,
		MinChunkSize:  10,
		Confirmations: 2,
		RetryAttempts: 3,
		RetryBase:     200 * time.Millisecond,
	}
}

// Result summarises one scan pass.
type Result struct {
	From       uint64
	To         uint64
	Chunks     int
	Discovered int
}

// Scanner walks the event log from the cursor to the confirmed head.
type Scanner struct {
	src LogSource
	cfg Config
	log *slog.Logger
}

// New creates a scanner.
func New(src LogSource, cfg Config) *Scanner {
	def := DefaultConfig()
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.MinChunkSize == 0 {
		cfg.MinChunkSize = def.MinChunkSize
	}
	if cfg.MinChunkSize > cfg.ChunkSize {
		cfg.MinChunkSize = cfg.ChunkSize
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	return &Scanner{src: src, cfg: cfg, log: slog.Default().With("component", "scanner")}
}

// Scan incorporates every confirmed block after the cursor. The cursor is
// advanced after each chunk, so on error it points at the last fully
// processed chunk and the failed range is retried next pass.
func (s *Scanner) Scan(ctx context.Context, cur *cursor.Manager, sink Sink, latest uint64) (Result, error) {
	from, to, ok := cur.Next(latest, s.cfg.Confirmations)
	res := Result{From: from, To: to}
	if !ok {
		return res, nil
	}

	chunk := s.cfg.ChunkSize
	for start := from; start <= to; {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		end := start + chunk - 1
		if end > to || end < start {
			end = to
		}

		events, err := s.fetch(ctx, start, end)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if limit, ok := parseRangeLimit(err); ok && limit >= 1 && limit < chunk {
				chunk = limit
				s.log.Warn("eth_getLogs range limit detected, shrinking chunk", "chunk", chunk)
				continue
			}
			if chunk > s.cfg.MinChunkSize {
				chunk /= 2
				if chunk < s.cfg.MinChunkSize {
					chunk = s.cfg.MinChunkSize
				}
				s.log.Warn("Log query failed, retrying with smaller chunk",
					"from", start, "to", end, "chunk", chunk, "error", err)
				continue
			}
			return res, fmt.Errorf("failed to fetch logs [%d, %d]: %w", start, end, err)
		}

		for _, ev := range events {
			if ev.BlockNumber < start || ev.BlockNumber > end {
				continue
			}
			added := sink.AddSubscription(domain.KnownSubscription{
				ID:                ev.SubscriptionID,
				PlanID:            ev.PlanID,
				Subscriber:        ev.Subscriber,
				DiscoveredAtBlock: ev.BlockNumber,
			})
			if added {
				res.Discovered++
				s.log.Info("Discovered subscription",
					"subscription_id", ev.SubscriptionID, "plan_id", ev.PlanID, "block", ev.BlockNumber)
			}
		}

		if err := cur.Advance(start, end); err != nil {
			return res, err
		}
		res.Chunks++
		start = end + 1
		if end == to {
			break
		}
	}
	return res, nil
}

func (s *Scanner) fetch(ctx context.Context, from, to uint64) ([]ledger.SubscribedEvent, error) {
	b := retry.WithMaxRetries(s.cfg.RetryAttempts-1, retry.NewExponential(s.cfg.RetryBase))

	var events []ledger.SubscribedEvent
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		events, err = s.src.FilterSubscribed(ctx, from, to)
		if err == nil {
			return nil
		}
		if ledger.ClassifyError(err) == ledger.ClassFatal {
			return err
		}
		if _, ok := parseRangeLimit(err); ok {
			return err
		}
		return retry.RetryableError(err)
	})
	return events, err
}

// parseRangeLimit extracts N from provider errors like
// "query is limited to a 500 block range".
func parseRangeLimit(err error) (uint64, bool) {
	if err == nil {
		return 0, false
	}
	const marker = "limited to a "
	s := err.Error()
	idx := strings.Index(s, marker)
	if idx < 0 {
		return 0, false
	}
	rest := s[idx+len(marker):]
	j := 0
	for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
		j++
	}
	if j == 0 {
		return 0, false
	}
	limit, parseErr := strconv.ParseUint(rest[:j], 10, 64)
	if parseErr != nil {
		return 0, false
	}
	return limit, true
}
