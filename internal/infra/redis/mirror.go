package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vietddude/keeper/internal/core/domain"
	"github.com/vietddude/keeper/internal/core/state"
)

// Mirror publishes a read-only copy of the keeper state so dashboards and
// other hosts can inspect backoff and in-flight entries. The state file is
// never read back from here.
type Mirror struct {
	rdb  *redis.Client
	keys Keys
}

// NewMirror creates a mirror writing under keys.
func NewMirror(client *Client, keys Keys) *Mirror {
	return &Mirror{rdb: client.rdb, keys: keys}
}

// Snapshot is what the mirror holds for one deployment.
type Snapshot struct {
	LastScannedBlock uint64
	Subscriptions    int
	UpdatedAt        time.Time
	Retries          []state.RetryRecord
	InFlight         []state.InFlightEntry
}

// Sync replaces the mirrored copy with st in one MULTI/EXEC.
func (m *Mirror) Sync(ctx context.Context, st *state.KeeperState) error {
	retryMembers := make([]redis.Z, 0, len(st.Retries))
	retryDetails := make(map[string]interface{}, len(st.Retries))
	for _, id := range st.RetryIDs() {
		rec := st.Retries[id]
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal retry record: %w", err)
		}
		retryMembers = append(retryMembers, redis.Z{Score: retryScore(rec), Member: id.String()})
		retryDetails[id.String()] = data
	}

	inFlight := make(map[string]interface{}, len(st.InFlight))
	for _, id := range st.InFlightIDs() {
		data, err := json.Marshal(st.InFlight[id])
		if err != nil {
			return fmt.Errorf("failed to marshal in-flight entry: %w", err)
		}
		inFlight[id.String()] = data
	}

	_, err := m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, m.keys.Cursor(), strconv.FormatUint(st.LastScannedBlock, 10), 0)
		p.Del(ctx, m.keys.Retries(), m.keys.RetryDetails(), m.keys.InFlight())
		if len(retryMembers) > 0 {
			p.ZAdd(ctx, m.keys.Retries(), retryMembers...)
			p.HSet(ctx, m.keys.RetryDetails(), retryDetails)
		}
		if len(inFlight) > 0 {
			p.HSet(ctx, m.keys.InFlight(), inFlight)
		}
		p.HSet(ctx, m.keys.Meta(), map[string]interface{}{
			"subscriptions": len(st.Subscriptions),
			"updated_at":    st.UpdatedAt.UTC().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sync state mirror: %w", err)
	}
	return nil
}

// ReadyForRetry returns ids whose nextRetryAt is at or before t, soonest
// first.
func (m *Mirror) ReadyForRetry(ctx context.Context, t time.Time) ([]domain.SubscriptionID, error) {
	members, err := m.rdb.ZRangeByScore(ctx, m.keys.Retries(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(t.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore failed: %w", err)
	}
	return parseIDs(members)
}

// Load reads the mirrored snapshot.
func (m *Mirror) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	cursor, err := m.rdb.Get(ctx, m.keys.Cursor()).Result()
	if err == redis.Nil {
		return snap, fmt.Errorf("no mirrored state under %s", m.keys.Cursor())
	}
	if err != nil {
		return snap, fmt.Errorf("failed to get cursor: %w", err)
	}
	if snap.LastScannedBlock, err = strconv.ParseUint(cursor, 10, 64); err != nil {
		return snap, fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}

	meta, err := m.rdb.HGetAll(ctx, m.keys.Meta()).Result()
	if err != nil {
		return snap, fmt.Errorf("failed to get meta: %w", err)
	}
	snap.Subscriptions, _ = strconv.Atoi(meta["subscriptions"])
	snap.UpdatedAt, _ = time.Parse(time.RFC3339, meta["updated_at"])

	// Ordered by nextRetryAt through the sorted set.
	ids, err := m.rdb.ZRange(ctx, m.keys.Retries(), 0, -1).Result()
	if err != nil {
		return snap, fmt.Errorf("zrange failed: %w", err)
	}
	if len(ids) > 0 {
		raw, err := m.rdb.HMGet(ctx, m.keys.RetryDetails(), ids...).Result()
		if err != nil {
			return snap, fmt.Errorf("failed to get retry details: %w", err)
		}
		for _, v := range raw {
			var rec state.RetryRecord
			if decodeJSON(v, &rec) {
				snap.Retries = append(snap.Retries, rec)
			}
		}
	}

	entries, err := m.rdb.HGetAll(ctx, m.keys.InFlight()).Result()
	if err != nil {
		return snap, fmt.Errorf("failed to get in-flight entries: %w", err)
	}
	for _, v := range entries {
		var e state.InFlightEntry
		if decodeJSON(v, &e) {
			snap.InFlight = append(snap.InFlight, e)
		}
	}
	sortEntries(snap.InFlight)

	return snap, nil
}

func retryScore(rec state.RetryRecord) float64 {
	return float64(rec.NextRetryAt.Unix())
}

func parseIDs(members []string) ([]domain.SubscriptionID, error) {
	out := make([]domain.SubscriptionID, 0, len(members))
	for _, s := range members {
		id, err := domain.ParseSubscriptionID(s)
		if err != nil {
			return nil, fmt.Errorf("invalid subscription id %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func decodeJSON(v interface{}, dst interface{}) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(s), dst) == nil
}

func sortEntries(entries []state.InFlightEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].SubscriptionID < entries[j].SubscriptionID })
}
