package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestFileSink_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.jsonl")
	sink := NewFileSink(path)
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	if err := sink.Record(ctx, Stamp(Entry{SubscriptionID: 1, Event: EventSent, TxHash: "0xabc"}, now)); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := sink.Record(ctx, Stamp(Entry{SubscriptionID: 2, Event: EventPrecheckFailed, Reason: "allowance 0 < price 10"}, now)); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var got []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line is not JSON: %v", err)
		}
		got = append(got, e)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(got))
	}
	if got[0].Event != EventSent || got[0].TxHash != "0xabc" || got[0].ID == uuid.Nil {
		t.Errorf("unexpected first entry %+v", got[0])
	}
	if got[1].SubscriptionID != 2 || got[1].Reason == "" {
		t.Errorf("unexpected second entry %+v", got[1])
	}
}

func TestNewFileSink_BlankPath(t *testing.T) {
	if NewFileSink("  ") != nil {
		t.Error("expected nil sink for blank path")
	}
}

type failingSink struct{ closed bool }

func (f *failingSink) Record(context.Context, Entry) error { return errors.New("disk full") }

func (f *failingSink) Close() error {
	f.closed = true
	return nil
}

func TestMulti_RecordsEverywhereAndJoinsErrors(t *testing.T) {
	mem := NewMemory()
	bad := &failingSink{}
	m := Multi{bad, mem}

	err := m.Record(context.Background(), Entry{SubscriptionID: 7, Event: EventConfirmed})
	if err == nil {
		t.Error("expected joined error from failing sink")
	}
	if events := mem.For(7); len(events) != 1 || events[0] != EventConfirmed {
		t.Errorf("healthy sink must still record, got %v", events)
	}
	_ = m.Close()
	if !bad.closed {
		t.Error("expected every sink to be closed")
	}
}

func TestStamp_KeepsExisting(t *testing.T) {
	id := uuid.New()
	at := time.Unix(5, 0).UTC()
	e := Stamp(Entry{ID: id, At: at}, time.Now())
	if e.ID != id || !e.At.Equal(at) {
		t.Errorf("Stamp must not overwrite set fields, got %+v", e)
	}
}
