package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/NodePath81/fbping/internal/pinger"
	"github.com/google/go-cmp/cmp"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func round(runID string, ts int64, loss float64) *pinger.Results {
	host := pinger.Target{IP: "2001:db8::1", MAC: "aa:bb", Name: "node-1", Site: "site-a", Network: "mesh"}
	return &pinger.Results{
		RunID:   runID,
		QoS:     32,
		Started: time.Unix(ts, 0),
		Hosts: []pinger.TestResult{{
			Timestamp: ts, QoS: 32, Target: host,
			NumRecv: 9, NumXmit: 10, LossRatio: loss,
			RTTAvg: 1.5, RTTP75: 2, RTTP90: 3, RTTMax: 4, FractionClipped: 0.1,
		}},
		Networks: []pinger.TestResult{{
			Timestamp: ts, QoS: 32, Target: pinger.Target{Network: "mesh"},
			NumXmit: 10, LossRatio: 1, Dead: true,
		}},
		Stats: pinger.Stats{Targets: 1, Sent: 10, Accepted: 9},
	}
}

func TestWriteAndHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i, loss := range []float64{0.1, 0.2, 0.3} {
		if err := s.Write(ctx, round("run-"+string(rune('a'+i)), int64(1000+i), loss)); err != nil {
			t.Fatalf("Write error: %v", err)
		}
	}

	got, err := s.History(ctx, "node-1", 2)
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("History = %d records, want 2", len(got))
	}
	want := round("run-c", 1002, 0.3).Hosts[0]
	if diff := cmp.Diff(Record{RunID: "run-c", Kind: KindHost, Result: want}, got[0]); diff != "" {
		t.Fatalf("newest record mismatch (-want +got):\n%s", diff)
	}
	if got[1].RunID != "run-b" {
		t.Fatalf("second record run = %s, want run-b", got[1].RunID)
	}

	nets, err := s.History(ctx, "mesh", 0)
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(nets) != 3 || nets[0].Kind != KindNetwork || !nets[0].Result.Dead {
		t.Fatalf("network history = %+v, want 3 dead network records", nets)
	}
}

func TestWriteRejectsDuplicateRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Write(ctx, round("run-a", 1000, 0)); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if err := s.Write(ctx, round("run-a", 1001, 0)); err == nil {
		t.Fatalf("duplicate Write: want error")
	}
	got, err := s.History(ctx, "node-1", 10)
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("History = %d records, want 1 after rolled back write", len(got))
	}
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_ = s.Write(ctx, round("old", 1000, 0))
	_ = s.Write(ctx, round("new", 5000, 0))

	removed, err := s.Prune(ctx, time.Unix(3000, 0))
	if err != nil {
		t.Fatalf("Prune error: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	got, _ := s.History(ctx, "node-1", 10)
	if len(got) != 1 || got[0].RunID != "new" {
		t.Fatalf("History after prune = %+v, want only run new", got)
	}
}

func TestRecordName(t *testing.T) {
	if got := RecordName(KindHost, pinger.Target{IP: "2001:db8::1"}); got != "2001:db8::1" {
		t.Fatalf("RecordName = %q, want address", got)
	}
	if got := RecordName(KindNetwork, pinger.Target{Name: "x", Network: "mesh"}); got != "mesh" {
		t.Fatalf("RecordName = %q, want mesh", got)
	}
}
