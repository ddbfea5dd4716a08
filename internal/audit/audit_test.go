package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newEvent(partition, checksum string) *Event {
	return &Event{
		Timestamp: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Partition: PartitionInfo{Table: "fact_video_events", Partition: partition, BatchID: "b_1"},
		Table:     TableInfo{Checksum: checksum, RowCount: 10, StoragePath: "fact_video_events/" + partition},
		Counts:    map[string]int64{"accepted": 10, "quarantined": 1},
		Producer:  ProducerInfo{Name: "curator", Version: "test"},
	}
}

func TestHashChainDeterminism(t *testing.T) {
	e1 := newEvent("dt=2024-03-01", "sha256:aaa")
	e1.SetChainHashes("prev")
	e2 := newEvent("dt=2024-03-01", "sha256:aaa")
	e2.SetChainHashes("prev")
	if e1.Chain.EventHash != e2.Chain.EventHash {
		t.Errorf("identical events hash differently: %s vs %s", e1.Chain.EventHash, e2.Chain.EventHash)
	}

	e3 := newEvent("dt=2024-03-01", "sha256:aaa")
	e3.SetChainHashes("other")
	if e3.Chain.EventHash == e1.Chain.EventHash {
		t.Error("different prev_hash should produce a different event_hash")
	}

	e4 := newEvent("dt=2024-03-01", "sha256:bbb")
	e4.SetChainHashes("prev")
	if e4.Chain.EventHash == e1.Chain.EventHash {
		t.Error("different content should produce a different event_hash")
	}
}

func TestFileOnlyEmitterChains(t *testing.T) {
	dir := t.TempDir()
	em, err := NewFileOnlyEmitter(dir)
	if err != nil {
		t.Fatalf("NewFileOnlyEmitter failed: %v", err)
	}
	ctx := context.Background()

	first := newEvent("dt=2024-03-01", "sha256:aaa")
	if err := em.Emit(ctx, first); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if first.Chain.PrevEventHash != "" {
		t.Errorf("first event should start the chain, prev = %q", first.Chain.PrevEventHash)
	}
	if first.EventID == "" || first.Version != EventVersion {
		t.Errorf("event not stamped: %+v", first)
	}

	second := newEvent("dt=2024-03-02", "sha256:bbb")
	if err := em.Emit(ctx, second); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if second.Chain.PrevEventHash != first.Chain.EventHash {
		t.Errorf("chain broken: prev = %q, want %q", second.Chain.PrevEventHash, first.Chain.EventHash)
	}

	data, err := os.ReadFile(filepath.Join(dir, FileName(second)))
	if err != nil {
		t.Fatalf("read backup failed: %v", err)
	}
	var stored Event
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("parse backup failed: %v", err)
	}
	if ComputeEventHash(&stored) != stored.Chain.EventHash {
		t.Error("stored event does not verify")
	}

	// A new tracker picks up the persisted head.
	ct, err := NewChainTracker(dir)
	if err != nil {
		t.Fatalf("NewChainTracker failed: %v", err)
	}
	head, err := ct.GetHead("fact_video_events")
	if err != nil || head != second.Chain.EventHash {
		t.Errorf("head = %q (%v)", head, err)
	}
	if _, err := ct.GetHead("dim_users"); err != ErrNoChainHead {
		t.Errorf("expected ErrNoChainHead, got %v", err)
	}
}

func TestHTTPEmitterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	em, err := NewHTTPEmitter(Config{Enabled: true, Endpoint: srv.URL, Dir: t.TempDir(), RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("NewHTTPEmitter failed: %v", err)
	}
	defer em.Close()

	if err := em.Emit(context.Background(), newEvent("dt=2024-03-01", "sha256:aaa")); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestHTTPEmitterFailureKeepsHead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	em, err := NewHTTPEmitter(Config{Enabled: true, Endpoint: srv.URL, Dir: dir, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("NewHTTPEmitter failed: %v", err)
	}
	if err := em.Emit(context.Background(), newEvent("dt=2024-03-01", "sha256:aaa")); err == nil {
		t.Fatal("expected emit error")
	}
	if _, err := em.chainTracker.GetHead("fact_video_events"); err != ErrNoChainHead {
		t.Errorf("head advanced after failed emit: %v", err)
	}
}

func TestNewEmitterDisabled(t *testing.T) {
	em := NewEmitter(Config{})
	if _, ok := em.(*noopEmitter); !ok {
		t.Errorf("expected no-op emitter, got %T", em)
	}
}
