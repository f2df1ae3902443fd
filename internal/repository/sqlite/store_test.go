package sqlite

import (
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/leeoohoo/chatos-sub001/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "nested", "events.sqlite"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreLogAndRecent(t *testing.T) {
	store := newTestStore(t)

	store.Log("job-1", domain.EventJobStarted, map[string]string{"model": "m1"})
	store.Log("job-2", domain.EventJobStarted, nil)
	store.ForJob("job-1").Log(domain.EventModelFallback, map[string]string{"to": "m2"})

	all, err := store.Recent("", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].Name != domain.EventJobStarted || all[2].Name != domain.EventModelFallback {
		t.Errorf("events out of order: %+v", all)
	}

	job1, err := store.Recent("job-1", 10)
	if err != nil {
		t.Fatalf("Recent job-1: %v", err)
	}
	if len(job1) != 2 {
		t.Fatalf("expected 2 events for job-1, got %d", len(job1))
	}
	var payload map[string]string
	if err := json.Unmarshal(job1[1].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["to"] != "m2" {
		t.Errorf("payload = %v", payload)
	}
}

func TestStoreRecentLimit(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 5; i++ {
		store.Log("j", "tick", i)
	}
	got, err := store.Recent("j", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if string(got[0].Payload) != "3" || string(got[1].Payload) != "4" {
		t.Errorf("expected the two newest events oldest first, got %s, %s", got[0].Payload, got[1].Payload)
	}
}

func TestStoreLogAfterClose(t *testing.T) {
	store := newTestStore(t)
	_ = store.Close()
	store.Log("j", "ignored", nil)
}
