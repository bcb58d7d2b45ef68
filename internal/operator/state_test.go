package operator

import (
	"context"
	"path/filepath"
	"testing"
)

func TestFileStateStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := &FileStateStore{Path: filepath.Join(t.TempDir(), "nested", "operator.json")}

	if _, ok, err := store.Load(ctx); err != nil || ok {
		t.Fatalf("expected empty state, got ok=%v err=%v", ok, err)
	}
	if err := store.Save(ctx, 4200); err != nil {
		t.Fatalf("save: %v", err)
	}
	ts, ok, err := store.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if ts != 4200 {
		t.Fatalf("timestamp mismatch: %d", ts)
	}
}

func TestFileStateStoreRejectsDirectory(t *testing.T) {
	store := &FileStateStore{Path: t.TempDir()}
	if _, _, err := store.Load(context.Background()); err == nil {
		t.Fatalf("expected error for directory path")
	}
}

type memBackend map[string]uint64

func (m memBackend) LoadState(_ context.Context, name string) (uint64, bool, error) {
	ts, ok := m[name]
	return ts, ok, nil
}

func (m memBackend) SaveState(_ context.Context, name string, ts uint64) error {
	m[name] = ts
	return nil
}

func TestDBStateStoreUsesName(t *testing.T) {
	ctx := context.Background()
	backend := memBackend{}
	store := &DBStateStore{Store: backend, Name: "operator"}
	if err := store.Save(ctx, 77); err != nil {
		t.Fatalf("save: %v", err)
	}
	if backend["operator"] != 77 {
		t.Fatalf("state not stored under name: %+v", backend)
	}

	var empty *DBStateStore
	if _, ok, err := empty.Load(ctx); err != nil || ok {
		t.Fatalf("nil store should load nothing")
	}
}
