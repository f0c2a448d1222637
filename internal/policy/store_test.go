package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writePolicy(t *testing.T, path, version string) {
	t.Helper()
	doc := strings.Replace(minimalPolicy, `"2.1.0"`, `"`+version+`"`, 1)
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
}

func TestStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writePolicy(t, path, "1.0.0")

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	t.Run("SnapshotSurvivesReload", func(t *testing.T) {
		before, _ := store.Current()
		writePolicy(t, path, "1.1.0")
		if _, err := store.Reload(); err != nil {
			t.Fatalf("Reload: %v", err)
		}
		after, _ := store.Current()

		if before.Version() != "1.0.0" {
			t.Errorf("snapshot changed under caller: %s", before.Version())
		}
		if after.Version() != "1.1.0" {
			t.Errorf("expected 1.1.0, got %s", after.Version())
		}
	})

	t.Run("BadReloadKeepsPrevious", func(t *testing.T) {
		writePolicy(t, path, "not-a-version")
		if _, err := store.Reload(); err == nil {
			t.Fatal("expected reload error")
		}
		current, _ := store.Current()
		if current.Version() != "1.1.0" {
			t.Errorf("expected previous spec to stay active, got %s", current.Version())
		}
	})

	t.Run("EmptyStore", func(t *testing.T) {
		var s Store
		if _, err := s.Current(); err != ErrNoPolicy {
			t.Errorf("expected ErrNoPolicy, got %v", err)
		}
	})
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writePolicy(t, path, "1.0.0")

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	reloaded := make(chan string, 4)
	w := NewWatcher(store, nil, func(spec *Spec, err error) {
		if err == nil {
			reloaded <- spec.Version()
		}
	})
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writePolicy(t, path, "3.0.0")

	select {
	case v := <-reloaded:
		if v != "3.0.0" {
			t.Errorf("expected 3.0.0, got %s", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}
