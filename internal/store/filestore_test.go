package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestFileLoadReplaysOpLogAfterRestart(t *testing.T) {
	dir := t.TempDir()

	f1 := NewFile(FileConfig{Dir: dir, Name: "ring"})
	if err := f1.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := f1.Set("a", 1); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := f1.SSet("members", "node-1"); err != nil {
		t.Fatalf("sset: %v", err)
	}
	if err := f1.SSet("members", "node-2"); err != nil {
		t.Fatalf("sset: %v", err)
	}
	if err := f1.HSet("clock", "node-1", 42); err != nil {
		t.Fatalf("hset: %v", err)
	}
	if err := f1.SDel("members", "node-2"); err != nil {
		t.Fatalf("sdel: %v", err)
	}
	if err := f1.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	f2 := NewFile(FileConfig{Dir: dir, Name: "ring"})
	if err := f2.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	raw, ok := f2.Get("a")
	if !ok {
		t.Fatalf("expected key a to survive reload")
	}
	var got int
	if err := json.Unmarshal(raw, &got); err != nil || got != 1 {
		t.Fatalf("expected a=1, got %s (err=%v)", raw, err)
	}

	if _, ok := f2.sets["members"]["node-1"]; !ok {
		t.Fatalf("expected members to contain node-1 after reload")
	}
	if _, ok := f2.sets["members"]["node-2"]; ok {
		t.Fatalf("expected node-2 removed by sdel to stay removed after reload")
	}

	fields, ok := f2.hashes["clock"]
	if !ok {
		t.Fatalf("expected clock hash to survive reload")
	}
	var clockVal int
	if err := json.Unmarshal(fields["node-1"], &clockVal); err != nil || clockVal != 42 {
		t.Fatalf("expected clock[node-1]=42, got %s", fields["node-1"])
	}
}

func TestFileSnapshotCompactsLogAndPreservesState(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(FileConfig{Dir: dir, Name: "ring"})
	if err := f.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := f.Set(string(rune('a'+i)), i); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	if err := f.Snapshot(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !f.Idle() {
		t.Fatalf("expected Idle true after snapshot completes")
	}

	if err := f.Set("f", 5); err != nil {
		t.Fatalf("set after snapshot: %v", err)
	}
	if err := f.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	reloaded := NewFile(FileConfig{Dir: dir, Name: "ring"})
	if err := reloaded.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	for i := 0; i < 6; i++ {
		key := string(rune('a' + i))
		if _, ok := reloaded.Get(key); !ok {
			t.Fatalf("expected key %q to survive snapshot+log replay", key)
		}
	}

	if _, err := filepathGlobMustExist(t, dir, "ring_DATA.SNAP"); err != nil {
		t.Fatalf("expected snapshot file to exist: %v", err)
	}
}

func filepathGlobMustExist(t *testing.T, dir, name string) (string, error) {
	t.Helper()
	path := filepath.Join(dir, name)
	matches, err := filepath.Glob(path)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", context.DeadlineExceeded
	}
	return matches[0], nil
}
