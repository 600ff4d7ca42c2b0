package storage

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/ssd-technologies/blockfs/internal/protocol"
)

func sampleFiles() []protocol.FileRecord {
	a := protocol.Address{Host: "127.0.0.1", Port: 5001}
	b := protocol.Address{Host: "127.0.0.1", Port: 5002}
	c := protocol.Address{Host: "127.0.0.1", Port: 5003}
	return []protocol.FileRecord{
		{FileID: "alpha.bin", Blocks: []protocol.BlockPlacement{
			{BlockID: 0, Primary: a, Replicas: []protocol.Address{b}},
			{BlockID: 1, Primary: c, Replicas: []protocol.Address{a, b}},
		}},
		{FileID: "empty.txt", Blocks: []protocol.BlockPlacement{}},
		{FileID: "zeta.log", Blocks: []protocol.BlockPlacement{
			{BlockID: 0, Primary: b, Replicas: []protocol.Address{c}},
		}},
	}
}

// testSQLite creates a temporary SQLite store for testing.
func testSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_EmptyLoad(t *testing.T) {
	s := testSQLite(t)
	files, err := s.LoadFiles()
	if err != nil {
		t.Fatalf("LoadFiles: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected no files, got %d", len(files))
	}
}

func TestSQLiteStore_SaveLoad(t *testing.T) {
	s := testSQLite(t)
	want := sampleFiles()
	if err := s.SaveFiles(want); err != nil {
		t.Fatalf("SaveFiles: %v", err)
	}
	got, err := s.LoadFiles()
	if err != nil {
		t.Fatalf("LoadFiles: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("LoadFiles = %+v, want %+v", got, want)
	}
}

func TestSQLiteStore_SaveReplacesSet(t *testing.T) {
	s := testSQLite(t)
	if err := s.SaveFiles(sampleFiles()); err != nil {
		t.Fatalf("SaveFiles: %v", err)
	}
	remaining := sampleFiles()[2:]
	if err := s.SaveFiles(remaining); err != nil {
		t.Fatalf("SaveFiles: %v", err)
	}
	got, err := s.LoadFiles()
	if err != nil {
		t.Fatalf("LoadFiles: %v", err)
	}
	if len(got) != 1 || got[0].FileID != "zeta.log" {
		t.Fatalf("expected only zeta.log, got %+v", got)
	}
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := s.SaveFiles(sampleFiles()); err != nil {
		t.Fatalf("SaveFiles: %v", err)
	}
	s.Close()

	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.LoadFiles()
	if err != nil {
		t.Fatalf("LoadFiles: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 files after reopen, got %d", len(got))
	}
}

func TestSQLiteStore_Close(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.LoadFiles(); err == nil {
		t.Fatal("expected error after Close, got nil")
	}
}

func TestJSONStore_MissingFile(t *testing.T) {
	s := NewJSONStore(filepath.Join(t.TempDir(), "missing.json"))
	files, err := s.LoadFiles()
	if err != nil {
		t.Fatalf("LoadFiles: %v", err)
	}
	if files != nil {
		t.Fatalf("expected nil set, got %+v", files)
	}
}

func TestJSONStore_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "metadata.json")
	s := NewJSONStore(path)
	want := sampleFiles()
	if err := s.SaveFiles(want); err != nil {
		t.Fatalf("SaveFiles: %v", err)
	}
	got, err := NewJSONStore(path).LoadFiles()
	if err != nil {
		t.Fatalf("LoadFiles: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("LoadFiles = %+v, want %+v", got, want)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only metadata.json, found %d entries", len(entries))
	}
}

func TestJSONStore_WireShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	if err := NewJSONStore(path).SaveFiles(sampleFiles()[:1]); err != nil {
		t.Fatalf("SaveFiles: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	for _, field := range []string{`"fileID"`, `"blocks"`, `"blockID"`, `"primary"`, `"replica"`, `"host"`, `"port"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("persisted JSON missing %s", field)
		}
	}
}

func TestJSONStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	os.WriteFile(path, []byte("{not json"), 0o644)
	if _, err := NewJSONStore(path).LoadFiles(); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(BackendJSON, filepath.Join(dir, "m.json"))
	if err != nil {
		t.Fatalf("Open json: %v", err)
	}
	if _, ok := p.(*JSONStore); !ok {
		t.Fatalf("expected *JSONStore, got %T", p)
	}
	p, err = Open(BackendSQLite, filepath.Join(dir, "m.db"))
	if err != nil {
		t.Fatalf("Open sqlite: %v", err)
	}
	defer p.Close()
	if _, ok := p.(*SQLiteStore); !ok {
		t.Fatalf("expected *SQLiteStore, got %T", p)
	}
	if _, err := Open("etcd", "x"); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
