package workspace

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestSnapshotRestore(t *testing.T) {
	m := newTestManager(t)
	_ = m.WriteFile("coder", "main.go", []byte("package main\n"))
	_ = m.WriteFile("coder", "internal/fib/fib.go", []byte("package fib\n"))

	var buf bytes.Buffer
	if err := m.Snapshot("coder", &buf); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected non-empty snapshot")
	}

	if err := m.Restore("reviewer", &buf); err != nil {
		t.Fatalf("restore: %v", err)
	}
	data, err := m.ReadFile("reviewer", "internal/fib/fib.go")
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(data) != "package fib\n" {
		t.Errorf("unexpected restored content %q", data)
	}
	if files := collect(t, m, "reviewer", ""); len(files) != 2 {
		t.Errorf("expected 2 restored files, got %v", files)
	}
}

func TestSnapshotMissingWorkspace(t *testing.T) {
	m := newTestManager(t)
	var buf bytes.Buffer
	if err := m.Snapshot("ghost", &buf); !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRestoreRejectsEscapingEntries(t *testing.T) {
	m := newTestManager(t)

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(zw)
	content := []byte("evil")
	if err := tw.WriteHeader(&tar.Header{Name: "../evil.txt", Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	if err := m.Restore("victim", &buf); !IsTraversal(err) {
		t.Fatalf("expected traversal error, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.Root(), "evil.txt")); !os.IsNotExist(err) {
		t.Error("escaping entry must not be written")
	}
}
