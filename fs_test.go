package easytsdb

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFSReadTextMissing(t *testing.T) {
	var fs diskFS
	_, err := fs.ReadText(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFSReadTextEmptyFile(t *testing.T) {
	var fs diskFS
	path := filepath.Join(t.TempDir(), "empty.json")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	text, err := fs.ReadText(path)
	if err != nil {
		t.Fatalf("zero-byte file must read as empty text: %v", err)
	}
	if text != "" {
		t.Errorf("got %q", text)
	}
}

func TestFSWriteTruncates(t *testing.T) {
	var fs diskFS
	path := filepath.Join(t.TempDir(), "f.json")
	if err := fs.WriteText(path, "long initial content"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := fs.WriteText(path, "short"); err != nil {
		t.Fatalf("write: %v", err)
	}
	text, err := fs.ReadText(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if text != "short" {
		t.Errorf("got %q", text)
	}
}

func TestFSMkdirIdempotent(t *testing.T) {
	var fs diskFS
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := fs.MkdirAll(dir); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := fs.MkdirAll(dir); err != nil {
		t.Fatalf("mkdir on existing directory must succeed: %v", err)
	}
}

func TestFSRemoveMissing(t *testing.T) {
	var fs diskFS
	err := fs.Remove(filepath.Join(t.TempDir(), "absent"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFSListAndStat(t *testing.T) {
	var fs diskFS
	dir := t.TempDir()
	if err := fs.WriteText(filepath.Join(dir, "a.json"), "[]"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := fs.MkdirAll(filepath.Join(dir, "sub")); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	names, err := fs.List(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 {
		t.Errorf("names: %v", names)
	}

	st, err := fs.Stat(filepath.Join(dir, "a.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !st.IsFile || st.IsDirectory || st.Size != 2 {
		t.Errorf("file stat: %+v", st)
	}
	st, err = fs.Stat(filepath.Join(dir, "sub"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !st.IsDirectory || st.IsFile {
		t.Errorf("dir stat: %+v", st)
	}

	if !fs.Exists(filepath.Join(dir, "a.json")) {
		t.Error("exists must report the file")
	}
	if fs.Exists(filepath.Join(dir, "absent")) {
		t.Error("exists must not report a missing path")
	}
}
