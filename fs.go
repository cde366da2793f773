package easytsdb

import (
	"errors"
	"io/fs"
	"os"
)

// FileStat describes a filesystem entry.
type FileStat struct {
	Size        int64
	ModTimeMs   int64
	IsFile      bool
	IsDirectory bool
}

// diskFS wraps the host's blocking file primitives with typed failures.
// Missing paths surface as ErrNotFound; everything else as a StorageError
// the callers treat as an I/O fault.
type diskFS struct{}

// Exists reports whether the path names an existing entry.
func (diskFS) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ReadText reads the whole file. A zero-byte file yields empty text.
func (diskFS) ReadText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", newStorageError(StorageErrorTypeNotFound, "read", path, err)
		}
		return "", newStorageError(StorageErrorTypeRead, "read", path, err)
	}
	return string(data), nil
}

// WriteText writes the full text, truncating any previous content.
func (diskFS) WriteText(path, text string) error {
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return newStorageError(StorageErrorTypeWrite, "write", path, err)
	}
	return nil
}

// Remove deletes the file.
func (diskFS) Remove(path string) error {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return newStorageError(StorageErrorTypeNotFound, "remove", path, err)
		}
		return newStorageError(StorageErrorTypeWrite, "remove", path, err)
	}
	return nil
}

// MkdirAll creates the directory; an existing directory is success.
func (diskFS) MkdirAll(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return newStorageError(StorageErrorTypeWrite, "mkdir", path, err)
	}
	return nil
}

// List returns the entry names of a directory.
func (diskFS) List(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, newStorageError(StorageErrorTypeNotFound, "list", path, err)
		}
		return nil, newStorageError(StorageErrorTypeRead, "list", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Stat describes a filesystem entry.
func (diskFS) Stat(path string) (FileStat, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return FileStat{}, newStorageError(StorageErrorTypeNotFound, "stat", path, err)
		}
		return FileStat{}, newStorageError(StorageErrorTypeRead, "stat", path, err)
	}
	return FileStat{
		Size:        info.Size(),
		ModTimeMs:   info.ModTime().UnixMilli(),
		IsFile:      info.Mode().IsRegular(),
		IsDirectory: info.IsDir(),
	}, nil
}
