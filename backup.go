package easytsdb

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/snappy"
	"github.com/google/uuid"
)

const manifestFileName = "manifest.json"

// backupSnapshot is the payload of one backup archive: the data directory,
// every shard parsed into points, and optionally the index tree. The two
// index envelope files are never included as shards.
type backupSnapshot struct {
	DatabaseDirectory string             `json:"database_directory"`
	DataPoints        map[string][]Point `json:"data_points"`
	Index             json.RawMessage    `json:"index,omitempty"`
}

// backupRecord describes one archive in the manifest.
type backupRecord struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	File       string `json:"file"`
	CreatedMs  int64  `json:"created_ms"`
	Size       int64  `json:"size"`
	Compressed bool   `json:"compressed"`
	Encrypted  bool   `json:"encrypted"`
}

// backupManifest tracks the archives under the backup directory.
type backupManifest struct {
	Backups []backupRecord `json:"backups"`
}

// archiveFileName derives the archive name from the backup flags.
func archiveFileName(name string, compressed, encrypted bool) string {
	file := name + ".json"
	if compressed {
		file += ".sz"
	}
	if encrypted {
		file += ".enc"
	}
	return file
}

// Backup writes a pretty-printed snapshot archive of every persisted shard,
// optionally with the index tree, to the backup directory. Compression and
// encryption follow the backup configuration, and a configured remote
// backend receives a copy. The archive captures disk state; buffered points
// need a Flush first to be included.
func (db *DB) Backup(name string, includeIndex bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	if err := db.fs.MkdirAll(db.cfg.Backup.Directory); err != nil {
		return err
	}

	snapshot := backupSnapshot{
		DatabaseDirectory: db.cfg.Directory,
		DataPoints:        make(map[string][]Point),
	}

	names, err := db.fs.List(db.cfg.Directory)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	for _, entry := range names {
		if entry == indexFileName || entry == indexBackupFileName {
			continue
		}
		if !strings.HasSuffix(entry, ".json") {
			continue
		}
		path := filepath.Join(db.cfg.Directory, entry)
		text, err := db.fs.ReadText(path)
		if err != nil {
			db.logger.Warn("skipping unreadable shard in backup", "path", path, "error", err)
			continue
		}
		points, err := decodePoints(text)
		if err != nil {
			db.logger.Warn("skipping unparseable shard in backup", "path", path, "error", err)
			continue
		}
		if points == nil {
			points = []Point{}
		}
		snapshot.DataPoints[entry] = points
	}

	if includeIndex {
		payload, err := db.index.serialize()
		if err != nil {
			return err
		}
		snapshot.Index = json.RawMessage(payload)
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	compressed := db.cfg.Backup.Compress
	encrypted := db.cfg.Backup.Passphrase != ""
	if compressed {
		data = snappy.Encode(nil, data)
	}
	if encrypted {
		data, err = sealArchive(db.cfg.Backup.Passphrase, data)
		if err != nil {
			return err
		}
	}

	file := archiveFileName(name, compressed, encrypted)
	localPath := filepath.Join(db.cfg.Backup.Directory, file)
	if err := db.fs.WriteText(localPath, string(data)); err != nil {
		return err
	}

	if remote := db.cfg.Backup.Remote; remote != nil {
		if err := remote.Write(context.Background(), file, data); err != nil {
			db.logger.Warn("remote backup upload failed", "file", file, "error", err)
		}
	}

	manifest := db.loadManifestLocked()
	manifest.Backups = append(manifest.Backups, backupRecord{
		ID:         uuid.NewString(),
		Name:       name,
		File:       file,
		CreatedMs:  db.clk.Now().UnixMilli(),
		Size:       int64(len(data)),
		Compressed: compressed,
		Encrypted:  encrypted,
	})
	db.pruneBackupsLocked(&manifest)
	db.saveManifestLocked(manifest)
	return nil
}

// Restore replaces the engine's state with a named archive. It requires the
// literal consent string "YES". The data directory is adopted from the
// archive, the directory is cleared, every shard is rewritten, and the
// index is either adopted verbatim from the archive or rebuilt from disk
// when recalculateIndex is set (or the archive carries no index).
func (db *DB) Restore(consent, name string, recalculateIndex bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	if consent != consentYes {
		db.logger.Warn("restore refused without consent", "given", consent)
		return &ConsentError{Op: "restore", Given: consent}
	}

	data, record, err := db.readArchiveLocked(name)
	if err != nil {
		return err
	}
	if record.Encrypted {
		if db.cfg.Backup.Passphrase == "" {
			return errors.New("archive is encrypted and no passphrase is configured")
		}
		data, err = openArchive(db.cfg.Backup.Passphrase, data)
		if err != nil {
			return err
		}
	}
	if record.Compressed {
		data, err = snappy.Decode(nil, data)
		if err != nil {
			return err
		}
	}

	var snapshot backupSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.DatabaseDirectory == "" {
		return errors.New("archive has no database directory")
	}

	db.cfg.Directory = snapshot.DatabaseDirectory
	db.index = newIndexManager(db.cfg.Directory, db.frame, db.logger)
	if err := db.fs.MkdirAll(db.cfg.Directory); err != nil {
		return err
	}
	db.clearLocked()

	for shard, points := range snapshot.DataPoints {
		encoded, err := encodePoints(points)
		if err != nil {
			return err
		}
		if err := db.fs.WriteText(filepath.Join(db.cfg.Directory, shard), encoded); err != nil {
			return err
		}
	}

	if snapshot.Index != nil && !recalculateIndex {
		if err := db.index.adopt(string(snapshot.Index)); err != nil {
			return err
		}
	} else if err := db.index.rebuildFromDisk(); err != nil {
		return err
	}
	db.cleared = false
	db.invalidateCacheLocked()
	return db.index.persist()
}

// readArchiveLocked finds an archive by name, locally first and then on the
// remote backend, probing the flag-derived file names. The manifest decides
// the flags when it knows the name; otherwise every combination is probed.
func (db *DB) readArchiveLocked(name string) ([]byte, backupRecord, error) {
	manifest := db.loadManifestLocked()
	var candidates []backupRecord
	for i := len(manifest.Backups) - 1; i >= 0; i-- {
		if manifest.Backups[i].Name == name {
			candidates = append(candidates, manifest.Backups[i])
		}
	}
	if len(candidates) == 0 {
		for _, compressed := range []bool{false, true} {
			for _, encrypted := range []bool{false, true} {
				candidates = append(candidates, backupRecord{
					Name:       name,
					File:       archiveFileName(name, compressed, encrypted),
					Compressed: compressed,
					Encrypted:  encrypted,
				})
			}
		}
	}

	for _, record := range candidates {
		path := filepath.Join(db.cfg.Backup.Directory, record.File)
		text, err := db.fs.ReadText(path)
		if err == nil {
			return []byte(text), record, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, backupRecord{}, err
		}
	}

	if remote := db.cfg.Backup.Remote; remote != nil {
		for _, record := range candidates {
			data, err := remote.Read(context.Background(), record.File)
			if err == nil {
				return data, record, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return nil, backupRecord{}, err
			}
		}
	}
	return nil, backupRecord{}, newStorageError(StorageErrorTypeNotFound, "backup archive", name, nil)
}

func (db *DB) manifestPath() string {
	return filepath.Join(db.cfg.Backup.Directory, manifestFileName)
}

func (db *DB) loadManifestLocked() backupManifest {
	var manifest backupManifest
	text, err := db.fs.ReadText(db.manifestPath())
	if err != nil || text == "" {
		return manifest
	}
	if err := json.Unmarshal([]byte(text), &manifest); err != nil {
		db.logger.Warn("backup manifest unparseable, starting fresh", "error", err)
		return backupManifest{}
	}
	return manifest
}

func (db *DB) saveManifestLocked(manifest backupManifest) {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		db.logger.Warn("backup manifest encode failed", "error", err)
		return
	}
	if err := db.fs.WriteText(db.manifestPath(), string(data)); err != nil {
		db.logger.Warn("backup manifest write failed", "error", err)
	}
}

// pruneBackupsLocked drops the oldest archives past the retention count,
// deleting their files locally and remotely.
func (db *DB) pruneBackupsLocked(manifest *backupManifest) {
	keep := db.cfg.Backup.RetentionCount
	if keep <= 0 || len(manifest.Backups) <= keep {
		return
	}
	sort.Slice(manifest.Backups, func(i, j int) bool {
		return manifest.Backups[i].CreatedMs < manifest.Backups[j].CreatedMs
	})
	expired := manifest.Backups[:len(manifest.Backups)-keep]
	manifest.Backups = manifest.Backups[len(manifest.Backups)-keep:]
	for _, record := range expired {
		path := filepath.Join(db.cfg.Backup.Directory, record.File)
		if err := db.fs.Remove(path); err != nil && !errors.Is(err, ErrNotFound) {
			db.logger.Warn("expired backup remove failed", "path", path, "error", err)
		}
		if remote := db.cfg.Backup.Remote; remote != nil {
			if err := remote.Delete(context.Background(), record.File); err != nil {
				db.logger.Warn("expired remote backup delete failed", "file", record.File, "error", err)
			}
		}
	}
}
