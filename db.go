package easytsdb

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// consentYes is the only consent string destructive operations accept.
const consentYes = "YES"

// DB is an embedded time-series engine rooted at one data directory. It is
// the sole owner of that directory: shards, index envelopes and the RAM
// buffer are all coordinated through this handle.
type DB struct {
	cfg    Config
	frame  Frame
	fs     diskFS
	logger *slog.Logger
	clk    clock.Clock

	mu       sync.Mutex
	index    *indexManager
	buffer   *ramBuffer
	cache    map[uint64]any
	autosave *clock.Timer
	dirty    bool
	cleared  bool
	closed   bool
}

// Open opens or creates an engine at cfg.Directory.
func Open(cfg Config) (*DB, error) {
	cfg.normalize()
	frame, err := ParseFrame(cfg.Frame)
	if err != nil {
		return nil, err
	}

	db := &DB{
		cfg:    cfg,
		frame:  frame,
		logger: cfg.Logger,
		clk:    cfg.Clock,
		buffer: newRAMBuffer(),
		cache:  make(map[uint64]any),
	}

	if err := db.fs.MkdirAll(cfg.Directory); err != nil {
		return nil, err
	}
	db.index = newIndexManager(cfg.Directory, frame, db.logger)
	if err := db.index.loadOrRecover(); err != nil {
		return nil, err
	}

	if db.cfg.Backup.Remote == nil && db.cfg.Backup.S3 != nil {
		remote, err := NewS3Backend(*db.cfg.Backup.S3)
		if err != nil {
			return nil, err
		}
		db.cfg.Backup.Remote = remote
	}

	return db, nil
}

// WritePoint routes a point into the RAM buffer. A zero timestamp defaults
// to now. The autosave debounce is re-armed, and a buffer past the RAM
// ceiling is flushed synchronously before returning.
func (db *DB) WritePoint(p Point) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	if p.Timestamp == 0 {
		p.Timestamp = db.clk.Now().UnixMilli()
	}

	db.buffer.add(route(db.cfg.Directory, p.Timestamp, db.frame), p)
	db.dirty = true
	db.rearmAutosaveLocked()

	if db.buffer.estimatedSize() > db.cfg.RAMCeilingBytes {
		db.flushLocked()
	}
	return nil
}

// Flush writes every buffered shard to disk and persists the index when it
// changed. Idempotent when the engine is neither dirty nor just-cleared.
func (db *DB) Flush() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	db.flushLocked()
	return nil
}

// flushLocked merges each shard's pending points behind its on-disk
// content, rewrites the shard in one truncating write, marks it present and
// differentially persists the index. Shard-level I/O faults are logged and
// skipped; one bad shard never aborts the flush.
func (db *DB) flushLocked() {
	if db.cleared {
		// The directory was just wiped; the envelopes must be rewritten
		// even though the index checksum may not have moved.
		db.cleared = false
		if err := db.index.persist(); err != nil {
			db.logger.Warn("index persist after clear failed", "error", err)
		}
		if db.buffer.empty() {
			db.dirty = false
			db.invalidateCacheLocked()
			return
		}
	}
	if db.buffer.empty() {
		if !db.dirty {
			return
		}
		db.dirty = false
		return
	}

	for _, sp := range db.buffer.shards() {
		var existing []Point
		text, err := db.fs.ReadText(sp.bucket.Path)
		switch {
		case err == nil && text != "":
			existing, err = decodePoints(text)
			if err != nil {
				db.logger.Warn("discarding unparseable shard content on flush",
					"path", sp.bucket.Path, "error", err)
				existing = nil
			}
		case err != nil && !errors.Is(err, ErrNotFound):
			db.logger.Warn("shard read failed on flush", "path", sp.bucket.Path, "error", err)
		}

		union := make([]Point, 0, len(existing)+len(sp.points))
		union = append(union, existing...)
		union = append(union, sp.points...)

		encoded, err := encodePoints(union)
		if err != nil {
			db.logger.Warn("shard encode failed", "path", sp.bucket.Path, "error", err)
			continue
		}
		if err := db.fs.WriteText(sp.bucket.Path, encoded); err != nil {
			db.logger.Warn("shard write failed", "path", sp.bucket.Path, "error", err)
			continue
		}
		if err := db.index.markPresent(sp.bucket); err != nil {
			db.logger.Warn("index mark failed", "path", sp.bucket.Path, "error", err)
		}
	}

	db.buffer.reset()
	db.dirty = false
	db.invalidateCacheLocked()
	if err := db.index.persistDifferential(); err != nil {
		db.logger.Warn("index persist failed", "error", err)
	}
}

// Purge removes every shard of every date strictly older than the
// threshold, drops the dates from the index and persists both envelopes
// when anything was removed.
func (db *DB) Purge(olderThanMs int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	threshold := time.UnixMilli(olderThanMs).UTC()
	dropped := false
	for _, date := range db.index.dateKeys() {
		day, ok := parseDateKey(date)
		if !ok || !day.Before(threshold) {
			continue
		}
		for _, hour := range db.index.hourKeys(date) {
			minutes := db.index.minuteKeys(date, hour)
			if len(minutes) == 0 {
				db.removeShardLocked(filepath.Join(db.cfg.Directory, date+"_"+hour+".json"))
				continue
			}
			for _, minute := range minutes {
				db.removeShardLocked(filepath.Join(db.cfg.Directory, date+"_"+hour+"_"+minute+".json"))
			}
		}
		db.index.dropDate(date)
		dropped = true
	}

	if !dropped {
		return nil
	}
	db.invalidateCacheLocked()
	if err := db.index.persist(); err != nil {
		db.logger.Warn("index persist after purge failed", "error", err)
	}
	return nil
}

func (db *DB) removeShardLocked(path string) {
	if err := db.fs.Remove(path); err != nil && !errors.Is(err, ErrNotFound) {
		db.logger.Warn("shard remove failed", "path", path, "error", err)
	}
}

// Clear wipes the data directory, the index and every in-memory structure.
// It requires the literal consent string "YES"; anything else is a logged
// no-op. A cleared sentinel makes the next flush rewrite the envelopes even
// if nothing was buffered since.
func (db *DB) Clear(consent string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	if consent != consentYes {
		db.logger.Warn("clear refused without consent", "given", consent)
		return &ConsentError{Op: "clear", Given: consent}
	}
	db.clearLocked()
	return nil
}

// clearLocked wipes the data directory and every in-memory structure.
func (db *DB) clearLocked() {
	db.stopAutosaveLocked()

	names, err := db.fs.List(db.cfg.Directory)
	if err != nil && !errors.Is(err, ErrNotFound) {
		db.logger.Warn("data directory listing failed on clear", "error", err)
	}
	for _, name := range names {
		path := filepath.Join(db.cfg.Directory, name)
		st, err := db.fs.Stat(path)
		if err != nil || !st.IsFile {
			continue
		}
		if err := db.fs.Remove(path); err != nil {
			db.logger.Warn("file remove failed on clear", "path", path, "error", err)
		}
	}

	db.buffer.reset()
	db.index.reset()
	db.index.everPersisted = false
	db.invalidateCacheLocked()
	db.dirty = false
	db.cleared = true
}

// Close flushes outstanding state, cancels the autosave timer and persists
// the index if its checksum moved. The handle is unusable afterwards.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	if db.dirty || db.cleared {
		db.flushLocked()
	}
	db.stopAutosaveLocked()
	err := db.index.persistDifferential()
	db.closed = true
	return err
}

// rearmAutosaveLocked restarts the trailing-edge debounce: each write
// pushes the timer-driven flush out by the full interval.
func (db *DB) rearmAutosaveLocked() {
	if db.autosave != nil {
		db.autosave.Stop()
	}
	db.autosave = db.clk.AfterFunc(db.cfg.AutosaveInterval, db.autosaveFire)
}

func (db *DB) stopAutosaveLocked() {
	if db.autosave != nil {
		db.autosave.Stop()
		db.autosave = nil
	}
}

func (db *DB) autosaveFire() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return
	}
	if db.dirty || db.cleared {
		db.flushLocked()
	}
}
