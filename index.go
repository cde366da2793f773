package easytsdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
)

const (
	indexFileName       = "index.json"
	indexBackupFileName = "index_backup.json"
)

// hourLeaf is the leaf of the directory index. A nil minutes map marks the
// whole hour as present (hour frame); a non-nil map tracks individual
// minutes (minute frame). The two shapes never mix within one leaf.
type hourLeaf struct {
	minutes map[string]bool
}

// indexEnvelope is the persisted form of the index: the serialized payload
// together with a 16-bit modular checksum, stored as a decimal string.
type indexEnvelope struct {
	IndexData     string `json:"index_data"`
	IndexChecksum string `json:"index_checksum"`
}

// indexManager tracks which shard files exist on disk as a
// date -> hour -> (minute) tree, and persists that tree with a checksum to
// a primary and a backup envelope so a torn write never loses the index.
type indexManager struct {
	fs     diskFS
	dir    string
	frame  Frame
	logger *slog.Logger

	entries map[string]map[string]*hourLeaf

	lastChecksum  uint16
	everPersisted bool
}

func newIndexManager(dir string, frame Frame, logger *slog.Logger) *indexManager {
	return &indexManager{
		dir:     dir,
		frame:   frame,
		logger:  logger,
		entries: make(map[string]map[string]*hourLeaf),
	}
}

// checksum16 is the index corruption probe: the sum of all payload bytes
// mod 65535. It detects flipped or truncated bytes, not reordering.
func checksum16(payload string) uint16 {
	var sum uint32
	for i := 0; i < len(payload); i++ {
		sum = (sum + uint32(payload[i])) % 65535
	}
	return uint16(sum)
}

func (ix *indexManager) primaryPath() string {
	return filepath.Join(ix.dir, indexFileName)
}

func (ix *indexManager) backupPath() string {
	return filepath.Join(ix.dir, indexBackupFileName)
}

// markPresent records a bucket in the tree. Marking a minute under an
// hour-present leaf (or the reverse) is a routing bug and is rejected.
func (ix *indexManager) markPresent(b Bucket) error {
	hours, ok := ix.entries[b.DateKey]
	if !ok {
		hours = make(map[string]*hourLeaf)
		ix.entries[b.DateKey] = hours
	}
	leaf, ok := hours[b.HourKey]
	if !ok {
		if b.MinuteKey == "" {
			hours[b.HourKey] = &hourLeaf{}
		} else {
			hours[b.HourKey] = &hourLeaf{minutes: map[string]bool{b.MinuteKey: true}}
		}
		return nil
	}
	if b.MinuteKey == "" {
		if leaf.minutes != nil {
			return fmt.Errorf("index: hour marker for %s_%s conflicts with minute map", b.DateKey, b.HourKey)
		}
		return nil
	}
	if leaf.minutes == nil {
		return fmt.Errorf("index: minute marker for %s_%s_%s conflicts with hour marker", b.DateKey, b.HourKey, b.MinuteKey)
	}
	leaf.minutes[b.MinuteKey] = true
	return nil
}

// contains reports whether the bucket has a present marker.
func (ix *indexManager) contains(b Bucket) bool {
	hours, ok := ix.entries[b.DateKey]
	if !ok {
		return false
	}
	leaf, ok := hours[b.HourKey]
	if !ok {
		return false
	}
	if b.MinuteKey == "" {
		return leaf.minutes == nil
	}
	return leaf.minutes != nil && leaf.minutes[b.MinuteKey]
}

// dropDate removes a whole date subtree.
func (ix *indexManager) dropDate(dateKey string) {
	delete(ix.entries, dateKey)
}

// dateKeys returns all indexed dates in ascending order.
func (ix *indexManager) dateKeys() []string {
	keys := make([]string, 0, len(ix.entries))
	for k := range ix.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// hourKeys returns the hours indexed under a date, ascending.
func (ix *indexManager) hourKeys(dateKey string) []string {
	hours := ix.entries[dateKey]
	keys := make([]string, 0, len(hours))
	for k := range hours {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// minuteKeys returns the minutes indexed under an hour, ascending. Empty
// under the hour frame.
func (ix *indexManager) minuteKeys(dateKey, hourKey string) []string {
	hours := ix.entries[dateKey]
	if hours == nil {
		return nil
	}
	leaf := hours[hourKey]
	if leaf == nil || leaf.minutes == nil {
		return nil
	}
	keys := make([]string, 0, len(leaf.minutes))
	for k := range leaf.minutes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// reset empties the in-memory tree.
func (ix *indexManager) reset() {
	ix.entries = make(map[string]map[string]*hourLeaf)
}

// serialize renders the tree as its on-disk JSON payload: hour leaves as
// true, minute leaves as maps of minute -> true.
func (ix *indexManager) serialize() (string, error) {
	tree := make(map[string]map[string]any, len(ix.entries))
	for date, hours := range ix.entries {
		h := make(map[string]any, len(hours))
		for hour, leaf := range hours {
			if leaf.minutes == nil {
				h[hour] = true
			} else {
				h[hour] = leaf.minutes
			}
		}
		tree[date] = h
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// adopt replaces the in-memory tree with a parsed payload.
func (ix *indexManager) adopt(payload string) error {
	var tree map[string]map[string]any
	if err := json.Unmarshal([]byte(payload), &tree); err != nil {
		return newStorageError(StorageErrorTypeCorruption, "index payload", "", err)
	}
	entries := make(map[string]map[string]*hourLeaf, len(tree))
	for date, hours := range tree {
		h := make(map[string]*hourLeaf, len(hours))
		for hour, leaf := range hours {
			switch v := leaf.(type) {
			case bool:
				if v {
					h[hour] = &hourLeaf{}
				}
			case map[string]any:
				minutes := make(map[string]bool, len(v))
				for m, present := range v {
					if b, ok := present.(bool); ok && b {
						minutes[m] = true
					}
				}
				h[hour] = &hourLeaf{minutes: minutes}
			default:
				return newStorageError(StorageErrorTypeCorruption, "index payload", "",
					fmt.Errorf("unexpected leaf for %s_%s", date, hour))
			}
		}
		entries[date] = h
	}
	ix.entries = entries
	return nil
}

// persist writes the checksummed envelope, primary first and backup second,
// so a crash between the two leaves a valid backup behind.
func (ix *indexManager) persist() error {
	payload, err := ix.serialize()
	if err != nil {
		return err
	}
	sum := checksum16(payload)
	envelope, err := json.Marshal(indexEnvelope{
		IndexData:     payload,
		IndexChecksum: strconv.FormatUint(uint64(sum), 10),
	})
	if err != nil {
		return err
	}
	if err := ix.fs.WriteText(ix.primaryPath(), string(envelope)); err != nil {
		return err
	}
	if err := ix.fs.WriteText(ix.backupPath(), string(envelope)); err != nil {
		return err
	}
	ix.lastChecksum = sum
	ix.everPersisted = true
	return nil
}

// persistDifferential rewrites the envelopes only when the live checksum
// differs from the last persisted one.
func (ix *indexManager) persistDifferential() error {
	payload, err := ix.serialize()
	if err != nil {
		return err
	}
	if ix.everPersisted && checksum16(payload) == ix.lastChecksum {
		return nil
	}
	return ix.persist()
}

// readEnvelope reads one envelope file and verifies its checksum.
func (ix *indexManager) readEnvelope(path string) (string, error) {
	text, err := ix.fs.ReadText(path)
	if err != nil {
		return "", err
	}
	var env indexEnvelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return "", newStorageError(StorageErrorTypeCorruption, "index envelope", path, err)
	}
	stored, err := strconv.ParseUint(env.IndexChecksum, 10, 16)
	if err != nil {
		return "", newStorageError(StorageErrorTypeCorruption, "index envelope", path, err)
	}
	if checksum16(env.IndexData) != uint16(stored) {
		return "", newStorageError(StorageErrorTypeCorruption, "index envelope", path,
			fmt.Errorf("checksum mismatch: stored %d", stored))
	}
	return env.IndexData, nil
}

// loadOrRecover adopts the primary envelope, falls back to the backup
// (re-persisting the primary), and finally starts empty. A corrupted index
// never prevents the engine from opening.
func (ix *indexManager) loadOrRecover() error {
	payload, err := ix.readEnvelope(ix.primaryPath())
	if err == nil {
		if adoptErr := ix.adopt(payload); adoptErr == nil {
			ix.lastChecksum = checksum16(payload)
			ix.everPersisted = true
			return nil
		}
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		ix.logger.Warn("primary index envelope unusable, trying backup",
			"path", ix.primaryPath(), "error", err)
	}

	payload, backupErr := ix.readEnvelope(ix.backupPath())
	if backupErr == nil {
		if adoptErr := ix.adopt(payload); adoptErr == nil {
			ix.logger.Info("index recovered from backup envelope", "path", ix.backupPath())
			ix.lastChecksum = checksum16(payload)
			ix.everPersisted = true
			// Heal the primary right away.
			return ix.persist()
		}
	}
	if backupErr != nil && !errors.Is(backupErr, ErrNotFound) {
		ix.logger.Warn("backup index envelope unusable, starting empty",
			"path", ix.backupPath(), "error", backupErr)
	}

	ix.reset()
	return ix.persist()
}

// rebuildFromDisk reconstructs the tree by scanning the data directory and
// parsing every shard file name with the path grammar.
func (ix *indexManager) rebuildFromDisk() error {
	ix.reset()
	names, err := ix.fs.List(ix.dir)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	for _, name := range names {
		if name == indexFileName || name == indexBackupFileName {
			continue
		}
		b, ok := parseShardName(name)
		if !ok {
			continue
		}
		b.Path = filepath.Join(ix.dir, name)
		if err := ix.markPresent(b); err != nil {
			ix.logger.Warn("skipping shard during index rebuild", "name", name, "error", err)
		}
	}
	return nil
}
