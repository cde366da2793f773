package easytsdb

import (
	"errors"
	"time"

	"github.com/cespare/xxhash/v2"
)

// isoMillis renders a millisecond timestamp as an ISO-8601 UTC string, the
// normalized form used in cache fingerprints.
func isoMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z")
}

// fingerprint identifies a query for the cache.
func fingerprint(startISO, endISO, aggKey string) uint64 {
	return xxhash.Sum64String(startISO + "|" + endISO + "|" + aggKey)
}

// scanRange walks the shard space for [startMs, endMs] and concatenates the
// points of every shard the index marks present. The cursor starts one day
// before the requested start, aligned down to a bucket boundary: the shard
// walk inherited an off-by-one at the bucket boundary, and the rewind keeps
// edge buckets visible. The scan is
// bucket-inclusive; no per-point timestamp filtering is applied. Absent and
// empty shards are skipped; a shard that fails to parse is logged and
// skipped without poisoning its neighbors.
//
// Callers hold db.mu.
func (db *DB) scanRange(startMs, endMs int64) []Point {
	step := db.frame.step()
	cursor := time.UnixMilli(startMs).UTC().Add(-24 * time.Hour).Truncate(step)
	end := time.UnixMilli(endMs).UTC()

	var points []Point
	for !cursor.After(end) {
		b := route(db.cfg.Directory, cursor.UnixMilli(), db.frame)
		cursor = cursor.Add(step)
		if !db.index.contains(b) {
			continue
		}
		text, err := db.fs.ReadText(b.Path)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				db.logger.Warn("skipping unreadable shard", "path", b.Path, "error", err)
			}
			continue
		}
		if text == "" {
			continue
		}
		pts, err := decodePoints(text)
		if err != nil {
			db.logger.Warn("skipping unparseable shard", "path", b.Path, "error", err)
			continue
		}
		points = append(points, pts...)
	}
	return points
}

// Query scans [startMs, endMs] and reduces the points with the named
// aggregation. Identical requests are memoized until the next mutating
// operation. The scan is bucket-inclusive: every shard whose bucket touches
// the range contributes all of its points; callers needing strict
// point-wise bounds use RetrieveDataSeries and filter themselves.
func (db *DB) Query(startMs, endMs int64, aggregation string) (any, error) {
	agg, err := ParseAggregation(aggregation)
	if err != nil {
		return nil, err
	}
	return db.runQuery(startMs, endMs, agg)
}

// QueryCustom scans the range and dispatches the points to a
// caller-supplied reducer. Custom results are not memoized: two distinct
// reducers would collide on the same fingerprint.
func (db *DB) QueryCustom(startMs, endMs int64, fn Reducer) (any, error) {
	if fn == nil {
		return nil, &AggregationError{Key: "custom"}
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	return CustomAggregation(fn).Apply(db.scanRange(startMs, endMs)), nil
}

// RetrieveDataSeries returns the raw concatenated points of the
// bucket-inclusive scan, unchanged.
func (db *DB) RetrieveDataSeries(startMs, endMs int64) ([]Point, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	return db.scanRange(startMs, endMs), nil
}

func (db *DB) runQuery(startMs, endMs int64, agg Aggregation) (any, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}

	fp := fingerprint(isoMillis(startMs), isoMillis(endMs), agg.Key())
	if cached, ok := db.cache[fp]; ok {
		return cached, nil
	}

	result := agg.Apply(db.scanRange(startMs, endMs))
	db.cache[fp] = result
	return result, nil
}

// invalidateCacheLocked drops every memoized query result. Called at each
// mutation boundary: flush, purge, clear, restore.
func (db *DB) invalidateCacheLocked() {
	db.cache = make(map[uint64]any)
}
