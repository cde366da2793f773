package easytsdb

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/easytsdb/easytsdb/internal/testutil"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Directory: testutil.TempDataDir(t),
		Logger:    testLogger(),
	}
}

func mustOpen(t *testing.T, cfg Config) *DB {
	t.Helper()
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return db
}

func utcMillis(year int, month time.Month, day, hour, minute int) int64 {
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC).UnixMilli()
}

func TestWriteFlushQueryAverage(t *testing.T) {
	db := mustOpen(t, testConfig(t))
	defer db.Close()

	writes := []Point{
		{Measurement: "temperature", Value: 10, Timestamp: utcMillis(2024, 3, 15, 12, 0)},
		{Measurement: "temperature", Value: 20, Timestamp: utcMillis(2024, 3, 15, 13, 0)},
	}
	for _, p := range writes {
		if err := db.WritePoint(p); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got, err := db.Query(utcMillis(2024, 3, 15, 0, 0), utcMillis(2024, 3, 16, 0, 0), "average")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got != 15.0 {
		t.Errorf("average: got %v, want 15", got)
	}
}

func TestQueryMinMaxSum(t *testing.T) {
	db := mustOpen(t, testConfig(t))
	defer db.Close()

	for i, v := range []float64{40, 20, 60} {
		p := Point{Measurement: "humidity", Value: v, Timestamp: utcMillis(2024, 3, 15, 8+i, 0)}
		if err := db.WritePoint(p); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	start, end := utcMillis(2024, 3, 15, 0, 0), utcMillis(2024, 3, 16, 0, 0)
	for key, want := range map[string]float64{"min": 20, "max": 60, "sum": 120} {
		got, err := db.Query(start, end, key)
		if err != nil {
			t.Fatalf("%s: %v", key, err)
		}
		if got != want {
			t.Errorf("%s: got %v, want %v", key, got, want)
		}
	}
}

func TestMinuteFrameAverage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Frame = "minute"
	db := mustOpen(t, cfg)
	defer db.Close()

	now := utcMillis(2024, 3, 15, 12, 30)
	if err := db.WritePoint(Point{Measurement: "pressure", Value: 1015, Timestamp: now - 60_000}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := db.WritePoint(Point{Measurement: "pressure", Value: 1017, Timestamp: now}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got, err := db.Query(now-120_000, now+1000, "average")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got != 1016.0 {
		t.Errorf("average: got %v, want 1016", got)
	}
}

func TestRetrieveDataSeriesAliases(t *testing.T) {
	db := mustOpen(t, testConfig(t))
	defer db.Close()

	ts := utcMillis(2024, 3, 15, 12, 0)
	if err := db.WritePoint(Point{Measurement: "temperature", Value: 10.5, Timestamp: ts}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	points, err := db.RetrieveDataSeries(ts-1000, ts+1000)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("expected 1 point, got %d", len(points))
	}
	p := points[0]
	if p.Measurement != "temperature" || p.Value != 10.5 || p.Timestamp != ts {
		t.Errorf("aliased point: %+v", p)
	}
}

func TestQueryBucketInclusiveOverScan(t *testing.T) {
	db := mustOpen(t, testConfig(t))
	defer db.Close()

	// The point sits in the 23:00 bucket of the previous day; the day
	// rewind keeps it visible to a scan starting at midnight.
	if err := db.WritePoint(Point{Measurement: "m", Value: 1, Timestamp: utcMillis(2024, 3, 15, 23, 30)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got, err := db.Query(utcMillis(2024, 3, 16, 0, 0), utcMillis(2024, 3, 16, 1, 0), "count")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got != 1 {
		t.Errorf("bucket-inclusive scan must include the rewound day, got %v", got)
	}
}

func TestShardFileFormat(t *testing.T) {
	cfg := testConfig(t)
	db := mustOpen(t, cfg)
	defer db.Close()

	ts := utcMillis(2024, 3, 15, 12, 0)
	if err := db.WritePoint(Point{Measurement: "temp", Value: 10, Timestamp: ts}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(cfg.Directory, "2024_03_15_12.json"))
	if err != nil {
		t.Fatalf("read shard: %v", err)
	}
	want := `[{"m":"temp","v":10,"t":` + "1710504000000" + `}]`
	if string(raw) != want {
		t.Errorf("shard body:\n got %s\nwant %s", raw, want)
	}
}

func TestFlushMergesBehindExistingShard(t *testing.T) {
	db := mustOpen(t, testConfig(t))
	defer db.Close()

	ts := utcMillis(2024, 3, 15, 12, 0)
	if err := db.WritePoint(Point{Measurement: "m", Value: 1, Timestamp: ts}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := db.WritePoint(Point{Measurement: "m", Value: 2, Timestamp: ts + 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	points, err := db.RetrieveDataSeries(ts-1000, ts+1000)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(points) != 2 || points[0].Value != 1 || points[1].Value != 2 {
		t.Errorf("shard order after merge: %+v", points)
	}
}

func TestCloseReopenEquality(t *testing.T) {
	cfg := testConfig(t)
	db := mustOpen(t, cfg)

	ts := utcMillis(2024, 3, 15, 12, 0)
	if err := db.WritePoint(Point{Measurement: "m", Value: 3.5, Timestamp: ts}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db = mustOpen(t, cfg)
	defer db.Close()
	points, err := db.RetrieveDataSeries(ts-1000, ts+1000)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(points) != 1 || points[0].Value != 3.5 {
		t.Errorf("reopened state: %+v", points)
	}
}

func TestIndexCorruptionRecoveredOnReopen(t *testing.T) {
	cfg := testConfig(t)
	db := mustOpen(t, cfg)

	ts := utcMillis(2024, 3, 15, 12, 0)
	if err := db.WritePoint(Point{Measurement: "m", Value: 1, Timestamp: ts}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Directory, indexFileName), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	if _, err := f.WriteString("corruption!"); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	_ = f.Close()

	db = mustOpen(t, cfg)
	defer db.Close()

	ts2 := utcMillis(2024, 3, 15, 13, 0)
	if err := db.WritePoint(Point{Measurement: "m", Value: 2, Timestamp: ts2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	points, err := db.RetrieveDataSeries(ts-1000, ts2+1000)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("backup recovery lost data: %+v", points)
	}
}

func TestQueryCacheInvalidation(t *testing.T) {
	db := mustOpen(t, testConfig(t))
	defer db.Close()

	ts := utcMillis(2024, 3, 15, 12, 0)
	if err := db.WritePoint(Point{Measurement: "m", Value: 10, Timestamp: ts}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	start, end := ts-1000, ts+1000
	got, err := db.Query(start, end, "average")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got != 10.0 {
		t.Errorf("first query: %v", got)
	}
	if len(db.cache) != 1 {
		t.Errorf("expected one cached entry, got %d", len(db.cache))
	}

	// Identical request is served from the cache.
	if again, _ := db.Query(start, end, "average"); again != 10.0 {
		t.Errorf("cached query: %v", again)
	}
	if len(db.cache) != 1 {
		t.Errorf("cache grew on identical request: %d", len(db.cache))
	}

	// A flush invalidates every entry.
	if err := db.WritePoint(Point{Measurement: "m", Value: 20, Timestamp: ts + 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(db.cache) != 0 {
		t.Errorf("flush must invalidate the cache, got %d entries", len(db.cache))
	}
	got, err = db.Query(start, end, "average")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got != 15.0 {
		t.Errorf("post-flush query: %v", got)
	}
}

func TestQueryCustomReducer(t *testing.T) {
	db := mustOpen(t, testConfig(t))
	defer db.Close()

	ts := utcMillis(2024, 3, 15, 12, 0)
	for i, v := range []float64{1, 2, 3} {
		if err := db.WritePoint(Point{Measurement: "m", Value: v, Timestamp: ts + int64(i)}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got, err := db.QueryCustom(ts-1000, ts+1000, func(points []Point) any {
		var product float64 = 1
		for _, p := range points {
			product *= p.Value
		}
		return product
	})
	if err != nil {
		t.Fatalf("custom query: %v", err)
	}
	if got != 6.0 {
		t.Errorf("custom reducer: %v", got)
	}
	if len(db.cache) != 0 {
		t.Errorf("custom results must not be memoized, got %d entries", len(db.cache))
	}
}

func TestQueryUnknownAggregation(t *testing.T) {
	db := mustOpen(t, testConfig(t))
	defer db.Close()

	_, err := db.Query(0, 1000, "harmonic_mean")
	if !errors.Is(err, ErrUnsupportedAggregation) {
		t.Errorf("expected ErrUnsupportedAggregation, got %v", err)
	}
}

func TestOverflowFlush(t *testing.T) {
	cfg := testConfig(t)
	cfg.RAMCeilingBytes = 1
	db := mustOpen(t, cfg)
	defer db.Close()

	ts := utcMillis(2024, 3, 15, 12, 0)
	if err := db.WritePoint(Point{Measurement: "m", Value: 1, Timestamp: ts}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The ceiling forces a synchronous flush inside WritePoint.
	testutil.MustExist(t, filepath.Join(cfg.Directory, "2024_03_15_12.json"))
	if !db.buffer.empty() {
		t.Error("buffer must be drained by the overflow flush")
	}
}

func TestAutosaveDebounce(t *testing.T) {
	mock := clock.NewMock()
	cfg := testConfig(t)
	cfg.Clock = mock
	cfg.AutosaveInterval = 10 * time.Minute
	db := mustOpen(t, cfg)
	defer db.Close()

	ts := utcMillis(2024, 3, 15, 12, 0)
	if err := db.WritePoint(Point{Measurement: "m", Value: 1, Timestamp: ts}); err != nil {
		t.Fatalf("write: %v", err)
	}

	shard := filepath.Join(cfg.Directory, "2024_03_15_12.json")
	testutil.MustNotExist(t, shard)

	// A second write re-arms the debounce: half the interval later still
	// nothing is flushed.
	mock.Add(5 * time.Minute)
	if err := db.WritePoint(Point{Measurement: "m", Value: 2, Timestamp: ts + 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	mock.Add(5 * time.Minute)
	testutil.MustNotExist(t, shard)

	mock.Add(5*time.Minute + time.Second)
	testutil.MustExist(t, shard)
}

func TestPurge(t *testing.T) {
	cfg := testConfig(t)
	db := mustOpen(t, cfg)
	defer db.Close()

	oldTs := utcMillis(2024, 3, 10, 12, 0)
	newTs := utcMillis(2024, 3, 15, 12, 0)
	for _, p := range []Point{
		{Measurement: "m", Value: 1, Timestamp: oldTs},
		{Measurement: "m", Value: 2, Timestamp: newTs},
	} {
		if err := db.WritePoint(p); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := db.Purge(utcMillis(2024, 3, 12, 0, 0)); err != nil {
		t.Fatalf("purge: %v", err)
	}

	testutil.MustNotExist(t, filepath.Join(cfg.Directory, "2024_03_10_12.json"))
	testutil.MustExist(t, filepath.Join(cfg.Directory, "2024_03_15_12.json"))

	points, err := db.RetrieveDataSeries(oldTs-1000, newTs+1000)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(points) != 1 || points[0].Timestamp != newTs {
		t.Errorf("post-purge points: %+v", points)
	}
}

func TestPurgeKeepsSameDay(t *testing.T) {
	cfg := testConfig(t)
	db := mustOpen(t, cfg)
	defer db.Close()

	ts := utcMillis(2024, 3, 15, 6, 0)
	if err := db.WritePoint(Point{Measurement: "m", Value: 1, Timestamp: ts}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// Midnight threshold on the same date: the date is not strictly older.
	if err := db.Purge(utcMillis(2024, 3, 15, 0, 0)); err != nil {
		t.Fatalf("purge: %v", err)
	}
	testutil.MustExist(t, filepath.Join(cfg.Directory, "2024_03_15_06.json"))
}

func TestClearRequiresConsent(t *testing.T) {
	cfg := testConfig(t)
	db := mustOpen(t, cfg)
	defer db.Close()

	ts := utcMillis(2024, 3, 15, 12, 0)
	if err := db.WritePoint(Point{Measurement: "m", Value: 1, Timestamp: ts}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	err := db.Clear("yes")
	if !errors.Is(err, ErrInvalidConsent) {
		t.Fatalf("expected ErrInvalidConsent, got %v", err)
	}
	testutil.MustExist(t, filepath.Join(cfg.Directory, "2024_03_15_12.json"))

	if err := db.Clear("YES"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	testutil.MustNotExist(t, filepath.Join(cfg.Directory, "2024_03_15_12.json"))
	testutil.MustNotExist(t, filepath.Join(cfg.Directory, indexFileName))

	points, err := db.RetrieveDataSeries(ts-1000, ts+1000)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(points) != 0 {
		t.Errorf("cleared engine returned points: %+v", points)
	}
}

func TestClearedSentinelForcesIndexPersist(t *testing.T) {
	cfg := testConfig(t)
	db := mustOpen(t, cfg)
	defer db.Close()

	if err := db.Clear("YES"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	testutil.MustNotExist(t, filepath.Join(cfg.Directory, indexFileName))

	// Nothing buffered, but the sentinel forces the envelopes back.
	if err := db.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	testutil.MustExist(t, filepath.Join(cfg.Directory, indexFileName))
	testutil.MustExist(t, filepath.Join(cfg.Directory, indexBackupFileName))
}

func TestWriteAfterClearSurvives(t *testing.T) {
	cfg := testConfig(t)
	db := mustOpen(t, cfg)
	defer db.Close()

	if err := db.Clear("YES"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	ts := utcMillis(2024, 3, 15, 12, 0)
	if err := db.WritePoint(Point{Measurement: "m", Value: 1, Timestamp: ts}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	points, err := db.RetrieveDataSeries(ts-1000, ts+1000)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(points) != 1 {
		t.Errorf("write after clear lost: %+v", points)
	}
}

func TestWritePointDefaultTimestamp(t *testing.T) {
	mock := clock.NewMock()
	now := time.Date(2024, 3, 15, 12, 30, 0, 0, time.UTC)
	mock.Set(now)

	cfg := testConfig(t)
	cfg.Clock = mock
	db := mustOpen(t, cfg)
	defer db.Close()

	if err := db.WritePoint(Point{Measurement: "m", Value: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	points, err := db.RetrieveDataSeries(now.UnixMilli()-1000, now.UnixMilli()+1000)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(points) != 1 || points[0].Timestamp != now.UnixMilli() {
		t.Errorf("defaulted timestamp: %+v", points)
	}
}

func TestOperationsAfterClose(t *testing.T) {
	db := mustOpen(t, testConfig(t))
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := db.WritePoint(Point{Measurement: "m", Value: 1, Timestamp: 1}); !errors.Is(err, ErrClosed) {
		t.Errorf("write after close: %v", err)
	}
	if _, err := db.Query(0, 1, "sum"); !errors.Is(err, ErrClosed) {
		t.Errorf("query after close: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("double close: %v", err)
	}
}

func TestCorruptShardIsSkipped(t *testing.T) {
	cfg := testConfig(t)
	db := mustOpen(t, cfg)
	defer db.Close()

	ts := utcMillis(2024, 3, 15, 12, 0)
	ts2 := utcMillis(2024, 3, 15, 13, 0)
	for _, p := range []Point{
		{Measurement: "m", Value: 1, Timestamp: ts},
		{Measurement: "m", Value: 2, Timestamp: ts2},
	} {
		if err := db.WritePoint(p); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := os.WriteFile(filepath.Join(cfg.Directory, "2024_03_15_12.json"), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	points, err := db.RetrieveDataSeries(ts-1000, ts2+1000)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(points) != 1 || points[0].Value != 2 {
		t.Errorf("corrupt shard must be skipped without poisoning neighbors: %+v", points)
	}
}
