package easytsdb

// shardPending holds the points queued for one shard file since the last
// flush, in write order.
type shardPending struct {
	bucket Bucket
	points []Point
}

// ramBuffer accumulates freshly written points per shard until the
// estimated serialized size crosses the configured ceiling or the autosave
// timer fires. Every accepted point lives here or on disk; nothing is
// dropped silently.
type ramBuffer struct {
	pending map[string]*shardPending // shard path -> pending points
	order   []string                 // shard paths in first-touch order
	bytes   int                      // running serialized-size estimate
}

func newRAMBuffer() *ramBuffer {
	return &ramBuffer{pending: make(map[string]*shardPending)}
}

// add appends a point to its shard's pending list and grows the size
// estimate by the point's approximate serialized length.
func (b *ramBuffer) add(bucket Bucket, p Point) {
	entry, ok := b.pending[bucket.Path]
	if !ok {
		entry = &shardPending{bucket: bucket}
		b.pending[bucket.Path] = entry
		b.order = append(b.order, bucket.Path)
	}
	entry.points = append(entry.points, p)
	b.bytes += pointEstimate(p)
}

// estimatedSize is the approximate serialized size of all pending lists.
func (b *ramBuffer) estimatedSize() int {
	return b.bytes
}

func (b *ramBuffer) empty() bool {
	return len(b.pending) == 0
}

// shards returns the pending entries in first-touch order.
func (b *ramBuffer) shards() []*shardPending {
	out := make([]*shardPending, 0, len(b.order))
	for _, path := range b.order {
		out = append(out, b.pending[path])
	}
	return out
}

// reset empties the buffer after a flush or clear.
func (b *ramBuffer) reset() {
	b.pending = make(map[string]*shardPending)
	b.order = nil
	b.bytes = 0
}
