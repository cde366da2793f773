// Package easytsdb is an embedded time-series storage engine for
// constrained devices. Points are buffered in RAM, sharded to small JSON
// files by wall-clock bucket (hourly or minutely), tracked in a
// checksum-protected directory index with a backup envelope, and answered
// back through range queries with built-in or caller-supplied reducers.
//
// The package also carries the cooperative write pipeline used by the
// suite's auxiliary stores: a FIFO job queue that advances one bounded
// slice at a time, and a streaming line-delimited JSON codec that encodes
// large objects in small chunks across slices.
package easytsdb
