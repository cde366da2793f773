package easytsdb

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/benbjohnson/clock"
)

// AsyncStore is the write pipeline the suite's auxiliary stores share: it
// streams large objects to disk through the cooperative job queue so the
// host's loop is never starved by one big serialization. Reads come back
// the same way, a few records per slice.
type AsyncStore struct {
	queue  *JobQueue
	clk    clock.Clock
	logger *slog.Logger
}

// NewAsyncStore wraps a job queue. The store shares the queue's clock so
// slice deadlines and backpressure delays agree.
func NewAsyncStore(queue *JobQueue) *AsyncStore {
	return &AsyncStore{queue: queue, clk: queue.clk, logger: queue.logger}
}

// Busy reports the queue's backpressure signal; callers poll it before
// enqueueing more work.
func (s *AsyncStore) Busy() bool {
	return s.queue.Busy()
}

// WriteObject streams obj to path in the newline-delimited record format,
// in ~512-byte chunks across ~1 ms slices. done receives the terminal error once the file is
// closed (or ErrQueueStopped if the job was dropped).
func (s *AsyncStore) WriteObject(path string, obj map[string]any, done func(error)) {
	s.queue.Enqueue(&streamEncodeJob{
		clk:  s.clk,
		path: path,
		enc:  newStreamEncoder(obj),
	}, done)
}

// ReadObject streams the object back from path, parsing a few records per
// slice, and delivers it through done.
func (s *AsyncStore) ReadObject(path string, done func(map[string]any, error)) {
	job := &streamDecodeJob{path: path}
	s.queue.Enqueue(job, func(err error) {
		if done == nil {
			return
		}
		if err != nil {
			done(nil, err)
			return
		}
		done(job.result, nil)
	})
}

// WriteBlocking writes obj synchronously as a plain single-object JSON
// blob, the emergency-save fallback the streaming decoder accepts.
func (s *AsyncStore) WriteBlocking(path string, obj map[string]any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return diskFS{}.WriteText(path, string(data))
}

// streamEncodeJob writes one object to one file across slices. The file
// handle is released on every exit path.
type streamEncodeJob struct {
	clk  clock.Clock
	path string
	enc  *streamEncoder
	file *os.File
	buf  bytes.Buffer
}

func (j *streamEncodeJob) flush() error {
	if j.buf.Len() == 0 {
		return nil
	}
	_, err := j.file.Write(j.buf.Bytes())
	j.buf.Reset()
	return err
}

func (j *streamEncodeJob) fail(err error) (bool, error) {
	if j.file != nil {
		_ = j.file.Close()
		j.file = nil
	}
	return true, err
}

func (j *streamEncodeJob) Tick(deadline time.Time) (bool, error) {
	if j.file == nil {
		f, err := os.Create(j.path)
		if err != nil {
			return true, newStorageError(StorageErrorTypeWrite, "create", j.path, err)
		}
		j.file = f
	}

	if !j.enc.metaWritten() {
		line, _, err := j.enc.nextLine()
		if err != nil {
			return j.fail(err)
		}
		j.buf.WriteString(line)
		j.buf.WriteByte('\n')
		// Yield right after the meta record.
		return false, nil
	}

	for {
		line, ok, err := j.enc.nextLine()
		if err != nil {
			return j.fail(err)
		}
		if !ok {
			if err := j.flush(); err != nil {
				return j.fail(newStorageError(StorageErrorTypeWrite, "write", j.path, err))
			}
			err := j.file.Close()
			j.file = nil
			if err != nil {
				return true, newStorageError(StorageErrorTypeWrite, "close", j.path, err)
			}
			return true, nil
		}
		j.buf.WriteString(line)
		j.buf.WriteByte('\n')
		if j.buf.Len() >= streamChunkSize {
			if err := j.flush(); err != nil {
				return j.fail(newStorageError(StorageErrorTypeWrite, "write", j.path, err))
			}
		}
		if j.clk.Now().After(deadline) {
			return false, nil
		}
	}
}

// streamDecodeJob reads a whole file, then parses it back a batch of
// records per slice.
type streamDecodeJob struct {
	path   string
	dec    *streamDecoder
	result map[string]any
}

func (j *streamDecodeJob) Tick(time.Time) (bool, error) {
	if j.dec == nil {
		text, err := diskFS{}.ReadText(j.path)
		if err != nil {
			return true, err
		}
		j.dec = newStreamDecoder(text)
		if err := j.dec.start(); err != nil {
			return true, err
		}
		if j.dec.done {
			return true, j.finish()
		}
		// Yield after the meta record, like the encoder.
		return false, nil
	}
	done, err := j.dec.step(decodeBatchSize)
	if err != nil {
		return true, err
	}
	if done {
		return true, j.finish()
	}
	return false, nil
}

func (j *streamDecodeJob) finish() error {
	j.result = j.dec.result
	return nil
}
