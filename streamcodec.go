package easytsdb

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// streamChunkSize is the write-buffer threshold of the streaming encoder.
const streamChunkSize = 512

// decodeBatchSize is how many item records the decoder parses per slice.
const decodeBatchSize = 5

// tokenized record field names. The meta record's scalar entries keep their
// own names; a user field that collides with a reserved name is relocated
// under the _u escape map.
const (
	tokenType    = "T"
	tokenArrays  = "A"
	tokenData    = "D"
	tokenEscape  = "_u"
	metaTypeName = "meta"
)

var reservedTokens = map[string]bool{
	"type":     true,
	"__arrays": true,
	"data":     true,
	"meta":     true,
	"T":        true,
	"A":        true,
	"D":        true,
	"M":        true,
}

// streamEncoder renders a logical object as newline-delimited records: one
// meta record carrying every scalar and the array lengths, then one item
// record per array element, all elements of one array before the next, in
// declared-array order.
type streamEncoder struct {
	arrays  []string
	items   map[string][]any
	meta    map[string]any
	metaOut bool
	keyIdx  int
	elemIdx int
}

// newStreamEncoder splits obj into scalars and array fields. Array fields
// are the values of type []any; everything else is a scalar.
func newStreamEncoder(obj map[string]any) *streamEncoder {
	enc := &streamEncoder{arrays: []string{}, items: make(map[string][]any)}
	escaped := make(map[string]any)
	meta := map[string]any{tokenType: metaTypeName}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if arr, ok := obj[k].([]any); ok {
			enc.arrays = append(enc.arrays, k)
			enc.items[k] = arr
			if reservedTokens[k] {
				escaped[k] = len(arr)
			} else {
				meta[k] = len(arr)
			}
			continue
		}
		if reservedTokens[k] {
			escaped[k] = obj[k]
		} else {
			meta[k] = obj[k]
		}
	}

	meta[tokenArrays] = enc.arrays
	if len(escaped) > 0 {
		meta[tokenEscape] = escaped
	}
	enc.meta = meta
	return enc
}

// nextLine produces the next record line, meta first. ok is false when the
// stream is exhausted.
func (e *streamEncoder) nextLine() (string, bool, error) {
	if !e.metaOut {
		e.metaOut = true
		line, err := json.Marshal(e.meta)
		if err != nil {
			return "", false, err
		}
		return string(line), true, nil
	}
	for e.keyIdx < len(e.arrays) {
		key := e.arrays[e.keyIdx]
		arr := e.items[key]
		if e.elemIdx >= len(arr) {
			e.keyIdx++
			e.elemIdx = 0
			continue
		}
		line, err := json.Marshal(map[string]any{tokenType: key, tokenData: arr[e.elemIdx]})
		if err != nil {
			return "", false, err
		}
		e.elemIdx++
		return string(line), true, nil
	}
	return "", false, nil
}

// metaWritten reports whether the meta record was already produced.
func (e *streamEncoder) metaWritten() bool {
	return e.metaOut
}

// recordType reads a record's type, accepting the on-disk token and the
// logical name.
func recordType(rec map[string]any) (string, bool) {
	if v, ok := rec[tokenType].(string); ok {
		return v, true
	}
	if v, ok := rec["type"].(string); ok {
		return v, true
	}
	return "", false
}

// recordData reads an item record's payload.
func recordData(rec map[string]any) any {
	if v, ok := rec[tokenData]; ok {
		return v
	}
	return rec["data"]
}

// streamDecoder incrementally parses a streaming file back into its logical
// object. It also accepts a legacy single-object JSON blob, the
// save-and-quit fallback, detected by the first non-empty line.
type streamDecoder struct {
	text   string
	lines  []string
	idx    int
	result map[string]any
	arrays map[string]bool
	done   bool
}

func newStreamDecoder(text string) *streamDecoder {
	return &streamDecoder{text: text, lines: strings.Split(text, "\n")}
}

// start consumes the first record and decides between the streaming form
// and the legacy blob. For the legacy form decoding completes immediately.
func (d *streamDecoder) start() error {
	first := ""
	for d.idx < len(d.lines) {
		if line := strings.TrimSpace(d.lines[d.idx]); line != "" {
			first = line
			break
		}
		d.idx++
	}

	var rec map[string]any
	legacy := first == ""
	if !legacy {
		if err := json.Unmarshal([]byte(first), &rec); err != nil {
			legacy = true
		} else if typ, ok := recordType(rec); !ok || typ != metaTypeName {
			legacy = true
		}
	}
	if legacy {
		var obj map[string]any
		if err := json.Unmarshal([]byte(d.text), &obj); err != nil {
			return fmt.Errorf("not a streaming record file or a JSON object: %w", err)
		}
		d.result = obj
		d.done = true
		return nil
	}
	d.idx++

	d.arrays = make(map[string]bool)
	var declared []string
	rawArrays, ok := rec[tokenArrays]
	if !ok {
		rawArrays = rec["__arrays"]
	}
	if list, ok := rawArrays.([]any); ok {
		for _, v := range list {
			if name, ok := v.(string); ok {
				declared = append(declared, name)
				d.arrays[name] = true
			}
		}
	}

	d.result = make(map[string]any)
	for k, v := range rec {
		if k == tokenType || k == tokenArrays || k == tokenEscape || k == "type" || k == "__arrays" {
			continue
		}
		if d.arrays[k] {
			continue // array length entry
		}
		d.result[k] = v
	}
	if escaped, ok := rec[tokenEscape].(map[string]any); ok {
		for k, v := range escaped {
			if d.arrays[k] {
				continue
			}
			d.result[k] = v
		}
	}
	for _, name := range declared {
		d.result[name] = []any{}
	}
	return nil
}

// step parses up to max item records, returning done when the file is
// exhausted.
func (d *streamDecoder) step(max int) (bool, error) {
	if d.done {
		return true, nil
	}
	parsed := 0
	for d.idx < len(d.lines) && parsed < max {
		line := strings.TrimSpace(d.lines[d.idx])
		d.idx++
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return false, fmt.Errorf("item record %d: %w", d.idx, err)
		}
		name, ok := recordType(rec)
		if !ok || !d.arrays[name] {
			return false, fmt.Errorf("item record %d: unknown array field", d.idx)
		}
		existing, _ := d.result[name].([]any)
		d.result[name] = append(existing, recordData(rec))
		parsed++
	}
	if d.idx >= len(d.lines) {
		d.done = true
	}
	return d.done, nil
}

// EncodeStreamObject renders obj in the streaming record format in one
// call. The async pipeline uses the incremental encoder instead; this is
// the synchronous counterpart for small objects and tests.
func EncodeStreamObject(obj map[string]any) (string, error) {
	enc := newStreamEncoder(obj)
	var sb strings.Builder
	for {
		line, ok, err := enc.nextLine()
		if err != nil {
			return "", err
		}
		if !ok {
			return sb.String(), nil
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
}

// DecodeStreamObject parses either a streaming record file or a legacy
// single-object JSON blob into the logical object.
func DecodeStreamObject(text string) (map[string]any, error) {
	dec := newStreamDecoder(text)
	if err := dec.start(); err != nil {
		return nil, err
	}
	for {
		done, err := dec.step(decodeBatchSize)
		if err != nil {
			return nil, err
		}
		if done {
			return dec.result, nil
		}
	}
}
