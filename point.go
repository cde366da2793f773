package easytsdb

import (
	"encoding/json"
	"strconv"
)

// Point is a single tagged sample. On disk a point is stored with the
// compact field names m, v and t; both the compact and the long names are
// accepted when reading.
type Point struct {
	Measurement string  `json:"m"`
	Value       float64 `json:"v"`
	Timestamp   int64   `json:"t"` // milliseconds since epoch, UTC
}

// UnmarshalJSON accepts both the compact on-disk names and the long
// reader-facing names. Compact names win when both are present.
func (p *Point) UnmarshalJSON(data []byte) error {
	var raw struct {
		M  *string  `json:"m"`
		V  *float64 `json:"v"`
		T  *int64   `json:"t"`
		LM *string  `json:"measurement"`
		LV *float64 `json:"value"`
		LT *int64   `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.M != nil:
		p.Measurement = *raw.M
	case raw.LM != nil:
		p.Measurement = *raw.LM
	}
	switch {
	case raw.V != nil:
		p.Value = *raw.V
	case raw.LV != nil:
		p.Value = *raw.LV
	}
	switch {
	case raw.T != nil:
		p.Timestamp = *raw.T
	case raw.LT != nil:
		p.Timestamp = *raw.LT
	}
	return nil
}

// encodePoints serializes a shard as a JSON array of compact points.
func encodePoints(points []Point) (string, error) {
	if points == nil {
		points = []Point{}
	}
	data, err := json.Marshal(points)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodePoints parses a shard file body. Empty text means an empty shard.
func decodePoints(text string) ([]Point, error) {
	if text == "" {
		return nil, nil
	}
	var points []Point
	if err := json.Unmarshal([]byte(text), &points); err != nil {
		return nil, err
	}
	return points, nil
}

// pointEstimate approximates the serialized size of one point in bytes,
// one byte per character of its compact JSON form.
func pointEstimate(p Point) int {
	// {"m":"..","v":..,"t":..} plus separators.
	return len(p.Measurement) +
		len(strconv.FormatFloat(p.Value, 'g', -1, 64)) +
		len(strconv.FormatInt(p.Timestamp, 10)) + 21
}
