package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// Record is the unit of data served by the store and pushed over the duplex channel.
type Record struct {
	ID        int     `json:"id"`
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

// Example is the fixed record served from /api/data, stamped with the given time.
func Example(now time.Time) Record {
	return Record{ID: 1, Name: "Example Data", Value: 3.14, Timestamp: now.UnixMilli()}
}

// Samples returns n records numbered from zero.
func Samples(n int) []Record {
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Record{ID: i, Name: fmt.Sprintf("Item %d", i), Value: float64(i)})
	}
	return out
}

type wireRecord struct {
	ID        *int64   `json:"id"`
	Name      *string  `json:"name"`
	Value     *float64 `json:"value"`
	Timestamp *int64   `json:"timestamp"`
}

// Decode reads a body holding exactly one JSON record. id, name and value are required, ids must fit
// in 32 bits and unknown fields or trailing data are rejected. hasTimestamp reports whether the
// sender stamped the record.
func Decode(r io.Reader) (rec Record, hasTimestamp bool, err error) {
	var w wireRecord
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return Record{}, false, fmt.Errorf("failed to decode record: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Record{}, false, errors.New("failed to decode record: trailing data")
	}
	if w.ID == nil || w.Name == nil || w.Value == nil {
		return Record{}, false, errors.New("failed to decode record: id, name and value are required")
	}
	if *w.ID < math.MinInt32 || *w.ID > math.MaxInt32 {
		return Record{}, false, fmt.Errorf("failed to decode record: id %d out of range", *w.ID)
	}
	rec = Record{ID: int(*w.ID), Name: *w.Name, Value: *w.Value}
	if w.Timestamp != nil {
		rec.Timestamp = *w.Timestamp
		hasTimestamp = true
	}
	return rec, hasTimestamp, nil
}
