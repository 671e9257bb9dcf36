package fetch

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Record is one raw vendor summary as decoded from JSON. Numbers keep their
// textual form (json.Number).
type Record map[string]any

// KeyKind tells which fields a Key was derived from.
type KeyKind uint8

const (
	KeyNone KeyKind = iota
	// KeyExplicit uses the vendor's summaryId, or id when summaryId is absent.
	KeyExplicit
	// KeyComposite uses (calendarDate, startTimeInSeconds).
	KeyComposite
)

// Key identifies a vendor record for deduplication.
type Key struct {
	Kind         KeyKind
	ID           string
	CalendarDate string
	StartTime    int64
}

// KeyOf derives the dedup key of r. The second result is false when r
// carries none of the identifying fields.
func KeyOf(r Record) (Key, bool) {
	for _, field := range []string{"summaryId", "id"} {
		if id := r.String(field); id != "" {
			return Key{Kind: KeyExplicit, ID: id}, true
		}
	}

	date := r.String("calendarDate")
	start, hasStart := r.Int("startTimeInSeconds")
	if date == "" && !hasStart {
		return Key{}, false
	}
	return Key{Kind: KeyComposite, CalendarDate: date, StartTime: start}, true
}

// Dedupe keeps the first record for each key, preserving order. Records
// without a key are always kept. It returns the number of dropped records.
func Dedupe(records []Record) ([]Record, int) {
	seen := make(map[Key]struct{}, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if key, ok := KeyOf(r); ok {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		out = append(out, r)
	}
	return out, len(records) - len(out)
}

// String returns field as a string. Numeric ids are formatted.
func (r Record) String(field string) string {
	switch v := r[field].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}

// Int returns field as an integer.
func (r Record) Int(field string) (int64, bool) {
	switch v := r[field].(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		if f, err := v.Float64(); err == nil {
			return int64(f), true
		}
	case string:
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

// Float returns field as a float.
func (r Record) Float(field string) (float64, bool) {
	if v, ok := r[field].(json.Number); ok {
		if f, err := v.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Object returns a nested object field.
func (r Record) Object(field string) Record {
	if m, ok := r[field].(map[string]any); ok {
		return Record(m)
	}
	return nil
}

// decodeArray parses body as a JSON array of objects. ok is false when the
// body is not an array.
func decodeArray(body []byte) ([]Record, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var records []Record
	if err := dec.Decode(&records); err != nil {
		return nil, false
	}
	return records, true
}
