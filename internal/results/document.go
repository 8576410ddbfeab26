package results

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"bunnyhop/internal/apperr"
)

// Document is the whole result set as one JSON object keyed by athlete id.
// Key order is preserved across decode and encode so that first-insertion
// order survives a round trip through storage.
type Document struct {
	order   []string
	entries map[string]RiderResult
}

func NewDocument() *Document {
	return &Document{entries: make(map[string]RiderResult)}
}

// DecodeDocument parses a stored document. Empty input is an empty document;
// anything else that does not parse is apperr.ErrCorrupt.
func DecodeDocument(data []byte) (*Document, error) {
	doc := NewDocument()
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decode results document: %w: %w", apperr.ErrCorrupt, err)
	}
	return doc, nil
}

func (d *Document) Put(result RiderResult) {
	key := strconv.FormatInt(result.AthleteID, 10)
	if _, ok := d.entries[key]; !ok {
		d.order = append(d.order, key)
	}
	d.entries[key] = normalize(result)
}

func (d *Document) Get(athleteID int64) (RiderResult, bool) {
	r, ok := d.entries[strconv.FormatInt(athleteID, 10)]
	return r, ok
}

// Results returns entries in document order.
func (d *Document) Results() []RiderResult {
	out := make([]RiderResult, 0, len(d.order))
	for _, key := range d.order {
		out = append(out, d.entries[key])
	}
	return out
}

func (d *Document) Len() int {
	return len(d.order)
}

func (d *Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range d.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(d.entries[key])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (d *Document) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("results document must be a JSON object")
	}

	d.order = d.order[:0]
	d.entries = make(map[string]RiderResult)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected key %v", tok)
		}
		var result RiderResult
		if err := dec.Decode(&result); err != nil {
			return fmt.Errorf("entry %s: %w", key, err)
		}
		if strconv.FormatInt(result.AthleteID, 10) != key {
			return fmt.Errorf("entry %s: athlete id %d does not match key", key, result.AthleteID)
		}
		if _, dup := d.entries[key]; !dup {
			d.order = append(d.order, key)
		}
		d.entries[key] = normalize(result)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}
