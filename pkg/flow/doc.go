package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Doc is a loosely-typed JSON object that preserves the key order it was
// decoded with. Nodes and edges are client-defined shapes: only a handful of
// fields (id, position, measured, data, source, target) mean anything to the
// server, everything else is carried through untouched.
type Doc struct {
	keys   []string
	values map[string]json.RawMessage
}

func NewDoc() Doc {
	return Doc{values: map[string]json.RawMessage{}}
}

// Get returns the raw value for key, or false if the key is absent.
func (d Doc) Get(key string) (json.RawMessage, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Set stores the raw value under key, appending the key if it is new.
func (d *Doc) Set(key string, value json.RawMessage) {
	if d.values == nil {
		d.values = map[string]json.RawMessage{}
	}
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
}

func (d Doc) Has(key string) bool {
	_, ok := d.values[key]
	return ok
}

func (d Doc) Len() int {
	return len(d.keys)
}

// StringField decodes the value under key as a JSON string. Missing keys and
// non-string values both return false.
func (d Doc) StringField(key string) (string, bool) {
	raw, ok := d.values[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// ID returns the document's "id" field. Empty when absent or not a string.
func (d Doc) ID() string {
	id, _ := d.StringField("id")
	return id
}

func (d Doc) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('{')
	for i, k := range d.keys {
		if i > 0 {
			buff.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buff.Write(kb)
		buff.WriteByte(':')
		buff.Write(d.values[k])
	}
	buff.WriteByte('}')
	return buff.Bytes(), nil
}

func (d *Doc) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("document is not a JSON object")
	}
	d.keys = nil
	d.values = map[string]json.RawMessage{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("failed to decode document key: %w", err)
		}
		key := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("failed to decode value of %q: %w", key, err)
		}
		d.Set(key, raw)
	}
	return nil
}
