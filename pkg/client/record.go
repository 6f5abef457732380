package client

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Record is one JSON object returned by iLINCS. It keeps the keys in the
// order the service sent them so exported tables have stable columns.
type Record struct {
	keys   []string
	values map[string]json.RawMessage
}

// NewRecord builds a record from alternating key/value pairs.
// Values are JSON encoded; it panics on an odd number of arguments or on
// values that cannot be encoded, so use it for fixtures and literals.
func NewRecord(kv ...any) Record {
	if len(kv)%2 != 0 {
		panic("client.NewRecord: odd number of arguments")
	}
	var r Record
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("client.NewRecord: key %v is not a string", kv[i]))
		}
		if err := r.Set(key, kv[i+1]); err != nil {
			panic(err)
		}
	}
	return r
}

// Set encodes value and stores it under key. A new key is appended to the
// key order; an existing key keeps its position.
func (r *Record) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode field %q: %w", key, err)
	}
	r.setRaw(key, raw)
	return nil
}

func (r *Record) setRaw(key string, raw json.RawMessage) {
	if r.values == nil {
		r.values = make(map[string]json.RawMessage)
	}
	if _, exists := r.values[key]; !exists {
		r.keys = append(r.keys, key)
	}
	r.values[key] = raw
}

// Keys returns the field names in order.
func (r Record) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of fields.
func (r Record) Len() int {
	return len(r.keys)
}

// Value returns the raw JSON of a field.
func (r Record) Value(key string) (json.RawMessage, bool) {
	v, ok := r.values[key]
	return v, ok
}

// String returns a field as a string. JSON strings are unquoted and numbers
// are returned verbatim; other kinds report false.
func (r Record) String(key string) (string, bool) {
	raw, ok := r.values[key]
	if !ok || len(raw) == 0 {
		return "", false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return string(raw), true
	default:
		return "", false
	}
}

// UnmarshalJSON decodes a JSON object, keeping key order.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("record: expected JSON object, got %v", tok)
	}

	*r = Record{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("record: expected object key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("record: field %q: %w", key, err)
		}
		r.setRaw(key, raw)
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// MarshalJSON encodes the record with its original key order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(r.values[key])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
