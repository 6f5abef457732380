// Package export encodes iLINCS records as CSV and writes them to a sink.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"

	"github.com/Sternrassler/ilincs-freeze/pkg/client"
)

// Columns returns the union of the record keys in first-seen order.
func Columns(records []client.Record) []string {
	var cols []string
	seen := make(map[string]struct{})
	for _, rec := range records {
		for _, key := range rec.Keys() {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			cols = append(cols, key)
		}
	}
	return cols
}

// WriteCSV writes records as a CSV table with a header row. Columns follow
// Columns(records); a field a record lacks is left empty.
func WriteCSV(w io.Writer, records []client.Record) error {
	cols := Columns(records)
	cw := csv.NewWriter(w)

	if len(cols) > 0 {
		if err := cw.Write(cols); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}

	row := make([]string, len(cols))
	for i, rec := range records {
		for j, col := range cols {
			raw, _ := rec.Value(col)
			cell, err := FormatValue(raw)
			if err != nil {
				return fmt.Errorf("row %d column %q: %w", i+1, col, err)
			}
			row[j] = cell
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// EncodeCSV returns records as CSV bytes.
func EncodeCSV(records []client.Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FormatValue renders one JSON value as a CSV cell: strings unquoted,
// numbers verbatim, booleans as True/False, null as empty and arrays or
// objects as compact JSON.
func FormatValue(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case 't':
		return "True", nil
	case 'f':
		return "False", nil
	case 'n':
		return "", nil
	case '[', '{':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return "", err
		}
		return buf.String(), nil
	default:
		return string(raw), nil
	}
}
