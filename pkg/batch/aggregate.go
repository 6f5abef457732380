package batch

import (
	"fmt"

	"github.com/Sternrassler/ilincs-freeze/pkg/client"
)

// Aggregate maps a signature ID to the records returned for it.
// It is append-only: records are never replaced or deduplicated.
// An Aggregate is not safe for concurrent use.
type Aggregate struct {
	order   []string
	records map[string][]client.Record
	count   int
}

// NewAggregate returns an empty aggregate.
func NewAggregate() *Aggregate {
	return &Aggregate{records: make(map[string][]client.Record)}
}

// Append adds rec under the signature ID it carries.
func (a *Aggregate) Append(rec client.Record) error {
	id, ok := rec.String(client.SignatureIDField)
	if !ok || id == "" {
		return fmt.Errorf("record has no %s", client.SignatureIDField)
	}
	a.add(id, rec)
	return nil
}

func (a *Aggregate) add(id string, recs ...client.Record) {
	if _, exists := a.records[id]; !exists {
		a.order = append(a.order, id)
	}
	a.records[id] = append(a.records[id], recs...)
	a.count += len(recs)
}

// Merge appends every record of other, in other's order.
func (a *Aggregate) Merge(other *Aggregate) {
	if other == nil {
		return
	}
	for _, id := range other.order {
		a.add(id, other.records[id]...)
	}
}

// Records returns the records stored under id in arrival order.
func (a *Aggregate) Records(id string) []client.Record {
	recs := a.records[id]
	if recs == nil {
		return nil
	}
	out := make([]client.Record, len(recs))
	copy(out, recs)
	return out
}

// IDs returns the signature IDs in the order they were first added.
func (a *Aggregate) IDs() []string {
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// Len returns the number of distinct signature IDs.
func (a *Aggregate) Len() int {
	return len(a.order)
}

// Count returns the total number of records.
func (a *Aggregate) Count() int {
	return a.count
}

// Missing returns the requested IDs that have no records, in request order.
// Repeated IDs are reported once.
func (a *Aggregate) Missing(ids []string) []string {
	var missing []string
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := a.records[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
