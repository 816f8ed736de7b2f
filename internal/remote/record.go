// Package remote defines the contract the sync engine consumes from the
// authoritative record store, plus an in-memory implementation used by tests
// and the demo daemon.
//
// The engine never talks to a concrete backend directly; everything goes
// through the Store interface. Records are schemaless field bags addressed by
// a typed Locator, and the engine's mapper layer is responsible for defaulting
// any field a record may be missing.
package remote

import (
	"fmt"
	"time"
)

// Kind identifies an entity record type. It is a closed enum; code that
// switches over Kind should handle every value.
type Kind int

const (
	KindGroup Kind = iota
	KindDomain
	KindObjective
	KindStudent
	KindMembership
	KindProgress
	KindCustomProperty
	KindCategoryLabel
)

// AllKinds lists every record kind in foreign-key dependency order: parents
// before the records that reference them. Reconciliation relies on this order.
var AllKinds = []Kind{
	KindGroup,
	KindDomain,
	KindCategoryLabel,
	KindObjective,
	KindStudent,
	KindMembership,
	KindProgress,
	KindCustomProperty,
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindGroup:
		return "group"
	case KindDomain:
		return "domain"
	case KindObjective:
		return "objective"
	case KindStudent:
		return "student"
	case KindMembership:
		return "membership"
	case KindProgress:
		return "progress"
	case KindCustomProperty:
		return "custom_property"
	case KindCategoryLabel:
		return "category_label"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// KindFromString parses a wire name back into a Kind.
func KindFromString(s string) (Kind, error) {
	for _, k := range AllKinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown record kind %q", s)
}

// Locator is the remote store's addressable identifier for a record:
// a kind plus a unique name within that kind.
type Locator struct {
	Kind Kind
	Name string
}

func (l Locator) String() string {
	return l.Kind.String() + "/" + l.Name
}

// IsZero reports whether the locator is unset.
func (l Locator) IsZero() bool {
	return l.Name == ""
}

// Record is a schemaless record as stored remotely.
//
// Fields carries the record's payload. Values are restricted to the types the
// typed getters below understand: string, bool, int, int64, float64 and
// time.Time. Absent or mistyped fields are handled by the getters' defaults,
// never by rejecting the record.
type Record struct {
	Locator    Locator
	Cohort     string
	Fields     map[string]any
	ModifiedAt time.Time
	ModifiedBy string
}

// NewRecord creates an empty record addressed by the given locator.
func NewRecord(loc Locator, cohort string) *Record {
	return &Record{
		Locator: loc,
		Cohort:  cohort,
		Fields:  make(map[string]any),
	}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := *r
	out.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	return &out
}

// Set stores a field value.
func (r *Record) Set(key string, value any) {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	r.Fields[key] = value
}

// String returns the named field as a string, or def if absent or mistyped.
func (r *Record) String(key, def string) string {
	if v, ok := r.Fields[key].(string); ok {
		return v
	}
	return def
}

// Bool returns the named field as a bool, or def if absent or mistyped.
func (r *Record) Bool(key string, def bool) bool {
	if v, ok := r.Fields[key].(bool); ok {
		return v
	}
	return def
}

// Int returns the named field as an int, accepting the numeric types a JSON
// or wire decode may have produced. Returns def if absent or mistyped.
func (r *Record) Int(key string, def int) int {
	switch v := r.Fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// Time returns the named field as a time.Time, or def if absent or mistyped.
func (r *Record) Time(key string, def time.Time) time.Time {
	if v, ok := r.Fields[key].(time.Time); ok {
		return v
	}
	return def
}
