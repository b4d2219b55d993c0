package catalog

import "fmt"

// FieldType enumerates the declared data types a cube field may carry.
// Coercion of raw API payloads into typed values is driven entirely by
// this enumeration; nothing downstream re-derives types at request time.
type FieldType string

const (
	FieldInteger  FieldType = "integer"
	FieldNumber   FieldType = "number"
	FieldString   FieldType = "string"
	FieldDate     FieldType = "date"
	FieldDateTime FieldType = "datetime"
)

// ValidFieldType reports whether t is a known field type.
func ValidFieldType(t FieldType) bool {
	switch t {
	case FieldInteger, FieldNumber, FieldString, FieldDate, FieldDateTime:
		return true
	}
	return false
}

// Kind distinguishes date-bounded reporting cubes from account-structure
// object snapshots. Object streams have no bookmark semantics: every run
// pulls the current snapshot in full.
type Kind string

const (
	KindDailyCube  Kind = "daily_cube"
	KindObjectCube Kind = "object"
)

// Field is one column of a cube, in declared order.
type Field struct {
	Name     string    `yaml:"name" json:"name"`
	Type     FieldType `yaml:"type" json:"type"`
	Nullable bool      `yaml:"nullable" json:"nullable,omitempty"`
}

// StreamDescriptor is the immutable definition of one extractable stream.
// Descriptors are built once at startup, either from the built-in table or
// from catalog overlay files, and shared read-only by every component.
type StreamDescriptor struct {
	// Name is the cube name used in report definitions and output messages.
	Name string `yaml:"name"`

	// Kind selects daily-cube or object-snapshot sync semantics.
	Kind Kind `yaml:"kind"`

	// Fields lists the cube columns in output order.
	Fields []Field `yaml:"fields"`

	// PrimaryKey names the fields that uniquely identify a row. Downstream
	// storage dedupes on these, which is what makes boundary re-fetches safe.
	PrimaryKey []string `yaml:"primary_key"`

	// BookmarkField is the date field bookmarks are derived from.
	// Empty for object streams.
	BookmarkField string `yaml:"bookmark_field"`

	// MaxLookbackDays is the furthest back the API accepts a start date for
	// this cube. Zero means unbounded.
	MaxLookbackDays int `yaml:"max_lookback_days"`

	// MaxWindowDays caps the span of a single report request. Ranges longer
	// than this are split into consecutive chunks. Zero means no cap.
	MaxWindowDays int `yaml:"max_window_days"`

	// Edge is the REST collection path for object streams (e.g. "campaign").
	Edge string `yaml:"edge"`
}

// Incremental reports whether the stream carries bookmark state.
func (d *StreamDescriptor) Incremental() bool {
	return d.Kind == KindDailyCube && d.BookmarkField != ""
}

// AdvertiserScoped reports whether extraction is parameterized by
// advertiser. The advertiser edge itself lists every account visible to the
// credentials, so it is pulled once per run rather than once per configured
// advertiser.
func (d *StreamDescriptor) AdvertiserScoped() bool {
	return !(d.Kind == KindObjectCube && d.Edge == "advertiser")
}

// Field returns the declared field with the given name.
func (d *StreamDescriptor) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks internal consistency of a descriptor. Called for overlay
// descriptors loaded from disk; the built-in table is validated by tests.
func (d *StreamDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("descriptor name must not be empty")
	}
	if d.Kind != KindDailyCube && d.Kind != KindObjectCube {
		return fmt.Errorf("stream %q: unknown kind %q", d.Name, d.Kind)
	}
	if len(d.Fields) == 0 {
		return fmt.Errorf("stream %q: no fields declared", d.Name)
	}
	seen := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("stream %q: field with empty name", d.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("stream %q: duplicate field %q", d.Name, f.Name)
		}
		seen[f.Name] = true
		if !ValidFieldType(f.Type) {
			return fmt.Errorf("stream %q: field %q has unknown type %q", d.Name, f.Name, f.Type)
		}
	}
	for _, pk := range d.PrimaryKey {
		if !seen[pk] {
			return fmt.Errorf("stream %q: primary key field %q is not declared", d.Name, pk)
		}
	}
	switch d.Kind {
	case KindDailyCube:
		if d.BookmarkField != "" {
			f, ok := d.Field(d.BookmarkField)
			if !ok {
				return fmt.Errorf("stream %q: bookmark field %q is not declared", d.Name, d.BookmarkField)
			}
			if f.Type != FieldDate {
				return fmt.Errorf("stream %q: bookmark field %q must have type date, got %q", d.Name, d.BookmarkField, f.Type)
			}
		}
		if d.MaxLookbackDays < 0 || d.MaxWindowDays < 0 {
			return fmt.Errorf("stream %q: lookback and window limits must be >= 0", d.Name)
		}
	case KindObjectCube:
		if d.Edge == "" {
			return fmt.Errorf("stream %q: object stream requires an edge", d.Name)
		}
		if d.BookmarkField != "" {
			return fmt.Errorf("stream %q: object stream must not declare a bookmark field", d.Name)
		}
	}
	return nil
}

// Record is one extracted row, keyed by field name. Values hold the typed
// representation produced by coercion: int64, decimal.Decimal, string,
// planner Day (for dates) or time.Time (for datetimes). Nil marks a field
// the API omitted.
type Record map[string]any
