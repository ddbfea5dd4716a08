// Package schema validates raw records against a declared schema, flattening
// nested payloads and casting fields into typed values.
package schema

import (
	"fmt"
)

// FieldType is the declared type of a schema field.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeKey       FieldType = "key"
	TypeInt       FieldType = "int"
	TypeFloat     FieldType = "float"
	TypeBool      FieldType = "bool"
	TypeTimestamp FieldType = "timestamp"
	TypeDate      FieldType = "date"
)

func (t FieldType) valid() bool {
	switch t {
	case TypeString, TypeKey, TypeInt, TypeFloat, TypeBool, TypeTimestamp, TypeDate:
		return true
	}
	return false
}

// Field declares one column. Fields that are not Required are nullable.
// Aliases are alternative source names, tried in order after Name.
type Field struct {
	Name        string    `yaml:"name"`
	Type        FieldType `yaml:"type"`
	Required    bool      `yaml:"required"`
	Aliases     []string  `yaml:"aliases"`
	NonNegative bool      `yaml:"non_negative"`
}

// Schema is an ordered list of fields. Field order decides which violation is
// reported when a record has several.
type Schema struct {
	Name   string  `yaml:"name"`
	Fields []Field `yaml:"fields"`
}

// Check reports structural problems in the schema definition itself.
func (s Schema) Check() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema %q: no fields", s.Name)
	}
	seen := make(map[string]string)
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema %q: field with empty name", s.Name)
		}
		if !f.Type.valid() {
			return fmt.Errorf("schema %q: field %s: unknown type %q", s.Name, f.Name, f.Type)
		}
		for _, n := range append([]string{f.Name}, f.Aliases...) {
			if owner, dup := seen[n]; dup {
				return fmt.Errorf("schema %q: name %q used by both %s and %s", s.Name, n, owner, f.Name)
			}
			seen[n] = f.Name
		}
	}
	return nil
}

// Field returns the field with the given canonical name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Record is a validated, typed record. Values holds every schema field (null
// when absent); Extra holds flattened source fields the schema does not
// declare, passed through untouched.
type Record struct {
	Values map[string]Value
	Extra  map[string]any
}

// Get returns the value for a schema field, null when unset.
func (r Record) Get(name string) Value {
	return r.Values[name]
}

// EventSchema is the staging schema for the event stream. The aliases accept
// the StreamPro export shape (timestamp, event_name, value, device).
func EventSchema() Schema {
	return Schema{
		Name: "events",
		Fields: []Field{
			{Name: "event_time", Type: TypeTimestamp, Required: true, Aliases: []string{"timestamp"}},
			{Name: "event_type", Type: TypeString, Required: true, Aliases: []string{"event_name"}},
			{Name: "event_id", Type: TypeString},
			{Name: "user_id", Type: TypeKey, Required: true},
			{Name: "video_id", Type: TypeKey},
			{Name: "device_id", Type: TypeKey, Aliases: []string{"device"}},
			{Name: "session_id", Type: TypeKey},
			{Name: "watch_time_sec", Type: TypeFloat, NonNegative: true, Aliases: []string{"value"}},
		},
	}
}
