package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// Validator applies a Schema to raw records. It holds no mutable state and is
// safe for concurrent use.
type Validator struct {
	schema Schema
	names  map[string]struct{}
}

// NewValidator checks the schema definition and returns a validator for it.
func NewValidator(s Schema) (*Validator, error) {
	if err := s.Check(); err != nil {
		return nil, err
	}
	names := make(map[string]struct{})
	for _, f := range s.Fields {
		names[f.Name] = struct{}{}
		for _, a := range f.Aliases {
			names[a] = struct{}{}
		}
	}
	return &Validator{schema: s, names: names}, nil
}

// Schema returns the schema the validator enforces.
func (v *Validator) Schema() Schema { return v.schema }

// ValidateJSON decodes one JSON object and validates it. Anything other than
// a single object is rejected as MalformedPayload.
func (v *Validator) ValidateJSON(payload []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Record{}, reject(ReasonMalformedPayload, "", "decode json: %v", err)
	}
	if err := dec.Decode(new(any)); !errors.Is(err, io.EOF) {
		return Record{}, reject(ReasonMalformedPayload, "", "trailing data after json object")
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return Record{}, reject(ReasonMalformedPayload, "", "expected json object, got %T", doc)
	}
	return v.Validate(obj)
}

// Validate flattens fields and casts every schema field. The first failing
// field, in schema order, decides the returned *ValidationError.
func (v *Validator) Validate(fields map[string]any) (Record, error) {
	flat := Flatten(fields)

	rec := Record{Values: make(map[string]Value, len(v.schema.Fields))}
	for _, f := range v.schema.Fields {
		raw, name, ok := lookup(flat, f)
		if !ok {
			if f.Required {
				return Record{}, &ValidationError{Reason: ReasonMissingRequiredField, Field: f.Name}
			}
			rec.Values[f.Name] = Null()
			continue
		}
		val, err := cast(f, name, raw)
		if err != nil {
			return Record{}, err
		}
		rec.Values[f.Name] = val
	}

	for k, raw := range flat {
		if _, known := v.names[k]; known {
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string]any)
		}
		rec.Extra[k] = raw
	}
	return rec, nil
}

// lookup returns the first non-null source value for f, trying the canonical
// name before aliases.
func lookup(flat map[string]any, f Field) (any, string, bool) {
	if raw, ok := flat[f.Name]; ok && !isNull(raw) {
		return raw, f.Name, true
	}
	for _, a := range f.Aliases {
		if raw, ok := flat[a]; ok && !isNull(raw) {
			return raw, a, true
		}
	}
	return nil, "", false
}

func isNull(raw any) bool {
	switch t := raw.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

func cast(f Field, source string, raw any) (Value, error) {
	var (
		val Value
		err *ValidationError
	)
	switch f.Type {
	case TypeString:
		val, err = castString(raw)
	case TypeKey:
		val, err = castKey(raw)
	case TypeInt:
		val, err = castInt(raw)
	case TypeFloat:
		val, err = castFloat(raw)
	case TypeBool:
		val, err = castBool(raw)
	case TypeTimestamp:
		val, err = castTimestamp(raw)
	case TypeDate:
		val, err = castDate(raw)
	}
	if err != nil {
		err.Field = f.Name
		if source != f.Name {
			err.Detail += " (from " + source + ")"
		}
		return Value{}, err
	}
	if f.NonNegative {
		if n, ok := val.Number(); ok && n < 0 {
			return Value{}, reject(ReasonOutOfRange, f.Name, "negative value %v", n)
		}
	}
	return val, nil
}

func castString(raw any) (Value, *ValidationError) {
	switch t := raw.(type) {
	case string:
		return String(t), nil
	case json.Number:
		return String(t.String()), nil
	case float64:
		return String(strconv.FormatFloat(t, 'f', -1, 64)), nil
	case int:
		return String(strconv.Itoa(t)), nil
	case int64:
		return String(strconv.FormatInt(t, 10)), nil
	}
	return Value{}, reject(ReasonTypeMismatch, "", "cannot cast %T to string", raw)
}

func castKey(raw any) (Value, *ValidationError) {
	switch t := raw.(type) {
	case string:
		return String(strings.TrimSpace(t)), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, reject(ReasonTypeMismatch, "", "invalid number %q", t.String())
		}
		return Float(f), nil
	case float64:
		return Float(t), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	}
	return Value{}, reject(ReasonTypeMismatch, "", "cannot use %T as a key", raw)
}

func castInt(raw any) (Value, *ValidationError) {
	var f float64
	switch t := raw.(type) {
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		parsed, err := t.Float64()
		if err != nil {
			return Value{}, reject(ReasonTypeMismatch, "", "invalid number %q", t.String())
		}
		f = parsed
	case string:
		s := strings.TrimSpace(t)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i), nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, reject(ReasonTypeMismatch, "", "not an integer: %q", t)
		}
		f = parsed
	case float64:
		f = t
	default:
		return Value{}, reject(ReasonTypeMismatch, "", "cannot cast %T to int", raw)
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.Abs(f) > 1<<53 {
		return Value{}, reject(ReasonTypeMismatch, "", "not an integer: %v", f)
	}
	return Int(int64(f)), nil
}

func castFloat(raw any) (Value, *ValidationError) {
	var f float64
	switch t := raw.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return Value{}, reject(ReasonTypeMismatch, "", "invalid number %q", t.String())
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return Value{}, reject(ReasonTypeMismatch, "", "not a number: %q", t)
		}
		f = parsed
	default:
		return Value{}, reject(ReasonTypeMismatch, "", "cannot cast %T to float", raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, reject(ReasonTypeMismatch, "", "non-finite number")
	}
	return Float(f), nil
}

func castBool(raw any) (Value, *ValidationError) {
	switch t := raw.(type) {
	case bool:
		return Bool(t), nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "t", "yes", "y", "1":
			return Bool(true), nil
		case "false", "f", "no", "n", "0":
			return Bool(false), nil
		}
	case json.Number:
		switch t.String() {
		case "1":
			return Bool(true), nil
		case "0":
			return Bool(false), nil
		}
	}
	return Value{}, reject(ReasonTypeMismatch, "", "not a boolean: %v", raw)
}

// Timestamp layouts accepted for string input, tried in order. Layouts
// without a zone are read as UTC. Fractional seconds are accepted by
// time.Parse after the seconds field even when the layout omits them.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 style timestamp string into UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
const epochMillisThreshold = 1e11

func fromEpoch(f float64) time.Time {
	if math.Abs(f) >= epochMillisThreshold {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func castTimestamp(raw any) (Value, *ValidationError) {
	switch t := raw.(type) {
	case string:
		ts, err := ParseTimestamp(t)
		if err != nil {
			return Value{}, reject(ReasonMalformedTimestamp, "", "unparseable timestamp %q", t)
		}
		return Time(ts), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, reject(ReasonMalformedTimestamp, "", "invalid epoch %q", t.String())
		}
		return Time(fromEpoch(f)), nil
	case float64:
		return Time(fromEpoch(t)), nil
	case int64:
		return Time(fromEpoch(float64(t))), nil
	case int:
		return Time(fromEpoch(float64(t))), nil
	}
	return Value{}, reject(ReasonMalformedTimestamp, "", "cannot read %T as timestamp", raw)
}

func castDate(raw any) (Value, *ValidationError) {
	val, err := castTimestamp(raw)
	if err != nil {
		return Value{}, err
	}
	y, m, d := val.Time().Date()
	return Time(time.Date(y, m, d, 0, 0, 0, 0, time.UTC)), nil
}
