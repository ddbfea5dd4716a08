// Package keys normalizes join-key columns to one canonical representation
// so fact-to-dimension joins are exact.
package keys

import (
	"errors"
	"fmt"
	"strings"

	"github.com/withObsrvr/obsrvr-curator/internal/schema"
)

// Canonical selects the key domain. Keys are always represented as strings;
// under Int64 every key must also be an exact 64-bit integer, written in
// canonical decimal form.
type Canonical string

const (
	CanonicalString Canonical = "string"
	CanonicalInt64  Canonical = "int64"
)

// ParseCanonical validates a configured key domain. Empty means string.
func ParseCanonical(s string) (Canonical, error) {
	switch Canonical(strings.ToLower(s)) {
	case "", CanonicalString:
		return CanonicalString, nil
	case CanonicalInt64:
		return CanonicalInt64, nil
	}
	return "", fmt.Errorf("unknown canonical key type %q", s)
}

// Key is a canonical join key. The zero Key is the canonical null.
type Key struct {
	Value string
	Valid bool
}

// Of returns a non-null key.
func Of(s string) Key { return Key{Value: s, Valid: true} }

// Ptr returns nil for the null key, for nullable columns.
func (k Key) Ptr() *string {
	if !k.Valid {
		return nil
	}
	v := k.Value
	return &v
}

// FromPtr is the inverse of Ptr.
func FromPtr(p *string) Key {
	if p == nil {
		return Key{}
	}
	return Of(*p)
}

func (k Key) String() string {
	if !k.Valid {
		return "<null>"
	}
	return k.Value
}

// nullTokens are string spellings of a missing key found in exports.
var nullTokens = map[string]struct{}{
	"":     {},
	"null": {},
	"NULL": {},
	"Null": {},
	"None": {},
	"nan":  {},
	"NaN":  {},
}

// maxExactFloat is the largest magnitude at which every integer is exactly
// representable as a float64.
const maxExactFloat = 1 << 53

// ErrKeyTypeConflict matches every *KeyTypeConflictError via errors.Is.
var ErrKeyTypeConflict = errors.New("key type conflict")

// KeyTypeConflictError reports a key that cannot be coerced to the canonical
// type without loss.
type KeyTypeConflictError struct {
	Table     string
	Column    string
	Row       int
	Value     string
	Kind      schema.Kind
	Canonical Canonical
}

func (e *KeyTypeConflictError) Error() string {
	loc := e.Column
	if e.Table != "" {
		loc = e.Table + "." + e.Column
	}
	if e.Row > 0 {
		loc += fmt.Sprintf(" row %d", e.Row)
	}
	return fmt.Sprintf("KeyTypeConflict: %s: %s value %q is not a lossless %s key", loc, e.Kind, e.Value, e.Canonical)
}

func (e *KeyTypeConflictError) Is(target error) bool {
	return target == ErrKeyTypeConflict
}
