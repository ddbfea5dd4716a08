package keys

import (
	"math"
	"strconv"
	"strings"

	"github.com/withObsrvr/obsrvr-curator/internal/schema"
)

// Aligner coerces raw key values to the canonical key domain.
type Aligner struct {
	Canonical Canonical
}

// NewAligner returns an aligner for the given domain.
func NewAligner(c Canonical) Aligner {
	if c == "" {
		c = CanonicalString
	}
	return Aligner{Canonical: c}
}

// Align converts one value. Null values and null tokens map to the zero Key.
func (a Aligner) Align(v schema.Value) (Key, error) {
	switch v.Kind() {
	case schema.KindNull:
		return Key{}, nil
	case schema.KindString:
		s := strings.TrimSpace(v.Str())
		if _, isNull := nullTokens[s]; isNull {
			return Key{}, nil
		}
		if a.Canonical == CanonicalInt64 {
			return a.intFromString(v, s)
		}
		return Of(integralForm(s)), nil
	case schema.KindInt:
		return Of(strconv.FormatInt(v.Int(), 10)), nil
	case schema.KindFloat:
		f := v.Float()
		if math.IsNaN(f) {
			return Key{}, nil
		}
		if f != math.Trunc(f) || math.Abs(f) > maxExactFloat {
			return Key{}, a.conflict(v)
		}
		return Of(strconv.FormatInt(int64(f), 10)), nil
	}
	return Key{}, a.conflict(v)
}

// integralForm rewrites a decimal or exponent string holding an exact integer
// ("7.0", "1.2e3") to its digits, the form a numeric key of the same value
// aligns to. Other strings, zero-padded ids included, are returned unchanged.
func integralForm(s string) string {
	if !strings.ContainsAny(s, ".eE") {
		return s
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > maxExactFloat {
		return s
	}
	return strconv.FormatInt(int64(f), 10)
}

func (a Aligner) intFromString(v schema.Value, s string) (Key, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Of(strconv.FormatInt(i, 10)), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > maxExactFloat {
		return Key{}, a.conflict(v)
	}
	return Of(strconv.FormatInt(int64(f), 10)), nil
}

func (a Aligner) conflict(v schema.Value) *KeyTypeConflictError {
	return &KeyTypeConflictError{Value: v.Text(), Kind: v.Kind(), Canonical: a.Canonical}
}

// AlignColumn converts a whole key column. The input slice is not modified.
// The first lossy value aborts with a *KeyTypeConflictError naming the
// table, column and 1-based row.
func (a Aligner) AlignColumn(table, column string, values []schema.Value) ([]Key, error) {
	out := make([]Key, len(values))
	for i, v := range values {
		k, err := a.Align(v)
		if err != nil {
			kc := err.(*KeyTypeConflictError)
			kc.Table, kc.Column, kc.Row = table, column, i+1
			return nil, kc
		}
		out[i] = k
	}
	return out, nil
}
