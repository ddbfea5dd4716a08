package schema

import (
	"errors"
	"fmt"
)

// ReasonCode classifies why a raw record was rejected.
type ReasonCode string

const (
	ReasonMissingRequiredField ReasonCode = "MissingRequiredField"
	ReasonTypeMismatch         ReasonCode = "TypeMismatch"
	ReasonMalformedTimestamp   ReasonCode = "MalformedTimestamp"
	ReasonMalformedPayload     ReasonCode = "MalformedPayload"
	ReasonOutOfRange           ReasonCode = "OutOfRange"
	ReasonKeyTypeConflict      ReasonCode = "KeyTypeConflict"
)

// ErrValidation matches every *ValidationError via errors.Is.
var ErrValidation = errors.New("validation failed")

// ValidationError is a per-record rejection. It is recoverable: the record is
// quarantined and the batch continues.
type ValidationError struct {
	Reason ReasonCode
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Field != "" && e.Detail != "":
		return fmt.Sprintf("%s: %s: %s", e.Reason, e.Field, e.Detail)
	case e.Field != "":
		return fmt.Sprintf("%s: %s", e.Reason, e.Field)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
	}
	return string(e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func reject(reason ReasonCode, field, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Field: field, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the reason code from err, or "" if err is not a
// validation error.
func ReasonOf(err error) ReasonCode {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ""
}
