package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Ternary is a three-valued answer where "no answer yet" differs from "no".
// The zero value is TernaryUnknown.
type Ternary int8

const (
	TernaryUnknown Ternary = iota
	TernaryTrue
	TernaryFalse
)

// String returns a debug name for the state.
func (t Ternary) String() string {
	switch t {
	case TernaryTrue:
		return "true"
	case TernaryFalse:
		return "false"
	default:
		return "unknown"
	}
}

// Known reports whether the value is true or false.
func (t Ternary) Known() bool {
	return t == TernaryTrue || t == TernaryFalse
}

// Bool returns the boolean form, or nil when unknown.
func (t Ternary) Bool() *bool {
	switch t {
	case TernaryTrue:
		v := true
		return &v
	case TernaryFalse:
		v := false
		return &v
	default:
		return nil
	}
}

// TernaryFromBool maps a nullable boolean to a Ternary.
func TernaryFromBool(b *bool) Ternary {
	if b == nil {
		return TernaryUnknown
	}
	if *b {
		return TernaryTrue
	}
	return TernaryFalse
}

// MarshalJSON renders unknown as null.
func (t Ternary) MarshalJSON() ([]byte, error) {
	switch t {
	case TernaryTrue:
		return []byte("true"), nil
	case TernaryFalse:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts true, false or null.
func (t *Ternary) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = TernaryUnknown
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("ternary must be true, false or null: %w", err)
	}
	*t = TernaryFromBool(&b)
	return nil
}

// Lead is the canonical captured contact record.
type Lead struct {
	Key          string    `json:"key"`
	MachineID    int64     `json:"machine_id" validate:"gte=0"`
	CapturedDate time.Time `json:"captured_date"`
	Name         string    `json:"name" validate:"required"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone" validate:"phone"`
	Folio        string    `json:"folio"`
	Contacted    Ternary   `json:"contacted"`
	Qualified    Ternary   `json:"qualified"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
