package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// FlexString is a free-text form value that also accepts JSON numbers and
// booleans, since form clients send machine numbers and checkboxes untyped.
type FlexString string

// UnmarshalJSON accepts a string, number, boolean or null.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexString(n.String())
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = FlexString(strconv.FormatBool(b))
		return nil
	}
	return fmt.Errorf("unsupported value %s", string(data))
}

// SubmitLeadPayload is the free-text form input for a single lead, as received
// over HTTP, NATS or a bulk import row. Nothing here is normalized yet.
type SubmitLeadPayload struct {
	MachineID    FlexString `json:"machine_id"`
	CapturedDate string     `json:"captured_date"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	Phone        FlexString `json:"phone"`
	Folio        FlexString `json:"folio"`
	Contacted    FlexString `json:"contacted"`
	Qualified    FlexString `json:"qualified"`
}

// DeleteLeadPayload requests removal of a stored lead by key.
type DeleteLeadPayload struct {
	Key string `json:"key" validate:"required"`
}
