package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ID is a user or event identifier. Clients send both JSON strings and bare
// numbers for these, so unmarshalling accepts either and normalizes to a
// string. Marshalling always emits a string.
type ID string

// UnmarshalJSON accepts "42", 42, and null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("%w: id: %v", ErrInvalidArgument, err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("%w: id must be a string or number", ErrInvalidArgument)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }
