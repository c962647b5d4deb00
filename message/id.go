package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

var ErrInvalidID = errors.New("message: id must be a string or a number")

// ID is a JSON-RPC request id. It keeps the exact wire text of the id so that
// whatever the caller chose is echoed back byte for byte, and so that two ids
// compare equal only if the peer would consider them the same.
type ID struct {
	raw string
}

// NumberID returns a numeric id.
func NumberID(n uint64) ID {
	return ID{raw: strconv.FormatUint(n, 10)}
}

// StringID returns a string id.
func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: string(b)}
}

// IsZero reports whether the id was never set.
func (id ID) IsZero() bool {
	return id.raw == ""
}

// IsString reports whether the id is a JSON string.
func (id ID) IsString() bool {
	return len(id.raw) > 0 && id.raw[0] == '"'
}

// Key is the value used to correlate requests with responses.
func (id ID) Key() string {
	return id.raw
}

// String returns the unquoted form, e.g. `7` or `ev_sync_progress`.
func (id ID) String() string {
	if id.IsString() {
		var s string
		if err := json.Unmarshal([]byte(id.raw), &s); err == nil {
			return s
		}
	}
	return id.raw
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.raw == "" {
		return []byte("null"), nil
	}
	return []byte(id.raw), nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		id.raw = ""
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		id.raw = n.String()
	default:
		return ErrInvalidID
	}
	return nil
}
