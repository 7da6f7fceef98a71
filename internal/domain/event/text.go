package event

import (
	"bytes"
	"encoding/json"
)

// Text is a string field the server may send as any JSON value. Strings are
// kept as-is; other values are stored as their compact JSON encoding.
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(data []byte) error {
	s, err := textFromRaw(data)
	if err != nil {
		return err
	}
	*t = Text(s)
	return nil
}

func textFromRaw(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
