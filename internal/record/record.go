// Package record models one decoded form submission and the two encodings it
// travels through: the urlencoded request body and the JSON datagram sent to
// the ingest receiver.
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/url"
	"strings"
)

// Record maps form field names to values. Any field name is accepted.
// Records are treated as immutable once built; use Clone before mutating.
type Record map[string]string

// Clone returns an independent copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// Equal reports whether r and other hold the same fields and values.
func (r Record) Equal(other Record) bool {
	return maps.Equal(r, other)
}

// ErrMalformedForm is matched by every *MalformedFormError.
var ErrMalformedForm = errors.New("record: malformed form")

// ErrDecode is matched by every *DecodeError.
var ErrDecode = errors.New("record: decode")

// MalformedFormError reports a urlencoded body that cannot be turned into a
// Record.
type MalformedFormError struct {
	// Pair is the offending key=value fragment, empty for an empty body.
	Pair   string
	Reason string
}

func (e *MalformedFormError) Error() string {
	if e.Pair == "" {
		return "record: malformed form: " + e.Reason
	}
	return fmt.Sprintf("record: malformed form pair %q: %s", e.Pair, e.Reason)
}

// Is lets errors.Is match ErrMalformedForm.
func (e *MalformedFormError) Is(target error) bool { return target == ErrMalformedForm }

// DecodeError reports a datagram payload that is not a serialized Record.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("record: decode %d byte payload: %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrDecode.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// ParseForm decodes an application/x-www-form-urlencoded body. The whole
// body is percent-decoded first ('+' becomes a space), then split on '&',
// and every pair is split once on its first '='. A pair without '=' (an
// empty body included) or an invalid escape rejects the whole body. When a
// key repeats, the last value wins. Because decoding happens before
// splitting, an escaped '&' or '=' acts as a separator.
func ParseForm(body []byte) (Record, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &MalformedFormError{Reason: "empty body"}
	}
	decoded, err := url.QueryUnescape(string(body))
	if err != nil {
		return nil, &MalformedFormError{Reason: "invalid escape"}
	}
	rec := make(Record)
	for _, pair := range strings.Split(decoded, "&") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, &MalformedFormError{Pair: pair, Reason: "missing '='"}
		}
		rec[key] = value
	}
	return rec, nil
}

// EncodeForm renders r as a urlencoded body in key order. ParseForm inverts
// it for keys and values that contain neither '&' nor '='.
func EncodeForm(r Record) string {
	values := make(url.Values, len(r))
	for k, v := range r {
		values.Set(k, v)
	}
	return values.Encode()
}

// Marshal serializes r as the JSON object carried by one datagram.
func Marshal(r Record) ([]byte, error) {
	if r == nil {
		r = Record{}
	}
	data, err := json.Marshal(map[string]string(r))
	if err != nil {
		return nil, fmt.Errorf("record: marshal: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a datagram payload. Anything other than a single JSON
// object of string values yields a *DecodeError.
func Unmarshal(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var rec map[string]string
	if err := dec.Decode(&rec); err != nil {
		return nil, &DecodeError{Size: len(data), Err: err}
	}
	if rec == nil {
		return nil, &DecodeError{Size: len(data), Err: errors.New("payload is not an object")}
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		return nil, &DecodeError{Size: len(data), Err: errors.New("trailing data after record")}
	}
	return Record(rec), nil
}
