package wire

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Standard errors returned while decoding agent messages.
var (
	// ErrNotObject indicates a message line is not a JSON object.
	ErrNotObject = errors.New("message is not a JSON object")

	// ErrInvalidJSON indicates a message line is not valid JSON.
	ErrInvalidJSON = errors.New("invalid JSON")

	// ErrOddHexLength indicates a hex string has an odd number of digits.
	ErrOddHexLength = errors.New("odd length hex string")
)

// FieldError reports a missing or mistyped field in an agent message.
type FieldError struct {
	Field string
	Want  string
	Got   string
}

// Error implements the error interface.
func (e *FieldError) Error() string {
	if e.Got == "" {
		return fmt.Sprintf("missing required field %q (%s)", e.Field, e.Want)
	}
	return fmt.Sprintf("field %q: expected %s, got %s", e.Field, e.Want, e.Got)
}

// DecodeError reports a message that could not be decoded. ID is the query
// id when one could still be identified, zero otherwise.
type DecodeError struct {
	ID  int
	Err error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("decode message for query %d: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("decode message: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Message is one decoded JSON object received from the agent, or a nested
// object inside one.
type Message struct {
	res gjson.Result
}

// ParseMessage parses a single message line.
func ParseMessage(line []byte) (Message, error) {
	if !gjson.ValidBytes(line) {
		return Message{}, &DecodeError{ID: peekID(line), Err: ErrInvalidJSON}
	}
	res := gjson.ParseBytes(line)
	if !res.IsObject() {
		return Message{}, &DecodeError{Err: ErrNotObject}
	}
	return Message{res: res}, nil
}

// peekID makes a best-effort attempt to find the id of a malformed message.
func peekID(line []byte) int {
	id := gjson.GetBytes(line, "id")
	if id.Type != gjson.Number {
		return 0
	}
	return int(id.Int())
}

// Raw returns the raw JSON text of the message.
func (m Message) Raw() string {
	return m.res.Raw
}

// Has reports whether key is present and not null.
func (m Message) Has(key string) bool {
	v := m.res.Get(key)
	return v.Exists() && v.Type != gjson.Null
}

// ID returns the query id of the message, if any.
func (m Message) ID() (int, bool) {
	v, ok := m.Int("id")
	return int(v), ok
}

// String returns a string field.
func (m Message) String(key string) (string, bool) {
	v := m.res.Get(key)
	if v.Type != gjson.String {
		return "", false
	}
	return v.Str, true
}

// RequiredString returns a string field or a *FieldError.
func (m Message) RequiredString(key string) (string, error) {
	v := m.res.Get(key)
	if v.Type != gjson.String {
		return "", fieldError(key, "string", v)
	}
	return v.Str, nil
}

// Int returns an integer field.
func (m Message) Int(key string) (int64, bool) {
	v := m.res.Get(key)
	if v.Type != gjson.Number {
		return 0, false
	}
	return v.Int(), true
}

// RequiredInt returns an integer field or a *FieldError.
func (m Message) RequiredInt(key string) (int64, error) {
	v := m.res.Get(key)
	if v.Type != gjson.Number {
		return 0, fieldError(key, "number", v)
	}
	return v.Int(), nil
}

// IntOr returns an integer field, or def if it is absent.
func (m Message) IntOr(key string, def int64) int64 {
	if v, ok := m.Int(key); ok {
		return v
	}
	return def
}

// Bool returns a boolean field.
func (m Message) Bool(key string) (bool, bool) {
	v := m.res.Get(key)
	if v.Type != gjson.True && v.Type != gjson.False {
		return false, false
	}
	return v.Bool(), true
}

// RequiredBool returns a boolean field or a *FieldError.
func (m Message) RequiredBool(key string) (bool, error) {
	v, ok := m.Bool(key)
	if !ok {
		return false, fieldError(key, "boolean", m.res.Get(key))
	}
	return v, nil
}

// BoolOr returns a boolean field, or def if it is absent.
func (m Message) BoolOr(key string, def bool) bool {
	if v, ok := m.Bool(key); ok {
		return v
	}
	return def
}

// Objects returns an array field whose elements are all objects.
// ok is false when the field is absent.
func (m Message) Objects(key string) (objs []Message, ok bool, err error) {
	v := m.res.Get(key)
	if !v.Exists() || v.Type == gjson.Null {
		return nil, false, nil
	}
	if !v.IsArray() {
		return nil, true, fieldError(key, "array", v)
	}
	for _, elem := range v.Array() {
		if !elem.IsObject() {
			return nil, true, fieldError(key, "array of objects", elem)
		}
		objs = append(objs, Message{res: elem})
	}
	return objs, true, nil
}

// Array returns the elements of an array field.
func (m Message) Array(key string) ([]gjson.Result, bool) {
	v := m.res.Get(key)
	if !v.IsArray() {
		return nil, false
	}
	return v.Array(), true
}

// Fields calls fn for every top-level field in document order.
func (m Message) Fields(fn func(key string, value gjson.Result) bool) {
	m.res.ForEach(func(k, v gjson.Result) bool {
		return fn(k.String(), v)
	})
}

func fieldError(key, want string, got gjson.Result) *FieldError {
	e := &FieldError{Field: key, Want: want}
	if got.Exists() {
		e.Got = got.Type.String()
	}
	return e
}

// Request builds one request object. The first error encountered while
// building is reported by Bytes.
type Request struct {
	buf []byte
	err error
}

// NewRequest creates a request for cmd with the given query id.
func NewRequest(cmd string, id int) *Request {
	r := &Request{buf: []byte(`{}`)}
	return r.Set("cmd", cmd).Set("id", id)
}

// Set sets a top-level field.
func (r *Request) Set(key string, value any) *Request {
	if r.err != nil {
		return r
	}
	r.buf, r.err = sjson.SetBytes(r.buf, key, value)
	return r
}

// Append appends value to the array field key, creating it if needed.
func (r *Request) Append(key string, value any) *Request {
	return r.Set(key+".-1", value)
}

// Span is an address range as it appears on the wire.
type Span struct {
	Start  int64 `json:"start"`
	Length int64 `json:"length"`
}

// SetRanges sets key to an array of {start,length} objects.
func (r *Request) SetRanges(key string, spans []Span) *Request {
	r.EmptyArray(key)
	for _, s := range spans {
		r.Append(key, s)
	}
	return r
}

// EmptyArray sets key to an empty array.
func (r *Request) EmptyArray(key string) *Request {
	if r.err != nil {
		return r
	}
	r.buf, r.err = sjson.SetRawBytes(r.buf, key, []byte(`[]`))
	return r
}

// Bytes returns the encoded request.
func (r *Request) Bytes() ([]byte, error) {
	if r.err != nil {
		return nil, fmt.Errorf("build request: %w", r.err)
	}
	return r.buf, nil
}

// ParseHexBytes decodes a hex string with an even number of digits.
func ParseHexBytes(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("%w: %q", ErrOddHexLength, s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse hex: %w", err)
	}
	return b, nil
}

// ParseHexBytesPadded decodes a hex string, treating an odd number of digits
// as if it had a leading zero.
func ParseHexBytesPadded(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		s = "0" + s
	}
	return ParseHexBytes(s)
}

// FormatHexBytes encodes b as lowercase hex.
func FormatHexBytes(b []byte) string {
	return hex.EncodeToString(b)
}
