// Package fix implements the FIX tag=value wire codec and the immutable
// message model used by the session engine. Decoding is a pure function over
// a byte buffer; encoding recomputes BodyLength and CheckSum every time and
// never trusts values carried in the message itself.
package fix

import (
	"bytes"
	"strconv"
	"time"
)

// SOH is the FIX field delimiter.
const SOH byte = 0x01

// UTCTimestampFormat is the millisecond form of tag 52/122 values.
const UTCTimestampFormat = "20060102-15:04:05.000"

const utcTimestampSeconds = "20060102-15:04:05"

// Field is a single tag=value pair. Values are raw bytes; interpretation is
// deferred to the typed accessors.
type Field struct {
	Tag   Tag
	Value []byte
}

// Message is an ordered sequence of fields. Messages are immutable once
// constructed: decode hands ownership of a fresh Message to the caller, and
// With returns copies rather than mutating in place.
type Message struct {
	fields []Field
}

// NewMessage builds a message with the given BeginString and MsgType set.
// Further fields are added with With.
func NewMessage(beginString, msgType string) Message {
	return Message{fields: []Field{
		{Tag: TagBeginString, Value: []byte(beginString)},
		{Tag: TagMsgType, Value: []byte(msgType)},
	}}
}

// With returns a copy of the message with the field set. An existing
// occurrence of the tag is replaced in place; a new tag is appended.
func (m Message) With(tag Tag, value []byte) Message {
	out := Message{fields: make([]Field, len(m.fields))}
	copy(out.fields, m.fields)
	v := make([]byte, len(value))
	copy(v, value)
	for i := range out.fields {
		if out.fields[i].Tag == tag {
			out.fields[i].Value = v
			return out
		}
	}
	out.fields = append(out.fields, Field{Tag: tag, Value: v})
	return out
}

// WithString sets a string-valued field.
func (m Message) WithString(tag Tag, value string) Message {
	return m.With(tag, []byte(value))
}

// WithInt sets an integer-valued field.
func (m Message) WithInt(tag Tag, value int) Message {
	return m.With(tag, strconv.AppendInt(nil, int64(value), 10))
}

// WithUint sets an unsigned integer-valued field (sequence numbers).
func (m Message) WithUint(tag Tag, value uint64) Message {
	return m.With(tag, strconv.AppendUint(nil, value, 10))
}

// WithBool sets a Y/N field.
func (m Message) WithBool(tag Tag, value bool) Message {
	if value {
		return m.With(tag, []byte{'Y'})
	}
	return m.With(tag, []byte{'N'})
}

// WithUTCTimestamp sets a UTC timestamp field in millisecond form.
func (m Message) WithUTCTimestamp(tag Tag, t time.Time) Message {
	return m.With(tag, []byte(t.UTC().Format(UTCTimestampFormat)))
}

// Without returns a copy of the message with every occurrence of the tag
// removed.
func (m Message) Without(tag Tag) Message {
	out := Message{fields: make([]Field, 0, len(m.fields))}
	for _, f := range m.fields {
		if f.Tag == tag {
			continue
		}
		v := make([]byte, len(f.Value))
		copy(v, f.Value)
		out.fields = append(out.fields, Field{Tag: f.Tag, Value: v})
	}
	return out
}

// Get returns the first occurrence of the tag.
func (m Message) Get(tag Tag) ([]byte, bool) {
	for _, f := range m.fields {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return nil, false
}

// Has reports whether the tag is present.
func (m Message) Has(tag Tag) bool {
	_, ok := m.Get(tag)
	return ok
}

// GetString returns the field as a string, empty if absent.
func (m Message) GetString(tag Tag) string {
	v, _ := m.Get(tag)
	return string(v)
}

// GetInt parses the field as a base-10 integer.
func (m Message) GetInt(tag Tag) (int, error) {
	v, ok := m.Get(tag)
	if !ok {
		return 0, &FieldConversionError{Tag: tag, Want: "int"}
	}
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return 0, &FieldConversionError{Tag: tag, Value: string(v), Want: "int"}
	}
	return n, nil
}

// GetUint parses the field as an unsigned 64-bit integer.
func (m Message) GetUint(tag Tag) (uint64, error) {
	v, ok := m.Get(tag)
	if !ok {
		return 0, &FieldConversionError{Tag: tag, Want: "uint"}
	}
	n, err := strconv.ParseUint(string(v), 10, 64)
	if err != nil {
		return 0, &FieldConversionError{Tag: tag, Value: string(v), Want: "uint"}
	}
	return n, nil
}

// GetBool parses a Y/N field. Absent fields read as false.
func (m Message) GetBool(tag Tag) (bool, error) {
	v, ok := m.Get(tag)
	if !ok {
		return false, nil
	}
	switch {
	case bytes.Equal(v, []byte{'Y'}):
		return true, nil
	case bytes.Equal(v, []byte{'N'}):
		return false, nil
	}
	return false, &FieldConversionError{Tag: tag, Value: string(v), Want: "bool"}
}

// GetUTCTimestamp parses a tag 52/122 style timestamp, accepting both the
// second and millisecond forms.
func (m Message) GetUTCTimestamp(tag Tag) (time.Time, error) {
	v, ok := m.Get(tag)
	if !ok {
		return time.Time{}, &FieldConversionError{Tag: tag, Want: "utctimestamp"}
	}
	if t, err := time.Parse(UTCTimestampFormat, string(v)); err == nil {
		return t, nil
	}
	t, err := time.Parse(utcTimestampSeconds, string(v))
	if err != nil {
		return time.Time{}, &FieldConversionError{Tag: tag, Value: string(v), Want: "utctimestamp"}
	}
	return t, nil
}

// BeginString returns tag 8.
func (m Message) BeginString() string { return m.GetString(TagBeginString) }

// MsgType returns tag 35.
func (m Message) MsgType() string { return m.GetString(TagMsgType) }

// SeqNum returns tag 34.
func (m Message) SeqNum() (uint64, error) { return m.GetUint(TagMsgSeqNum) }

// PossDup reports tag 43; an unparseable value reads as false.
func (m Message) PossDup() bool {
	b, _ := m.GetBool(TagPossDupFlag)
	return b
}

// SenderCompID returns tag 49.
func (m Message) SenderCompID() string { return m.GetString(TagSenderCompID) }

// TargetCompID returns tag 56.
func (m Message) TargetCompID() string { return m.GetString(TagTargetCompID) }

// IsAdmin reports whether the message type is session-layer administrative.
func (m Message) IsAdmin() bool { return IsAdminMsgType(m.MsgType()) }

// Each calls fn for every field in order. The value slice must not be
// retained or modified.
func (m Message) Each(fn func(Field)) {
	for _, f := range m.fields {
		fn(f)
	}
}

// Len returns the number of fields.
func (m Message) Len() int { return len(m.fields) }

// String renders the message with '|' in place of SOH for logs.
func (m Message) String() string {
	var b bytes.Buffer
	for _, f := range m.fields {
		b.WriteString(strconv.Itoa(int(f.Tag)))
		b.WriteByte('=')
		b.Write(f.Value)
		b.WriteByte('|')
	}
	return b.String()
}
