package fix

import (
	"bytes"
	"fmt"
	"strconv"
)

// MaxBodyLength caps tag 9 on decode. Anything larger is treated as garbage
// rather than waiting forever for bytes that will never arrive.
const MaxBodyLength = 1 << 20

// checkSumLen is len("10=xxx") plus the trailing SOH.
const checkSumLen = 7

// Encode serializes the message, recomputing BodyLength and CheckSum.
// Any 9/10 values carried in the message are ignored. Fails with
// MalformedMessageError when tag 8 or 35 is missing.
func Encode(m Message) ([]byte, error) {
	begin, ok := m.Get(TagBeginString)
	if !ok {
		return nil, &MalformedMessageError{Missing: TagBeginString}
	}
	msgType, ok := m.Get(TagMsgType)
	if !ok {
		return nil, &MalformedMessageError{Missing: TagMsgType}
	}

	// Body: 35 first, known header tags in canonical order, then the
	// remaining fields in the order they were set.
	var body bytes.Buffer
	appendField(&body, TagMsgType, msgType)
	for _, h := range headerTags {
		if v, ok := m.Get(h); ok {
			appendField(&body, h, v)
		}
	}
	for _, f := range m.fields {
		if isHeaderTag(f.Tag) {
			continue
		}
		appendField(&body, f.Tag, f.Value)
	}

	var frame bytes.Buffer
	frame.Grow(body.Len() + len(begin) + 24)
	appendField(&frame, TagBeginString, begin)
	appendField(&frame, TagBodyLength, []byte(strconv.Itoa(body.Len())))
	frame.Write(body.Bytes())

	var sum int
	for _, b := range frame.Bytes() {
		sum += int(b)
	}
	fmt.Fprintf(&frame, "10=%03d", sum%256)
	frame.WriteByte(SOH)
	return frame.Bytes(), nil
}

func appendField(buf *bytes.Buffer, tag Tag, value []byte) {
	buf.WriteString(strconv.Itoa(int(tag)))
	buf.WriteByte('=')
	buf.Write(value)
	buf.WriteByte(SOH)
}

// Decode parses one frame from the front of buf and returns the message and
// the number of bytes consumed. It returns ErrIncomplete when buf does not
// yet hold a whole frame, and FramingError when the bytes cannot be a valid
// frame (bad prefix, broken structure, checksum mismatch). Decode has no
// side effects and never retains buf.
func Decode(buf []byte) (Message, int, error) {
	if len(buf) < 2 {
		return Message{}, 0, ErrIncomplete
	}
	if buf[0] != '8' || buf[1] != '=' {
		return Message{}, 0, framingErrf("frame does not start with BeginString, got %q", previewBytes(buf))
	}
	soh1 := bytes.IndexByte(buf, SOH)
	if soh1 < 0 {
		if len(buf) > 32 {
			return Message{}, 0, framingErrf("BeginString longer than 32 bytes without delimiter")
		}
		return Message{}, 0, ErrIncomplete
	}

	rest := buf[soh1+1:]
	if len(rest) < 2 {
		return Message{}, 0, ErrIncomplete
	}
	if rest[0] != '9' || rest[1] != '=' {
		return Message{}, 0, framingErrf("BodyLength does not follow BeginString")
	}
	soh2 := bytes.IndexByte(rest, SOH)
	if soh2 < 0 {
		if len(rest) > 24 {
			return Message{}, 0, framingErrf("BodyLength field without delimiter")
		}
		return Message{}, 0, ErrIncomplete
	}
	bodyLen, err := strconv.Atoi(string(rest[2:soh2]))
	if err != nil || bodyLen < 0 {
		return Message{}, 0, framingErrf("unparseable BodyLength %q", rest[2:soh2])
	}
	if bodyLen > MaxBodyLength {
		return Message{}, 0, framingErrf("BodyLength %d exceeds limit %d", bodyLen, MaxBodyLength)
	}

	bodyStart := soh1 + 1 + soh2 + 1
	trailerStart := bodyStart + bodyLen
	if trailerStart+checkSumLen > len(buf) {
		return Message{}, 0, ErrIncomplete
	}
	if trailerStart > bodyStart && buf[trailerStart-1] != SOH {
		return Message{}, 0, framingErrf("body does not end on a field boundary")
	}
	trailer := buf[trailerStart : trailerStart+checkSumLen]
	if trailer[0] != '1' || trailer[1] != '0' || trailer[2] != '=' || trailer[6] != SOH {
		return Message{}, 0, framingErrf("CheckSum does not follow body of length %d", bodyLen)
	}
	wantSum, err := strconv.Atoi(string(trailer[3:6]))
	if err != nil {
		return Message{}, 0, framingErrf("unparseable CheckSum %q", trailer[3:6])
	}
	var sum int
	for _, b := range buf[:trailerStart] {
		sum += int(b)
	}
	if sum%256 != wantSum {
		return Message{}, 0, framingErrf("CheckSum mismatch: computed %03d, frame carries %03d", sum%256, wantSum)
	}

	consumed := trailerStart + checkSumLen
	msg, err := parseFields(buf[:consumed])
	if err != nil {
		return Message{}, 0, err
	}
	if !msg.Has(TagMsgType) {
		return Message{}, 0, framingErrf("frame is missing MsgType")
	}
	return msg, consumed, nil
}

// parseFields splits a verified frame into tag=value fields, copying every
// value so that the message does not alias the caller's buffer.
func parseFields(frame []byte) (Message, error) {
	fields := make([]Field, 0, 16)
	for pos := 0; pos < len(frame); {
		eq := bytes.IndexByte(frame[pos:], '=')
		if eq < 0 {
			return Message{}, framingErrf("field at offset %d has no '='", pos)
		}
		tag, err := strconv.Atoi(string(frame[pos : pos+eq]))
		if err != nil || tag <= 0 {
			return Message{}, framingErrf("invalid tag %q at offset %d", frame[pos:pos+eq], pos)
		}
		valStart := pos + eq + 1
		soh := bytes.IndexByte(frame[valStart:], SOH)
		if soh < 0 {
			return Message{}, framingErrf("field %d is not SOH-terminated", tag)
		}
		val := make([]byte, soh)
		copy(val, frame[valStart:valStart+soh])
		fields = append(fields, Field{Tag: Tag(tag), Value: val})
		pos = valStart + soh + 1
	}
	return Message{fields: fields}, nil
}

func previewBytes(buf []byte) []byte {
	if len(buf) > 16 {
		return buf[:16]
	}
	return buf
}
