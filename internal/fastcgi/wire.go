// Package fastcgi implements the FastCGI binary protocol (version 1), the
// host/process pool model, and the connection state machine that drives a
// single backend request (spec §4.3, §4.4). The wire encoding here is
// grounded on the same record layout as the Caddy-forked fcgiclient found in
// the retrieval pack, reworked around a non-blocking read/write queue
// instead of blocking net.Conn reads.
package fastcgi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the only FastCGI protocol version this package speaks.
const Version uint8 = 1

// RecordType identifies the payload carried by one FastCGI record.
type RecordType uint8

const (
	TypeBeginRequest    RecordType = 1
	TypeAbortRequest    RecordType = 2
	TypeEndRequest      RecordType = 3
	TypeParams          RecordType = 4
	TypeStdin           RecordType = 5
	TypeStdout          RecordType = 6
	TypeStderr          RecordType = 7
	TypeData            RecordType = 8
	TypeGetValues       RecordType = 9
	TypeGetValuesResult RecordType = 10
	TypeUnknownType     RecordType = 11
)

func (t RecordType) String() string {
	switch t {
	case TypeBeginRequest:
		return "BEGIN_REQUEST"
	case TypeAbortRequest:
		return "ABORT_REQUEST"
	case TypeEndRequest:
		return "END_REQUEST"
	case TypeParams:
		return "PARAMS"
	case TypeStdin:
		return "STDIN"
	case TypeStdout:
		return "STDOUT"
	case TypeStderr:
		return "STDERR"
	case TypeData:
		return "DATA"
	case TypeGetValues:
		return "GET_VALUES"
	case TypeGetValuesResult:
		return "GET_VALUES_RESULT"
	case TypeUnknownType:
		return "UNKNOWN_TYPE"
	default:
		return fmt.Sprintf("RECORD_TYPE(%d)", uint8(t))
	}
}

// Role selects the FastCGI application role for a BEGIN_REQUEST record.
type Role uint16

const (
	RoleResponder Role = 1
	RoleAuthorizer Role = 2
	RoleFilter     Role = 3
)

// ProtocolStatus is the second field of an END_REQUEST record body.
type ProtocolStatus uint8

const (
	StatusRequestComplete ProtocolStatus = 0
	StatusCantMultiplex   ProtocolStatus = 1
	StatusOverloaded      ProtocolStatus = 2
	StatusUnknownRole     ProtocolStatus = 3
)

// maxRecordBody is the largest content length a single record can carry
// (spec §4.3 "STDIN records stream the request body in blocks of at most
// 65535 bytes"); the wire format's 16-bit content length field allows up to
// 65535.
const maxRecordBody = 65535

// HeaderLen is the fixed size of a FastCGI record header.
const HeaderLen = 8

// Header is the 8-byte record header preceding every FastCGI record (spec
// §6 "Wire protocols").
type Header struct {
	Version       uint8
	Type          RecordType
	RequestID     uint16
	ContentLength uint16
	PaddingLength uint8
	Reserved      uint8
}

// Marshal renders h as its 8-byte wire form.
func (h Header) Marshal() []byte {
	b := make([]byte, HeaderLen)
	b[0] = h.Version
	b[1] = uint8(h.Type)
	binary.BigEndian.PutUint16(b[2:4], h.RequestID)
	binary.BigEndian.PutUint16(b[4:6], h.ContentLength)
	b[6] = h.PaddingLength
	b[7] = h.Reserved
	return b
}

// ErrShortHeader is returned by UnmarshalHeader when fewer than HeaderLen
// bytes are available; callers should wait for more bytes rather than treat
// this as a protocol violation.
var ErrShortHeader = errors.New("fastcgi: short record header")

// ErrBadVersion is returned when a header's version field isn't 1.
var ErrBadVersion = errors.New("fastcgi: unsupported protocol version")

// UnmarshalHeader decodes the first HeaderLen bytes of b.
func UnmarshalHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	h := Header{
		Version:       b[0],
		Type:          RecordType(b[1]),
		RequestID:     binary.BigEndian.Uint16(b[2:4]),
		ContentLength: binary.BigEndian.Uint16(b[4:6]),
		PaddingLength: b[6],
		Reserved:      b[7],
	}
	if h.Version != Version {
		return Header{}, ErrBadVersion
	}
	return h, nil
}

// paddingFor returns the padding length that rounds contentLength up to a
// multiple of 8, matching the original fcgiclient's `-n & 7` trick.
func paddingFor(contentLength int) uint8 {
	return uint8((-contentLength) & 7)
}

// EncodeRecord renders one complete record (header + content + padding) for
// recType/reqID/content. content must be at most maxRecordBody bytes; callers
// split longer streams themselves (spec: "STDIN records ... blocks of at
// most 65535 bytes").
func EncodeRecord(recType RecordType, reqID uint16, content []byte) ([]byte, error) {
	if len(content) > maxRecordBody {
		return nil, fmt.Errorf("fastcgi: record content %d exceeds %d bytes", len(content), maxRecordBody)
	}
	pad := paddingFor(len(content))
	h := Header{
		Version:       Version,
		Type:          recType,
		RequestID:     reqID,
		ContentLength: uint16(len(content)),
		PaddingLength: pad,
	}
	out := make([]byte, 0, HeaderLen+len(content)+int(pad))
	out = append(out, h.Marshal()...)
	out = append(out, content...)
	out = append(out, make([]byte, pad)...)
	return out, nil
}

// SplitAndEncodeStream renders a (possibly long) byte stream as a sequence
// of records of at most maxRecordBody bytes each, followed by a trailing
// empty record that terminates the stream per the protocol (spec §4.3
// "terminating empty STDIN").
func SplitAndEncodeStream(recType RecordType, reqID uint16, data []byte) ([]byte, error) {
	var out []byte
	for len(data) > 0 {
		n := len(data)
		if n > maxRecordBody {
			n = maxRecordBody
		}
		rec, err := EncodeRecord(recType, reqID, data[:n])
		if err != nil {
			return nil, err
		}
		out = append(out, rec...)
		data = data[n:]
	}
	term, err := EncodeRecord(recType, reqID, nil)
	if err != nil {
		return nil, err
	}
	return append(out, term...), nil
}

// EncodeBeginRequest renders a BEGIN_REQUEST record body wrapped in its
// record header. keepConn requests FCGI_KEEP_CONN (bit 0 of flags).
func EncodeBeginRequest(reqID uint16, role Role, keepConn bool) ([]byte, error) {
	body := make([]byte, 8)
	binary.BigEndian.PutUint16(body[0:2], uint16(role))
	if keepConn {
		body[2] = 1
	}
	return EncodeRecord(TypeBeginRequest, reqID, body)
}

// EndRequestBody is the decoded body of an END_REQUEST record.
type EndRequestBody struct {
	AppStatus      int32
	ProtocolStatus ProtocolStatus
}

// DecodeEndRequestBody parses an END_REQUEST record's content.
func DecodeEndRequestBody(content []byte) (EndRequestBody, error) {
	if len(content) < 8 {
		return EndRequestBody{}, fmt.Errorf("fastcgi: short END_REQUEST body (%d bytes)", len(content))
	}
	return EndRequestBody{
		AppStatus:      int32(binary.BigEndian.Uint32(content[0:4])),
		ProtocolStatus: ProtocolStatus(content[4]),
	}, nil
}

// encodeNameValueLength renders one FastCGI name/value length: short form
// (1 byte, high bit clear) when n <= 127, long form (4 bytes, high bit set)
// otherwise (spec §4.3 "standard short (1-byte) or long (4-byte with high
// bit set) encoding").
func encodeNameValueLength(n int) []byte {
	if n <= 127 {
		return []byte{byte(n)}
	}
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(n)|(1<<31))
	return b
}

// decodeNameValueLength reads one length field from the front of b,
// returning the decoded value and how many bytes were consumed.
func decodeNameValueLength(b []byte) (n int, consumed int, ok bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	if b[0]&0x80 == 0 {
		return int(b[0]), 1, true
	}
	if len(b) < 4 {
		return 0, 0, false
	}
	v := binary.BigEndian.Uint32(b)
	return int(v &^ (1 << 31)), 4, true
}

// EncodeNameValuePairs renders an ordered slice of (name, value) pairs in
// the PARAMS wire format. A stable slice (rather than a map) is used so
// request parameter ordering is deterministic and testable.
func EncodeNameValuePairs(pairs []NameValue) []byte {
	var out []byte
	for _, p := range pairs {
		out = append(out, encodeNameValueLength(len(p.Name))...)
		out = append(out, encodeNameValueLength(len(p.Value))...)
		out = append(out, p.Name...)
		out = append(out, p.Value...)
	}
	return out
}

// NameValue is one FastCGI PARAMS entry.
type NameValue struct {
	Name  string
	Value string
}

// DecodeNameValuePairs parses a complete PARAMS content block (not a
// streaming decoder: callers must have the full block, which is how
// GET_VALUES_RESULT responses and authorizer/filter variable blocks arrive
// in practice).
func DecodeNameValuePairs(b []byte) ([]NameValue, error) {
	var out []NameValue
	for len(b) > 0 {
		nameLen, n1, ok := decodeNameValueLength(b)
		if !ok {
			return nil, fmt.Errorf("fastcgi: truncated name length")
		}
		b = b[n1:]
		valLen, n2, ok := decodeNameValueLength(b)
		if !ok {
			return nil, fmt.Errorf("fastcgi: truncated value length")
		}
		b = b[n2:]
		if len(b) < nameLen+valLen {
			return nil, fmt.Errorf("fastcgi: truncated name/value data")
		}
		out = append(out, NameValue{
			Name:  string(b[:nameLen]),
			Value: string(b[nameLen : nameLen+valLen]),
		})
		b = b[nameLen+valLen:]
	}
	return out, nil
}
