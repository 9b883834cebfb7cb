package rpc

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/pegasus-kv/go-client/base"
)

// Fixed frame header, per §4.B:
//
//	magic(4) | total_length(4) | header_length(4) | header_crc32(4) |
//	body_crc32(4) | header_version(4) | meta(...)
const (
	magic         uint32 = 0x50454741 // "PEGA"
	headerVersion uint32 = 1
	fixedHeaderSz        = 4 * 6

	// DefaultMaxFrameSize bounds a single frame; Decode rejects anything
	// larger with OversizedFrame rather than allocating unbounded memory
	// for a corrupt or hostile length field.
	DefaultMaxFrameSize = 64 << 20
)

// Frame is the decoded form of one wire message. The body is an opaque
// byte sequence; the operation-specific codec (out of scope for this
// module, see spec.md §1) interprets it.
type Frame struct {
	SeqID     uint64
	OpCode    OpCode
	IsRequest bool
	TraceID   uint64

	// Request-only fields.
	ClientTimeoutMs uint32
	Gpid            base.Gpid

	// Response-only field.
	Error ErrorCode

	Body []byte
}

// FramingErrorKind enumerates the ways a byte sequence fails to be a valid
// frame.
type FramingErrorKind int

const (
	BadMagic FramingErrorKind = iota
	ShortRead
	BadCrc
	OversizedFrame
)

// FramingError reports a malformed frame. Limit is only meaningful for
// OversizedFrame.
type FramingError struct {
	Kind  FramingErrorKind
	Limit int
}

func (e *FramingError) Error() string {
	switch e.Kind {
	case BadMagic:
		return "rpc: bad frame magic"
	case ShortRead:
		return "rpc: short read decoding frame"
	case BadCrc:
		return "rpc: frame crc mismatch"
	case OversizedFrame:
		return fmt.Sprintf("rpc: frame exceeds limit of %d bytes", e.Limit)
	default:
		return "rpc: malformed frame"
	}
}

// Encode serializes f into a ready-to-write wire frame: header, meta, body.
func Encode(f *Frame) ([]byte, error) {
	meta := encodeMeta(f)

	total := fixedHeaderSz + len(meta) + len(f.Body)
	buf := make([]byte, total)

	binary.BigEndian.PutUint32(buf[0:4], magic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(total))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(meta)))
	binary.BigEndian.PutUint32(buf[12:16], crc32.ChecksumIEEE(meta))
	binary.BigEndian.PutUint32(buf[16:20], crc32.ChecksumIEEE(f.Body))
	binary.BigEndian.PutUint32(buf[20:24], headerVersion)
	copy(buf[fixedHeaderSz:], meta)
	copy(buf[fixedHeaderSz+len(meta):], f.Body)

	return buf, nil
}

// Decode parses a complete, already-length-delimited frame. maxFrameSize
// bounds the total size accepted; pass 0 for DefaultMaxFrameSize.
func Decode(raw []byte, maxFrameSize int) (*Frame, error) {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if len(raw) < fixedHeaderSz {
		return nil, &FramingError{Kind: ShortRead}
	}
	if got := binary.BigEndian.Uint32(raw[0:4]); got != magic {
		return nil, &FramingError{Kind: BadMagic}
	}
	total := int(binary.BigEndian.Uint32(raw[4:8]))
	if total > maxFrameSize {
		return nil, &FramingError{Kind: OversizedFrame, Limit: maxFrameSize}
	}
	if total != len(raw) {
		return nil, &FramingError{Kind: ShortRead}
	}
	headerLen := int(binary.BigEndian.Uint32(raw[8:12]))
	headerCRC := binary.BigEndian.Uint32(raw[12:16])
	bodyCRC := binary.BigEndian.Uint32(raw[16:20])
	// raw[20:24] is header_version; only version 1 exists. The field is not
	// checked: every frame's meta is decoded with the version 1 layout.

	if fixedHeaderSz+headerLen > total {
		return nil, &FramingError{Kind: ShortRead}
	}
	meta := raw[fixedHeaderSz : fixedHeaderSz+headerLen]
	body := raw[fixedHeaderSz+headerLen : total]

	if crc32.ChecksumIEEE(meta) != headerCRC || crc32.ChecksumIEEE(body) != bodyCRC {
		return nil, &FramingError{Kind: BadCrc}
	}

	f, err := decodeMeta(meta)
	if err != nil {
		return nil, err
	}
	// An empty body decodes as nil, so a frame encoded with a nil Body
	// round-trips unchanged.
	if len(body) > 0 {
		f.Body = body
	}
	return f, nil
}

// ReadFrameLength reads only the total_length field out of a header prefix,
// letting a Session read exactly one frame's worth of bytes off the socket
// before handing the buffer to Decode.
func ReadFrameLength(header []byte) (int, error) {
	if len(header) < 8 {
		return 0, &FramingError{Kind: ShortRead}
	}
	if got := binary.BigEndian.Uint32(header[0:4]); got != magic {
		return 0, &FramingError{Kind: BadMagic}
	}
	return int(binary.BigEndian.Uint32(header[4:8])), nil
}

func encodeMeta(f *Frame) []byte {
	opBytes := []byte(f.OpCode)

	// direction(1) | op_len(2) | op(...) | seq_id(8) | trace_id(8) | ...
	sz := 1 + 2 + len(opBytes) + 8 + 8
	if f.IsRequest {
		sz += 4 + 4 + 4 // client_timeout_ms, gpid.app_id, gpid.partition_index
	} else {
		sz += 4 // error code
	}

	buf := make([]byte, sz)
	i := 0
	if f.IsRequest {
		buf[i] = 1
	} else {
		buf[i] = 0
	}
	i++
	binary.BigEndian.PutUint16(buf[i:], uint16(len(opBytes)))
	i += 2
	copy(buf[i:], opBytes)
	i += len(opBytes)
	binary.BigEndian.PutUint64(buf[i:], f.SeqID)
	i += 8
	binary.BigEndian.PutUint64(buf[i:], f.TraceID)
	i += 8
	if f.IsRequest {
		binary.BigEndian.PutUint32(buf[i:], f.ClientTimeoutMs)
		i += 4
		binary.BigEndian.PutUint32(buf[i:], uint32(f.Gpid.AppID))
		i += 4
		binary.BigEndian.PutUint32(buf[i:], uint32(f.Gpid.PartitionIndex))
		i += 4
	} else {
		binary.BigEndian.PutUint32(buf[i:], uint32(f.Error))
		i += 4
	}
	return buf
}

func decodeMeta(meta []byte) (*Frame, error) {
	if len(meta) < 1+2+8+8 {
		return nil, &FramingError{Kind: ShortRead}
	}
	i := 0
	isRequest := meta[i] == 1
	i++
	opLen := int(binary.BigEndian.Uint16(meta[i:]))
	i += 2
	if len(meta) < i+opLen {
		return nil, &FramingError{Kind: ShortRead}
	}
	op := OpCode(meta[i : i+opLen])
	i += opLen

	if len(meta) < i+16 {
		return nil, &FramingError{Kind: ShortRead}
	}
	seqID := binary.BigEndian.Uint64(meta[i:])
	i += 8
	traceID := binary.BigEndian.Uint64(meta[i:])
	i += 8

	f := &Frame{SeqID: seqID, OpCode: op, IsRequest: isRequest, TraceID: traceID}

	if isRequest {
		if len(meta) < i+12 {
			return nil, &FramingError{Kind: ShortRead}
		}
		f.ClientTimeoutMs = binary.BigEndian.Uint32(meta[i:])
		i += 4
		f.Gpid.AppID = int32(binary.BigEndian.Uint32(meta[i:]))
		i += 4
		f.Gpid.PartitionIndex = int32(binary.BigEndian.Uint32(meta[i:]))
		i += 4
	} else {
		if len(meta) < i+4 {
			return nil, &FramingError{Kind: ShortRead}
		}
		f.Error = ErrorCode(int32(binary.BigEndian.Uint32(meta[i:])))
		i += 4
	}
	return f, nil
}
