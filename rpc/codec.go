package rpc

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec names a selectable body compressor. The framer itself never
// compresses automatically, and no client or table option selects a codec;
// a caller building a body picks one and calls Compress, which tags it
// outside the frame header — compression is a body-level concern, not a
// transport one, so it
// rides along as a leading byte in Body for the operations that opt in
// (_MULTI_GET and _SCAN responses, which are the only bodies large enough
// to matter).
type Codec byte

const (
	CodecNone   Codec = 0
	CodecZstd   Codec = 1
	CodecSnappy Codec = 2
	CodecLZ4    Codec = 3
)

var zstdEncoderPool = sync.Pool{
	New: func() any {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			panic(err) // only fails on invalid options, which we don't pass
		}
		return enc
	},
}

var zstdDecoderPool = sync.Pool{
	New: func() any {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			panic(err)
		}
		return dec
	},
}

// Compress encodes body with the given codec, prefixing the result with the
// codec byte so Decompress is self-describing.
func Compress(codec Codec, body []byte) ([]byte, error) {
	if codec == CodecNone {
		return append([]byte{byte(CodecNone)}, body...), nil
	}

	var compressed []byte
	switch codec {
	case CodecZstd:
		enc := zstdEncoderPool.Get().(*zstd.Encoder)
		compressed = enc.EncodeAll(body, nil)
		zstdEncoderPool.Put(enc)
	case CodecSnappy:
		compressed = snappy.Encode(nil, body)
	case CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("rpc: lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("rpc: lz4 compress: %w", err)
		}
		compressed = buf.Bytes()
	default:
		return nil, fmt.Errorf("rpc: unknown codec %d", codec)
	}
	return append([]byte{byte(codec)}, compressed...), nil
}

// Decompress reads the leading codec byte written by Compress and inflates
// accordingly.
func Decompress(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, fmt.Errorf("rpc: empty compressed body")
	}
	codec := Codec(framed[0])
	payload := framed[1:]

	switch codec {
	case CodecNone:
		return payload, nil
	case CodecZstd:
		dec := zstdDecoderPool.Get().(*zstd.Decoder)
		out, err := dec.DecodeAll(payload, nil)
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, fmt.Errorf("rpc: zstd decompress: %w", err)
		}
		return out, nil
	case CodecSnappy:
		out, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("rpc: snappy decompress: %w", err)
		}
		return out, nil
	case CodecLZ4:
		r := lz4.NewReader(bytes.NewReader(payload))
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r); err != nil {
			return nil, fmt.Errorf("rpc: lz4 decompress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("rpc: unknown codec %d", codec)
	}
}
