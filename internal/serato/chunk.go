// Package serato reads and writes the binary formats Serato keeps on disk:
// the library database ("database V2") and .crate files. Both share the same
// framing: a 4-byte ASCII tag, a big-endian uint32 payload length, then the
// payload. String payloads are UTF-16BE.
package serato

import (
	"encoding/binary"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// Chunk is one tag/length unit of a Serato file.
type Chunk struct {
	Tag     string
	Payload []byte
}

const headerLen = 8 // 4-byte tag + uint32 length

// ScanChunks walks the tag/length sequence in data. Truncated or overrunning
// length fields end the scan at the last valid chunk rather than failing;
// Serato itself tolerates trailing garbage.
func ScanChunks(data []byte) []Chunk {
	var chunks []Chunk
	off := 0
	for off+headerLen <= len(data) {
		tag := string(data[off : off+4])
		length := int(binary.BigEndian.Uint32(data[off+4 : off+8]))
		if length < 0 || off+headerLen+length > len(data) {
			break
		}
		chunks = append(chunks, Chunk{Tag: tag, Payload: data[off+headerLen : off+headerLen+length]})
		off += headerLen + length
	}
	return chunks
}

// AppendChunk appends one tag/length chunk to dst and returns the result.
func AppendChunk(dst []byte, tag string, payload []byte) []byte {
	dst = append(dst, tag[:4]...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

var (
	utf16be        = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
	utf16beEncoder = utf16be.NewEncoder()
)

// EncodeUTF16 encodes s as UTF-16BE without a BOM.
func EncodeUTF16(s string) []byte {
	b, err := utf16beEncoder.Bytes([]byte(s))
	if err != nil {
		// UTF-16 can represent any valid string; unpaired surrogates are
		// replaced by the encoder, so this is unreachable in practice.
		return nil
	}
	return b
}

// DecodeUTF16 decodes a UTF-16BE payload. Zero code units are dropped first
// (Serato pads some fields with NULs) and surrounding whitespace is trimmed.
// An odd trailing byte is ignored.
func DecodeUTF16(b []byte) string {
	filtered := make([]byte, 0, len(b))
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			continue
		}
		filtered = append(filtered, b[i], b[i+1])
	}
	out, err := utf16be.NewDecoder().Bytes(filtered)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
