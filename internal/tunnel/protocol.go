// Package tunnel implements the origin side of the relay protocol: a
// persistent WebSocket carrying JSON control frames (text) and audio chunk
// frames (binary) multiplexed by request ID.
package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxFrameSize bounds any single WebSocket frame on either end.
const MaxFrameSize = 10 << 20 // 10 MiB

// Control message types.
const (
	TypeRegister       = "register"
	TypeRegistered     = "registered"
	TypeStreamRequest  = "stream_request"
	TypeStreamResponse = "stream_response"
	TypeStreamEnd      = "stream_end"
	TypeCancelStream   = "cancel_stream"
	TypeError          = "error"
	TypeHTTPRequest    = "http_request"
	TypeHTTPResponse   = "http_response"
	TypePing           = "ping"
	TypePong           = "pong"
)

// Message is a JSON control frame. Type is always set; the other fields are
// populated per the message type.
type Message struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	// register / registered
	DeviceID  string `json:"deviceId,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// stream_request
	TrackID string `json:"trackId,omitempty"`
	Range   string `json:"range,omitempty"`

	// stream_response / error / http_response
	Status        int               `json:"status,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	ContentLength int64             `json:"contentLength,omitempty"`
	Error         string            `json:"error,omitempty"`

	// stream_end
	BytesSent int64 `json:"bytesSent,omitempty"`

	// http_request / http_response
	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`
	Body   string `json:"body,omitempty"` // base64
}

// ErrBadChunk is returned for binary frames that do not follow the chunk
// layout.
var ErrBadChunk = errors.New("malformed chunk frame")

// EncodeChunk builds a binary chunk frame:
// [uint32 BE idLen][idLen bytes requestId][payload].
func EncodeChunk(requestID string, payload []byte) []byte {
	frame := make([]byte, 0, 4+len(requestID)+len(payload))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(requestID)))
	frame = append(frame, requestID...)
	return append(frame, payload...)
}

// DecodeChunk splits a binary chunk frame into request ID and payload. The
// payload aliases the input frame.
func DecodeChunk(frame []byte) (requestID string, payload []byte, err error) {
	if len(frame) < 4 {
		return "", nil, fmt.Errorf("%w: %d bytes", ErrBadChunk, len(frame))
	}
	idLen := int(binary.BigEndian.Uint32(frame[:4]))
	if idLen <= 0 || 4+idLen > len(frame) {
		return "", nil, fmt.Errorf("%w: id length %d in %d-byte frame", ErrBadChunk, idLen, len(frame))
	}
	return string(frame[4 : 4+idLen]), frame[4+idLen:], nil
}
