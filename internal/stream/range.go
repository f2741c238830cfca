// Package stream serves byte ranges of local audio files with HTTP 206
// semantics, for both the direct HTTP surface and the relay tunnel.
package stream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidRange means the Range header was present but empty of bounds;
// the HTTP surface maps it to 400.
var ErrInvalidRange = errors.New("invalid range header")

// ErrRangeNotSatisfiable maps to 416. The wrapped text carries the reason.
var ErrRangeNotSatisfiable = errors.New("range not satisfiable")

// ByteRange is an inclusive byte window into a file.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes the range covers.
func (r ByteRange) Length() int64 { return r.End - r.Start + 1 }

// ParseRange parses a "bytes=start-end" header against a file of the given
// size. A nil result with nil error means no range was requested (serve the
// whole file).
//
// The suffix form "bytes=-N" is deliberately parsed as [0, N] rather than
// the RFC's "last N bytes": existing mobile clients were built against that
// behavior and both ends of the tunnel must agree on it.
func ParseRange(header string, size int64) (*ByteRange, error) {
	if header == "" {
		return nil, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRangeNotSatisfiable, header)
	}
	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRangeNotSatisfiable, header)
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" && endStr == "" {
		return nil, ErrInvalidRange
	}

	r := &ByteRange{Start: 0, End: size - 1}
	if startStr != "" {
		n, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad start %q", ErrRangeNotSatisfiable, startStr)
		}
		r.Start = n
	}
	if endStr != "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad end %q", ErrRangeNotSatisfiable, endStr)
		}
		r.End = n
	}

	if r.End > size-1 {
		r.End = size - 1
	}
	if r.Start > r.End || r.Start >= size {
		return nil, fmt.Errorf("%w: %d-%d of %d", ErrRangeNotSatisfiable, r.Start, r.End, size)
	}
	return r, nil
}
