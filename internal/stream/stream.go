package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/snarg/cratelink/internal/library"
	"github.com/snarg/cratelink/internal/metrics"
)

// DefaultChunkSize is the read-buffer size used when copying file bytes out.
const DefaultChunkSize = 256 * 1024

// mimeTypes maps audio extensions to content types.
var mimeTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".wav":  "audio/wav",
	".aac":  "audio/aac",
	".m4a":  "audio/mp4",
	".ogg":  "audio/ogg",
	".aiff": "audio/aiff",
}

// MIMEType returns the content type for an audio file path.
func MIMEType(path string) string {
	if ct, ok := mimeTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Response is an opened stream: status, response headers, and a body
// covering exactly the requested bytes. The caller must Close the body.
type Response struct {
	Status        int
	Headers       map[string]string
	ContentLength int64
	Body          io.ReadCloser
}

// Streamer opens byte-range reads of indexed tracks.
type Streamer struct {
	lib       *library.Manager
	chunkSize int
	log       zerolog.Logger
}

// NewStreamer creates a Streamer over the library index.
func NewStreamer(lib *library.Manager, log zerolog.Logger) *Streamer {
	return &Streamer{lib: lib, chunkSize: DefaultChunkSize, log: log}
}

// Open resolves a track and prepares a 200 or 206 response for the given
// Range header (empty for a full-file request). The track's verified path is
// re-resolved if the file has moved since indexing.
func (s *Streamer) Open(trackID, rangeHeader string) (*Response, error) {
	track, ok := s.lib.Track(trackID)
	if !ok {
		return nil, library.ErrTrackNotFound
	}

	path := track.FilePath
	info, err := os.Stat(path)
	if err != nil {
		// The file moved after indexing; try resolving again.
		resolved, ok := s.lib.ResolvePath(track.FilePath)
		if !ok {
			return nil, library.ErrTrackNotFound
		}
		path = resolved
		if info, err = os.Stat(path); err != nil {
			return nil, library.ErrTrackNotFound
		}
	}
	size := info.Size()

	rng, err := ParseRange(rangeHeader, size)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	headers := map[string]string{
		"Content-Type":  MIMEType(path),
		"Accept-Ranges": "bytes",
		"Cache-Control": "public, max-age=3600",
		"ETag":          fmt.Sprintf("%q", fmt.Sprintf("%s-%d", trackID, info.ModTime().UnixMilli())),
		"Last-Modified": info.ModTime().UTC().Format(http.TimeFormat),
	}

	resp := &Response{Status: http.StatusOK, Headers: headers, ContentLength: size}
	if rng != nil {
		if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek %s: %w", path, err)
		}
		resp.Status = http.StatusPartialContent
		resp.ContentLength = rng.Length()
		headers["Content-Range"] = fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, size)
	}
	headers["Content-Length"] = fmt.Sprintf("%d", resp.ContentLength)

	metrics.ActiveStreams.Inc()
	resp.Body = &trackedBody{r: io.LimitReader(f, resp.ContentLength), f: f}

	s.log.Debug().
		Str("track_id", trackID).
		Str("path", path).
		Int("status", resp.Status).
		Int64("bytes", resp.ContentLength).
		Msg("stream opened")
	return resp, nil
}

// Copy pumps the response body to dst in chunk-sized reads, stopping as soon
// as ctx is cancelled. The body is closed before returning so the file
// handle is released within one read of cancellation.
func (s *Streamer) Copy(ctx context.Context, dst io.Writer, resp *Response) (int64, error) {
	defer resp.Body.Close()

	buf := make([]byte, s.chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if f, ok := dst.(http.Flusher); ok {
				f.Flush()
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// trackedBody closes the underlying file and decrements the active-stream
// gauge exactly once.
type trackedBody struct {
	r      io.Reader
	f      *os.File
	closed bool
}

func (b *trackedBody) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *trackedBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	metrics.ActiveStreams.Dec()
	return b.f.Close()
}
