package tunnel

import (
	"context"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/snarg/cratelink/internal/library"
	"github.com/snarg/cratelink/internal/metrics"
	"github.com/snarg/cratelink/internal/stream"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	// sendQueue bounds in-flight outbound frames so a slow relay stalls the
	// file readers instead of growing memory.
	sendQueue = 16
)

// frame is one outbound WebSocket message.
type frame struct {
	messageType int
	data        []byte
}

// Session serves one relay connection: it answers stream_request and
// http_request frames arriving over conn until the connection or ctx dies.
type Session struct {
	conn     *websocket.Conn
	streamer *stream.Streamer
	handler  http.Handler
	log      zerolog.Logger

	out chan frame

	mu     sync.Mutex
	active map[string]context.CancelFunc // requestID → in-flight stream
}

// NewSession wraps an established WebSocket connection. handler serves
// http_request fallback frames and may be nil to reject them.
func NewSession(conn *websocket.Conn, streamer *stream.Streamer, handler http.Handler, log zerolog.Logger) *Session {
	conn.SetReadLimit(MaxFrameSize)
	return &Session{
		conn:     conn,
		streamer: streamer,
		handler:  handler,
		log:      log,
		out:      make(chan frame, sendQueue),
		active:   make(map[string]context.CancelFunc),
	}
}

// Run pumps the connection until it closes or ctx is cancelled. Always
// returns a non-nil error describing why the session ended.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ReadMessage only unblocks when the connection closes, so both
	// cancellation and writer failure close it.
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()
	writeDone := make(chan error, 1)
	go func() {
		writeDone <- s.writeLoop(ctx)
		s.conn.Close()
	}()

	readErr := s.readLoop(ctx)
	cancel()
	s.cancelAll()
	s.conn.Close()
	<-writeDone

	if readErr != nil {
		return readErr
	}
	return ctx.Err()
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			// Chunks only flow origin→relay; drop anything else.
			s.log.Debug().Int("ws_type", msgType).Msg("unexpected non-text frame from relay")
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn().Err(err).Msg("undecodable control frame")
			continue
		}
		metrics.TunnelFramesTotal.WithLabelValues("in", msg.Type).Inc()

		switch msg.Type {
		case TypeStreamRequest:
			reqCtx, cancel := context.WithCancel(ctx)
			s.track(msg.RequestID, cancel)
			go func() {
				defer s.untrack(msg.RequestID)
				s.serveStream(reqCtx, msg)
			}()
		case TypeCancelStream:
			s.cancelRequest(msg.RequestID)
		case TypeHTTPRequest:
			go s.serveHTTP(ctx, msg)
		case TypePing:
			s.send(ctx, Message{Type: TypePong, Timestamp: time.Now().UnixMilli()})
		case TypePong, TypeRegistered:
			// Keepalive replies and the registration ack need no action.
		default:
			s.log.Debug().Str("type", msg.Type).Msg("unhandled control frame")
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(f.messageType, f.data); err != nil {
				return err
			}
		case <-ticker.C:
			data, _ := json.Marshal(Message{Type: TypePing, Timestamp: time.Now().UnixMilli()})
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
			metrics.TunnelFramesTotal.WithLabelValues("out", TypePing).Inc()
		}
	}
}

// send queues a control frame, blocking on back-pressure.
func (s *Session) send(ctx context.Context, msg Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Str("type", msg.Type).Msg("control frame marshal failed")
		return false
	}
	select {
	case s.out <- frame{websocket.TextMessage, data}:
		metrics.TunnelFramesTotal.WithLabelValues("out", msg.Type).Inc()
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) sendChunk(ctx context.Context, requestID string, payload []byte) bool {
	select {
	case s.out <- frame{websocket.BinaryMessage, EncodeChunk(requestID, payload)}:
		metrics.TunnelFramesTotal.WithLabelValues("out", "chunk").Inc()
		return true
	case <-ctx.Done():
		return false
	}
}

// serveStream opens the track and pumps it to the relay as a metadata frame,
// binary chunks, and a trailing stream_end.
func (s *Session) serveStream(ctx context.Context, req Message) {
	log := s.log.With().Str("request_id", req.RequestID).Str("track_id", req.TrackID).Logger()

	resp, err := s.streamer.Open(req.TrackID, req.Range)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, library.ErrTrackNotFound):
			status = http.StatusNotFound
		case errors.Is(err, stream.ErrInvalidRange):
			status = http.StatusBadRequest
		case errors.Is(err, stream.ErrRangeNotSatisfiable):
			status = http.StatusRequestedRangeNotSatisfiable
		}
		log.Warn().Err(err).Int("status", status).Msg("stream request rejected")
		s.send(ctx, Message{Type: TypeError, RequestID: req.RequestID, Status: status, Error: err.Error()})
		return
	}
	defer resp.Body.Close()

	if !s.send(ctx, Message{
		Type:          TypeStreamResponse,
		RequestID:     req.RequestID,
		Status:        resp.Status,
		Headers:       resp.Headers,
		ContentLength: resp.ContentLength,
	}) {
		return
	}

	var sent int64
	buf := make([]byte, stream.DefaultChunkSize)
	for {
		if ctx.Err() != nil {
			log.Debug().Int64("bytes_sent", sent).Msg("stream cancelled")
			return
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if !s.sendChunk(ctx, req.RequestID, buf[:n]) {
				return
			}
			sent += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Error().Err(err).Msg("stream read failed")
			s.send(ctx, Message{Type: TypeError, RequestID: req.RequestID, Status: http.StatusInternalServerError, Error: "read failed"})
			return
		}
	}

	s.send(ctx, Message{Type: TypeStreamEnd, RequestID: req.RequestID, BytesSent: sent})
	log.Debug().Int64("bytes_sent", sent).Msg("stream complete")
}

// serveHTTP replays a small non-streaming request against the local API and
// ships the buffered response back in one control frame.
func (s *Session) serveHTTP(ctx context.Context, req Message) {
	if s.handler == nil {
		s.send(ctx, Message{Type: TypeError, RequestID: req.RequestID, Status: http.StatusNotImplemented, Error: "no local handler"})
		return
	}

	var body io.Reader
	if req.Body != "" {
		raw, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			s.send(ctx, Message{Type: TypeError, RequestID: req.RequestID, Status: http.StatusBadRequest, Error: "bad request body"})
			return
		}
		body = bytes.NewReader(raw)
	}

	hr, err := http.NewRequestWithContext(ctx, req.Method, req.Path, body)
	if err != nil {
		s.send(ctx, Message{Type: TypeError, RequestID: req.RequestID, Status: http.StatusBadRequest, Error: "bad request"})
		return
	}
	hr.RequestURI = req.Path
	for k, v := range req.Headers {
		hr.Header.Set(k, v)
	}

	rec := &bufferedResponse{status: http.StatusOK, header: make(http.Header)}
	s.handler.ServeHTTP(rec, hr)

	if rec.body.Len() > MaxFrameSize/2 {
		s.send(ctx, Message{Type: TypeError, RequestID: req.RequestID, Status: http.StatusInsufficientStorage, Error: "response too large for tunnel"})
		return
	}

	headers := make(map[string]string, len(rec.header))
	for k := range rec.header {
		headers[k] = rec.header.Get(k)
	}
	s.send(ctx, Message{
		Type:      TypeHTTPResponse,
		RequestID: req.RequestID,
		Status:    rec.status,
		Headers:   headers,
		Body:      base64.StdEncoding.EncodeToString(rec.body.Bytes()),
	})
}

// bufferedResponse captures a handler's output for shipment in one frame.
type bufferedResponse struct {
	status int
	header http.Header
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header         { return b.header }
func (b *bufferedResponse) WriteHeader(status int)      { b.status = status }
func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }

func (s *Session) track(requestID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.active[requestID]; ok {
		old()
	}
	s.active[requestID] = cancel
}

func (s *Session) untrack(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.active[requestID]; ok {
		cancel()
		delete(s.active, requestID)
	}
}

func (s *Session) cancelRequest(requestID string) {
	s.mu.Lock()
	cancel, ok := s.active[requestID]
	s.mu.Unlock()
	if ok {
		cancel()
		s.log.Debug().Str("request_id", requestID).Msg("stream cancelled by relay")
	}
}

func (s *Session) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.active {
		cancel()
		delete(s.active, id)
	}
}
