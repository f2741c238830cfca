package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/cratelink/internal/api"
	"github.com/snarg/cratelink/internal/metrics"
	"github.com/snarg/cratelink/internal/tunnel"
)

const (
	// registerDeadline bounds how long a fresh desktop socket may sit
	// silent before sending its register frame.
	registerDeadline = 10 * time.Second
	// readIdleDeadline is reset on every frame; the desktop pings every
	// 30s so a healthy link never gets near it.
	readIdleDeadline = 90 * time.Second
	// maxFallbackBody caps request bodies forwarded over http_request.
	maxFallbackBody = 1 << 20
)

// DefaultRequestTimeout is the inactivity limit per proxied request.
const DefaultRequestTimeout = 30 * time.Second

// Server is the public rendezvous point between desktops and mobile clients.
type Server struct {
	http    *http.Server
	devices *registry
	pending *pendingTable
	timeout time.Duration
	started time.Time
	log     zerolog.Logger

	upgrader websocket.Upgrader
}

func NewServer(addr string, requestTimeout time.Duration, log zerolog.Logger) *Server {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	s := &Server{
		devices: newRegistry(),
		pending: newPendingTable(),
		timeout: requestTimeout,
		started: time.Now(),
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Desktops connect from arbitrary home networks.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(api.RequestID)
	r.Use(api.Recoverer)
	r.Use(api.Logger(log))
	r.Use(api.CORS)
	r.Use(metrics.InstrumentHandler)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/desktop", s.handleDesktop)
	r.Get("/api/device/{deviceID}/status", s.handleDeviceStatus)
	r.HandleFunc("/api/{deviceID}/*", s.handleProxy)

	s.http = &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("relay server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("relay server shutting down")
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"connectedDevices": s.devices.count(),
		"uptime":           time.Since(s.started).Round(time.Second).String(),
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	d, ok := s.devices.get(deviceID)
	resp := map[string]any{
		"deviceId":  deviceID,
		"connected": ok,
	}
	if ok {
		resp["connectedAt"] = d.connectedAt.UTC().Format(time.RFC3339)
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

// ── Desktop socket ───────────────────────────────────────────────────

func (s *Server) handleDesktop(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("desktop upgrade failed")
		return
	}
	conn.SetReadLimit(tunnel.MaxFrameSize)

	conn.SetReadDeadline(time.Now().Add(registerDeadline))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	var reg tunnel.Message
	if err := json.Unmarshal(data, &reg); err != nil || reg.Type != tunnel.TypeRegister || reg.DeviceID == "" {
		s.log.Warn().Msg("desktop sent no register frame, dropping")
		conn.Close()
		return
	}

	d := &device{id: reg.DeviceID, conn: conn, connectedAt: time.Now()}
	if old := s.devices.register(d); old != nil {
		s.pending.rejectDevice(d.id, "Device reconnected")
		old.conn.Close()
		s.log.Info().Str("device_id", d.id).Msg("evicted stale desktop connection")
	}
	if err := d.send(tunnel.Message{
		Type:      tunnel.TypeRegistered,
		DeviceID:  d.id,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		s.devices.remove(d)
		conn.Close()
		return
	}
	s.log.Info().Str("device_id", d.id).Msg("desktop registered")

	s.readDevice(d)

	s.devices.remove(d)
	// Skip the reject when a newer connection already took over; its
	// in-flight requests are not ours to fail.
	if _, ok := s.devices.get(d.id); !ok {
		s.pending.rejectDevice(d.id, "Device disconnected")
	}
	conn.Close()
	s.log.Info().Str("device_id", d.id).Msg("desktop disconnected")
}

// readDevice routes frames from the desktop to their pending requests until
// the connection dies. Frames for finished or unknown requests are dropped.
func (s *Server) readDevice(d *device) {
	for {
		d.conn.SetReadDeadline(time.Now().Add(readIdleDeadline))
		msgType, data, err := d.conn.ReadMessage()
		if err != nil {
			return
		}

		if msgType == websocket.BinaryMessage {
			requestID, payload, err := tunnel.DecodeChunk(data)
			if err != nil {
				s.log.Warn().Err(err).Str("device_id", d.id).Msg("bad chunk frame")
				continue
			}
			metrics.TunnelFramesTotal.WithLabelValues("in", "chunk").Inc()
			if p, ok := s.pending.get(requestID); ok {
				p.deliver(event{chunk: payload})
			}
			continue
		}

		var msg tunnel.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn().Err(err).Str("device_id", d.id).Msg("undecodable control frame")
			continue
		}
		metrics.TunnelFramesTotal.WithLabelValues("in", msg.Type).Inc()

		switch msg.Type {
		case tunnel.TypePing:
			d.send(tunnel.Message{Type: tunnel.TypePong, Timestamp: time.Now().UnixMilli()})
		case tunnel.TypePong, tunnel.TypeRegister:
			// Keepalive reply, or a redundant re-register on the same socket.
		case tunnel.TypeStreamResponse, tunnel.TypeStreamEnd, tunnel.TypeError, tunnel.TypeHTTPResponse:
			m := msg
			if p, ok := s.pending.get(msg.RequestID); ok {
				p.deliver(event{msg: &m})
			}
		default:
			s.log.Debug().Str("type", msg.Type).Msg("unhandled desktop frame")
		}
	}
}

// ── Mobile proxy ─────────────────────────────────────────────────────

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	suffix := chi.URLParam(r, "*")

	d, ok := s.devices.get(deviceID)
	if !ok {
		metrics.RelayRequestsTotal.WithLabelValues("no_device").Inc()
		api.WriteError(w, http.StatusServiceUnavailable, "device not connected")
		return
	}

	requestID := uuid.NewString()
	p := s.pending.add(deviceID, requestID)
	defer s.pending.remove(requestID)

	if rest, ok := strings.CutPrefix(suffix, "stream/"); ok {
		s.proxyStream(w, r, d, p, lastSegment(rest))
		return
	}
	s.proxyHTTP(w, r, d, p, "/api/"+suffix)
}

func (s *Server) proxyStream(w http.ResponseWriter, r *http.Request, d *device, p *pending, trackID string) {
	log := s.log.With().Str("device_id", d.id).Str("request_id", p.id).Str("track_id", trackID).Logger()

	if err := d.send(tunnel.Message{
		Type:      tunnel.TypeStreamRequest,
		RequestID: p.id,
		TrackID:   trackID,
		Range:     r.Header.Get("Range"),
	}); err != nil {
		metrics.RelayRequestsTotal.WithLabelValues("send_failed").Inc()
		api.WriteError(w, http.StatusServiceUnavailable, "device unreachable")
		return
	}

	flusher, _ := w.(http.Flusher)
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	headersSent := false
	var buffered [][]byte // chunks that raced ahead of the metadata frame
	for {
		select {
		case <-r.Context().Done():
			d.send(tunnel.Message{Type: tunnel.TypeCancelStream, RequestID: p.id})
			metrics.RelayRequestsTotal.WithLabelValues("cancelled").Inc()
			log.Debug().Msg("mobile client went away, stream cancelled")
			return

		case <-timer.C:
			d.send(tunnel.Message{Type: tunnel.TypeCancelStream, RequestID: p.id})
			metrics.RelayRequestsTotal.WithLabelValues("timeout").Inc()
			log.Warn().Dur("timeout", s.timeout).Msg("desktop went silent mid-stream")
			if !headersSent {
				api.WriteError(w, http.StatusGatewayTimeout, "desktop did not respond")
			}
			return

		case ev := <-p.events:
			resetTimer(timer, s.timeout)

			if ev.msg == nil {
				if !headersSent {
					buffered = append(buffered, ev.chunk)
					continue
				}
				if _, err := w.Write(ev.chunk); err != nil {
					d.send(tunnel.Message{Type: tunnel.TypeCancelStream, RequestID: p.id})
					metrics.RelayRequestsTotal.WithLabelValues("client_error").Inc()
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
				continue
			}

			switch ev.msg.Type {
			case tunnel.TypeStreamResponse:
				copyUpstreamHeaders(w, ev.msg.Headers)
				status := ev.msg.Status
				if status == 0 {
					status = http.StatusOK
				}
				w.WriteHeader(status)
				headersSent = true
				for _, chunk := range buffered {
					w.Write(chunk)
				}
				buffered = nil
				if flusher != nil {
					flusher.Flush()
				}

			case tunnel.TypeStreamEnd:
				metrics.RelayRequestsTotal.WithLabelValues("success").Inc()
				log.Debug().Int64("bytes", ev.msg.BytesSent).Msg("stream proxied")
				return

			case tunnel.TypeError:
				metrics.RelayRequestsTotal.WithLabelValues("upstream_error").Inc()
				if headersSent {
					// Body already flowing, all we can do is stop.
					log.Warn().Str("err", ev.msg.Error).Msg("desktop errored mid-stream")
					return
				}
				status := ev.msg.Status
				if status == 0 {
					status = http.StatusInternalServerError
				}
				api.WriteError(w, status, ev.msg.Error)
				return
			}
		}
	}
}

func (s *Server) proxyHTTP(w http.ResponseWriter, r *http.Request, d *device, p *pending, path string) {
	var body string
	if r.Body != nil {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxFallbackBody))
		if err != nil {
			api.WriteError(w, http.StatusBadRequest, "unreadable request body")
			return
		}
		body = base64.StdEncoding.EncodeToString(raw)
	}

	headers := map[string]string{}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		headers["Content-Type"] = ct
	}

	if err := d.send(tunnel.Message{
		Type:      tunnel.TypeHTTPRequest,
		RequestID: p.id,
		Method:    r.Method,
		Path:      path,
		Headers:   headers,
		Body:      body,
	}); err != nil {
		metrics.RelayRequestsTotal.WithLabelValues("send_failed").Inc()
		api.WriteError(w, http.StatusServiceUnavailable, "device unreachable")
		return
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	for {
		select {
		case <-r.Context().Done():
			metrics.RelayRequestsTotal.WithLabelValues("cancelled").Inc()
			return

		case <-timer.C:
			metrics.RelayRequestsTotal.WithLabelValues("timeout").Inc()
			api.WriteError(w, http.StatusGatewayTimeout, "desktop did not respond")
			return

		case ev := <-p.events:
			if ev.msg == nil {
				continue // chunks are meaningless for fallback requests
			}
			switch ev.msg.Type {
			case tunnel.TypeHTTPResponse:
				raw, err := base64.StdEncoding.DecodeString(ev.msg.Body)
				if err != nil {
					api.WriteError(w, http.StatusBadGateway, "bad response from desktop")
					return
				}
				copyUpstreamHeaders(w, ev.msg.Headers)
				status := ev.msg.Status
				if status == 0 {
					status = http.StatusOK
				}
				w.WriteHeader(status)
				w.Write(raw)
				metrics.RelayRequestsTotal.WithLabelValues("success").Inc()
				return

			case tunnel.TypeError:
				metrics.RelayRequestsTotal.WithLabelValues("upstream_error").Inc()
				status := ev.msg.Status
				if status == 0 {
					status = http.StatusInternalServerError
				}
				api.WriteError(w, status, ev.msg.Error)
				return
			}
		}
	}
}

// copyUpstreamHeaders forwards the desktop's response headers minus the
// hop-by-hop set the relay manages itself.
func copyUpstreamHeaders(w http.ResponseWriter, headers map[string]string) {
	for k, v := range headers {
		switch http.CanonicalHeaderKey(k) {
		case "Connection", "Transfer-Encoding", "Keep-Alive", "Date":
			continue
		}
		w.Header().Set(k, v)
	}
}

func lastSegment(path string) string {
	path = strings.TrimSuffix(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
