package relay

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/snarg/cratelink/internal/library"
	"github.com/snarg/cratelink/internal/stream"
	"github.com/snarg/cratelink/internal/tunnel"
)

func writeWAV(t *testing.T, path string, dataSize int) []byte {
	t.Helper()
	var buf []byte
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(36+dataSize))
	buf = append(buf, "WAVE"...)
	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint32(buf, 8000)
	buf = binary.LittleEndian.AppendUint32(buf, 8000)
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint16(buf, 8)
	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(dataSize))
	for i := 0; i < dataSize; i++ {
		buf = append(buf, byte(i%251))
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	return buf
}

// newRelayWithOrigin starts a relay, connects a tunnel client backed by one
// indexed WAV, and returns the relay's base URL plus the track ID and bytes.
func newRelayWithOrigin(t *testing.T, deviceID string, timeout time.Duration) (string, string, []byte) {
	t.Helper()

	music := t.TempDir()
	content := writeWAV(t, filepath.Join(music, "clip.wav"), 100_000)
	lib := library.NewManager(library.Options{
		SeratoRoot:  t.TempDir(),
		MusicRoots:  []string{music},
		Concurrency: 2,
		Log:         zerolog.Nop(),
	})
	tracks, err := lib.ParseLibrary(context.Background())
	if err != nil || len(tracks) != 1 {
		t.Fatalf("index: %d tracks, err %v", len(tracks), err)
	}

	s := NewServer("127.0.0.1:0", timeout, zerolog.Nop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"state":"complete"}`))
	})
	client := tunnel.NewClient(tunnel.Options{
		RelayURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/desktop",
		DeviceID: deviceID,
		Streamer: stream.NewStreamer(lib, zerolog.Nop()),
		Handler:  fallback,
		Log:      zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)

	waitFor(t, client.IsConnected)
	return srv.URL, tracks[0].ID, content
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}

func TestProxyFullStream(t *testing.T) {
	base, trackID, content := newRelayWithOrigin(t, "dev1", 0)

	resp, err := http.Get(base + "/api/dev1/stream/" + trackID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("content type = %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(body, content) {
		t.Errorf("proxied %d bytes, want %d matching bytes", len(body), len(content))
	}
}

func TestProxyRangedStream(t *testing.T) {
	base, trackID, content := newRelayWithOrigin(t, "dev2", 0)

	req, _ := http.NewRequest(http.MethodGet, base+"/api/dev2/stream/"+trackID, nil)
	req.Header.Set("Range", "bytes=500-999")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
	if cr := resp.Header.Get("Content-Range"); !strings.HasPrefix(cr, "bytes 500-999/") {
		t.Errorf("Content-Range = %q", cr)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, content[500:1000]) {
		t.Errorf("ranged body mismatch, got %d bytes", len(body))
	}
}

func TestProxyUnknownTrack(t *testing.T) {
	base, _, _ := newRelayWithOrigin(t, "dev3", 0)

	resp, err := http.Get(base + "/api/dev3/stream/deadbeefdeadbeef")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestProxyDeviceNotConnected(t *testing.T) {
	s := NewServer("127.0.0.1:0", 0, zerolog.Nop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/ghost/stream/abc")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["error"] == "" {
		t.Errorf("body = %v, err %v, want JSON error", body, err)
	}
}

func TestProxyHTTPFallback(t *testing.T) {
	base, _, _ := newRelayWithOrigin(t, "dev4", 0)

	resp, err := http.Get(base + "/api/dev4/library/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"state":"complete"}` {
		t.Errorf("body = %s", body)
	}
}

func TestDeviceStatusEndpoint(t *testing.T) {
	base, _, _ := newRelayWithOrigin(t, "dev5", 0)

	var status struct {
		DeviceID  string `json:"deviceId"`
		Connected bool   `json:"connected"`
	}
	resp, err := http.Get(base + "/api/device/dev5/status")
	if err != nil {
		t.Fatal(err)
	}
	json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if !status.Connected || status.DeviceID != "dev5" {
		t.Errorf("status = %+v", status)
	}

	resp, err = http.Get(base + "/api/device/nope/status")
	if err != nil {
		t.Fatal(err)
	}
	json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if status.Connected {
		t.Error("unknown device reported connected")
	}
}

func TestHealthCountsDevices(t *testing.T) {
	base, _, _ := newRelayWithOrigin(t, "dev6", 0)

	var health struct {
		Status           string `json:"status"`
		ConnectedDevices int    `json:"connectedDevices"`
	}
	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatal(err)
	}
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health.Status != "ok" || health.ConnectedDevices != 1 {
		t.Errorf("health = %+v", health)
	}
}

// registerRaw connects a bare WebSocket that registers and then goes silent.
func registerRaw(t *testing.T, base, deviceID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws/desktop"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(tunnel.Message{Type: tunnel.TypeRegister, DeviceID: deviceID, Protocol: "1"}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack tunnel.Message
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != tunnel.TypeRegistered {
		t.Fatalf("ack = %+v, err %v", ack, err)
	}
	return conn
}

func TestUnresponsiveDeviceTimesOut(t *testing.T) {
	s := NewServer("127.0.0.1:0", 200*time.Millisecond, zerolog.Nop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := registerRaw(t, srv.URL, "mute")
	defer conn.Close()

	resp, err := http.Get(srv.URL + "/api/mute/stream/abc")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", resp.StatusCode)
	}
}

func TestReRegisterEvictsOldConnection(t *testing.T) {
	s := NewServer("127.0.0.1:0", 0, zerolog.Nop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	first := registerRaw(t, srv.URL, "twin")
	defer first.Close()
	second := registerRaw(t, srv.URL, "twin")
	defer second.Close()

	// The evicted socket is closed by the relay, so reading it must fail.
	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg tunnel.Message
		if err := first.ReadJSON(&msg); err != nil {
			break
		}
	}

	if got := s.devices.count(); got != 1 {
		t.Errorf("connected devices = %d, want 1", got)
	}
}
