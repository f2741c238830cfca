// Package relay accepts registered desktop connections and proxies mobile
// HTTP requests to them over the tunnel protocol.
package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/snarg/cratelink/internal/metrics"
	"github.com/snarg/cratelink/internal/tunnel"
)

const deviceWriteTimeout = 10 * time.Second

// device is one registered desktop connection. All writes go through send so
// the forwarding goroutines never interleave frames.
type device struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time

	writeMu sync.Mutex
}

func (d *device) send(msg tunnel.Message) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.conn.SetWriteDeadline(time.Now().Add(deviceWriteTimeout))
	return d.conn.WriteJSON(msg)
}

// registry tracks connected devices by ID. Registering a device ID that is
// already connected evicts the old connection.
type registry struct {
	mu      sync.Mutex
	devices map[string]*device
}

func newRegistry() *registry {
	return &registry{devices: make(map[string]*device)}
}

// register stores d and returns the evicted previous connection, if any.
func (r *registry) register(d *device) *device {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.devices[d.id]
	r.devices[d.id] = d
	metrics.ConnectedDevices.Set(float64(len(r.devices)))
	return old
}

func (r *registry) get(deviceID string) (*device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	return d, ok
}

// remove drops d unless a newer connection has already replaced it.
func (r *registry) remove(d *device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.devices[d.id] == d {
		delete(r.devices, d.id)
	}
	metrics.ConnectedDevices.Set(float64(len(r.devices)))
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}
