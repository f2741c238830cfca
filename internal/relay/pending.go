package relay

import (
	"sync"

	"github.com/snarg/cratelink/internal/metrics"
	"github.com/snarg/cratelink/internal/tunnel"
)

// eventQueue bounds frames buffered per request; a consumer that stops
// draining stalls the device read loop rather than growing memory.
const eventQueue = 32

// event is one frame routed to a waiting mobile request: either a control
// message or a binary audio chunk.
type event struct {
	msg   *tunnel.Message
	chunk []byte
}

// pending is one in-flight proxied request. The device read loop pushes
// events in arrival order; the HTTP handler drains them.
type pending struct {
	id       string
	deviceID string
	events   chan event

	closeOnce sync.Once
	gone      chan struct{} // closed when the consumer has left
}

// deliver routes a frame to the consumer, giving up if the consumer is gone.
func (p *pending) deliver(ev event) {
	select {
	case p.events <- ev:
	case <-p.gone:
	}
}

func (p *pending) close() {
	p.closeOnce.Do(func() { close(p.gone) })
}

// pendingTable indexes in-flight requests by request ID.
type pendingTable struct {
	mu   sync.Mutex
	byID map[string]*pending
}

func newPendingTable() *pendingTable {
	return &pendingTable{byID: make(map[string]*pending)}
}

func (t *pendingTable) add(deviceID, requestID string) *pending {
	p := &pending{
		id:       requestID,
		deviceID: deviceID,
		events:   make(chan event, eventQueue),
		gone:     make(chan struct{}),
	}
	t.mu.Lock()
	t.byID[requestID] = p
	metrics.PendingRequests.Set(float64(len(t.byID)))
	t.mu.Unlock()
	return p
}

func (t *pendingTable) get(requestID string) (*pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[requestID]
	return p, ok
}

func (t *pendingTable) remove(requestID string) {
	t.mu.Lock()
	if p, ok := t.byID[requestID]; ok {
		p.close()
		delete(t.byID, requestID)
	}
	metrics.PendingRequests.Set(float64(len(t.byID)))
	t.mu.Unlock()
}

// rejectDevice fails every pending request for a device, used when its
// connection drops or is evicted by a re-register.
func (t *pendingTable) rejectDevice(deviceID, reason string) {
	t.mu.Lock()
	var victims []*pending
	for _, p := range t.byID {
		if p.deviceID == deviceID {
			victims = append(victims, p)
		}
	}
	t.mu.Unlock()

	for _, p := range victims {
		p.deliver(event{msg: &tunnel.Message{
			Type:      tunnel.TypeError,
			RequestID: p.id,
			Status:    503,
			Error:     reason,
		}})
	}
}
