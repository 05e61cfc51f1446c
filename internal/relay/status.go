package relay

import (
	"time"

	"github.com/danmuck/cvdrelay/internal/apr"
)

// Status is a point-in-time view of relay counters.
type Status struct {
	Running        bool      `json:"running"`
	Overflow       string    `json:"overflow"`
	Pending        int       `json:"pending"`
	Received       uint64    `json:"received"`
	Malformed      uint64    `json:"malformed"`
	Replaced       uint64    `json:"replaced"`
	Dropped        uint64    `json:"dropped"`
	Dispatched     uint64    `json:"dispatched"`
	Undefined      uint64    `json:"undefined"`
	Responses      uint64    `json:"responses"`
	ResponseErrors uint64    `json:"response_errors"`
	FirmwareErrors uint64    `json:"firmware_errors"`
	LastDispatchID string    `json:"last_dispatch_id,omitempty"`
	LastOpcode     string    `json:"last_opcode,omitempty"`
	LastReceivedAt time.Time `json:"last_received_at"`
	LastResponse   string    `json:"last_response,omitempty"`
}

func (r *Relay) Status() Status {
	running := true
	select {
	case <-r.done:
		running = false
	default:
	}

	r.lastMu.RLock()
	last := r.last
	r.lastMu.RUnlock()

	out := Status{
		Running:        running,
		Overflow:       string(r.cfg.Overflow),
		Pending:        r.box.pending(),
		Received:       r.counters.received.Load(),
		Malformed:      r.counters.malformed.Load(),
		Replaced:       r.counters.replaced.Load(),
		Dropped:        r.counters.dropped.Load(),
		Dispatched:     r.counters.dispatched.Load(),
		Undefined:      r.counters.undefined.Load(),
		Responses:      r.counters.responses.Load(),
		ResponseErrors: r.counters.responseErrors.Load(),
		FirmwareErrors: r.counters.firmwareErrors.Load(),
		LastDispatchID: last.ID,
		LastReceivedAt: last.ReceivedAt,
	}
	if last.ID != "" {
		out.LastOpcode = last.Opcode.String()
	}
	if last.Response != nil {
		out.LastResponse = last.Response.String()
	}
	return out
}

func (r *Relay) recordLast(d delivery) {
	r.lastMu.Lock()
	r.last = lastDispatch{
		ID:         d.ID.String(),
		Opcode:     d.Packet.Opcode,
		ReceivedAt: d.ReceivedAt,
	}
	r.lastMu.Unlock()
}

func (r *Relay) recordResponse(evt apr.Packet) {
	r.lastMu.Lock()
	r.last.Response = &evt
	r.lastMu.Unlock()
}
