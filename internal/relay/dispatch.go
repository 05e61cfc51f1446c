package relay

import (
	"context"
	"time"

	"github.com/danmuck/cvdrelay/internal/apr"
	"github.com/danmuck/cvdrelay/internal/dal"
	"github.com/danmuck/cvdrelay/internal/logging"
	"github.com/danmuck/cvdrelay/internal/metrics"
)

// Action names as reported by Actions and in metrics.
const (
	ActionAck       = "ack"
	ActionSetup     = "setup"
	ActionTeardown  = "teardown"
	ActionUndefined = "undefined"
)

type action struct {
	name string
	run  func(ctx context.Context, d delivery)
}

func (r *Relay) buildTable() map[apr.Opcode]action {
	ack := action{name: ActionAck, run: r.acknowledge}
	return map[apr.Opcode]action{
		apr.OpCreate:     ack,
		apr.OpBringup:    {name: ActionSetup, run: r.voiceSetup},
		apr.OpDestroy:    ack,
		apr.OpTeardown:   {name: ActionTeardown, run: r.voiceTeardown},
		apr.OpSetNetwork: ack,
	}
}

// Actions returns the dispatch table as opcode -> action name.
func (r *Relay) Actions() map[apr.Opcode]string {
	out := make(map[apr.Opcode]string, len(r.table))
	for op, a := range r.table {
		out[op] = a.name
	}
	return out
}

func (r *Relay) dispatch(d delivery) {
	op := d.Packet.Opcode
	r.counters.dispatched.Add(1)
	r.recordLast(d)

	a, ok := r.table[op]
	if !ok {
		r.counters.undefined.Add(1)
		metrics.RecordDispatch(op.String(), ActionUndefined)
		logging.Errorf("relay.Relay.dispatch undefined event id=%s opcode=%s", d.ID, op)
		return
	}
	metrics.RecordDispatch(op.String(), a.name)
	logging.Debugf("relay.Relay.dispatch id=%s opcode=%s action=%s", d.ID, op, a.name)
	a.run(r.ctx, d)
}

func (r *Relay) acknowledge(ctx context.Context, d delivery) {
	r.respond(ctx, d)
}

func (r *Relay) voiceSetup(ctx context.Context, d delivery) {
	r.firmware(ctx, d, ActionSetup, r.voice.Setup)
	r.respond(ctx, d)
}

func (r *Relay) voiceTeardown(ctx context.Context, d delivery) {
	r.firmware(ctx, d, ActionTeardown, r.voice.Teardown)
	r.respond(ctx, d)
}

// firmware runs a voice action. Its error is recorded; the caller still
// acknowledges the command.
func (r *Relay) firmware(ctx context.Context, d delivery, name string, fn func(context.Context) error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	err := fn(callCtx)
	metrics.RecordFirmwareCall(name, err == nil)
	if err != nil {
		r.counters.firmwareErrors.Add(1)
		logging.Warnf("relay.Relay.firmware %s failed id=%s err=%v", name, d.ID, err)
	}
}

// respond turns the delivered command into a basic-result event and sends it
// with a CONTROL call. The outcome is logged and counted, never returned.
func (r *Relay) respond(ctx context.Context, d delivery) {
	evt := d.Packet.ToEvent()
	reply := make([]byte, replySize)

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	start := time.Now()
	status, err := r.binding.Call(callCtx, dal.VoiceOpControl, controlArg, evt.Encode(), reply)
	elapsed := time.Since(start)

	r.counters.responses.Add(1)
	r.recordResponse(evt)
	switch {
	case err != nil:
		r.counters.responseErrors.Add(1)
		metrics.RecordResponse("error", elapsed)
		logging.Warnf("relay.Relay.respond send failed id=%s err=%v", d.ID, err)
	case status != 0:
		metrics.RecordResponse("status", elapsed)
		logging.Debugf("relay.Relay.respond id=%s status=%d", d.ID, status)
	default:
		metrics.RecordResponse("ok", elapsed)
		logging.Debugf("relay.Relay.respond id=%s src=%#x dst=%#x", d.ID, evt.SrcAddr, evt.DstAddr)
	}
}
