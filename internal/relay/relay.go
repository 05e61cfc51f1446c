package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/cvdrelay/internal/apr"
	"github.com/danmuck/cvdrelay/internal/dal"
	"github.com/danmuck/cvdrelay/internal/logging"
	"github.com/danmuck/cvdrelay/internal/metrics"
	"github.com/google/uuid"
)

// controlArg is the argument word sent with INIT and CONTROL calls.
const controlArg uint32 = 5

// replySize is the reply buffer the endpoint fills for INIT and CONTROL.
const replySize = 4

var (
	ErrAttach      = errors.New("relay: attach failed")
	ErrWorkerStart = errors.New("relay: worker did not start")
	ErrNilVoice    = errors.New("relay: nil voice")
)

// Relay is the context shared by the callback and the dispatch worker. It is
// built by Start and lives until Close.
type Relay struct {
	cfg     Config
	voice   Voice
	binding Binding
	box     *mailbox
	table   map[apr.Opcode]action

	scratchMu sync.Mutex
	scratch   [apr.PacketSize]byte

	ctx    context.Context
	cancel context.CancelFunc

	stop    atomic.Bool
	started chan struct{}
	done    chan struct{}
	once    sync.Once

	counters counters
	lastMu   sync.RWMutex
	last     lastDispatch
}

type counters struct {
	received       atomic.Uint64
	malformed      atomic.Uint64
	replaced       atomic.Uint64
	dropped        atomic.Uint64
	dispatched     atomic.Uint64
	undefined      atomic.Uint64
	responses      atomic.Uint64
	responseErrors atomic.Uint64
	firmwareErrors atomic.Uint64
}

type lastDispatch struct {
	ID         string
	Opcode     apr.Opcode
	ReceivedAt time.Time
	Response   *apr.Packet
}

func newRelay(cfg Config, voice Voice) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:     cfg,
		voice:   voice,
		box:     newMailbox(cfg.Overflow),
		ctx:     ctx,
		cancel:  cancel,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	r.table = r.buildTable()
	return r
}

// Start performs the bootstrap sequence: attach, version check, INIT call,
// worker start. Every failure is fatal and nothing is retried. The INFO and
// INIT calls are each bounded by cfg.CallTimeout.
func Start(ctx context.Context, cfg Config, binder Binder, voice Voice) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if voice == nil {
		return nil, ErrNilVoice
	}

	r := newRelay(cfg, voice)
	b, err := binder.Bind(ctx, r.Notify)
	if err != nil {
		r.cancel()
		return nil, fmt.Errorf("%w: device=%#x port=%d: %v", ErrAttach, cfg.Device, cfg.Port, err)
	}

	infoCtx, cancelInfo := context.WithTimeout(ctx, cfg.CallTimeout)
	err = dal.CheckVersion(infoCtx, b, cfg.Version)
	cancelInfo()
	if err != nil {
		logging.Errorf("relay.Start incompatible cvd version want=%#08x err=%v", cfg.Version, err)
		_ = b.Close()
		r.cancel()
		return nil, err
	}

	initPayload := make([]byte, 8)
	binary.LittleEndian.PutUint32(initPayload[0:4], replySize)
	binary.LittleEndian.PutUint32(initPayload[4:8], 0)
	reply := make([]byte, replySize)
	initCtx, cancelInit := context.WithTimeout(ctx, cfg.CallTimeout)
	status, err := b.Call(initCtx, dal.VoiceOpInit, controlArg, initPayload, reply)
	cancelInit()
	logging.Debugf("relay.Start init status=%d err=%v", status, err)

	if err := ctx.Err(); err != nil {
		_ = b.Close()
		r.cancel()
		return nil, fmt.Errorf("%w: %v", ErrWorkerStart, err)
	}

	r.binding = b
	go r.run()

	timer := time.NewTimer(cfg.StartTimeout)
	defer timer.Stop()
	select {
	case <-r.started:
	case <-timer.C:
		r.Close()
		return nil, fmt.Errorf("%w: timeout=%s", ErrWorkerStart, cfg.StartTimeout)
	case <-ctx.Done():
		r.Close()
		return nil, fmt.Errorf("%w: %v", ErrWorkerStart, ctx.Err())
	}

	logging.Infof(
		"relay.Start ready device=%#x port=%d version=%#08x overflow=%s",
		cfg.Device,
		cfg.Port,
		cfg.Version,
		cfg.Overflow,
	)
	return r, nil
}

// Notify is the channel callback. The packet is read at apr.InboundOffset and
// copied over the previous one; bytes a short buffer does not cover keep
// their previous values. A non-positive length is logged but the hand-off
// still happens.
func (r *Relay) Notify(data []byte, length int) {
	r.counters.received.Add(1)
	malformed := length <= 0
	if malformed {
		r.counters.malformed.Add(1)
		logging.Errorf("relay.Relay.Notify unexpected event length=%d", length)
	}
	metrics.RecordNotification(malformed)

	r.scratchMu.Lock()
	if len(data) > apr.InboundOffset {
		copy(r.scratch[:], data[apr.InboundOffset:])
	}
	pkt, _ := apr.Decode(r.scratch[:])
	r.scratchMu.Unlock()

	d := delivery{
		ID:         uuid.New(),
		Packet:     pkt,
		Length:     length,
		ReceivedAt: time.Now(),
	}
	logging.Debugf("relay.Relay.Notify id=%s APR %s", d.ID, pkt)

	outcome := r.box.put(d)
	switch outcome {
	case putReplaced:
		r.counters.replaced.Add(1)
		logging.Warnf("relay.Relay.Notify pending command replaced id=%s opcode=%s", d.ID, pkt.Opcode)
	case putDropped:
		r.counters.dropped.Add(1)
		logging.Warnf("relay.Relay.Notify command dropped id=%s opcode=%s", d.ID, pkt.Opcode)
	case putClosed:
		logging.Debugf("relay.Relay.Notify after close id=%s", d.ID)
	}
	metrics.RecordHandoff(outcome.String())
}

// run is the dispatch worker. The stop flag is checked between cycles only;
// a blocked wait ends when a command arrives or the mailbox closes.
func (r *Relay) run() {
	defer close(r.done)
	close(r.started)
	for !r.stop.Load() {
		d, ok := r.box.wait()
		if !ok {
			return
		}
		r.dispatch(d)
	}
	logging.Debugf("relay.Relay.run stopped")
}

// Stop asks the worker to exit after its next wake. It does not interrupt a
// wait in progress.
func (r *Relay) Stop() {
	r.stop.Store(true)
}

// Close detaches the binding, closes the mailbox and waits for the worker.
func (r *Relay) Close() error {
	var err error
	r.once.Do(func() {
		r.Stop()
		if r.binding != nil {
			err = r.binding.Close()
		}
		r.box.close()
		<-r.done
		r.cancel()
	})
	return err
}

// Done is closed when the worker has exited.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}
