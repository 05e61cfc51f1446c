package dal

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/cvdrelay/internal/protocol/frame"
	"github.com/danmuck/cvdrelay/internal/testutil/testlog"
)

type stubHandler struct {
	mu         sync.Mutex
	version    uint32
	rejectWith int32
	attached   chan *Session
	calls      []callMsg
	detached   int
}

func newStubHandler(version uint32) *stubHandler {
	return &stubHandler{version: version, attached: make(chan *Session, 1)}
}

func (h *stubHandler) Attach(s *Session, device, port uint32) int32 {
	if h.rejectWith != 0 {
		return h.rejectWith
	}
	h.attached <- s
	return 0
}

func (h *stubHandler) Call(s *Session, op, arg uint32, in []byte, replyCap int) (int32, []byte) {
	h.mu.Lock()
	h.calls = append(h.calls, callMsg{Op: op, Arg: arg, ReplyCap: uint32(replyCap), Data: append([]byte(nil), in...)})
	h.mu.Unlock()

	switch op {
	case OpInfo:
		return 0, Info{Size: InfoSize, Version: h.version, Name: "cvd"}.Encode()
	case OpInit:
		return 0, []byte{0, 0, 0, 0}
	default:
		// echo with a trailing marker the endpoint must trim to replyCap
		return 7, append(append([]byte(nil), in...), 0xFF, 0xFF)
	}
}

func (h *stubHandler) Detach(s *Session) {
	h.mu.Lock()
	h.detached++
	h.mu.Unlock()
}

func (h *stubHandler) recorded() []callMsg {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]callMsg(nil), h.calls...)
}

type callbackRecorder struct {
	ch chan callbackMsg
}

func (r *callbackRecorder) fn(data []byte, length int) {
	r.ch <- callbackMsg{Length: int32(length), Data: append([]byte(nil), data...)}
}

func attachPipe(t *testing.T, h Handler, cb Callback) (*Client, *Endpoint) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	ep := NewEndpoint(h, frame.DefaultLimits())
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = ep.ServeConn(ctx, serverSide)
	}()

	attachCtx, attachCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer attachCancel()
	c, err := AttachConn(attachCtx, clientSide, AttachConfig{Device: VoiceDevice, Port: VoicePort}, cb)
	if err != nil {
		cancel()
		t.Fatalf("attach: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
		cancel()
		<-served
	})
	return c, ep
}

func TestAttachCallAndTruncatedReply(t *testing.T) {
	testlog.Start(t)

	h := newStubHandler(VoiceVersion)
	c, _ := attachPipe(t, h, nil)
	sess := <-h.attached
	if sess.Device != VoiceDevice || sess.Port != VoicePort {
		t.Fatalf("unexpected session binding: device=%#x port=%d", sess.Device, sess.Port)
	}

	in := []byte{1, 2, 3, 4, 5, 6}
	out := make([]byte, 4)
	status, err := c.Call(context.Background(), VoiceOpControl, 5, in, out)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if status != 7 {
		t.Fatalf("unexpected status: %d", status)
	}
	if !bytes.Equal(out, []byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected reply: % x", out)
	}
	calls := h.recorded()
	if len(calls) != 1 || calls[0].Op != VoiceOpControl || calls[0].Arg != 5 || calls[0].ReplyCap != 4 {
		t.Fatalf("unexpected recorded calls: %+v", calls)
	}
}

func TestConcurrentCallsCorrelateReplies(t *testing.T) {
	testlog.Start(t)

	h := newStubHandler(VoiceVersion)
	c, _ := attachPipe(t, h, nil)
	<-h.attached

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n uint32) {
			defer wg.Done()
			in := make([]byte, 4)
			binary.LittleEndian.PutUint32(in, n)
			out := make([]byte, 4)
			if _, err := c.Call(context.Background(), VoiceOpControl, n, in, out); err != nil {
				errs <- err
				return
			}
			if got := binary.LittleEndian.Uint32(out); got != n {
				errs <- errors.New("reply routed to wrong caller")
			}
		}(uint32(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent call: %v", err)
	}
}

func TestCallbackDeliveryKeepsReportedLength(t *testing.T) {
	testlog.Start(t)

	rec := &callbackRecorder{ch: make(chan callbackMsg, 2)}
	h := newStubHandler(VoiceVersion)
	_, ep := attachPipe(t, h, rec.fn)
	sess := <-h.attached

	if err := sess.Notify([]byte{9, 9}, -1); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if n := ep.Broadcast([]byte{1, 2, 3}, 3); n != 1 {
		t.Fatalf("expected one broadcast recipient, got %d", n)
	}

	first := <-rec.ch
	if first.Length != -1 || !bytes.Equal(first.Data, []byte{9, 9}) {
		t.Fatalf("unexpected first callback: %+v", first)
	}
	second := <-rec.ch
	if second.Length != 3 || !bytes.Equal(second.Data, []byte{1, 2, 3}) {
		t.Fatalf("unexpected second callback: %+v", second)
	}
}

func TestAttachRejected(t *testing.T) {
	testlog.Start(t)

	h := newStubHandler(VoiceVersion)
	h.rejectWith = -19
	clientSide, serverSide := net.Pipe()
	ep := NewEndpoint(h, frame.DefaultLimits())
	go func() { _ = ep.ServeConn(context.Background(), serverSide) }()

	_, err := AttachConn(context.Background(), clientSide, AttachConfig{Device: 0x1234}, nil)
	if !errors.Is(err, ErrAttachRejected) {
		t.Fatalf("expected ErrAttachRejected, got %v", err)
	}
	_ = clientSide.Close()
}

func TestCallAfterCloseFails(t *testing.T) {
	testlog.Start(t)

	h := newStubHandler(VoiceVersion)
	c, _ := attachPipe(t, h, nil)
	<-h.attached

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	<-c.Done()
	if _, err := c.Call(context.Background(), OpInit, 5, nil, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestAttachOverTCP(t *testing.T) {
	testlog.Start(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("tcp listen unavailable: %v", err)
	}
	h := newStubHandler(VoiceVersion)
	ep := NewEndpoint(h, frame.DefaultLimits())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ep.Serve(ctx, ln) }()

	c, err := Attach(ctx, nil, AttachConfig{Address: ln.Addr().String(), Device: VoiceDevice}, nil)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer c.Close()
	if err := CheckVersion(ctx, c, VoiceVersion); err != nil {
		t.Fatalf("check version: %v", err)
	}
}

func TestRepeatedAttachEndsSession(t *testing.T) {
	testlog.Start(t)

	h := newStubHandler(VoiceVersion)
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	ep := NewEndpoint(h, frame.DefaultLimits())
	served := make(chan error, 1)
	go func() { served <- ep.ServeConn(context.Background(), serverSide) }()

	limits := frame.DefaultLimits()
	attach := encodeAttach(attachMsg{Device: VoiceDevice, Port: VoicePort})
	if err := frame.WriteFrame(clientSide, frame.New(frame.TypeAttach, 1, attach), limits); err != nil {
		t.Fatalf("write attach: %v", err)
	}
	ack, err := frame.ReadFrame(clientSide, limits)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if status, err := decodeStatus(ack.Payload); err != nil || status != 0 {
		t.Fatalf("unexpected ack status=%d err=%v", status, err)
	}
	<-h.attached

	if err := frame.WriteFrame(clientSide, frame.New(frame.TypeAttach, 2, attach), limits); err != nil {
		t.Fatalf("write second attach: %v", err)
	}
	select {
	case err := <-served:
		if !errors.Is(err, ErrMalformedMessage) {
			t.Fatalf("expected ErrMalformedMessage, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("endpoint kept serving after repeated attach")
	}

	if n := len(ep.Sessions()); n != 0 {
		t.Fatalf("expected no sessions left, got %d", n)
	}
	h.mu.Lock()
	detached := h.detached
	h.mu.Unlock()
	if detached != 1 {
		t.Fatalf("expected one detach, got %d", detached)
	}
}
