package dal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/danmuck/cvdrelay/internal/logging"
	"github.com/danmuck/cvdrelay/internal/protocol/frame"
)

// Handler is the firmware side of a binding.
type Handler interface {
	// Attach returns a non-zero status to reject the binding.
	Attach(s *Session, device, port uint32) int32
	// Call handles one synchronous call. Reply bytes beyond replyCap are
	// dropped by the endpoint.
	Call(s *Session, op, arg uint32, in []byte, replyCap int) (int32, []byte)
	Detach(s *Session)
}

// Session is one attached client as seen by the endpoint.
type Session struct {
	conn   net.Conn
	limits frame.Limits
	wmu    sync.Mutex
	Device uint32
	Port   uint32
}

// Notify pushes a callback to the client. length is sent as-is so callers can
// report lengths that disagree with len(data).
func (s *Session) Notify(data []byte, length int) error {
	payload := encodeCallback(callbackMsg{Length: int32(length), Data: data})
	return s.write(frame.New(frame.TypeCallback, 0, payload))
}

func (s *Session) write(f frame.Frame) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return frame.WriteFrame(s.conn, f, s.limits)
}

// Endpoint serves DAL clients on behalf of a Handler.
type Endpoint struct {
	handler Handler
	limits  frame.Limits

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

func NewEndpoint(h Handler, limits frame.Limits) *Endpoint {
	if limits.MaxPayloadBytes == 0 {
		limits = frame.DefaultLimits()
	}
	return &Endpoint{
		handler:  h,
		limits:   limits,
		sessions: make(map[*Session]struct{}),
	}
}

// Serve accepts connections until ctx is done or the listener fails.
func (e *Endpoint) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dal: accept: %w", err)
		}
		go func() {
			if err := e.ServeConn(ctx, conn); err != nil {
				logging.Warnf("dal.Endpoint.Serve session ended remote=%s err=%v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// ServeConn runs one client session to completion. Calls are handled in
// arrival order on the calling goroutine.
func (e *Endpoint) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var sess *Session
	defer func() {
		if sess != nil {
			e.remove(sess)
			e.handler.Detach(sess)
		}
	}()

	for {
		f, err := frame.ReadFrame(conn, e.limits)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch f.Header.Type {
		case frame.TypeAttach:
			if sess != nil {
				return fmt.Errorf("%w: repeated attach device=%#x", ErrMalformedMessage, sess.Device)
			}
			m, err := decodeAttach(f.Payload)
			if err != nil {
				return err
			}
			candidate := &Session{conn: conn, limits: e.limits, Device: m.Device, Port: m.Port}
			status := e.handler.Attach(candidate, m.Device, m.Port)
			if err := candidate.write(frame.New(frame.TypeAttachAck, f.Header.MessageID, encodeStatus(status))); err != nil {
				return err
			}
			if status != 0 {
				return nil
			}
			sess = candidate
			e.add(sess)

		case frame.TypeCall:
			if sess == nil {
				return fmt.Errorf("%w: call before attach", ErrMalformedMessage)
			}
			m, err := decodeCall(f.Payload)
			if err != nil {
				return err
			}
			status, data := e.handler.Call(sess, m.Op, m.Arg, m.Data, int(m.ReplyCap))
			if len(data) > int(m.ReplyCap) {
				data = data[:m.ReplyCap]
			}
			if err := sess.write(frame.New(frame.TypeReply, f.Header.MessageID, encodeReply(replyMsg{Status: status, Data: data}))); err != nil {
				return err
			}

		case frame.TypeDetach:
			return nil

		default:
			logging.Warnf("dal.Endpoint.ServeConn unexpected frame type=%d", f.Header.Type)
		}
	}
}

// Broadcast notifies every attached session and returns how many accepted it.
func (e *Endpoint) Broadcast(data []byte, length int) int {
	n := 0
	for _, s := range e.Sessions() {
		if err := s.Notify(data, length); err != nil {
			logging.Warnf("dal.Endpoint.Broadcast notify failed device=%#x err=%v", s.Device, err)
			continue
		}
		n++
	}
	return n
}

func (e *Endpoint) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, 0, len(e.sessions))
	for s := range e.sessions {
		out = append(out, s)
	}
	return out
}

func (e *Endpoint) add(s *Session) {
	e.mu.Lock()
	e.sessions[s] = struct{}{}
	e.mu.Unlock()
}

func (e *Endpoint) remove(s *Session) {
	e.mu.Lock()
	delete(e.sessions, s)
	e.mu.Unlock()
}
