package dal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/cvdrelay/internal/logging"
	"github.com/danmuck/cvdrelay/internal/protocol/frame"
)

const detachWriteTimeout = time.Second

// Dialer opens the stream to the endpoint. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// AttachConfig names the endpoint and the device/port to bind.
type AttachConfig struct {
	Network string
	Address string
	Device  uint32
	Port    uint32
	Limits  frame.Limits
}

func (c AttachConfig) withDefaults() AttachConfig {
	if strings.TrimSpace(c.Network) == "" {
		c.Network = "tcp"
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = frame.DefaultLimits()
	}
	return c
}

// Client is an attached binding. Calls may be issued from any goroutine;
// callbacks run serially on the client's reader goroutine.
type Client struct {
	conn   net.Conn
	limits frame.Limits
	cb     Callback
	device uint32
	port   uint32

	wmu     sync.Mutex
	mu      sync.Mutex
	pending map[uint64]chan replyMsg
	seq     atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

var _ Caller = (*Client)(nil)

// Attach dials the endpoint and binds device/port. cb receives every callback
// for the lifetime of the client.
func Attach(ctx context.Context, d Dialer, cfg AttachConfig, cb Callback) (*Client, error) {
	cfg = cfg.withDefaults()
	if d == nil {
		d = &net.Dialer{}
	}
	conn, err := d.DialContext(ctx, cfg.Network, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dal: dial %s %s: %w", cfg.Network, cfg.Address, err)
	}
	c, err := AttachConn(ctx, conn, cfg, cb)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// AttachConn performs the attach handshake on an already open stream.
func AttachConn(ctx context.Context, conn net.Conn, cfg AttachConfig, cb Callback) (*Client, error) {
	cfg = cfg.withDefaults()
	if cb == nil {
		cb = func([]byte, int) {}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	req := frame.New(frame.TypeAttach, 0, encodeAttach(attachMsg{Device: cfg.Device, Port: cfg.Port}))
	if err := frame.WriteFrame(conn, req, cfg.Limits); err != nil {
		return nil, fmt.Errorf("dal: write attach: %w", err)
	}
	ack, err := frame.ReadFrame(conn, cfg.Limits)
	if err != nil {
		return nil, fmt.Errorf("dal: read attach ack: %w", err)
	}
	if ack.Header.Type != frame.TypeAttachAck {
		return nil, fmt.Errorf("%w: expected attach ack, got type=%d", ErrMalformedMessage, ack.Header.Type)
	}
	status, err := decodeStatus(ack.Payload)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, fmt.Errorf("%w: device=%#x port=%d status=%d", ErrAttachRejected, cfg.Device, cfg.Port, status)
	}

	c := &Client{
		conn:    conn,
		limits:  cfg.Limits,
		cb:      cb,
		device:  cfg.Device,
		port:    cfg.Port,
		pending: make(map[uint64]chan replyMsg),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	logging.Debugf("dal.Client.attach device=%#x port=%d remote=%s", cfg.Device, cfg.Port, conn.RemoteAddr())
	return c, nil
}

func (c *Client) Call(ctx context.Context, op, arg uint32, in, out []byte) (int32, error) {
	id := c.seq.Add(1)
	ch := make(chan replyMsg, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return 0, c.closedErr()
	default:
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.forget(id)

	payload := encodeCall(callMsg{Op: op, Arg: arg, ReplyCap: uint32(len(out)), Data: in})
	if err := c.write(frame.New(frame.TypeCall, id, payload)); err != nil {
		return 0, fmt.Errorf("dal: write call op=%d: %w", op, err)
	}

	select {
	case rep := <-ch:
		copy(out, rep.Data)
		return rep.Status, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.done:
		return 0, c.closedErr()
	}
}

// Done is closed once the stream is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the stream ended, or nil while it is open.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close sends a best-effort detach and closes the stream. Pending calls fail
// with ErrClosed.
func (c *Client) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(detachWriteTimeout))
	if err := c.write(frame.New(frame.TypeDetach, 0, nil)); err != nil {
		logging.Debugf("dal.Client.Close detach not sent err=%v", err)
	}
	c.fail(ErrClosed)
	return nil
}

func (c *Client) readLoop() {
	for {
		f, err := frame.ReadFrame(c.conn, c.limits)
		if err != nil {
			c.fail(err)
			return
		}
		switch f.Header.Type {
		case frame.TypeReply:
			rep, err := decodeReply(f.Payload)
			if err != nil {
				logging.Warnf("dal.Client.readLoop drop reply id=%d err=%v", f.Header.MessageID, err)
				continue
			}
			c.deliver(f.Header.MessageID, rep)
		case frame.TypeCallback:
			msg, err := decodeCallback(f.Payload)
			if err != nil {
				logging.Warnf("dal.Client.readLoop drop callback err=%v", err)
				continue
			}
			c.cb(msg.Data, int(msg.Length))
		default:
			logging.Warnf("dal.Client.readLoop unexpected frame type=%d id=%d", f.Header.Type, f.Header.MessageID)
		}
	}
}

func (c *Client) deliver(id uint64, rep replyMsg) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		logging.Warnf("dal.Client.deliver no pending call id=%d", id)
		return
	}
	ch <- rep
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) write(f frame.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return frame.WriteFrame(c.conn, f, c.limits)
}

func (c *Client) fail(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		c.mu.Lock()
		close(c.done)
		c.mu.Unlock()
		_ = c.conn.Close()
		if !errors.Is(err, ErrClosed) {
			logging.Warnf("dal.Client stream ended device=%#x port=%d err=%v", c.device, c.port, err)
		}
	})
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return ErrClosed
}
