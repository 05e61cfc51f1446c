package voice

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/cvdrelay/internal/dal"
)

// Device is the DAL device id of the DSP voice session service.
const Device uint32 = 0x02000076

var (
	ErrSetup    = errors.New("voice: setup failed")
	ErrTeardown = errors.New("voice: teardown failed")
)

// Client drives the DSP voice session with generic DAL open/close calls on
// its own binding.
type Client struct {
	c dal.Caller
}

func New(c dal.Caller) *Client {
	return &Client{c: c}
}

func (v *Client) Setup(ctx context.Context) error {
	return v.call(ctx, dal.OpOpen, ErrSetup)
}

func (v *Client) Teardown(ctx context.Context) error {
	return v.call(ctx, dal.OpClose, ErrTeardown)
}

func (v *Client) call(ctx context.Context, op uint32, sentinel error) error {
	reply := make([]byte, 4)
	status, err := v.c.Call(ctx, op, 0, nil, reply)
	if err != nil {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	if status != 0 {
		return fmt.Errorf("%w: status=%d", sentinel, status)
	}
	return nil
}
