package voice

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/cvdrelay/internal/dal"
)

type scriptedCaller struct {
	ops    []uint32
	status int32
	err    error
}

func (c *scriptedCaller) Call(ctx context.Context, op, arg uint32, in, out []byte) (int32, error) {
	c.ops = append(c.ops, op)
	return c.status, c.err
}

func TestSetupTeardownUseOpenClose(t *testing.T) {
	c := &scriptedCaller{}
	v := New(c)
	if err := v.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := v.Teardown(context.Background()); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if len(c.ops) != 2 || c.ops[0] != dal.OpOpen || c.ops[1] != dal.OpClose {
		t.Fatalf("unexpected ops: %v", c.ops)
	}
}

func TestStatusAndTransportErrors(t *testing.T) {
	v := New(&scriptedCaller{status: -16})
	if err := v.Setup(context.Background()); !errors.Is(err, ErrSetup) {
		t.Fatalf("expected ErrSetup, got %v", err)
	}
	v = New(&scriptedCaller{err: dal.ErrClosed})
	if err := v.Teardown(context.Background()); !errors.Is(err, ErrTeardown) {
		t.Fatalf("expected ErrTeardown, got %v", err)
	}
}
