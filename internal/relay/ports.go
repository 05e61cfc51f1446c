package relay

import (
	"context"

	"github.com/danmuck/cvdrelay/internal/dal"
)

// Binding is the attached command channel as the relay uses it.
type Binding interface {
	dal.Caller
	Close() error
}

// Binder attaches to the endpoint and registers cb for inbound commands.
type Binder interface {
	Bind(ctx context.Context, cb dal.Callback) (Binding, error)
}

type BinderFunc func(ctx context.Context, cb dal.Callback) (Binding, error)

func (f BinderFunc) Bind(ctx context.Context, cb dal.Callback) (Binding, error) {
	return f(ctx, cb)
}

// DALBinder attaches over a dal stream.
func DALBinder(d dal.Dialer, cfg dal.AttachConfig) Binder {
	return BinderFunc(func(ctx context.Context, cb dal.Callback) (Binding, error) {
		return dal.Attach(ctx, d, cfg, cb)
	})
}

// Voice is the firmware voice session. Both calls are opaque to the relay.
type Voice interface {
	Setup(ctx context.Context) error
	Teardown(ctx context.Context) error
}
