package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/cvdrelay/internal/dal"
	"github.com/danmuck/cvdrelay/internal/testutil/testlog"
)

func TestStartIssuesInfoThenInit(t *testing.T) {
	testlog.Start(t)

	f := startFixture(t, DefaultConfig())

	f.binding.mu.Lock()
	calls := append([]recordedCall(nil), f.binding.calls...)
	f.binding.mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("expected info and init calls, got %+v", calls)
	}
	if calls[0].Kind != "info" || calls[0].Arg != dal.OpInfo {
		t.Fatalf("unexpected first call: %+v", calls[0])
	}
	initCall := calls[1]
	if initCall.Kind != "init" || initCall.Arg != controlArg || initCall.Cap != replySize {
		t.Fatalf("unexpected init call: %+v", initCall)
	}
	if len(initCall.In) != 8 ||
		binary.LittleEndian.Uint32(initCall.In[0:4]) != 4 ||
		binary.LittleEndian.Uint32(initCall.In[4:8]) != 0 {
		t.Fatalf("unexpected init payload: % x", initCall.In)
	}
	if !f.relay.Status().Running {
		t.Fatalf("expected worker running after start")
	}
}

func TestStartIncompatibleVersionIsFatal(t *testing.T) {
	testlog.Start(t)

	b := newFakeBinding(&eventLog{})
	b.version = 0x00020000
	binder := BinderFunc(func(ctx context.Context, cb dal.Callback) (Binding, error) {
		return b, nil
	})

	r, err := Start(context.Background(), DefaultConfig(), binder, &fakeVoice{events: &eventLog{}})
	if !errors.Is(err, dal.ErrIncompatibleVersion) {
		t.Fatalf("expected ErrIncompatibleVersion, got %v", err)
	}
	if r != nil {
		t.Fatalf("expected no relay on failed bootstrap")
	}
	if n := len(b.recorded("init")); n != 0 {
		t.Fatalf("init must not be issued after a version mismatch, got %d", n)
	}
	if b.closed != 1 {
		t.Fatalf("expected binding released, closed=%d", b.closed)
	}
}

func TestStartAttachFailureIsFatal(t *testing.T) {
	testlog.Start(t)

	refused := errors.New("connection refused")
	binder := BinderFunc(func(ctx context.Context, cb dal.Callback) (Binding, error) {
		return nil, refused
	})
	_, err := Start(context.Background(), DefaultConfig(), binder, &fakeVoice{events: &eventLog{}})
	if !errors.Is(err, ErrAttach) {
		t.Fatalf("expected ErrAttach, got %v", err)
	}
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	testlog.Start(t)

	binder := BinderFunc(func(ctx context.Context, cb dal.Callback) (Binding, error) {
		t.Fatalf("binder must not be called")
		return nil, nil
	})

	cfg := DefaultConfig()
	cfg.Overflow = "block"
	if _, err := Start(context.Background(), cfg, binder, &fakeVoice{events: &eventLog{}}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for overflow, got %v", err)
	}

	cfg = DefaultConfig()
	cfg.CallTimeout = 0
	if _, err := Start(context.Background(), cfg, binder, &fakeVoice{events: &eventLog{}}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for timeout, got %v", err)
	}

	if _, err := Start(context.Background(), DefaultConfig(), binder, nil); !errors.Is(err, ErrNilVoice) {
		t.Fatalf("expected ErrNilVoice, got %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Device != dal.VoiceDevice || cfg.Port != dal.VoicePort || cfg.Version != dal.VoiceVersion {
		t.Fatalf("unexpected binding defaults: %+v", cfg)
	}
	if cfg.Overflow != OverflowReplace {
		t.Fatalf("unexpected overflow default: %q", cfg.Overflow)
	}
	if cfg.CallTimeout != 5*time.Second || cfg.StartTimeout != 5*time.Second {
		t.Fatalf("unexpected timeouts: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

type silentBinding struct {
	mu     sync.Mutex
	closed int
}

func (b *silentBinding) Call(ctx context.Context, op, arg uint32, in, out []byte) (int32, error) {
	<-ctx.Done()
	return -1, ctx.Err()
}

func (b *silentBinding) Close() error {
	b.mu.Lock()
	b.closed++
	b.mu.Unlock()
	return nil
}

func TestStartSilentEndpointTimesOut(t *testing.T) {
	testlog.Start(t)

	b := &silentBinding{}
	binder := BinderFunc(func(ctx context.Context, cb dal.Callback) (Binding, error) {
		return b, nil
	})
	cfg := DefaultConfig()
	cfg.CallTimeout = 50 * time.Millisecond
	cfg.StartTimeout = 50 * time.Millisecond

	type result struct {
		r   *Relay
		err error
	}
	out := make(chan result, 1)
	go func() {
		r, err := Start(context.Background(), cfg, binder, &fakeVoice{events: &eventLog{}})
		out <- result{r: r, err: err}
	}()

	select {
	case res := <-out:
		if !errors.Is(res.err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", res.err)
		}
		if res.r != nil {
			t.Fatalf("expected no relay on failed bootstrap")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("start still blocked with call timeout %s", cfg.CallTimeout)
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed != 1 {
		t.Fatalf("expected binding released, closed=%d", closed)
	}
}

func TestStartCanceledBeforeWorkerIsFatal(t *testing.T) {
	testlog.Start(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := newFakeBinding(&eventLog{})
	binder := BinderFunc(func(bindCtx context.Context, cb dal.Callback) (Binding, error) {
		cancel()
		return b, nil
	})

	r, err := Start(ctx, DefaultConfig(), binder, &fakeVoice{events: &eventLog{}})
	if !errors.Is(err, ErrWorkerStart) {
		t.Fatalf("expected ErrWorkerStart, got %v", err)
	}
	if r != nil {
		t.Fatalf("expected no relay after cancel")
	}
	if b.closed != 1 {
		t.Fatalf("expected binding released, closed=%d", b.closed)
	}
}
