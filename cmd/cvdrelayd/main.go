package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/cvdrelay/internal/admin"
	"github.com/danmuck/cvdrelay/internal/dal"
	"github.com/danmuck/cvdrelay/internal/logging"
	"github.com/danmuck/cvdrelay/internal/metrics"
	"github.com/danmuck/cvdrelay/internal/relay"
	"github.com/danmuck/cvdrelay/internal/voice"
)

var errBindingLost = errors.New("cvdrelayd: command channel lost")

func main() {
	configPath := flag.String("config", "", "path to cvdrelayd config (toml)")
	flag.Parse()

	cfg, err := loadServiceConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cvdrelayd: %v\n", err)
		os.Exit(1)
	}

	lc := logging.ProfileConfig(logging.ProfileRuntime)
	if cfg.LogFile != "" {
		lc.File = cfg.LogFile
		lc.MaxSizeMB = cfg.LogMaxSizeMB
	}
	logging.Apply(lc)
	defer logging.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Errorf("cvdrelayd.main stopped err=%v", err)
		stop()
		logging.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg serviceConfig) error {
	metrics.RegisterMetrics()
	dialer := cfg.dialer()

	vc, err := dal.Attach(ctx, dialer, cfg.voiceAttach(), nil)
	if err != nil {
		return fmt.Errorf("attach voice device: %w", err)
	}
	defer vc.Close()

	var cvd *dal.Client
	binder := relay.BinderFunc(func(ctx context.Context, cb dal.Callback) (relay.Binding, error) {
		c, err := dal.Attach(ctx, dialer, cfg.cvdAttach(), cb)
		if err != nil {
			return nil, err
		}
		cvd = c
		return c, nil
	})

	r, err := relay.Start(ctx, cfg.Relay, binder, voice.New(vc))
	if err != nil {
		return err
	}
	defer r.Close()

	adminErr := make(chan error, 1)
	if cfg.AdminAddr != "" {
		srv := admin.New(admin.Config{
			Node:        cfg.Node,
			Addr:        cfg.AdminAddr,
			CorsOrigins: cfg.CorsOrigins,
		}, relaySource{r: r})
		go func() { adminErr <- srv.Serve(ctx) }()
	}

	logging.Infof(
		"cvdrelayd.run ready node=%s address=%s tls=%t device=%#x voice_device=%#x admin=%q",
		cfg.Node,
		cfg.Address,
		cfg.TLS.Enabled,
		cfg.Relay.Device,
		cfg.VoiceDevice,
		cfg.AdminAddr,
	)

	select {
	case <-ctx.Done():
		logging.Infof("cvdrelayd.run shutdown")
		return nil
	case <-cvd.Done():
		return fmt.Errorf("%w: cvd: %v", errBindingLost, cvd.Err())
	case <-vc.Done():
		return fmt.Errorf("%w: voice: %v", errBindingLost, vc.Err())
	case <-r.Done():
		return errors.New("cvdrelayd: relay worker exited")
	case err := <-adminErr:
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	}
}

type relaySource struct {
	r *relay.Relay
}

func (s relaySource) Ready() bool   { return s.r.Status().Running }
func (s relaySource) Snapshot() any { return s.r.Status() }
