package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/cvdrelay/internal/admin"
	"github.com/danmuck/cvdrelay/internal/config"
	"github.com/danmuck/cvdrelay/internal/dal"
	"github.com/danmuck/cvdrelay/internal/firmware"
	"github.com/danmuck/cvdrelay/internal/logging"
	"github.com/danmuck/cvdrelay/internal/protocol/frame"
)

func main() {
	configPath := flag.String("config", "", "path to simulator config (toml or yaml)")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := config.DefaultSimConfig()
	if *configPath != "" {
		loaded, err := config.LoadSimConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cvdsim: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Errorf("cvdsim.main stopped err=%v", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.SimConfig) error {
	script, err := cfg.Script.Parse()
	if err != nil {
		return err
	}
	fw := firmware.New(cfg.Firmware())
	ep := dal.NewEndpoint(fw, frame.DefaultLimits())

	ln, err := cfg.TLS.DAL().Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	logging.Infof(
		"cvdsim.run listening name=%s addr=%s tls=%t version=%#08x cvd_device=%#x voice_device=%#x",
		cfg.Name,
		ln.Addr(),
		cfg.TLS.Enabled,
		cfg.Version,
		cfg.CVDDevice,
		cfg.VoiceDevice,
	)

	errCh := make(chan error, 2)
	go func() { errCh <- ep.Serve(ctx, ln) }()

	if cfg.AdminAddr != "" {
		srv := admin.New(admin.Config{Node: cfg.Name, Addr: cfg.AdminAddr}, firmwareSource{fw: fw})
		go func() { errCh <- srv.Serve(ctx) }()
	}

	if len(script.Opcodes) > 0 {
		go func() {
			if _, err := fw.Play(ctx, script); err != nil && ctx.Err() == nil {
				logging.Warnf("cvdsim.run script stopped err=%v", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logging.Infof("cvdsim.run shutdown responses=%d", fw.Stats().Responses)
		return nil
	case err := <-errCh:
		return err
	}
}

type firmwareSource struct {
	fw *firmware.Firmware
}

func (s firmwareSource) Ready() bool   { return s.fw.CVDSessions() > 0 }
func (s firmwareSource) Snapshot() any { return s.fw.Stats() }
