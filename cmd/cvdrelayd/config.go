package main

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/cvdrelay/internal/dal"
	"github.com/danmuck/cvdrelay/internal/relay"
	"github.com/danmuck/cvdrelay/internal/voice"
)

type serviceConfig struct {
	Node         string
	Network      string
	Address      string
	VoiceAddress string
	VoiceDevice  uint32
	DialTimeout  time.Duration
	TLS          dal.TLSConfig
	Relay        relay.Config
	AdminAddr    string
	CorsOrigins  []string
	LogFile      string
	LogMaxSizeMB int
}

type fileConfig struct {
	Node         string   `toml:"node"`
	Network      string   `toml:"network"`
	Address      string   `toml:"address"`
	VoiceAddress string   `toml:"voice_address"`
	VoiceDevice  uint32   `toml:"voice_device"`
	DialTimeout  string   `toml:"dial_timeout"`
	Device       uint32   `toml:"device"`
	Port         uint32   `toml:"port"`
	Version      uint32   `toml:"version"`
	Overflow     string   `toml:"overflow"`
	CallTimeout  string   `toml:"call_timeout"`
	StartTimeout string   `toml:"start_timeout"`
	AdminAddr    string   `toml:"admin_addr"`
	CorsOrigins  []string `toml:"cors_origins"`
	LogFile      string   `toml:"log_file"`
	LogMaxSizeMB int      `toml:"log_max_size_mb"`
	TLS          fileTLS  `toml:"tls"`
}

type fileTLS struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		Node:         "cvdrelayd",
		Network:      "tcp",
		Address:      "127.0.0.1:7450",
		VoiceDevice:  voice.Device,
		DialTimeout:  5 * time.Second,
		Relay:        relay.DefaultConfig(),
		LogMaxSizeMB: 100,
	}
}

func loadServiceConfig(path string) (serviceConfig, error) {
	cfg := defaultServiceConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load cvdrelayd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return serviceConfig{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}

	if meta.IsDefined("node") {
		if v := strings.TrimSpace(raw.Node); v != "" {
			cfg.Node = v
		}
	}
	if meta.IsDefined("network") {
		cfg.Network = strings.TrimSpace(raw.Network)
	}
	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("voice_address") {
		cfg.VoiceAddress = strings.TrimSpace(raw.VoiceAddress)
	}
	if meta.IsDefined("voice_device") {
		cfg.VoiceDevice = raw.VoiceDevice
	}
	if meta.IsDefined("dial_timeout") {
		d, err := parseDuration("dial_timeout", raw.DialTimeout)
		if err != nil {
			return serviceConfig{}, err
		}
		cfg.DialTimeout = d
	}
	if meta.IsDefined("device") {
		cfg.Relay.Device = raw.Device
	}
	if meta.IsDefined("port") {
		cfg.Relay.Port = raw.Port
	}
	if meta.IsDefined("version") {
		cfg.Relay.Version = raw.Version
	}
	if meta.IsDefined("overflow") {
		cfg.Relay.Overflow = relay.OverflowPolicy(strings.ToLower(strings.TrimSpace(raw.Overflow)))
	}
	if meta.IsDefined("call_timeout") {
		d, err := parseDuration("call_timeout", raw.CallTimeout)
		if err != nil {
			return serviceConfig{}, err
		}
		cfg.Relay.CallTimeout = d
	}
	if meta.IsDefined("start_timeout") {
		d, err := parseDuration("start_timeout", raw.StartTimeout)
		if err != nil {
			return serviceConfig{}, err
		}
		cfg.Relay.StartTimeout = d
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}
	if meta.IsDefined("log_file") {
		cfg.LogFile = strings.TrimSpace(raw.LogFile)
	}
	if meta.IsDefined("log_max_size_mb") {
		cfg.LogMaxSizeMB = raw.LogMaxSizeMB
	}
	if meta.IsDefined("tls") {
		cfg.TLS = dal.TLSConfig{
			Enabled:            raw.TLS.Enabled,
			Mutual:             raw.TLS.Mutual,
			CertFile:           strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
		}
	}

	if err := cfg.validate(); err != nil {
		return serviceConfig{}, err
	}
	return cfg, nil
}

func (c serviceConfig) validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if c.Network == "" {
		return fmt.Errorf("network is required")
	}
	if c.VoiceDevice == c.Relay.Device {
		return fmt.Errorf("voice_device must differ from device")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive")
	}
	if err := c.TLS.ValidateClient(); err != nil {
		return err
	}
	return c.Relay.Validate()
}

func (c serviceConfig) dialer() dal.Dialer {
	return dal.TLSDialer{
		Dialer:           &net.Dialer{Timeout: c.DialTimeout},
		TLS:              c.TLS,
		HandshakeTimeout: c.DialTimeout,
	}
}

// cvdAttach is the attach config for the relay binding.
func (c serviceConfig) cvdAttach() dal.AttachConfig {
	return dal.AttachConfig{
		Network: c.Network,
		Address: c.Address,
		Device:  c.Relay.Device,
		Port:    c.Relay.Port,
	}
}

// voiceAttach falls back to the relay address when voice_address is unset.
func (c serviceConfig) voiceAttach() dal.AttachConfig {
	addr := c.VoiceAddress
	if addr == "" {
		addr = c.Address
	}
	return dal.AttachConfig{
		Network: c.Network,
		Address: addr,
		Device:  c.VoiceDevice,
	}
}

func parseDuration(field, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
