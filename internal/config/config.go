// Package config loads the firmware simulator configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/cvdrelay/internal/apr"
	"github.com/danmuck/cvdrelay/internal/dal"
	"github.com/danmuck/cvdrelay/internal/firmware"
	"github.com/danmuck/cvdrelay/internal/voice"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v2"
)

type SimConfig struct {
	Name        string       `toml:"name" yaml:"name"`
	Addr        string       `toml:"addr" yaml:"addr"`
	AdminAddr   string       `toml:"admin_addr" yaml:"admin_addr"`
	Version     uint32       `toml:"version" yaml:"version"`
	CVDDevice   uint32       `toml:"cvd_device" yaml:"cvd_device"`
	VoiceDevice uint32       `toml:"voice_device" yaml:"voice_device"`
	Script      ScriptConfig `toml:"script" yaml:"script"`
	TLS         TLSConfig    `toml:"tls" yaml:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled" yaml:"enabled"`
	Mutual   bool   `toml:"mutual" yaml:"mutual"`
	CertFile string `toml:"cert_file" yaml:"cert_file"`
	KeyFile  string `toml:"key_file" yaml:"key_file"`
	CAFile   string `toml:"ca_file" yaml:"ca_file"`
}

func (c TLSConfig) DAL() dal.TLSConfig {
	return dal.TLSConfig{
		Enabled:  c.Enabled,
		Mutual:   c.Mutual,
		CertFile: strings.TrimSpace(c.CertFile),
		KeyFile:  strings.TrimSpace(c.KeyFile),
		CAFile:   strings.TrimSpace(c.CAFile),
	}
}

// ScriptConfig is an optional opcode sequence injected into every attached
// relay once it has bootstrapped.
type ScriptConfig struct {
	Opcodes  []string `toml:"opcodes" yaml:"opcodes"`
	Interval string   `toml:"interval" yaml:"interval"`
	Delay    string   `toml:"delay" yaml:"delay"`
	Src      uint16   `toml:"src" yaml:"src"`
	Dst      uint16   `toml:"dst" yaml:"dst"`
	Repeat   int      `toml:"repeat" yaml:"repeat"`
}

func DefaultSimConfig() SimConfig {
	return SimConfig{
		Name:        "cvd-sim",
		Addr:        "127.0.0.1:7450",
		Version:     dal.VoiceVersion,
		CVDDevice:   dal.VoiceDevice,
		VoiceDevice: voice.Device,
	}
}

func (c SimConfig) Firmware() firmware.Config {
	return firmware.Config{
		Name:        c.Name,
		Version:     c.Version,
		CVDDevice:   c.CVDDevice,
		VoiceDevice: c.VoiceDevice,
	}
}

// LoadSimConfig reads a TOML file, or YAML when the extension is .yaml/.yml,
// over DefaultSimConfig.
func LoadSimConfig(path string) (SimConfig, error) {
	cfg := DefaultSimConfig()
	load := loadToml
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		load = loadYaml
	}
	if err := load(path, &cfg); err != nil {
		return SimConfig{}, err
	}
	if err := ValidateSimConfig(cfg); err != nil {
		return SimConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func loadYaml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateSimConfig(cfg SimConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("sim config missing name")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("sim config missing addr")
	}
	if cfg.CVDDevice == cfg.VoiceDevice {
		return fmt.Errorf("cvd_device and voice_device must differ")
	}
	if err := cfg.TLS.DAL().ValidateServer(); err != nil {
		return fmt.Errorf("tls invalid: %w", err)
	}
	if _, err := cfg.Script.Parse(); err != nil {
		return fmt.Errorf("script invalid: %w", err)
	}
	return nil
}

// Parse resolves opcode names and durations. An empty script parses to a
// script with no opcodes.
func (s ScriptConfig) Parse() (firmware.Script, error) {
	out := firmware.Script{Src: s.Src, Dst: s.Dst, Repeat: s.Repeat}
	if out.Repeat < 0 {
		return firmware.Script{}, fmt.Errorf("repeat must be >= 0")
	}
	if out.Repeat == 0 {
		out.Repeat = 1
	}
	for _, name := range s.Opcodes {
		op, ok := apr.ParseOpcode(strings.TrimSpace(name))
		if !ok {
			return firmware.Script{}, fmt.Errorf("unknown opcode %q", name)
		}
		out.Opcodes = append(out.Opcodes, op)
	}
	var err error
	if out.Interval, err = parseDuration("interval", s.Interval, 500*time.Millisecond); err != nil {
		return firmware.Script{}, err
	}
	if out.Delay, err = parseDuration("delay", s.Delay, time.Second); err != nil {
		return firmware.Script{}, err
	}
	return out, nil
}

func parseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must be >= 0", field)
	}
	return d, nil
}
