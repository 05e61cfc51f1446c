package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/cvdrelay/internal/dal"
)

var (
	ErrInvalidConfig = errors.New("relay: invalid config")
)

// Config defines relay binding and worker behavior.
type Config struct {
	Device       uint32
	Port         uint32
	Version      uint32
	Overflow     OverflowPolicy
	CallTimeout  time.Duration
	StartTimeout time.Duration
}

// DefaultConfig binds the core voice driver endpoint.
func DefaultConfig() Config {
	return Config{
		Device:       dal.VoiceDevice,
		Port:         dal.VoicePort,
		Version:      dal.VoiceVersion,
		Overflow:     OverflowReplace,
		CallTimeout:  5 * time.Second,
		StartTimeout: 5 * time.Second,
	}
}

func (c Config) Validate() error {
	switch c.Overflow {
	case OverflowReplace, OverflowDrop:
	default:
		return fmt.Errorf("%w: overflow policy %q", ErrInvalidConfig, c.Overflow)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("%w: call timeout must be positive", ErrInvalidConfig)
	}
	if c.StartTimeout <= 0 {
		return fmt.Errorf("%w: start timeout must be positive", ErrInvalidConfig)
	}
	return nil
}
