// Package dal owns the command channel binding between the relay and the
// remote firmware endpoint.
//
// Ownership boundary:
// - attach/detach of a client to a device/port
// - synchronous calls with caller-supplied reply buffers
// - asynchronous callback delivery
// - version compatibility check
//
// Messages travel as frame envelopes with tlv payloads; see wire.go.
package dal

import (
	"context"
	"errors"
)

// Generic DAL opcodes.
const (
	OpAttach         uint32 = 0
	OpDetach         uint32 = 1
	OpInit           uint32 = 2
	OpDeinit         uint32 = 3
	OpOpen           uint32 = 4
	OpClose          uint32 = 5
	OpInfo           uint32 = 6
	OpPowerEvent     uint32 = 7
	OpSysRequest     uint32 = 8
	OpFirstDeviceAPI uint32 = 9
)

// Core voice driver endpoint.
const (
	VoiceDevice  uint32 = 0x02000075
	VoicePort    uint32 = 0
	VoiceVersion uint32 = 0x00010000

	VoiceOpInit    = OpInit
	VoiceOpControl = OpFirstDeviceAPI + 0
)

var (
	ErrAttachRejected      = errors.New("dal: attach rejected")
	ErrIncompatibleVersion = errors.New("dal: incompatible version")
	ErrClosed              = errors.New("dal: client closed")
	ErrMalformedMessage    = errors.New("dal: malformed message")
)

// Callback receives an asynchronous notification from the endpoint. length is
// the sender-reported length and may disagree with len(data).
type Callback func(data []byte, length int)

// Caller issues one synchronous call: in is transmitted, the reply is copied
// into out (truncated to len(out)), and the endpoint status word is returned.
type Caller interface {
	Call(ctx context.Context, op, arg uint32, in, out []byte) (int32, error)
}
