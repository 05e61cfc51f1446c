// Package firmware simulates the DSP side of the voice command channel: the
// CVD device that issues APR commands and takes basic-result events, and the
// voice session device driven by setup/teardown.
package firmware

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/danmuck/cvdrelay/internal/apr"
	"github.com/danmuck/cvdrelay/internal/dal"
	"github.com/danmuck/cvdrelay/internal/logging"
	"github.com/danmuck/cvdrelay/internal/voice"
)

// Status words returned to clients.
const (
	StatusOK      int32 = 0
	StatusNoDev   int32 = -19
	StatusInvalid int32 = -22
)

type Config struct {
	Name        string
	Version     uint32
	CVDDevice   uint32
	VoiceDevice uint32
}

func DefaultConfig() Config {
	return Config{
		Name:        "cvd-sim",
		Version:     dal.VoiceVersion,
		CVDDevice:   dal.VoiceDevice,
		VoiceDevice: voice.Device,
	}
}

// Stats counts what the simulator has observed.
type Stats struct {
	Attached  int  `json:"attached"`
	Inits     int  `json:"inits"`
	Setups    int  `json:"setups"`
	Teardowns int  `json:"teardowns"`
	Responses int  `json:"responses"`
	Active    bool `json:"active"`
}

// Firmware implements dal.Handler for both simulated devices.
type Firmware struct {
	cfg Config

	mu        sync.Mutex
	cvd       map[*dal.Session]struct{}
	stats     Stats
	responses []apr.Packet
	respCh    chan apr.Packet
	nextToken uint16
}

var _ dal.Handler = (*Firmware)(nil)

func New(cfg Config) *Firmware {
	return &Firmware{
		cfg:    cfg,
		cvd:    make(map[*dal.Session]struct{}),
		respCh: make(chan apr.Packet, 64),
	}
}

func (f *Firmware) Attach(s *dal.Session, device, port uint32) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch device {
	case f.cfg.CVDDevice:
		f.cvd[s] = struct{}{}
	case f.cfg.VoiceDevice:
	default:
		logging.Warnf("firmware.Firmware.Attach unknown device=%#x port=%d", device, port)
		return StatusNoDev
	}
	f.stats.Attached++
	logging.Infof("firmware.Firmware.Attach device=%#x port=%d", device, port)
	return StatusOK
}

func (f *Firmware) Detach(s *dal.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cvd, s)
	f.stats.Attached--
}

func (f *Firmware) Call(s *dal.Session, op, arg uint32, in []byte, replyCap int) (int32, []byte) {
	if op == dal.OpInfo {
		return StatusOK, dal.Info{Size: dal.InfoSize, Version: f.cfg.Version, Name: f.cfg.Name}.Encode()
	}
	if s.Device == f.cfg.VoiceDevice {
		return f.voiceCall(op)
	}
	return f.cvdCall(op, in)
}

func (f *Firmware) cvdCall(op uint32, in []byte) (int32, []byte) {
	switch op {
	case dal.VoiceOpInit:
		f.mu.Lock()
		f.stats.Inits++
		f.mu.Unlock()
		return StatusOK, make([]byte, 4)
	case dal.VoiceOpControl:
		pkt, err := apr.Decode(in)
		if err != nil {
			logging.Warnf("firmware.Firmware.cvdCall bad control payload err=%v", err)
			return StatusInvalid, nil
		}
		f.mu.Lock()
		f.stats.Responses++
		f.responses = append(f.responses, pkt)
		f.mu.Unlock()
		select {
		case f.respCh <- pkt:
		default:
		}
		logging.Debugf("firmware.Firmware.cvdCall response %s", pkt)
		return StatusOK, make([]byte, 4)
	default:
		return StatusInvalid, nil
	}
}

func (f *Firmware) voiceCall(op uint32) (int32, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch op {
	case dal.OpOpen:
		f.stats.Setups++
		f.stats.Active = true
	case dal.OpClose:
		f.stats.Teardowns++
		f.stats.Active = false
	default:
		return StatusInvalid, nil
	}
	return StatusOK, make([]byte, 4)
}

// Command builds a sequenced command from the DSP (src) to the relay (dst)
// with a fresh source token.
func (f *Firmware) Command(op apr.Opcode, src, dst uint16) apr.Packet {
	f.mu.Lock()
	f.nextToken++
	tok := f.nextToken
	f.mu.Unlock()
	return apr.Packet{
		Header:   uint32(apr.TypeSeqCmd) << apr.TypeShift,
		SrcAddr:  src,
		DstAddr:  dst,
		SrcToken: tok,
		Opcode:   op,
	}
}

// Inbound wraps p as a callback buffer: a size word and a reserved word
// followed by the packet.
func Inbound(p apr.Packet) []byte {
	buf := make([]byte, apr.InboundOffset+apr.PacketSize)
	binary.LittleEndian.PutUint32(buf[0:4], apr.PacketSize)
	copy(buf[apr.InboundOffset:], p.Encode())
	return buf
}

// Inject sends p to every attached CVD client and returns how many took it.
func (f *Firmware) Inject(p apr.Packet) int {
	f.mu.Lock()
	sessions := make([]*dal.Session, 0, len(f.cvd))
	for s := range f.cvd {
		sessions = append(sessions, s)
	}
	f.mu.Unlock()

	data := Inbound(p)
	n := 0
	for _, s := range sessions {
		if err := s.Notify(data, len(data)); err != nil {
			logging.Warnf("firmware.Firmware.Inject notify failed err=%v", err)
			continue
		}
		n++
	}
	logging.Debugf("firmware.Firmware.Inject opcode=%s sessions=%d", p.Opcode, n)
	return n
}

// NextResponse blocks until the relay acknowledges a command.
func (f *Firmware) NextResponse(ctx context.Context) (apr.Packet, error) {
	select {
	case p := <-f.respCh:
		return p, nil
	case <-ctx.Done():
		return apr.Packet{}, ctx.Err()
	}
}

func (f *Firmware) Responses() []apr.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apr.Packet(nil), f.responses...)
}

func (f *Firmware) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// CVDSessions counts attached CVD clients.
func (f *Firmware) CVDSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cvd)
}

// Script is a command sequence played at a fixed pace.
type Script struct {
	Opcodes  []apr.Opcode
	Interval time.Duration
	Delay    time.Duration
	Src      uint16
	Dst      uint16
	Repeat   int
}

// Play waits Delay, then injects the script Repeat times with Interval
// between commands. It returns how many commands reached a session.
func (f *Firmware) Play(ctx context.Context, s Script) (int, error) {
	if len(s.Opcodes) == 0 {
		return 0, nil
	}
	repeat := s.Repeat
	if repeat <= 0 {
		repeat = 1
	}
	if err := sleep(ctx, s.Delay); err != nil {
		return 0, err
	}

	sent := 0
	for round := 0; round < repeat; round++ {
		for i, op := range s.Opcodes {
			if round > 0 || i > 0 {
				if err := sleep(ctx, s.Interval); err != nil {
					return sent, err
				}
			}
			if n := f.Inject(f.Command(op, s.Src, s.Dst)); n > 0 {
				sent++
			} else {
				logging.Warnf("firmware.Firmware.Play no cvd session opcode=%s round=%d", op, round)
			}
		}
	}
	logging.Infof("firmware.Firmware.Play done sent=%d total=%d", sent, repeat*len(s.Opcodes))
	return sent, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
