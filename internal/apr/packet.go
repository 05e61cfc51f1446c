package apr

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// PacketSize is the packed size of a command packet on the wire.
	PacketSize = 28

	// InboundOffset is where the packet starts inside a callback buffer;
	// two leading 32-bit words precede it.
	InboundOffset = 2 * 4
)

var ErrShortPacket = errors.New("apr: short packet")

// Packet is one APR command packet. All fields are little-endian on the wire.
type Packet struct {
	Header   uint32
	Reserved uint32
	SrcAddr  uint16
	DstAddr  uint16
	RetAddr  uint16
	SrcToken uint16
	DstToken uint16
	RetToken uint16
	Context  uint32
	Opcode   Opcode
}

func Decode(b []byte) (Packet, error) {
	if len(b) < PacketSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(b))
	}
	return Packet{
		Header:   binary.LittleEndian.Uint32(b[0:4]),
		Reserved: binary.LittleEndian.Uint32(b[4:8]),
		SrcAddr:  binary.LittleEndian.Uint16(b[8:10]),
		DstAddr:  binary.LittleEndian.Uint16(b[10:12]),
		RetAddr:  binary.LittleEndian.Uint16(b[12:14]),
		SrcToken: binary.LittleEndian.Uint16(b[14:16]),
		DstToken: binary.LittleEndian.Uint16(b[16:18]),
		RetToken: binary.LittleEndian.Uint16(b[18:20]),
		Context:  binary.LittleEndian.Uint32(b[20:24]),
		Opcode:   Opcode(binary.LittleEndian.Uint32(b[24:28])),
	}, nil
}

func (p Packet) Encode() []byte {
	buf := make([]byte, PacketSize)
	_ = p.MarshalTo(buf)
	return buf
}

// MarshalTo writes the packet into the first PacketSize bytes of b.
func (p Packet) MarshalTo(b []byte) error {
	if len(b) < PacketSize {
		return fmt.Errorf("%w: %d bytes", ErrShortPacket, len(b))
	}
	binary.LittleEndian.PutUint32(b[0:4], p.Header)
	binary.LittleEndian.PutUint32(b[4:8], p.Reserved)
	binary.LittleEndian.PutUint16(b[8:10], p.SrcAddr)
	binary.LittleEndian.PutUint16(b[10:12], p.DstAddr)
	binary.LittleEndian.PutUint16(b[12:14], p.RetAddr)
	binary.LittleEndian.PutUint16(b[14:16], p.SrcToken)
	binary.LittleEndian.PutUint16(b[16:18], p.DstToken)
	binary.LittleEndian.PutUint16(b[18:20], p.RetToken)
	binary.LittleEndian.PutUint32(b[20:24], p.Context)
	binary.LittleEndian.PutUint32(b[24:28], uint32(p.Opcode))
	return nil
}

func (p Packet) Type() PacketType {
	return PacketType((p.Header & TypeMask) >> TypeShift)
}

// WithType clears the header type bits and sets t.
func (p Packet) WithType(t PacketType) Packet {
	p.Header &^= TypeMask
	p.Header |= (uint32(t) << TypeShift) & TypeMask
	return p
}

// ToEvent turns a received command into its basic-result event: routing
// fields are swapped so the reply returns to the sender.
func (p Packet) ToEvent() Packet {
	out := p.WithType(TypeEvent)
	out.SrcAddr, out.DstAddr = p.DstAddr, p.SrcAddr
	out.SrcToken, out.DstToken = p.DstToken, p.SrcToken
	out.Opcode = OpBasicResult
	return out
}

func (p Packet) String() string {
	return fmt.Sprintf(
		"header=%#x reserved=%#x src_addr=%#x dst_addr=%#x ret_addr=%#x src_token=%#x dst_token=%#x ret_token=%#x context=%#x opcode=%s",
		p.Header,
		p.Reserved,
		p.SrcAddr,
		p.DstAddr,
		p.RetAddr,
		p.SrcToken,
		p.DstToken,
		p.RetToken,
		p.Context,
		p.Opcode,
	)
}
