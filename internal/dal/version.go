package dal

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
)

const (
	infoNameLen = 32
	// InfoSize is the packed size of an Info record.
	InfoSize = 4 + 4 + infoNameLen

	versionMajorMask uint32 = 0xFFFF0000
	versionMinorMask uint32 = 0x0000FFFF
)

// Info is the endpoint self-description returned by OpInfo.
type Info struct {
	Size    uint32
	Version uint32
	Name    string
}

func (i Info) Encode() []byte {
	buf := make([]byte, InfoSize)
	binary.LittleEndian.PutUint32(buf[0:4], i.Size)
	binary.LittleEndian.PutUint32(buf[4:8], i.Version)
	copy(buf[8:8+infoNameLen-1], i.Name)
	return buf
}

func DecodeInfo(b []byte) (Info, error) {
	if len(b) < InfoSize {
		return Info{}, fmt.Errorf("%w: info %d bytes", ErrMalformedMessage, len(b))
	}
	name := b[8 : 8+infoNameLen]
	if n := bytes.IndexByte(name, 0); n >= 0 {
		name = name[:n]
	}
	return Info{
		Size:    binary.LittleEndian.Uint32(b[0:4]),
		Version: binary.LittleEndian.Uint32(b[4:8]),
		Name:    string(name),
	}, nil
}

// Compatible reports whether an endpoint at version have can serve a client
// that wants version want: majors equal, minor at least the wanted one.
func Compatible(have, want uint32) bool {
	if have&versionMajorMask != want&versionMajorMask {
		return false
	}
	return have&versionMinorMask >= want&versionMinorMask
}

// CheckVersion queries OpInfo and fails with ErrIncompatibleVersion when the
// endpoint cannot serve want.
func CheckVersion(ctx context.Context, c Caller, want uint32) error {
	req := Info{Size: InfoSize}.Encode()
	reply := make([]byte, InfoSize)
	status, err := c.Call(ctx, OpInfo, OpInfo, req, reply)
	if err != nil {
		return fmt.Errorf("dal: info call: %w", err)
	}
	if status != 0 {
		return fmt.Errorf("%w: info status=%d", ErrIncompatibleVersion, status)
	}
	info, err := DecodeInfo(reply)
	if err != nil {
		return err
	}
	if !Compatible(info.Version, want) {
		return fmt.Errorf("%w: have=%#08x want=%#08x name=%q", ErrIncompatibleVersion, info.Version, want, info.Name)
	}
	return nil
}
