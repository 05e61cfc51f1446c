package dal

import (
	"context"
	"errors"
	"testing"
)

type infoCaller struct {
	version uint32
	status  int32
	err     error
	op, arg uint32
}

func (c *infoCaller) Call(ctx context.Context, op, arg uint32, in, out []byte) (int32, error) {
	c.op, c.arg = op, arg
	if c.err != nil {
		return 0, c.err
	}
	copy(out, Info{Size: InfoSize, Version: c.version, Name: "cvd"}.Encode())
	return c.status, nil
}

func TestCompatible(t *testing.T) {
	cases := []struct {
		have, want uint32
		ok         bool
	}{
		{0x00010000, 0x00010000, true},
		{0x00010003, 0x00010000, true},
		{0x00010000, 0x00010002, false},
		{0x00020000, 0x00010000, false},
		{0x00000000, 0x00010000, false},
	}
	for _, tc := range cases {
		if got := Compatible(tc.have, tc.want); got != tc.ok {
			t.Fatalf("Compatible(%#x, %#x)=%v want %v", tc.have, tc.want, got, tc.ok)
		}
	}
}

func TestCheckVersion(t *testing.T) {
	c := &infoCaller{version: 0x00010001}
	if err := CheckVersion(context.Background(), c, VoiceVersion); err != nil {
		t.Fatalf("expected compatible, got %v", err)
	}
	if c.op != OpInfo || c.arg != OpInfo {
		t.Fatalf("unexpected info call op=%d arg=%d", c.op, c.arg)
	}

	c = &infoCaller{version: 0x00020000}
	if err := CheckVersion(context.Background(), c, VoiceVersion); !errors.Is(err, ErrIncompatibleVersion) {
		t.Fatalf("expected ErrIncompatibleVersion, got %v", err)
	}

	c = &infoCaller{version: VoiceVersion, status: -1}
	if err := CheckVersion(context.Background(), c, VoiceVersion); !errors.Is(err, ErrIncompatibleVersion) {
		t.Fatalf("expected ErrIncompatibleVersion on bad status, got %v", err)
	}

	boom := errors.New("boom")
	c = &infoCaller{err: boom}
	if err := CheckVersion(context.Background(), c, VoiceVersion); !errors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestInfoNameIsTruncatedAndNulTerminated(t *testing.T) {
	long := "0123456789012345678901234567890123456789"
	info, err := DecodeInfo(Info{Version: 1, Name: long}.Encode())
	if err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.Name != long[:31] {
		t.Fatalf("unexpected name: %q", info.Name)
	}
	if _, err := DecodeInfo(make([]byte, 8)); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
}
