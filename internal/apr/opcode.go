package apr

import "fmt"

// Header type sub-field (APR packet v1).
const (
	TypeMask  uint32 = 0x00000300
	TypeShift        = 8
)

type PacketType uint32

const (
	TypeEvent   PacketType = 0
	TypeCmdRsp  PacketType = 1
	TypeSeqCmd  PacketType = 2
	TypeNSeqCmd PacketType = 3
)

func (t PacketType) String() string {
	switch t {
	case TypeEvent:
		return "EVENT"
	case TypeCmdRsp:
		return "CMD_RSP"
	case TypeSeqCmd:
		return "SEQ_CMD"
	case TypeNSeqCmd:
		return "NSEQ_CMD"
	default:
		return fmt.Sprintf("TYPE(%d)", uint32(t))
	}
}

type Opcode uint32

// Create/destroy reuse the generic APR opcodes; the rest are voice specific.
const (
	OpCreate      Opcode = 0x0001001B
	OpDestroy     Opcode = 0x0001001C
	OpSetNetwork  Opcode = 0x0001001D
	OpBringup     Opcode = 0x0001001E
	OpTeardown    Opcode = 0x0001001F
	OpBasicResult Opcode = 0x000110E8
)

var opcodeNames = map[Opcode]string{
	OpCreate:      "CREATE",
	OpDestroy:     "DESTROY",
	OpSetNetwork:  "SET_NETWORK",
	OpBringup:     "BRINGUP",
	OpTeardown:    "TEARDOWN",
	OpBasicResult: "BASIC_RESULT",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("0x%08x", uint32(o))
}

// ParseOpcode accepts a symbolic name (case sensitive) as printed by String.
func ParseOpcode(name string) (Opcode, bool) {
	for op, n := range opcodeNames {
		if n == name {
			return op, true
		}
	}
	return 0, false
}
