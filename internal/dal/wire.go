package dal

import (
	"fmt"

	"github.com/danmuck/cvdrelay/internal/protocol/frame"
	"github.com/danmuck/cvdrelay/internal/protocol/tlv"
)

// tlv field ids per frame type.
const (
	fieldDevice   uint16 = 1
	fieldPort     uint16 = 2
	fieldStatus   uint16 = 1
	fieldOp       uint16 = 1
	fieldArg      uint16 = 2
	fieldReplyCap uint16 = 3
	fieldData     uint16 = 4
	fieldLength   uint16 = 1
)

type attachMsg struct {
	Device uint32
	Port   uint32
}

type callMsg struct {
	Op       uint32
	Arg      uint32
	ReplyCap uint32
	Data     []byte
}

type replyMsg struct {
	Status int32
	Data   []byte
}

type callbackMsg struct {
	Length int32
	Data   []byte
}

func encodeAttach(m attachMsg) []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.U32(fieldDevice, m.Device),
		tlv.U32(fieldPort, m.Port),
	})
}

func decodeAttach(payload []byte) (attachMsg, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return attachMsg{}, malformed(frame.TypeAttach, err)
	}
	var m attachMsg
	if m.Device, err = tlv.GetU32(fields, fieldDevice); err != nil {
		return attachMsg{}, malformed(frame.TypeAttach, err)
	}
	if m.Port, err = tlv.GetU32(fields, fieldPort); err != nil {
		return attachMsg{}, malformed(frame.TypeAttach, err)
	}
	return m, nil
}

func encodeStatus(status int32) []byte {
	return tlv.EncodeFields([]tlv.Field{tlv.I32(fieldStatus, status)})
}

func decodeStatus(payload []byte) (int32, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return 0, malformed(frame.TypeAttachAck, err)
	}
	status, err := tlv.GetI32(fields, fieldStatus)
	if err != nil {
		return 0, malformed(frame.TypeAttachAck, err)
	}
	return status, nil
}

func encodeCall(m callMsg) []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.U32(fieldOp, m.Op),
		tlv.U32(fieldArg, m.Arg),
		tlv.U32(fieldReplyCap, m.ReplyCap),
		tlv.Bytes(fieldData, m.Data),
	})
}

func decodeCall(payload []byte) (callMsg, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return callMsg{}, malformed(frame.TypeCall, err)
	}
	var m callMsg
	if m.Op, err = tlv.GetU32(fields, fieldOp); err != nil {
		return callMsg{}, malformed(frame.TypeCall, err)
	}
	if m.Arg, err = tlv.GetU32(fields, fieldArg); err != nil {
		return callMsg{}, malformed(frame.TypeCall, err)
	}
	if m.ReplyCap, err = tlv.GetU32(fields, fieldReplyCap); err != nil {
		return callMsg{}, malformed(frame.TypeCall, err)
	}
	if m.Data, err = tlv.GetBytes(fields, fieldData); err != nil {
		return callMsg{}, malformed(frame.TypeCall, err)
	}
	return m, nil
}

func encodeReply(m replyMsg) []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.I32(fieldStatus, m.Status),
		tlv.Bytes(fieldData, m.Data),
	})
}

func decodeReply(payload []byte) (replyMsg, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return replyMsg{}, malformed(frame.TypeReply, err)
	}
	var m replyMsg
	if m.Status, err = tlv.GetI32(fields, fieldStatus); err != nil {
		return replyMsg{}, malformed(frame.TypeReply, err)
	}
	if m.Data, err = tlv.GetBytes(fields, fieldData); err != nil {
		return replyMsg{}, malformed(frame.TypeReply, err)
	}
	return m, nil
}

func encodeCallback(m callbackMsg) []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.I32(fieldLength, m.Length),
		tlv.Bytes(fieldData, m.Data),
	})
}

func decodeCallback(payload []byte) (callbackMsg, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return callbackMsg{}, malformed(frame.TypeCallback, err)
	}
	var m callbackMsg
	if m.Length, err = tlv.GetI32(fields, fieldLength); err != nil {
		return callbackMsg{}, malformed(frame.TypeCallback, err)
	}
	if m.Data, err = tlv.GetBytes(fields, fieldData); err != nil {
		return callbackMsg{}, malformed(frame.TypeCallback, err)
	}
	return m, nil
}

func malformed(typ uint16, err error) error {
	return fmt.Errorf("%w: type=%d: %v", ErrMalformedMessage, typ, err)
}
