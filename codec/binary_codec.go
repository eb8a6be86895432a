package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"mini-broker/message"
)

var errShortBuffer = errors.New("BinaryCodec: short buffer")

// BinaryCodec lays an Envelope out as
//
//	cookie uint64 | pathLen uint16 | path | errLen uint16 | error
//
// all big-endian.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	env, ok := v.(*message.Envelope)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *Envelope")
	}
	if len(env.Path) > math.MaxUint16 || len(env.Error) > math.MaxUint16 {
		return nil, fmt.Errorf("BinaryCodec: field exceeds %d bytes", math.MaxUint16)
	}

	buf := make([]byte, 8+2+len(env.Path)+2+len(env.Error))
	offset := 0

	binary.BigEndian.PutUint64(buf[offset:offset+8], env.Cookie)
	offset += 8

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(env.Path)))
	offset += 2
	offset += copy(buf[offset:], env.Path)

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(env.Error)))
	offset += 2
	copy(buf[offset:], env.Error)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	env, ok := v.(*message.Envelope)
	if !ok {
		return errors.New("BinaryCodec: v must be *Envelope")
	}
	if len(data) == 0 {
		*env = message.Envelope{}
		return nil
	}

	offset := 0
	if len(data) < 8 {
		return errShortBuffer
	}
	env.Cookie = binary.BigEndian.Uint64(data[offset : offset+8])
	offset += 8

	path, n, err := readString(data[offset:])
	if err != nil {
		return err
	}
	env.Path = path
	offset += n

	msg, _, err := readString(data[offset:])
	if err != nil {
		return err
	}
	env.Error = msg
	return nil
}

func readString(data []byte) (string, int, error) {
	if len(data) < 2 {
		return "", 0, errShortBuffer
	}
	n := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+n {
		return "", 0, errShortBuffer
	}
	return string(data[2 : 2+n]), 2 + n, nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
