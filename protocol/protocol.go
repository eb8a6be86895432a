// Package protocol implements the binary frame protocol spoken between a
// process and the routing broker.
//
// Every frame is a fixed 14-byte header followed by a variable-length body.
// The receiver reads the header first to learn the body length, then reads
// exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ mbr  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic bytes "mbr" (mini-broker). They reject anything that is not a broker
// connection, such as an HTTP client hitting the wrong port.
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x62 // 'b'
	MagicByte3  byte = 0x72 // 'r'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodySize bounds a single frame. Envelopes are a path and an error
	// string; anything larger is a corrupt or hostile stream.
	MaxBodySize uint32 = 1 << 20
)

var (
	ErrInvalidMagic = errors.New("invalid magic number")
	ErrBodyTooLarge = errors.New("frame body too large")
)

// MsgType says what a frame asks of its receiver.
type MsgType byte

const (
	MsgTypeConnect         MsgType = 0 // process → broker: join, body empty
	MsgTypeConnectAck      MsgType = 1 // broker → process: Envelope.Cookie is the assigned cookie
	MsgTypeHeartbeat       MsgType = 2 // keepalive probe, no body
	MsgTypeRegisterStub    MsgType = 3 // Envelope.Path is a stub path
	MsgTypeUnregisterStub  MsgType = 4
	MsgTypeRegisterProxy   MsgType = 5 // Envelope.Path is a proxy path
	MsgTypeUnregisterProxy MsgType = 6
	MsgTypeDisconnect      MsgType = 7 // orderly leave
	MsgTypeAck             MsgType = 8 // generic reply, Envelope.Error set on failure

	msgTypeCount = 9
)

var msgTypeNames = [msgTypeCount]string{
	MsgTypeConnect:         "Connect",
	MsgTypeConnectAck:      "ConnectAck",
	MsgTypeHeartbeat:       "Heartbeat",
	MsgTypeRegisterStub:    "RegisterStub",
	MsgTypeUnregisterStub:  "UnregisterStub",
	MsgTypeRegisterProxy:   "RegisterProxy",
	MsgTypeUnregisterProxy: "UnregisterProxy",
	MsgTypeDisconnect:      "Disconnect",
	MsgTypeAck:             "Ack",
}

func (t MsgType) String() string {
	if t.IsValid() {
		return msgTypeNames[t]
	}
	return fmt.Sprintf("MsgType(%d)", byte(t))
}

func (t MsgType) IsValid() bool { return t < msgTypeCount }

// IsReply reports whether frames of this type answer an earlier request with
// the same sequence number.
func (t MsgType) IsReply() bool { return t == MsgTypeConnectAck || t == MsgTypeAck }

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header is the fixed 14-byte frame header.
type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32 // pairs a request with its reply
	BodyLen   uint32
}

// Encode writes a complete frame to w. Callers sharing w between goroutines
// must serialize calls, or frames interleave on the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// one write per frame keeps frames whole on the socket
	_, err := w.Write(buf)
	return err
}

// Decode reads one complete frame from r, validating every header field.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("%w: %x", ErrInvalidMagic, headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if !msgType.IsValid() {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[5])
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodySize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
