package bpf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Tag classifies the payload of an Envelope.
type Tag uint32

// Envelope tags. Everything except TagDebug carries socket data.
const (
	TagDebug Tag = iota
	TagWrite
	TagRead
	TagSendTo
	TagRecvFrom
	TagSendMsg
	TagConnect
)

func (t Tag) String() string {
	switch t {
	case TagDebug:
		return "debug"
	case TagWrite:
		return "write"
	case TagRead:
		return "read"
	case TagSendTo:
		return "sendto"
	case TagRecvFrom:
		return "recvfrom"
	case TagSendMsg:
		return "sendmsg"
	case TagConnect:
		return "connect"
	default:
		return fmt.Sprintf("Tag(%d)", uint32(t))
	}
}

// IsData reports whether the tag describes socket traffic.
func (t Tag) IsData() bool {
	return t != TagDebug && t <= TagConnect
}

// IsOutbound reports whether the data was written by the traced process.
func (t Tag) IsOutbound() bool {
	return t == TagWrite || t == TagSendTo || t == TagSendMsg
}

// EnvelopeHeaderSize is the size of the fixed part of the wire format:
//
//	pid u32 | fd u32 | start u64 | end u64 | tag u32 | size u32
const EnvelopeHeaderSize = 32

// MaxEnvelopePayload bounds the payload accepted by ReadEnvelope.
const MaxEnvelopePayload = 1 << 20

// ErrPayloadTooLarge is returned when an envelope exceeds MaxEnvelopePayload.
var ErrPayloadTooLarge = errors.New("envelope payload too large")

// Envelope carries one observed socket event.
type Envelope struct {
	Socket  SocketID
	Start   uint64 // ns, kernel monotonic clock
	End     uint64
	Tag     Tag
	Payload []byte
}

// Elapsed returns the syscall duration in nanoseconds.
func (e *Envelope) Elapsed() uint64 {
	if e.End < e.Start {
		return 0
	}
	return e.End - e.Start
}

// MarshalBinary encodes the envelope in its wire format.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	if len(e.Payload) > MaxEnvelopePayload {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, EnvelopeHeaderSize+len(e.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], e.Socket.Pid)
	binary.LittleEndian.PutUint32(buf[4:8], e.Socket.Fd)
	binary.LittleEndian.PutUint64(buf[8:16], e.Start)
	binary.LittleEndian.PutUint64(buf[16:24], e.End)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(e.Tag))
	//nolint:gosec // bounded by MaxEnvelopePayload
	binary.LittleEndian.PutUint32(buf[28:32], uint32(len(e.Payload)))
	copy(buf[EnvelopeHeaderSize:], e.Payload)
	return buf, nil
}

// UnmarshalBinary decodes one envelope occupying all of data.
func (e *Envelope) UnmarshalBinary(data []byte) error {
	if len(data) < EnvelopeHeaderSize {
		return fmt.Errorf("envelope header: %w", io.ErrUnexpectedEOF)
	}
	size := binary.LittleEndian.Uint32(data[28:32])
	if size > MaxEnvelopePayload {
		return ErrPayloadTooLarge
	}
	if len(data) != EnvelopeHeaderSize+int(size) {
		return fmt.Errorf("envelope size mismatch: header says %d, have %d", size, len(data)-EnvelopeHeaderSize)
	}
	e.Socket.Pid = binary.LittleEndian.Uint32(data[0:4])
	e.Socket.Fd = binary.LittleEndian.Uint32(data[4:8])
	e.Start = binary.LittleEndian.Uint64(data[8:16])
	e.End = binary.LittleEndian.Uint64(data[16:24])
	e.Tag = Tag(binary.LittleEndian.Uint32(data[24:28]))
	e.Payload = append([]byte(nil), data[EnvelopeHeaderSize:]...)
	return nil
}

// ReadEnvelope reads one wire-format envelope from r.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var header [EnvelopeHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[28:32])
	if size > MaxEnvelopePayload {
		return nil, ErrPayloadTooLarge
	}
	frame := make([]byte, EnvelopeHeaderSize+int(size))
	copy(frame, header[:])
	if _, err := io.ReadFull(r, frame[EnvelopeHeaderSize:]); err != nil {
		return nil, fmt.Errorf("envelope payload: %w", err)
	}
	e := &Envelope{}
	if err := e.UnmarshalBinary(frame); err != nil {
		return nil, err
	}
	return e, nil
}
