// Package cluster provides the peer-to-peer substrate: UDP discovery
// beacons, framed TCP sessions carrying typed messages, and the
// membership table with heartbeat liveness.
package cluster

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ProtocolVersion is the wire protocol version carried in every payload
// and in discovery beacons. Peers speaking a different version are
// rejected at handshake.
const ProtocolVersion uint16 = 1

// MaxFrameSize bounds a single frame. Chunks are capped well below this;
// anything larger is a protocol violation and closes the session.
const MaxFrameSize = 1 << 20

// ErrProtocol reports a malformed frame or an unexpected message; the
// session carrying it is closed and the peer reconnected.
var ErrProtocol = errors.New("protocol error")

// Kind enumerates message types. The on-the-wire field order of each body
// is fixed by kind; see the encode/decode pair on each message.
type Kind uint16

const (
	KindHeartbeat Kind = iota + 1
	KindHello
	KindInstanceCreated
	KindOwnershipChanged
	KindMigrationRequest
	KindMigrationReady
	KindMigrationReject
	KindBeginSet
	KindBeginFile
	KindChunk
	KindEndFile
	KindEndSet
	KindImagesComplete
	KindMigrationOk
	KindMigrationFail
	KindSwapAck
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "Heartbeat"
	case KindHello:
		return "Hello"
	case KindInstanceCreated:
		return "InstanceCreated"
	case KindOwnershipChanged:
		return "OwnershipChanged"
	case KindMigrationRequest:
		return "MigrationRequest"
	case KindMigrationReady:
		return "MigrationReady"
	case KindMigrationReject:
		return "MigrationReject"
	case KindBeginSet:
		return "BeginSet"
	case KindBeginFile:
		return "BeginFile"
	case KindChunk:
		return "Chunk"
	case KindEndFile:
		return "EndFile"
	case KindEndSet:
		return "EndSet"
	case KindImagesComplete:
		return "ImagesComplete"
	case KindMigrationOk:
		return "MigrationOk"
	case KindMigrationFail:
		return "MigrationFail"
	case KindSwapAck:
		return "SwapAck"
	default:
		return fmt.Sprintf("Kind(%d)", uint16(k))
	}
}

// Message is a typed wire message. Implementations live in this package;
// bodies use the fixed-order binary encoding below.
type Message interface {
	Kind() Kind
	encode(w *wireWriter)
	decode(r *wireReader) error
}

// wireWriter builds a message body. Strings are u16-length-prefixed UTF-8,
// byte blobs u32-length-prefixed, integers big-endian.
type wireWriter struct {
	buf []byte
}

func (w *wireWriter) u16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *wireWriter) u64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *wireWriter) str(s string) {
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *wireWriter) bytes(b []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *wireWriter) strs(list []string) {
	w.u16(uint16(len(list)))
	for _, s := range list {
		w.str(s)
	}
}

// wireReader consumes a message body, failing with ErrProtocol on any
// truncation.
type wireReader struct {
	buf []byte
	off int
}

func (r *wireReader) need(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, fmt.Errorf("%w: truncated body", ErrProtocol)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *wireReader) u16() (uint16, error) {
	b, err := r.need(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *wireReader) u64() (uint64, error) {
	b, err := r.need(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *wireReader) str() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	b, err := r.need(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *wireReader) bytes() ([]byte, error) {
	b, err := r.need(4)
	if err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(b)
	if int(n) > len(r.buf)-r.off {
		return nil, fmt.Errorf("%w: truncated blob", ErrProtocol)
	}
	body, err := r.need(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, body)
	return out, nil
}

func (r *wireReader) strs() ([]string, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := 0; i < int(n); i++ {
		s, err := r.str()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *wireReader) remaining() int {
	return len(r.buf) - r.off
}

// EncodeMessage serializes a message into a payload: version u16, kind
// u16, body. The frame length prefix is added by the session writer.
func EncodeMessage(msg Message) []byte {
	w := &wireWriter{}
	w.u16(ProtocolVersion)
	w.u16(uint16(msg.Kind()))
	msg.encode(w)
	return w.buf
}

// DecodeMessage parses a payload produced by EncodeMessage.
func DecodeMessage(payload []byte) (Message, error) {
	r := &wireReader{buf: payload}
	version, err := r.u16()
	if err != nil {
		return nil, err
	}
	if version != ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported protocol version %d", ErrProtocol, version)
	}
	kindVal, err := r.u16()
	if err != nil {
		return nil, err
	}

	var msg Message
	switch Kind(kindVal) {
	case KindHeartbeat:
		msg = &Heartbeat{}
	case KindHello:
		msg = &Hello{}
	case KindInstanceCreated:
		msg = &InstanceCreated{}
	case KindOwnershipChanged:
		msg = &OwnershipChanged{}
	case KindMigrationRequest:
		msg = &MigrationRequest{}
	case KindMigrationReady:
		msg = &MigrationReady{}
	case KindMigrationReject:
		msg = &MigrationReject{}
	case KindBeginSet:
		msg = &BeginSet{}
	case KindBeginFile:
		msg = &BeginFile{}
	case KindChunk:
		msg = &Chunk{}
	case KindEndFile:
		msg = &EndFile{}
	case KindEndSet:
		msg = &EndSet{}
	case KindImagesComplete:
		msg = &ImagesComplete{}
	case KindMigrationOk:
		msg = &MigrationOk{}
	case KindMigrationFail:
		msg = &MigrationFail{}
	case KindSwapAck:
		msg = &SwapAck{}
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrProtocol, kindVal)
	}

	if err := msg.decode(r); err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after %s body", ErrProtocol, r.remaining(), msg.Kind())
	}
	return msg, nil
}
