package cluster

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Session is a framed, length-prefixed message stream over a single TCP
// connection. Frames are a 4-byte big-endian length followed by the
// payload. The stream preserves FIFO ordering; the migration protocol
// relies on this per-session guarantee.
//
// Writes are serialized by a mutex so concurrent senders (heartbeat loop,
// migration coordinator, transfer) never interleave frames.
type Session struct {
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex
}

// NewSession wraps an established connection.
func NewSession(conn net.Conn) *Session {
	return &Session{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 64*1024),
	}
}

// RemoteAddr returns the remote endpoint address.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// WriteMessage frames and sends one message.
func (s *Session) WriteMessage(msg Message) error {
	payload := EncodeMessage(msg)
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrProtocol, len(payload))
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := s.conn.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadMessage blocks for the next frame and decodes it. A malformed or
// oversized frame returns an error wrapping ErrProtocol; the caller
// closes the session.
func (s *Session) ReadMessage() (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d", ErrProtocol, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(s.r, payload); err != nil {
		return nil, err
	}
	return DecodeMessage(payload)
}

// SetReadDeadline bounds the next ReadMessage. A zero time clears it.
func (s *Session) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// Close tears down the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}
