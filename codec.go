package goco

import (
	"bytes"
	"errors"
)

// DecodeStatus is the outcome of Codec.Decode
type DecodeStatus uint8

const (
	DecodeConsumed DecodeStatus = iota
	DecodeIncomplete
	DecodeIllegal
)

// ErrIllegalMessage is returned by Session when the codec rejects the input
var ErrIllegalMessage = errors.New("illegal message")

// Codec is the wire contract used by session code. The runtime only moves
// raw bytes; grammar lives entirely in the Codec.
type Codec interface {
	// Decode parses one message from the head of buf. With DecodeConsumed
	// n is the number of bytes the message used.
	Decode(buf []byte) (st DecodeStatus, n int)
	Encode() []byte
}

// LineCodec frames messages by '\n', an optional '\r' before it is dropped
type LineCodec struct {
	MaxLen int // 0: unlimited
	Line   []byte
}

func (lc *LineCodec) Decode(buf []byte) (DecodeStatus, int) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		if lc.MaxLen > 0 && len(buf) > lc.MaxLen {
			return DecodeIllegal, 0
		}
		return DecodeIncomplete, 0
	}
	if lc.MaxLen > 0 && i > lc.MaxLen {
		return DecodeIllegal, 0
	}
	line := buf[:i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	lc.Line = append(lc.Line[:0], line...)
	return DecodeConsumed, i + 1
}

func (lc *LineCodec) Encode() []byte {
	out := make([]byte, 0, len(lc.Line)+1)
	out = append(out, lc.Line...)
	return append(out, '\n')
}

// Session reads and writes Codec messages over a Conn with a fixed-size
// read buffer. Bytes past the current message are kept for the next one.
type Session struct {
	conn    *Conn
	buf     []byte
	pending []byte
}

func NewSession(c *Conn, readBufferSize int) *Session {
	if readBufferSize < 1 {
		readBufferSize = 4096
	}
	return &Session{conn: c, buf: make([]byte, readBufferSize)}
}

// NewSession uses the runtime read buffer size
func (rt *Runtime) NewSession(c *Conn) *Session {
	return NewSession(c, rt.opts.readBufferSize)
}

func (s *Session) Conn() *Conn { return s.conn }

// ReadMessage fills c with the next message. A peer close is ErrConnClosed.
func (s *Session) ReadMessage(t *Task, c Codec) error {
	for {
		if len(s.pending) > 0 {
			st, n := c.Decode(s.pending)
			switch st {
			case DecodeConsumed:
				s.pending = s.pending[n:]
				if len(s.pending) == 0 {
					s.pending = nil
				}
				return nil
			case DecodeIllegal:
				return ErrIllegalMessage
			}
		}
		n, err := s.conn.Recv(t, s.buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConnClosed
		}
		s.pending = append(s.pending, s.buf[:n]...)
	}
}

// WriteMessage sends c.Encode() completely
func (s *Session) WriteMessage(t *Task, c Codec) error {
	_, err := s.conn.SendAll(t, c.Encode())
	return err
}
