// Package protocol implements the length-prefixed wire format shared by the
// chat server and its clients.
//
// A frame on the wire is a 4 byte ASCII decimal header holding the body
// length, followed by the body. In the modern protocol the body starts with
// the 8 byte sender identity; the legacy variant carries the payload only.
//
//	[ 4 bytes: body length, space padded ]
//	[ 8 bytes: sender identity           ]   (modern protocol only)
//	[ up to 1024 bytes: payload          ]
package protocol

import (
	"fmt"
	"io"
	"strconv"
)

const (
	// HeaderLen is the fixed size of the length header.
	HeaderLen = 4
	// IDLen is the fixed size of the identity field.
	IDLen = 8
	// MaxBody bounds the body length announced by a header.
	MaxBody = 1024
)

// EncodeHeader returns the 4 byte header for a body of n bytes.
// n is clamped to [0, MaxBody].
func EncodeHeader(n int) []byte {
	return []byte(fmt.Sprintf("%4d", clamp(n)))
}

// DecodeHeader parses a header the forgiving way: leading blanks and an
// optional sign are skipped, digits are consumed up to the first non-digit,
// and anything unparsable yields 0. The result is clamped to [0, MaxBody].
func DecodeHeader(b []byte) int {
	if len(b) > HeaderLen {
		b = b[:HeaderLen]
	}
	i := 0
	for i < len(b) && isBlank(b[i]) {
		i++
	}
	neg := false
	if i < len(b) && (b[i] == '+' || b[i] == '-') {
		neg = b[i] == '-'
		i++
	}
	j := i
	for j < len(b) && b[j] >= '0' && b[j] <= '9' {
		j++
	}
	if j == i {
		return 0
	}
	n, err := strconv.Atoi(string(b[i:j]))
	if err != nil {
		return 0
	}
	if neg {
		n = -n
	}
	return clamp(n)
}

func isBlank(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

func clamp(n int) int {
	switch {
	case n < 0:
		return 0
	case n > MaxBody:
		return MaxBody
	}
	return n
}

// Frame is one complete protocol message.
type Frame struct {
	Sender  ID
	Payload []byte
	// Legacy frames carry no identity field.
	Legacy  bool
}

// NewFrame builds a modern frame, truncating the payload to what fits.
func NewFrame(sender ID, payload []byte) Frame {
	if len(payload) > MaxPayload(false) {
		payload = payload[:MaxPayload(false)]
	}
	return Frame{Sender: sender, Payload: payload}
}

// MaxPayload returns the payload room left in a body.
func MaxPayload(legacy bool) int {
	if legacy {
		return MaxBody
	}
	return MaxBody - IDLen
}

// BodyLen returns the body length announced in the header.
func (f Frame) BodyLen() int {
	if f.Legacy {
		return clamp(len(f.Payload))
	}
	return clamp(IDLen + len(f.Payload))
}

// Encode renders the frame in wire form. A payload larger than the body
// allows is truncated.
func (f Frame) Encode() []byte {
	n := f.BodyLen()
	buf := make([]byte, 0, HeaderLen+n)
	buf = append(buf, EncodeHeader(n)...)
	if f.Legacy {
		return append(buf, f.Payload[:n]...)
	}
	buf = append(buf, f.Sender[:]...)
	return append(buf, f.Payload[:n-IDLen]...)
}

// IsAdmin reports whether the frame was synthesized by the room.
func (f Frame) IsAdmin() bool {
	return !f.Legacy && f.Sender == AdminID
}

// Text returns the payload as a string.
func (f Frame) Text() string {
	return string(f.Payload)
}

// DecodeBody splits a body into its identity and payload. A modern body
// shorter than IDLen keeps what it has as the identity and has no payload.
func DecodeBody(body []byte, legacy bool) Frame {
	if legacy {
		return Frame{Payload: clone(body), Legacy: true}
	}
	var f Frame
	if len(body) < IDLen {
		copy(f.Sender[:], body)
		return f
	}
	copy(f.Sender[:], body[:IDLen])
	f.Payload = clone(body[IDLen:])
	return f
}

// ReadFrame reads exactly one frame: HeaderLen bytes of header, then
// exactly the decoded body length.
func ReadFrame(r io.Reader, legacy bool) (Frame, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	body := make([]byte, DecodeHeader(header[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("read body: %w", err)
	}
	return DecodeBody(body, legacy), nil
}

// WriteFrame writes the encoded frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(f.Encode())
	return err
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
