package wsproto

import (
	"encoding/binary"
	"fmt"

	"chainproxy/internal/errors"
)

// Opcode identifies the frame type.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether o is a close, ping or pong opcode.
func (o Opcode) IsControl() bool { return o&0x8 != 0 }

// Close status codes used by this package.
const (
	CloseNormal        uint16 = 1000
	CloseProtocolError uint16 = 1002
	CloseTooBig        uint16 = 1009
)

// DefaultMaxPayload caps a single reassembled message.
const DefaultMaxPayload = 16 << 20

// Frame is one decoded frame.  Payload is already unmasked.
type Frame struct {
	Fin     bool
	Op      Opcode
	Payload []byte
}

// AppendFrame encodes f onto dst.  Server frames pass a nil mask;
// client frames must pass a masking key.
func AppendFrame(dst []byte, f Frame, mask *[4]byte) []byte {
	b0 := byte(f.Op) & 0x0f
	if f.Fin {
		b0 |= 0x80
	}
	dst = append(dst, b0)

	var maskBit byte
	if mask != nil {
		maskBit = 0x80
	}
	n := len(f.Payload)
	switch {
	case n <= 125:
		dst = append(dst, maskBit|byte(n))
	case n <= 0xffff:
		dst = append(dst, maskBit|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, maskBit|127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}

	if mask == nil {
		return append(dst, f.Payload...)
	}
	dst = append(dst, mask[:]...)
	start := len(dst)
	dst = append(dst, f.Payload...)
	maskBytes(*mask, dst[start:])
	return dst
}

// ClosePayload builds the body of a close frame.
func ClosePayload(code uint16, reason string) []byte {
	p := binary.BigEndian.AppendUint16(nil, code)
	return append(p, reason...)
}

// CloseCode extracts the status code of a close frame payload, or
// CloseNormal when the peer sent none.
func CloseCode(payload []byte) uint16 {
	if len(payload) < 2 {
		return CloseNormal
	}
	return binary.BigEndian.Uint16(payload)
}

func maskBytes(key [4]byte, b []byte) {
	for i := range b {
		b[i] ^= key[i&3]
	}
}

// Decoder turns a byte stream into frames.  Bytes are fed as they
// arrive; partial frames stay buffered until complete.
type Decoder struct {
	// RequireMask rejects unmasked frames, as a server must.
	RequireMask bool
	// MaxPayload caps frame and message sizes; zero means DefaultMaxPayload.
	MaxPayload int

	buf []byte

	// fragmented message being reassembled
	msgOp  Opcode
	msg    []byte
	inFrag bool
}

// Feed appends p to the decode buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of undecoded bytes.
func (d *Decoder) Buffered() int { return len(d.buf) }

// NextFrame decodes one frame.  It returns ErrIncomplete when the
// buffer does not yet hold a whole frame.
func (d *Decoder) NextFrame() (Frame, error) {
	if len(d.buf) < 2 {
		return Frame{}, ErrIncomplete
	}
	b0, b1 := d.buf[0], d.buf[1]
	if b0&0x70 != 0 {
		return Frame{}, protocolErr("reserved bits set")
	}
	f := Frame{Fin: b0&0x80 != 0, Op: Opcode(b0 & 0x0f)}
	masked := b1&0x80 != 0
	if d.RequireMask && !masked {
		return Frame{}, protocolErr("unmasked client frame")
	}

	off := 2
	length := uint64(b1 & 0x7f)
	switch length {
	case 126:
		if len(d.buf) < off+2 {
			return Frame{}, ErrIncomplete
		}
		length = uint64(binary.BigEndian.Uint16(d.buf[off:]))
		off += 2
	case 127:
		if len(d.buf) < off+8 {
			return Frame{}, ErrIncomplete
		}
		length = binary.BigEndian.Uint64(d.buf[off:])
		if length>>63 != 0 {
			return Frame{}, protocolErr("payload length has the high bit set")
		}
		off += 8
	}

	if f.Op.IsControl() && (length > 125 || !f.Fin) {
		return Frame{}, protocolErr("fragmented or oversized control frame")
	}
	if length > uint64(d.maxPayload()) {
		return Frame{}, errors.InvalidData("frame", fmt.Errorf("payload of %d bytes exceeds limit", length))
	}

	var key [4]byte
	if masked {
		if len(d.buf) < off+4 {
			return Frame{}, ErrIncomplete
		}
		copy(key[:], d.buf[off:])
		off += 4
	}
	end := off + int(length)
	if len(d.buf) < end {
		return Frame{}, ErrIncomplete
	}

	f.Payload = append([]byte(nil), d.buf[off:end]...)
	if masked {
		maskBytes(key, f.Payload)
	}
	d.buf = d.buf[end:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return f, nil
}

// Next returns the next control frame or complete data message.
// Fragmented messages are reassembled; the returned frame carries the
// opcode of the first fragment and Fin set.
func (d *Decoder) Next() (Frame, error) {
	for {
		f, err := d.NextFrame()
		if err != nil {
			return Frame{}, err
		}
		switch {
		case f.Op.IsControl():
			return f, nil
		case f.Op == OpContinuation:
			if !d.inFrag {
				return Frame{}, protocolErr("continuation without a message")
			}
			if len(d.msg)+len(f.Payload) > d.maxPayload() {
				return Frame{}, errors.InvalidData("frame", fmt.Errorf("message exceeds %d bytes", d.maxPayload()))
			}
			d.msg = append(d.msg, f.Payload...)
			if f.Fin {
				out := Frame{Fin: true, Op: d.msgOp, Payload: d.msg}
				d.msg, d.inFrag = nil, false
				return out, nil
			}
		case f.Op == OpText || f.Op == OpBinary:
			if d.inFrag {
				return Frame{}, protocolErr("new message before the previous one finished")
			}
			if f.Fin {
				return f, nil
			}
			d.msgOp, d.msg, d.inFrag = f.Op, f.Payload, true
		default:
			return Frame{}, protocolErr(fmt.Sprintf("unknown opcode %#x", byte(f.Op)))
		}
	}
}

func (d *Decoder) maxPayload() int {
	if d.MaxPayload > 0 {
		return d.MaxPayload
	}
	return DefaultMaxPayload
}

func protocolErr(msg string) error {
	return errors.Parse("frame", errors.New(msg))
}
