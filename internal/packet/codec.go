package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/debswarm/chunkswarm/internal/chunk"
)

// Codec errors
var (
	ErrBadMagic       = errors.New("bad magic number")
	ErrBadVersion     = errors.New("unsupported version")
	ErrUnknownType    = errors.New("unknown packet type")
	ErrTruncated      = errors.New("truncated packet")
	ErrBadLength      = errors.New("inconsistent packet length")
	ErrTooManyHashes  = errors.New("too many hashes")
	ErrPayloadTooLong = errors.New("payload too long")
	ErrPayloadShape   = errors.New("payload does not match packet type")
)

// reader is a bounds-checked big-endian cursor. The first failure sticks.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = ErrTruncated
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

// Encode serializes p into a new buffer.
func Encode(p *Packet) ([]byte, error) {
	if err := validate(p); err != nil {
		return nil, err
	}

	total := p.Len()
	buf := make([]byte, 0, total)
	buf = binary.BigEndian.AppendUint16(buf, Magic)
	buf = append(buf, Version, uint8(p.Type))
	buf = binary.BigEndian.AppendUint16(buf, HeaderLen)
	buf = binary.BigEndian.AppendUint16(buf, uint16(total))
	buf = binary.BigEndian.AppendUint32(buf, p.Seq)
	buf = binary.BigEndian.AppendUint32(buf, p.Ack)

	switch pl := p.Payload.(type) {
	case Hashes:
		buf = append(buf, uint8(len(pl)), 0, 0, 0)
		for _, h := range pl {
			buf = append(buf, h[:]...)
		}
	case Data:
		buf = append(buf, pl...)
	case Empty, nil:
	}

	return buf, nil
}

func validate(p *Packet) error {
	switch {
	case p.Type.carriesHashes():
		h, ok := p.Payload.(Hashes)
		if !ok {
			return fmt.Errorf("%w: %s needs a hash list", ErrPayloadShape, p.Type)
		}
		if len(h) > MaxHashes {
			return fmt.Errorf("%w: %d > %d", ErrTooManyHashes, len(h), MaxHashes)
		}
	case p.Type == TypeData:
		d, ok := p.Payload.(Data)
		if !ok {
			return fmt.Errorf("%w: DATA needs content", ErrPayloadShape)
		}
		if len(d) > MaxDataLen {
			return fmt.Errorf("%w: %d > %d", ErrPayloadTooLong, len(d), MaxDataLen)
		}
	case p.Type == TypeAck:
		if p.Payload != nil {
			if _, ok := p.Payload.(Empty); !ok {
				return fmt.Errorf("%w: ACK carries no payload", ErrPayloadShape)
			}
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownType, uint8(p.Type))
	}
	return nil
}

// Decode parses a datagram. An optional 2-byte extension field may precede
// the magic number. Header and packet lengths are measured from the start of
// the datagram.
func Decode(buf []byte) (*Packet, error) {
	r := &reader{buf: buf}

	if r.u16() != Magic {
		if r.err != nil {
			return nil, r.err
		}
		if m := r.u16(); m != Magic {
			if r.err != nil {
				return nil, r.err
			}
			return nil, ErrBadMagic
		}
	}
	if v := r.u8(); v != Version {
		if r.err != nil {
			return nil, r.err
		}
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, v)
	}

	p := &Packet{Type: Type(r.u8())}
	headerLen := int(r.u16())
	packetLen := int(r.u16())
	p.Seq = r.u32()
	p.Ack = r.u32()
	if r.err != nil {
		return nil, r.err
	}

	if p.Type > TypeDenied {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(p.Type))
	}
	if headerLen < r.off || packetLen < headerLen || packetLen > len(buf) {
		return nil, fmt.Errorf("%w: header %d, packet %d, datagram %d", ErrBadLength, headerLen, packetLen, len(buf))
	}

	body := &reader{buf: buf[headerLen:packetLen]}
	switch {
	case p.Type.carriesHashes():
		hashes, err := decodeHashes(body)
		if err != nil {
			return nil, err
		}
		p.Payload = hashes
	case p.Type == TypeData:
		if len(body.buf) > MaxDataLen {
			return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLong, len(body.buf), MaxDataLen)
		}
		p.Payload = Data(append([]byte{}, body.buf...))
	default:
		p.Payload = Empty{}
	}

	return p, nil
}

func decodeHashes(body *reader) (Hashes, error) {
	// a bare header decodes as an empty list
	if len(body.buf) == 0 {
		return Hashes{}, nil
	}
	n := int(body.u8())
	body.take(hashListPad - 1)
	if n > MaxHashes {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyHashes, n, MaxHashes)
	}
	hashes := make(Hashes, n)
	for i := range hashes {
		copy(hashes[i][:], body.take(chunk.HashSize))
	}
	if body.err != nil {
		return nil, body.err
	}
	return hashes, nil
}
