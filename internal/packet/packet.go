// Package packet implements the binary wire format exchanged between peers.
//
// Every datagram carries a fixed 16-byte header followed by a payload whose
// shape depends on the packet type:
//
//	magic(2) version(1) type(1) header_len(2) packet_len(2) seq(4) ack(4)
//
// WHOHAS, IHAVE, GET and DENIED carry a hash count, three bytes of padding and
// that many 20-byte hashes. DATA carries raw block content. ACK carries nothing.
// All multi-byte integers are big-endian.
package packet

import (
	"fmt"

	"github.com/debswarm/chunkswarm/internal/chunk"
)

// Wire constants
const (
	Magic         uint16 = 15441
	Version       uint8  = 1
	HeaderLen            = 16
	MaxPacketSize        = 1500

	// hashListPad is the count byte plus three bytes of padding.
	hashListPad = 4

	// MaxHashes bounds the hashes carried by one packet.
	MaxHashes = (MaxPacketSize - HeaderLen - hashListPad) / chunk.HashSize

	// MaxDataLen bounds the content carried by one DATA packet.
	MaxDataLen = chunk.BlockSize
)

// Type discriminates packets on the wire.
type Type uint8

// Packet types, numbered as on the wire
const (
	TypeWhoHas Type = iota
	TypeIHave
	TypeGet
	TypeData
	TypeAck
	TypeDenied
)

func (t Type) String() string {
	switch t {
	case TypeWhoHas:
		return "WHOHAS"
	case TypeIHave:
		return "IHAVE"
	case TypeGet:
		return "GET"
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	case TypeDenied:
		return "DENIED"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

func (t Type) carriesHashes() bool {
	return t == TypeWhoHas || t == TypeIHave || t == TypeGet || t == TypeDenied
}

// Payload is the type-dependent body of a packet: Hashes, Data or Empty.
type Payload interface {
	payloadLen() int
}

// Hashes is the payload of WHOHAS, IHAVE, GET and DENIED packets.
type Hashes []chunk.Hash

func (h Hashes) payloadLen() int { return hashListPad + len(h)*chunk.HashSize }

// Data is the payload of a DATA packet.
type Data []byte

func (d Data) payloadLen() int { return len(d) }

// Empty is the payload of an ACK packet.
type Empty struct{}

func (Empty) payloadLen() int { return 0 }

// Packet is one decoded datagram.
type Packet struct {
	Type    Type
	Seq     uint32
	Ack     uint32
	Payload Payload
}

// Len returns the encoded size of p.
func (p *Packet) Len() int {
	if p.Payload == nil {
		return HeaderLen
	}
	return HeaderLen + p.Payload.payloadLen()
}

// Hashes returns the hash list payload, or nil for other shapes.
func (p *Packet) Hashes() Hashes {
	h, _ := p.Payload.(Hashes)
	return h
}

// Data returns the DATA payload, or nil for other shapes.
func (p *Packet) Data() Data {
	d, _ := p.Payload.(Data)
	return d
}

func hashList(hashes []chunk.Hash) Hashes {
	out := make(Hashes, len(hashes))
	copy(out, hashes)
	return out
}

// NewWhoHas builds a discovery request for the given hashes.
func NewWhoHas(hashes []chunk.Hash) *Packet {
	return &Packet{Type: TypeWhoHas, Payload: hashList(hashes)}
}

// NewIHave builds a discovery reply listing locally held hashes.
func NewIHave(hashes []chunk.Hash) *Packet {
	return &Packet{Type: TypeIHave, Payload: hashList(hashes)}
}

// NewGet builds a fetch request; the sequence field carries the requested count.
func NewGet(h chunk.Hash, count uint32) *Packet {
	return &Packet{Type: TypeGet, Seq: count, Payload: Hashes{h}}
}

// NewDenied builds a rejection of a GET for h.
func NewDenied(h chunk.Hash) *Packet {
	return &Packet{Type: TypeDenied, Payload: Hashes{h}}
}

// NewData builds a DATA packet for the 1-based block sequence number seq.
func NewData(seq uint32, content []byte) *Packet {
	return &Packet{Type: TypeData, Seq: seq, Payload: Data(append([]byte{}, content...))}
}

// NewAck builds a cumulative acknowledgment.
func NewAck(ack uint32) *Packet {
	return &Packet{Type: TypeAck, Ack: ack, Payload: Empty{}}
}

// SplitHashes batches hashes into groups of at most MaxHashes.
func SplitHashes(hashes []chunk.Hash) [][]chunk.Hash {
	var batches [][]chunk.Hash
	for len(hashes) > 0 {
		n := min(len(hashes), MaxHashes)
		batches = append(batches, hashes[:n])
		hashes = hashes[n:]
	}
	return batches
}
