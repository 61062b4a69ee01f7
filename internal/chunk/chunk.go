// Package chunk models fixed-size file chunks: identity, content, per-block
// receipt state, and the set of peers believed to own each chunk.
package chunk

import (
	"bytes"

	"github.com/RoaringBitmap/roaring"
)

// Chunk geometry
const (
	// Size is the fixed content size of every chunk.
	Size = 512 * 1024

	// BlockSize is the payload carried by one DATA packet.
	BlockSize = 1000

	// MaxSeqNum is the number of blocks in a chunk; the last block is shorter.
	MaxSeqNum = (Size + BlockSize - 1) / BlockSize
)

// Chunk holds one chunk's content and transfer bookkeeping.
type Chunk struct {
	// ID is the chunk's position in the target file.
	ID   int
	Hash Hash

	data     []byte
	received *roaring.Bitmap

	// owners keeps insertion order so the first available owner is stable.
	owners []int
}

// New creates an empty chunk with the given file position and hash.
func New(id int, h Hash) *Chunk {
	return &Chunk{
		ID:       id,
		Hash:     h,
		received: roaring.New(),
	}
}

// BlockLen returns the payload length of block index (0-based).
func BlockLen(index int) int {
	if index < 0 || index >= MaxSeqNum {
		return 0
	}
	if rem := Size - index*BlockSize; rem < BlockSize {
		return rem
	}
	return BlockSize
}

func (c *Chunk) buffer() []byte {
	if c.data == nil {
		c.data = make([]byte, Size)
	}
	return c.data
}

// Data returns the chunk content buffer (always Size bytes).
func (c *Chunk) Data() []byte {
	return c.buffer()
}

// Load fills the chunk from locally held bytes and marks every block received.
// Short input is zero padded.
func (c *Chunk) Load(data []byte) {
	buf := c.buffer()
	n := copy(buf, data)
	clear(buf[n:])
	c.received.AddRange(0, MaxSeqNum)
}

// Has reports whether block index (0-based) has been received.
func (c *Chunk) Has(index int) bool {
	if index < 0 || index >= MaxSeqNum {
		return false
	}
	return c.received.Contains(uint32(index))
}

// Store copies payload into block index (0-based) and marks it received.
// It returns false without touching content if the block was already held
// or the payload does not fit the block.
func (c *Chunk) Store(index int, payload []byte) bool {
	if index < 0 || index >= MaxSeqNum || len(payload) > BlockLen(index) {
		return false
	}
	if c.received.Contains(uint32(index)) {
		return false
	}
	off := index * BlockSize
	copy(c.buffer()[off:off+len(payload)], payload)
	c.received.Add(uint32(index))
	return true
}

// Block returns the content of block index (0-based) for transmission.
func (c *Chunk) Block(index int) []byte {
	n := BlockLen(index)
	if n == 0 {
		return nil
	}
	off := index * BlockSize
	return c.buffer()[off : off+n]
}

// Received returns the number of distinct blocks received.
func (c *Chunk) Received() int {
	return int(c.received.GetCardinality())
}

// Complete reports whether every block has been received.
func (c *Chunk) Complete() bool {
	return c.Received() == MaxSeqNum
}

// AckNumber returns the length of the longest run of received blocks starting
// at block 0, which is the cumulative acknowledgment for this chunk.
func (c *Chunk) AckNumber() uint32 {
	var i uint32
	for i < MaxSeqNum && c.received.Contains(i) {
		i++
	}
	return i
}

// Verify recomputes the content hash and compares it with the expected hash.
func (c *Chunk) Verify() bool {
	actual := HashOf(c.buffer())
	return bytes.Equal(actual[:], c.Hash[:])
}

// Reset discards all received content so the chunk can be fetched again.
func (c *Chunk) Reset() {
	if c.data != nil {
		clear(c.data)
	}
	c.received.Clear()
}

// AddOwner records peerID as holding this chunk. It returns false if already known.
func (c *Chunk) AddOwner(peerID int) bool {
	if c.HasOwner(peerID) {
		return false
	}
	c.owners = append(c.owners, peerID)
	return true
}

// HasOwner reports whether peerID is a known owner.
func (c *Chunk) HasOwner(peerID int) bool {
	for _, id := range c.owners {
		if id == peerID {
			return true
		}
	}
	return false
}

// RemoveOwner forgets peerID. It returns false if peerID was not an owner.
func (c *Chunk) RemoveOwner(peerID int) bool {
	for i, id := range c.owners {
		if id == peerID {
			c.owners = append(c.owners[:i], c.owners[i+1:]...)
			return true
		}
	}
	return false
}

// Owners returns the known owners in the order they were discovered.
func (c *Chunk) Owners() []int {
	out := make([]int, len(c.owners))
	copy(out, c.owners)
	return out
}
