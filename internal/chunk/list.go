package chunk

// List is an insertion-ordered set of chunks keyed by hash.
type List struct {
	order  []Hash
	byHash map[Hash]*Chunk
}

// NewList creates an empty list.
func NewList() *List {
	return &List{byHash: make(map[Hash]*Chunk)}
}

// Add inserts c. It returns false if a chunk with the same hash is present.
func (l *List) Add(c *Chunk) bool {
	if _, ok := l.byHash[c.Hash]; ok {
		return false
	}
	l.byHash[c.Hash] = c
	l.order = append(l.order, c.Hash)
	return true
}

// Get finds a chunk by hash.
func (l *List) Get(h Hash) (*Chunk, bool) {
	c, ok := l.byHash[h]
	return c, ok
}

// Has reports whether a chunk with hash h is present.
func (l *List) Has(h Hash) bool {
	_, ok := l.byHash[h]
	return ok
}

// Remove deletes the chunk with hash h. It returns false if absent.
func (l *List) Remove(h Hash) bool {
	if _, ok := l.byHash[h]; !ok {
		return false
	}
	delete(l.byHash, h)
	for i, oh := range l.order {
		if oh == h {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of chunks.
func (l *List) Len() int {
	return len(l.order)
}

// All returns the chunks in insertion order. The slice is a copy, so callers
// may add or remove while iterating.
func (l *List) All() []*Chunk {
	out := make([]*Chunk, 0, len(l.order))
	for _, h := range l.order {
		out = append(out, l.byHash[h])
	}
	return out
}

// Hashes returns the chunk hashes in insertion order.
func (l *List) Hashes() []Hash {
	out := make([]Hash, len(l.order))
	copy(out, l.order)
	return out
}

// Clear removes every chunk.
func (l *List) Clear() {
	l.order = nil
	l.byHash = make(map[Hash]*Chunk)
}
