package chunk

import "testing"

func TestListOrderAndLookup(t *testing.T) {
	l := NewList()
	a := New(0, HashOf([]byte("a")))
	b := New(1, HashOf([]byte("b")))
	c := New(2, HashOf([]byte("c")))

	for _, ch := range []*Chunk{a, b, c} {
		if !l.Add(ch) {
			t.Fatalf("Add(%d) failed", ch.ID)
		}
	}
	if l.Add(New(9, a.Hash)) {
		t.Error("duplicate hash accepted")
	}
	if l.Len() != 3 {
		t.Errorf("Len() = %d, want 3", l.Len())
	}

	if got, ok := l.Get(b.Hash); !ok || got != b {
		t.Error("Get(b) failed")
	}

	if !l.Remove(b.Hash) || l.Remove(b.Hash) {
		t.Error("Remove should succeed exactly once")
	}
	all := l.All()
	if len(all) != 2 || all[0] != a || all[1] != c {
		t.Errorf("All() order wrong after removal")
	}
	if hs := l.Hashes(); len(hs) != 2 || hs[1] != c.Hash {
		t.Errorf("Hashes() = %v", hs)
	}

	l.Clear()
	if l.Len() != 0 || l.Has(a.Hash) {
		t.Error("Clear left entries behind")
	}
}

func TestListRemoveWhileIterating(t *testing.T) {
	l := NewList()
	for i := 0; i < 5; i++ {
		l.Add(New(i, HashOf([]byte{byte(i)})))
	}
	for _, c := range l.All() {
		if c.ID%2 == 0 {
			l.Remove(c.Hash)
		}
	}
	if l.Len() != 2 {
		t.Errorf("Len() = %d, want 2", l.Len())
	}
}
