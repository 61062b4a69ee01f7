package storage

import (
	"bytes"
	"compress/gzip"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ulikunitz/xz"

	"github.com/debswarm/chunkswarm/internal/chunk"
)

const (
	hashA = "0123456789abcdef0123456789abcdef01234567"
	hashB = "89abcdef0123456789abcdef0123456789abcdef"
)

func testData(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	return data
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestParseManifest(t *testing.T) {
	entries, err := ParseManifest(strings.NewReader("0 " + hashA + "\n\n3 " + hashB + "\n"))
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].ID != 0 || entries[0].Hash.String() != hashA {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].ID != 3 || entries[1].Hash.String() != hashB {
		t.Errorf("entry 1 = %+v", entries[1])
	}
}

func TestParseManifestErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"short line", "0\n", ErrShortManifest},
		{"bad hash", "0 nothex\n", chunk.ErrInvalidHash},
		{"bad id", "x " + hashA + "\n", nil},
		{"negative id", "-1 " + hashA + "\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest(strings.NewReader(tt.input))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestManifestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "A.chunks")
	entries, _ := ParseManifest(strings.NewReader("0 " + hashA + "\n1 " + hashB + "\n"))

	var buf bytes.Buffer
	if err := WriteManifest(&buf, entries); err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, buf.Bytes())

	loaded, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest failed: %v", err)
	}
	if len(loaded) != 2 || loaded[1] != entries[1] {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestParseMaster(t *testing.T) {
	input := "File: /tmp/C.tar\nChunks:\n0 " + hashA + "\n1 " + hashB + "\n"
	m, err := ParseMaster(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseMaster failed: %v", err)
	}
	if m.DataFile != "/tmp/C.tar" {
		t.Errorf("DataFile = %q", m.DataFile)
	}
	if len(m.Entries) != 2 {
		t.Errorf("len(Entries) = %d, want 2", len(m.Entries))
	}

	if _, err := ParseMaster(strings.NewReader("Chunks:\n")); err == nil {
		t.Error("expected error without File: line")
	}
	if _, err := ParseMaster(strings.NewReader("File:   \n")); err == nil {
		t.Error("expected error for empty data file")
	}
}

func TestLoadMasterResolvesRelativePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "C.masterchunks")

	var buf bytes.Buffer
	if err := WriteMaster(&buf, &Master{DataFile: "C.tar"}); err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, buf.Bytes())

	m, err := LoadMaster(path)
	if err != nil {
		t.Fatalf("LoadMaster failed: %v", err)
	}
	if m.DataFile != filepath.Join(dir, "C.tar") {
		t.Errorf("DataFile = %q", m.DataFile)
	}
}

func TestReadChunks(t *testing.T) {
	dir := t.TempDir()
	data := testData(t, 2*chunk.Size+1234)
	path := filepath.Join(dir, "data.bin")
	writeFile(t, path, data)

	chunks, err := ReadChunks(path, []int{0, 1, 2})
	if err != nil {
		t.Fatalf("ReadChunks failed: %v", err)
	}
	for id, want := range [][]byte{data[:chunk.Size], data[chunk.Size : 2*chunk.Size], data[2*chunk.Size:]} {
		if !bytes.Equal(chunks[id], want) {
			t.Errorf("chunk %d has wrong bytes (len %d)", id, len(chunks[id]))
		}
	}

	if _, err := ReadChunks(path, []int{3}); err == nil {
		t.Error("expected error past end of file")
	}
	if _, err := ReadChunks(path, []int{-1}); err == nil {
		t.Error("expected error for negative id")
	}
}

func TestReadChunksCompressed(t *testing.T) {
	dir := t.TempDir()
	data := testData(t, 3*chunk.Size)

	var xzBuf bytes.Buffer
	xw, err := xz.NewWriter(&xzBuf)
	if err != nil {
		t.Fatal(err)
	}
	xw.Write(data)
	if err := xw.Close(); err != nil {
		t.Fatal(err)
	}
	xzPath := filepath.Join(dir, "data.bin.xz")
	writeFile(t, xzPath, xzBuf.Bytes())

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	gw.Write(data)
	gw.Close()
	gzPath := filepath.Join(dir, "data.bin.gz")
	writeFile(t, gzPath, gzBuf.Bytes())

	for _, path := range []string{xzPath, gzPath} {
		chunks, err := ReadChunks(path, []int{2, 0})
		if err != nil {
			t.Fatalf("ReadChunks(%s) failed: %v", path, err)
		}
		if !bytes.Equal(chunks[0], data[:chunk.Size]) || !bytes.Equal(chunks[2], data[2*chunk.Size:]) {
			t.Errorf("%s: wrong chunk bytes", path)
		}
		if _, ok := chunks[1]; ok {
			t.Errorf("%s: chunk 1 was not requested", path)
		}
	}
}

func TestMakeChunks(t *testing.T) {
	dir := t.TempDir()
	data := testData(t, chunk.Size+100)
	path := filepath.Join(dir, "data.bin")
	writeFile(t, path, data)

	entries, err := MakeChunks(path)
	if err != nil {
		t.Fatalf("MakeChunks failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].Hash != chunk.HashOf(data[:chunk.Size]) {
		t.Error("first chunk hash mismatch")
	}
	padded := make([]byte, chunk.Size)
	copy(padded, data[chunk.Size:])
	if entries[1].ID != 1 || entries[1].Hash != chunk.HashOf(padded) {
		t.Error("last chunk should hash zero-padded content")
	}

	empty := filepath.Join(dir, "empty.bin")
	writeFile(t, empty, nil)
	if entries, err := MakeChunks(empty); err != nil || len(entries) != 0 {
		t.Errorf("empty file: entries=%d err=%v", len(entries), err)
	}
}

func TestWriteOutput(t *testing.T) {
	dir := t.TempDir()
	a := bytes.Repeat([]byte{'a'}, chunk.Size)
	b := bytes.Repeat([]byte{'b'}, chunk.Size)
	bodies := map[chunk.Hash][]byte{chunk.HashOf(a): a, chunk.HashOf(b): b}
	lookup := func(h chunk.Hash) ([]byte, bool) {
		data, ok := bodies[h]
		return data, ok
	}

	// Entries out of order still land at their ids.
	entries := []Entry{{ID: 1, Hash: chunk.HashOf(b)}, {ID: 0, Hash: chunk.HashOf(a)}}
	out := filepath.Join(dir, "out.dat")
	n, err := WriteOutput(out, entries, lookup)
	if err != nil {
		t.Fatalf("WriteOutput failed: %v", err)
	}
	if n != 2*chunk.Size {
		t.Errorf("size = %d, want %d", n, 2*chunk.Size)
	}
	got, _ := os.ReadFile(out)
	if !bytes.Equal(got[:chunk.Size], a) || !bytes.Equal(got[chunk.Size:], b) {
		t.Error("output bytes misplaced")
	}

	missing := []Entry{{ID: 0, Hash: chunk.HashOf([]byte("nope"))}}
	if _, err := WriteOutput(filepath.Join(dir, "bad.dat"), missing, lookup); err == nil {
		t.Error("expected error for unavailable chunk")
	}
	if _, err := os.Stat(filepath.Join(dir, "bad.dat")); !os.IsNotExist(err) {
		t.Error("failed output should not be left behind")
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, ".bad.dat.*"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}
