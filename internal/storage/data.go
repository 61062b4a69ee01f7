package storage

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/debswarm/chunkswarm/internal/chunk"
)

// openData opens a master data file, transparently decompressing
// .gz and .xz files.
func openData(path string) (io.Reader, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	var reader io.Reader = f
	closeFn := f.Close

	if strings.HasSuffix(path, ".gz") {
		gzReader, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		reader = gzReader
		closeFn = func() error {
			gzReader.Close()
			return f.Close()
		}
	} else if strings.HasSuffix(path, ".xz") {
		xzReader, err := xz.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to create xz reader: %w", err)
		}
		reader = xzReader
	}

	return reader, closeFn, nil
}

// ReadChunks reads several chunks in one pass over the data file. Chunk id
// is the chunk.Size bytes at offset id*chunk.Size; the final chunk of a
// file may be short and callers zero-pad it.
func ReadChunks(path string, ids []int) (map[int][]byte, error) {
	if len(ids) == 0 {
		return map[int][]byte{}, nil
	}
	reader, closeFn, err := openData(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	wanted := make(map[int]bool, len(ids))
	last := 0
	for _, id := range ids {
		if id < 0 {
			return nil, fmt.Errorf("invalid chunk id %d", id)
		}
		wanted[id] = true
		if id > last {
			last = id
		}
	}

	out := make(map[int][]byte, len(ids))
	buf := make([]byte, chunk.Size)
	for id := 0; id <= last; id++ {
		n, err := io.ReadFull(reader, buf)
		if n > 0 && wanted[id] {
			out[id] = append([]byte(nil), buf[:n]...)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	for id := range wanted {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("%s has no chunk %d", path, id)
		}
	}
	return out, nil
}

// WriteOutput assembles the chunks named by entries into path, placing
// each chunk's full body at ID*chunk.Size. The file is written to a
// temporary name and renamed into place. It returns the bytes written.
func WriteOutput(path string, entries []Entry, body func(chunk.Hash) ([]byte, bool)) (int64, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, fmt.Errorf("failed to create output: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	var size int64
	for _, e := range entries {
		data, ok := body(e.Hash)
		if !ok {
			cleanup()
			return 0, fmt.Errorf("chunk %d (%s) is not available", e.ID, e.Hash.Short())
		}
		off := int64(e.ID) * chunk.Size
		if _, err := tmp.WriteAt(data, off); err != nil {
			cleanup()
			return 0, fmt.Errorf("failed to write chunk %d: %w", e.ID, err)
		}
		if end := off + int64(len(data)); end > size {
			size = end
		}
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	return size, nil
}

// MakeChunks splits the data file into chunk.Size pieces, zero-padding
// the last, and returns their manifest.
func MakeChunks(path string) ([]Entry, error) {
	reader, closeFn, err := openData(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var entries []Entry
	buf := make([]byte, chunk.Size)
	for id := 0; ; id++ {
		n, err := io.ReadFull(reader, buf)
		if n > 0 {
			clear(buf[n:])
			entries = append(entries, Entry{ID: id, Hash: chunk.HashOf(buf)})
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	return entries, nil
}
