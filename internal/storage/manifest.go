// Package storage reads and writes the on-disk chunk files: id/hash
// manifests, master data files and assembled outputs.
package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/debswarm/chunkswarm/internal/chunk"
)

// ErrShortManifest is returned for a manifest line without both an id and a hash.
var ErrShortManifest = errors.New("manifest line needs an id and a hash")

// Entry is one "<id> <hex-hash>" manifest line. ID is the chunk's position
// in the file the manifest describes.
type Entry struct {
	ID   int
	Hash chunk.Hash
}

// ParseManifest reads "<id> <hex-hash>" lines. Blank lines are skipped.
func ParseManifest(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		e, err := parseEntry(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func parseEntry(line string) (Entry, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Entry{}, fmt.Errorf("%w: %q", ErrShortManifest, line)
	}
	id, err := strconv.Atoi(fields[0])
	if err != nil || id < 0 {
		return Entry{}, fmt.Errorf("invalid chunk id %q", fields[0])
	}
	h, err := chunk.ParseHash(fields[1])
	if err != nil {
		return Entry{}, err
	}
	return Entry{ID: id, Hash: h}, nil
}

// LoadManifest reads the manifest at path.
func LoadManifest(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := ParseManifest(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}

// WriteManifest writes entries in "<id> <hex-hash>" form.
func WriteManifest(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := fmt.Fprintf(bw, "%d %s\n", e.ID, e.Hash); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Master describes a master chunk file: the data file every chunk id
// indexes into, plus the full manifest of that data file.
type Master struct {
	DataFile string
	Entries  []Entry
}

const (
	masterFilePrefix = "File:"
	masterChunksLine = "Chunks:"
)

// ParseMaster reads a master chunk file. The first line must be
// "File: <path>"; an optional "Chunks:" line precedes the manifest.
func ParseMaster(r io.Reader) (*Master, error) {
	br := bufio.NewReader(r)
	first, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	first = strings.TrimSpace(first)
	if !strings.HasPrefix(first, masterFilePrefix) {
		return nil, fmt.Errorf("master chunk file must start with %q", masterFilePrefix)
	}
	dataFile := strings.TrimSpace(strings.TrimPrefix(first, masterFilePrefix))
	if dataFile == "" {
		return nil, fmt.Errorf("master chunk file names no data file")
	}

	var rest strings.Builder
	scanner := bufio.NewScanner(br)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == masterChunksLine {
			continue
		}
		rest.WriteString(line)
		rest.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	entries, err := ParseManifest(strings.NewReader(rest.String()))
	if err != nil {
		return nil, err
	}
	return &Master{DataFile: dataFile, Entries: entries}, nil
}

// LoadMaster reads the master chunk file at path. A relative data file
// path is resolved against the master file's directory.
func LoadMaster(path string) (*Master, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := ParseMaster(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if !filepath.IsAbs(m.DataFile) {
		m.DataFile = filepath.Join(filepath.Dir(path), m.DataFile)
	}
	return m, nil
}

// WriteMaster writes m in master chunk file form.
func WriteMaster(w io.Writer, m *Master) error {
	if _, err := fmt.Fprintf(w, "%s %s\n%s\n", masterFilePrefix, m.DataFile, masterChunksLine); err != nil {
		return err
	}
	return WriteManifest(w, m.Entries)
}
