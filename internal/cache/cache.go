// Package cache provides content-addressed storage for validated chunks
package cache

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/debswarm/chunkswarm/internal/chunk"
	"github.com/debswarm/chunkswarm/internal/hashutil"
)

var (
	ErrNotFound     = errors.New("chunk not found in cache")
	ErrHashMismatch = errors.New("hash mismatch")
)

// Entry represents a cached chunk
type Entry struct {
	Hash       chunk.Hash
	Size       int64
	AddedAt    time.Time
	LastServed time.Time
	ServeCount int64
}

// Cache stores chunk bodies under <base>/chunks/<hex> and indexes them in SQLite
type Cache struct {
	basePath    string
	db          *sql.DB
	mu          sync.RWMutex
	logger      *zap.Logger
	clock       clock.Clock
	currentSize int64
}

// New opens (or creates) the cache rooted at basePath
func New(basePath string, logger *zap.Logger, clk clock.Clock) (*Cache, error) {
	if clk == nil {
		clk = clock.New()
	}

	for _, dir := range []string{filepath.Join(basePath, "chunks"), filepath.Join(basePath, "pending")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	dbPath := filepath.Join(basePath, "state.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	c := &Cache{
		basePath: basePath,
		db:       db,
		logger:   logger,
		clock:    clk,
	}

	if err := c.calculateSize(); err != nil {
		logger.Warn("Failed to calculate cache size", zap.Error(err))
	}

	return c, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			hash TEXT PRIMARY KEY,
			size INTEGER NOT NULL,
			added_at INTEGER NOT NULL,
			last_served INTEGER DEFAULT 0,
			serve_count INTEGER DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_chunks_last_served
		ON chunks(last_served);
	`)
	return err
}

// Has checks if a chunk with the given hash exists in the cache
func (c *Cache) Has(h chunk.Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, err := os.Stat(c.chunkPath(h))
	return err == nil
}

// Get reads a cached chunk body, verifying it against its hash
func (c *Cache) Get(h chunk.Hash) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, err := os.Open(c.chunkPath(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	hr := hashutil.NewHashingReader(f)
	data, err := io.ReadAll(hr)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached chunk: %w", err)
	}
	if chunk.Hash(hr.Digest()) != h {
		return nil, fmt.Errorf("%w: cached copy of %s is corrupt", ErrHashMismatch, h.Short())
	}
	return data, nil
}

// Put stores a chunk body after checking it hashes to h
func (c *Cache) Put(h chunk.Hash, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pendingPath := filepath.Join(c.basePath, "pending", h.String())
	f, err := os.Create(pendingPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	hw := hashutil.NewHashingWriter(f)
	size, err := io.Copy(hw, bytes.NewReader(data))
	if err != nil {
		f.Close()
		os.Remove(pendingPath)
		return fmt.Errorf("failed to write data: %w", err)
	}
	f.Close()

	if got := chunk.Hash(hw.Digest()); got != h {
		os.Remove(pendingPath)
		return fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, h, got)
	}

	if err := os.Rename(pendingPath, c.chunkPath(h)); err != nil {
		os.Remove(pendingPath)
		return err
	}

	var previous int64
	err = c.db.QueryRow("SELECT size FROM chunks WHERE hash = ?", h.String()).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	_, err = c.db.Exec(`
		INSERT INTO chunks (hash, size, added_at, last_served, serve_count)
		VALUES (?, ?, ?, 0, 0)
		ON CONFLICT(hash) DO UPDATE SET size = excluded.size`,
		h.String(), size, c.clock.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record chunk: %w", err)
	}

	c.currentSize += size - previous
	c.logger.Debug("Cached chunk",
		zap.String("hash", h.Short()),
		zap.Int64("size", size))

	return nil
}

// RecordServe notes that the chunk was streamed to a peer
func (c *Cache) RecordServe(h chunk.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(`
		UPDATE chunks
		SET last_served = ?, serve_count = serve_count + 1
		WHERE hash = ?`,
		c.clock.Now().Unix(), h.String())
	return err
}

// Delete removes a chunk from the cache
func (c *Cache) Delete(h chunk.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.deleteUnlocked(h.String())
}

func (c *Cache) deleteUnlocked(hexHash string) error {
	var size int64
	err := c.db.QueryRow("SELECT size FROM chunks WHERE hash = ?", hexHash).Scan(&size)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	path := filepath.Join(c.basePath, "chunks", hexHash)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}

	if _, err := c.db.Exec("DELETE FROM chunks WHERE hash = ?", hexHash); err != nil {
		return err
	}

	c.currentSize -= size
	return nil
}

// Clear removes every cached chunk and returns how many were removed
func (c *Cache) Clear() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query("SELECT hash FROM chunks")
	if err != nil {
		return 0, err
	}
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return 0, err
		}
		hashes = append(hashes, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for i, h := range hashes {
		if err := c.deleteUnlocked(h); err != nil {
			return i, err
		}
	}
	return len(hashes), nil
}

// List returns all cached chunks, most recently served first
func (c *Cache) List() ([]*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.Query(`
		SELECT hash, size, added_at, last_served, serve_count
		FROM chunks
		ORDER BY last_served DESC, added_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			hexHash             string
			addedAt, lastServed int64
			e                   Entry
		)
		if err := rows.Scan(&hexHash, &e.Size, &addedAt, &lastServed, &e.ServeCount); err != nil {
			return nil, err
		}
		h, err := chunk.ParseHash(hexHash)
		if err != nil {
			c.logger.Warn("Skipping malformed cache row", zap.String("hash", hexHash))
			continue
		}
		e.Hash = h
		e.AddedAt = time.Unix(addedAt, 0)
		if lastServed > 0 {
			e.LastServed = time.Unix(lastServed, 0)
		}
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// Size returns the current cache size in bytes
func (c *Cache) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentSize
}

// Count returns the number of cached chunks
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var count int
	_ = c.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&count)
	return count
}

// FreeSpace returns the bytes available on the cache filesystem
func (c *Cache) FreeSpace() (int64, error) {
	return c.getDiskFreeSpace()
}

// BasePath returns the cache root directory
func (c *Cache) BasePath() string {
	return c.basePath
}

// Close closes the cache database
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) chunkPath(h chunk.Hash) string {
	return filepath.Join(c.basePath, "chunks", h.String())
}

func (c *Cache) calculateSize() error {
	var total int64
	err := c.db.QueryRow("SELECT COALESCE(SUM(size), 0) FROM chunks").Scan(&total)
	if err != nil {
		return err
	}
	c.currentSize = total
	return nil
}
