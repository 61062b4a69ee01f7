//go:build !windows

package cache

import "syscall"

// getDiskFreeSpace returns the bytes available to the cache directory
func (c *Cache) getDiskFreeSpace() (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(c.basePath, &stat); err != nil {
		return 0, err
	}
	// #nosec G115 -- Bsize is int32 on some platforms
	return int64(stat.Bavail) * int64(stat.Bsize), nil //nolint:unconvert
}
