// Package requestid generates identifiers that tie together the log lines
// of one fetch request.
package requestid

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"

	"go.uber.org/zap"
)

// Len is the length of an id in hex characters.
const Len = 20

// New returns an id for a request started at now: a 6-byte millisecond
// timestamp followed by 4 random bytes, hex encoded. Ids sort by start time.
func New(now time.Time) string {
	var id [10]byte
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(now.UnixMilli()))
	copy(id[:6], ts[2:])
	_, _ = rand.Read(id[6:])
	return hex.EncodeToString(id[:])
}

// Logger scopes base to the request.
func Logger(base *zap.Logger, id string) *zap.Logger {
	return base.With(zap.String("request", id))
}
