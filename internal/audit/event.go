// Package audit records transfer lifecycle and congestion-window events
package audit

import (
	"time"
)

// EventType represents the type of audit event
type EventType string

const (
	// EventWindowSize is logged whenever a sender's congestion window changes
	EventWindowSize EventType = "window_size"
	// EventChunkReceived is logged when a downloaded chunk passes verification
	EventChunkReceived EventType = "chunk_received"
	// EventChunkServed is logged when a peer acknowledges the last block of a chunk
	EventChunkServed EventType = "chunk_served"
	// EventValidationFailed is logged when a downloaded chunk hashes wrong
	EventValidationFailed EventType = "validation_failed"
	// EventTransferDenied is logged when an upload request is refused
	EventTransferDenied EventType = "transfer_denied"
	// EventTransferTimeout is logged when a transfer is abandoned after repeated timeouts
	EventTransferTimeout EventType = "transfer_timeout"
	// EventPeerDead is logged when a peer is declared dead
	EventPeerDead EventType = "peer_dead"
	// EventOutputWritten is logged when a GET request completes
	EventOutputWritten EventType = "output_written"
)

// Event represents a single audit log entry
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`

	// PeerID is the roster id of the remote peer
	PeerID int `json:"peer_id,omitempty"`

	ChunkHash string `json:"chunk_hash,omitempty"`

	// ElapsedMs is milliseconds since the local peer started
	ElapsedMs int64 `json:"elapsed_ms,omitempty"`

	// Window is the congestion window in packets
	Window int `json:"window,omitempty"`

	Bytes      int64  `json:"bytes,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Path       string `json:"path,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// NewWindowSizeEvent creates an event for a congestion window change
func NewWindowSizeEvent(at time.Time, peerID int, elapsed time.Duration, window int) Event {
	return Event{
		Timestamp: at,
		EventType: EventWindowSize,
		PeerID:    peerID,
		ElapsedMs: elapsed.Milliseconds(),
		Window:    window,
	}
}

// NewChunkReceivedEvent creates an event for a verified download
func NewChunkReceivedEvent(at time.Time, peerID int, hash string, size int64, duration time.Duration) Event {
	return Event{
		Timestamp:  at,
		EventType:  EventChunkReceived,
		PeerID:     peerID,
		ChunkHash:  truncateHash(hash),
		Bytes:      size,
		DurationMs: duration.Milliseconds(),
	}
}

// NewChunkServedEvent creates an event for a completed upload
func NewChunkServedEvent(at time.Time, peerID int, hash string, size int64, duration time.Duration) Event {
	return Event{
		Timestamp:  at,
		EventType:  EventChunkServed,
		PeerID:     peerID,
		ChunkHash:  truncateHash(hash),
		Bytes:      size,
		DurationMs: duration.Milliseconds(),
	}
}

// NewValidationFailedEvent creates an event for a hash mismatch
func NewValidationFailedEvent(at time.Time, peerID int, hash string) Event {
	return Event{
		Timestamp: at,
		EventType: EventValidationFailed,
		PeerID:    peerID,
		ChunkHash: truncateHash(hash),
		Reason:    "hash mismatch",
	}
}

// NewTransferDeniedEvent creates an event for a refused GET
func NewTransferDeniedEvent(at time.Time, peerID int, hash, reason string) Event {
	return Event{
		Timestamp: at,
		EventType: EventTransferDenied,
		PeerID:    peerID,
		ChunkHash: truncateHash(hash),
		Reason:    reason,
	}
}

// NewTransferTimeoutEvent creates an event for an abandoned transfer
func NewTransferTimeoutEvent(at time.Time, peerID int, hash, role string) Event {
	return Event{
		Timestamp: at,
		EventType: EventTransferTimeout,
		PeerID:    peerID,
		ChunkHash: truncateHash(hash),
		Reason:    role,
	}
}

// NewPeerDeadEvent creates an event for a peer declared dead
func NewPeerDeadEvent(at time.Time, peerID int) Event {
	return Event{
		Timestamp: at,
		EventType: EventPeerDead,
		PeerID:    peerID,
	}
}

// NewOutputWrittenEvent creates an event for a finished GET request
func NewOutputWrittenEvent(at time.Time, path string, size int64) Event {
	return Event{
		Timestamp: at,
		EventType: EventOutputWritten,
		Path:      path,
		Bytes:     size,
	}
}

// truncateHash returns first 16 chars of hash for readability
func truncateHash(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}
