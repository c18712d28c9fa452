package wal

import "github.com/ChuLiYu/buildd/pkg/types"

// EventType names the tracker mutation a record describes.
type EventType string

const (
	EventQueue   EventType = "QUEUE"   // Optimistic entry before the claim round-trip
	EventClaim   EventType = "CLAIM"   // Claim confirmed by the authority
	EventAbort   EventType = "ABORT"   // Claim refused, entry dropped
	EventBuild   EventType = "BUILD"   // Job assigned to a slot
	EventRequeue EventType = "REQUEUE" // Local retry, waiting for a slot again
	EventReport  EventType = "REPORT"  // Outcome decided, report pending
	EventAck     EventType = "ACK"     // Authority acknowledged the outcome, entry removed
)

// Removes reports whether replaying the event deletes the job.
func (t EventType) Removes() bool {
	return t == EventAbort || t == EventAck
}

// Event represents a WAL event record. Job holds the full record after the
// mutation so replay is a plain upsert/delete.
type Event struct {
	Seq       uint64           `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType        `json:"type"`      // Event type
	Token     types.ClaimToken `json:"token"`     // Claim token of the job
	Job       types.BuildJob   `json:"job"`       // Job record after the mutation
	Timestamp int64            `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32           `json:"checksum"`  // CRC32 checksum
}

// EventHandler applies one replayed record.
type EventHandler func(event Event) error
