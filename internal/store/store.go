// Package store persists per-session sequence counters and the append-only
// message log the session layer replays from on a resend request. A store is
// partitioned by session identifier; a partition is owned by exactly one
// engine at a time.
package store

import (
	"errors"
	"time"

	"github.com/tdworkflow/fixsession/pkg/fix"
)

// Direction distinguishes the two message logs of a partition.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// ErrDuplicateSequence reports an append for a sequence number already held
// in that direction's log. It indicates an internal bug or misuse, never a
// condition to retry.
var ErrDuplicateSequence = errors.New("store: duplicate sequence number")

// ErrPartitionBusy reports an attempt to open a partition that another
// engine already holds.
var ErrPartitionBusy = errors.New("store: partition already open")

// State is the persistent counter record of one session. Counters start
// at 1 and name the NEXT sequence number in each direction.
type State struct {
	NextSenderSeq  uint64    `json:"nextSenderSeq"`
	NextTargetSeq  uint64    `json:"nextTargetSeq"`
	LastSentAt     time.Time `json:"lastSentAt"`
	LastReceivedAt time.Time `json:"lastReceivedAt"`
}

// FreshState returns the counters of a brand new session.
func FreshState() State {
	return State{NextSenderSeq: 1, NextTargetSeq: 1}
}

// StoredMessage is one log entry. Entries are never mutated after append.
type StoredMessage struct {
	Seq    uint64    `json:"seq"`
	Raw    []byte    `json:"raw"`
	SentAt time.Time `json:"sentAt"`
}

// MessageStore is one session's partition. Append persists the counter
// state in the same atomic step as the log entry so a crash between the two
// cannot desynchronize sequence tracking.
type MessageStore interface {
	// State returns the counters as recovered at open or last saved.
	State() (State, error)

	// SaveState persists the counters without appending.
	SaveState(st State) error

	// Append writes one log entry and the counter state atomically.
	// Fails with ErrDuplicateSequence if msg.Seq exists in that direction.
	Append(dir Direction, msg StoredMessage, st State) error

	// Range streams entries with from <= Seq <= to in ascending order.
	// An empty range calls fn zero times and returns nil. A non-nil error
	// from fn stops the iteration and is returned.
	Range(dir Direction, from, to uint64, fn func(StoredMessage) error) error

	// Reset clears both logs and restores fresh counters. Only an explicit
	// operator action may call this.
	Reset() error

	// Close releases the partition for another engine to open.
	Close() error
}

// Factory opens exclusive partitions keyed by session identifier.
type Factory interface {
	Partition(sid fix.SessionID) (MessageStore, error)
	Close() error
}
