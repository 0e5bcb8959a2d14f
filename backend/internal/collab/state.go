package collab

import "errors"

var (
	ErrNoSession = errors.New("collab: no session")
	ErrNotJoined = errors.New("collab: not joined")
	ErrClosed    = errors.New("collab: manager closed")
)

// State is the lifecycle of the session bound to one open document.
type State int

const (
	StateNone State = iota
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// SyncStatus reflects the outcome of the latest content push.
type SyncStatus int

const (
	SyncIdle SyncStatus = iota
	SyncSaving
	SyncSaved
	SyncError
)

func (s SyncStatus) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncSaving:
		return "saving"
	case SyncSaved:
		return "saved"
	case SyncError:
		return "error"
	}
	return "unknown"
}
