package collab

import (
	"time"

	"go.uber.org/zap"

	"collabsync/backend/internal/session"
)

// Options tunes one Manager. Zero values fall back to DefaultOptions.
type Options struct {
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	// Debounce is the quiet period after the last edit before a push.
	Debounce time.Duration
	// SavedDisplay is how long SyncSaved is shown before returning to idle.
	SavedDisplay  time.Duration
	ActivityLimit int
	Role          session.Role
	Logger        *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 20 * time.Second,
		PollInterval:      2500 * time.Millisecond,
		Debounce:          800 * time.Millisecond,
		SavedDisplay:      1500 * time.Millisecond,
		ActivityLimit:     50,
		Role:              session.RoleEditor,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.Debounce <= 0 {
		o.Debounce = d.Debounce
	}
	if o.SavedDisplay <= 0 {
		o.SavedDisplay = d.SavedDisplay
	}
	if o.ActivityLimit <= 0 {
		o.ActivityLimit = d.ActivityLimit
	}
	if !o.Role.Valid() {
		o.Role = d.Role
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
