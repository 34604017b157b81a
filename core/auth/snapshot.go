package auth

import "github.com/tekpounou/platform/core/user"

// SnapshotVersion is bumped whenever the persisted shape changes. Older snapshots are migrated or dropped
// by the Persister.
const SnapshotVersion = 1

// Snapshot is the durable subset of State. It only seeds the store on startup; Initialize always
// supersedes it.
type Snapshot struct {
	Version         int            `json:"version"`
	User            *user.Identity `json:"user"`
	Profile         *user.Profile  `json:"profile"`
	Session         *Session       `json:"session"`
	IsAuthenticated bool           `json:"isAuthenticated"`
}

// Persister is implemented by storage/snapshot.
type Persister interface {
	// Load returns false when nothing usable is stored.
	Load() (Snapshot, bool)
	Save(snap Snapshot) error
}

// Recorder observes store activity. Implemented by services/metrics.
type Recorder interface {
	ObserveAction(action string, err error)
	ObserveEvent(typ EventType, applied bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveAction(string, error)  {}
func (nopRecorder) ObserveEvent(EventType, bool) {}
