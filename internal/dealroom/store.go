package dealroom

import (
	"context"
	"time"
)

// DealRoomStore holds one published deal room per project.
type DealRoomStore interface {
	// Get returns an error wrapping ErrNotFound when the project has no deal room yet.
	Get(ctx context.Context, projectID ProjectID) (DealRoom, error)
	Save(ctx context.Context, room DealRoom) error
}

// DraftStore holds at most one draft per project and session.
type DraftStore interface {
	Get(ctx context.Context, projectID ProjectID, sessionID SessionID) (Draft, error)
	Save(ctx context.Context, draft Draft) error
	// Delete is a no-op when the draft does not exist.
	Delete(ctx context.Context, projectID ProjectID, sessionID SessionID) error
	DeleteUpdatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// VersionStore is the append-only log of published snapshots.
type VersionStore interface {
	// Latest returns the highest version number for the project, or 0.
	Latest(ctx context.Context, projectID ProjectID) (int64, error)
	// Append stores version only if the current latest number is version.Number-1,
	// otherwise it returns ErrVersionConflict.
	Append(ctx context.Context, version Version) error
	Get(ctx context.Context, versionID string) (Version, error)
	// List returns at most limit versions, most recent first.
	List(ctx context.Context, projectID ProjectID, limit int) ([]Version, error)
}

// ConflictStore holds detected divergence records.
type ConflictStore interface {
	Create(ctx context.Context, conflict Conflict) error
	Get(ctx context.Context, conflictID string) (Conflict, error)
	Save(ctx context.Context, conflict Conflict) error
	// FindUnresolved returns the most recent unresolved conflict for the session.
	FindUnresolved(ctx context.Context, projectID ProjectID, sessionID SessionID) (Conflict, error)
	ListUnresolved(ctx context.Context, projectID ProjectID) ([]Conflict, error)
}

// Stores groups the four repositories the orchestrator coordinates.
type Stores struct {
	DealRooms DealRoomStore
	Drafts    DraftStore
	Versions  VersionStore
	Conflicts ConflictStore
}

// ProjectLocker serializes publish-time sequences for one project.
type ProjectLocker interface {
	Lock(ctx context.Context, projectID ProjectID) (func(), error)
}
