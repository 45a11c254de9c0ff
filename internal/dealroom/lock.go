package dealroom

import (
	"context"
	"sync"
)

// ProjectMutex is the in-process ProjectLocker used when no shared lock backend is configured.
type ProjectMutex struct {
	mu      sync.Mutex
	entries map[ProjectID]*projectLockEntry
}

type projectLockEntry struct {
	slot chan struct{}
	refs int
}

// NewProjectMutex constructs an empty per-project mutex table.
func NewProjectMutex() *ProjectMutex {
	return &ProjectMutex{entries: make(map[ProjectID]*projectLockEntry)}
}

// Lock blocks until the project is free or ctx is done.
func (m *ProjectMutex) Lock(ctx context.Context, projectID ProjectID) (func(), error) {
	m.mu.Lock()
	entry, ok := m.entries[projectID]
	if !ok {
		entry = &projectLockEntry{slot: make(chan struct{}, 1)}
		m.entries[projectID] = entry
	}
	entry.refs++
	m.mu.Unlock()

	select {
	case entry.slot <- struct{}{}:
	case <-ctx.Done():
		m.release(projectID, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.slot
			m.release(projectID, entry)
		})
	}, nil
}

func (m *ProjectMutex) release(projectID ProjectID, entry *projectLockEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(m.entries, projectID)
	}
}
