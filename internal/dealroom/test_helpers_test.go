package dealroom

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

type sequenceIDGenerator struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

func newSteppingClock() *steppingClock {
	return &steppingClock{current: time.Unix(1700000000, 0).UTC(), step: time.Second}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(c.step)
	return c.current
}

func (c *steppingClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

type memoryStores struct {
	mu        sync.Mutex
	rooms     map[ProjectID]DealRoom
	drafts    map[string]Draft
	versions  map[ProjectID][]Version
	conflicts map[string]Conflict

	failRoomSave     error
	failVersionWrite error
	failDraftSave    error
	failConflicts    error
}

func newMemoryStores() *memoryStores {
	return &memoryStores{
		rooms:     make(map[ProjectID]DealRoom),
		drafts:    make(map[string]Draft),
		versions:  make(map[ProjectID][]Version),
		conflicts: make(map[string]Conflict),
	}
}

func (m *memoryStores) Stores() Stores {
	return Stores{
		DealRooms: memoryDealRooms{m},
		Drafts:    memoryDrafts{m},
		Versions:  memoryVersions{m},
		Conflicts: memoryConflicts{m},
	}
}

func draftKey(projectID ProjectID, sessionID SessionID) string {
	return projectID.String() + "/" + sessionID.String()
}

type memoryDealRooms struct{ m *memoryStores }

func (s memoryDealRooms) Get(_ context.Context, projectID ProjectID) (DealRoom, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	room, ok := s.m.rooms[projectID]
	if !ok {
		return DealRoom{}, newNotFoundError("deal room", projectID.String())
	}
	room.Fields = room.Fields.Clone()
	return room, nil
}

func (s memoryDealRooms) Save(_ context.Context, room DealRoom) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.failRoomSave != nil {
		return s.m.failRoomSave
	}
	room.Fields = room.Fields.Clone()
	s.m.rooms[room.ProjectID] = room
	return nil
}

type memoryDrafts struct{ m *memoryStores }

func (s memoryDrafts) Get(_ context.Context, projectID ProjectID, sessionID SessionID) (Draft, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	draft, ok := s.m.drafts[draftKey(projectID, sessionID)]
	if !ok {
		return Draft{}, newNotFoundError("draft", draftKey(projectID, sessionID))
	}
	draft.Data = draft.Data.Clone()
	return draft, nil
}

func (s memoryDrafts) Save(_ context.Context, draft Draft) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.failDraftSave != nil {
		return s.m.failDraftSave
	}
	draft.Data = draft.Data.Clone()
	s.m.drafts[draftKey(draft.ProjectID, draft.SessionID)] = draft
	return nil
}

func (s memoryDrafts) Delete(_ context.Context, projectID ProjectID, sessionID SessionID) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	delete(s.m.drafts, draftKey(projectID, sessionID))
	return nil
}

func (s memoryDrafts) DeleteUpdatedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var removed int64
	for key, draft := range s.m.drafts {
		if draft.UpdatedAt.Before(cutoff) {
			delete(s.m.drafts, key)
			removed++
		}
	}
	return removed, nil
}

type memoryVersions struct{ m *memoryStores }

func (s memoryVersions) Latest(_ context.Context, projectID ProjectID) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	log := s.m.versions[projectID]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].Number, nil
}

func (s memoryVersions) Append(_ context.Context, version Version) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.failVersionWrite != nil {
		return s.m.failVersionWrite
	}
	log := s.m.versions[version.ProjectID]
	if int64(len(log)) != version.Number-1 {
		return ErrVersionConflict
	}
	version.Snapshot = version.Snapshot.Clone()
	s.m.versions[version.ProjectID] = append(log, version)
	return nil
}

func (s memoryVersions) Get(_ context.Context, versionID string) (Version, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, log := range s.m.versions {
		for _, version := range log {
			if version.ID == versionID {
				return version, nil
			}
		}
	}
	return Version{}, newNotFoundError("version", versionID)
}

func (s memoryVersions) List(_ context.Context, projectID ProjectID, limit int) ([]Version, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	log := s.m.versions[projectID]
	listed := make([]Version, 0, len(log))
	for index := len(log) - 1; index >= 0 && len(listed) < limit; index-- {
		listed = append(listed, log[index])
	}
	return listed, nil
}

type memoryConflicts struct{ m *memoryStores }

func (s memoryConflicts) Create(_ context.Context, conflict Conflict) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.failConflicts != nil {
		return s.m.failConflicts
	}
	if _, exists := s.m.conflicts[conflict.ID]; exists {
		return errors.New("duplicate conflict id")
	}
	s.m.conflicts[conflict.ID] = conflict
	return nil
}

func (s memoryConflicts) Get(_ context.Context, conflictID string) (Conflict, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	conflict, ok := s.m.conflicts[conflictID]
	if !ok {
		return Conflict{}, newNotFoundError("conflict", conflictID)
	}
	return conflict, nil
}

func (s memoryConflicts) Save(_ context.Context, conflict Conflict) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.failConflicts != nil {
		return s.m.failConflicts
	}
	s.m.conflicts[conflict.ID] = conflict
	return nil
}

func (s memoryConflicts) FindUnresolved(ctx context.Context, projectID ProjectID, sessionID SessionID) (Conflict, error) {
	open, err := s.ListUnresolved(ctx, projectID)
	if err != nil {
		return Conflict{}, err
	}
	for _, conflict := range open {
		if conflict.SessionID == sessionID {
			return conflict, nil
		}
	}
	return Conflict{}, newNotFoundError("unresolved conflict", draftKey(projectID, sessionID))
}

func (s memoryConflicts) ListUnresolved(_ context.Context, projectID ProjectID) ([]Conflict, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.failConflicts != nil {
		return nil, s.m.failConflicts
	}
	open := make([]Conflict, 0)
	for _, conflict := range s.m.conflicts {
		if conflict.ProjectID == projectID && !conflict.IsResolved() {
			open = append(open, conflict)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.After(open[j].CreatedAt) })
	return open, nil
}

type testHarness struct {
	service *Service
	stores  *memoryStores
	clock   *steppingClock
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	stores := newMemoryStores()
	clock := newSteppingClock()
	service, err := NewService(ServiceConfig{
		Stores:     stores.Stores(),
		Clock:      clock.Now,
		IDProvider: &sequenceIDGenerator{prefix: "id"},
	})
	if err != nil {
		t.Fatalf("failed to construct dealroom service: %v", err)
	}
	return &testHarness{service: service, stores: stores, clock: clock}
}

func mustProjectID(t *testing.T, value string) ProjectID {
	t.Helper()
	id, err := NewProjectID(value)
	if err != nil {
		t.Fatalf("unexpected project id error: %v", err)
	}
	return id
}

func mustSessionID(t *testing.T, value string) SessionID {
	t.Helper()
	id, err := NewSessionID(value)
	if err != nil {
		t.Fatalf("unexpected session id error: %v", err)
	}
	return id
}

func (h *testHarness) saveDraft(t *testing.T, projectID ProjectID, sessionID SessionID, data DraftData) Draft {
	t.Helper()
	draft, err := h.service.SaveDraft(context.Background(), SaveDraftRequest{
		ProjectID: projectID,
		SessionID: sessionID,
		Data:      data,
		UserID:    "user-" + sessionID.String(),
	})
	if err != nil {
		t.Fatalf("unexpected save draft error: %v", err)
	}
	return draft
}

func (h *testHarness) publish(t *testing.T, projectID ProjectID, sessionID SessionID) PublishResult {
	t.Helper()
	result, err := h.service.Publish(context.Background(), projectID, sessionID, "")
	if err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	return result
}

func blurb(value string) DraftData {
	return DraftData{InvestmentBlurb: stringPointer(value)}
}
