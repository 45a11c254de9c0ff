package autosave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/dealroom"
)

type manualTimer struct {
	stopped bool
}

func (t *manualTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

type manualScheduler struct {
	mu      sync.Mutex
	pending []func()
	timers  []*manualTimer
	delays  []time.Duration
}

func (s *manualScheduler) AfterFunc(delay time.Duration, callback func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &manualTimer{}
	s.pending = append(s.pending, callback)
	s.timers = append(s.timers, timer)
	s.delays = append(s.delays, delay)
	return timer
}

// fireLatest runs the most recently scheduled callback if it was not stopped.
func (s *manualScheduler) fireLatest(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		t.Fatalf("no timer scheduled")
	}
	index := len(s.pending) - 1
	callback := s.pending[index]
	timer := s.timers[index]
	s.mu.Unlock()
	if timer.stopped {
		t.Fatalf("latest timer was stopped")
	}
	callback()
}

type fakeBackend struct {
	mu            sync.Mutex
	saves         []dealroom.SaveDraftRequest
	saveErr       error
	publishCalls  int
	publishErr    error
	status        dealroom.SaveStatus
	recovered     *dealroom.Draft
	resolveCalls  []dealroom.ResolveConflictRequest
	resolveErr    error
	draftVersion  int64
	savedAt       time.Time
	lastPublished string
}

func (b *fakeBackend) SaveDraft(_ context.Context, request dealroom.SaveDraftRequest) (dealroom.Draft, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saves = append(b.saves, request)
	if b.saveErr != nil {
		return dealroom.Draft{}, b.saveErr
	}
	b.draftVersion++
	return dealroom.Draft{
		ProjectID:  request.ProjectID,
		SessionID:  request.SessionID,
		Data:       request.Data,
		Version:    b.draftVersion,
		IsAutoSave: request.IsAutoSave,
		UpdatedAt:  b.savedAt,
	}, nil
}

func (b *fakeBackend) Publish(_ context.Context, _ dealroom.ProjectID, _ dealroom.SessionID, changeDescription string) (dealroom.PublishResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishCalls++
	b.lastPublished = changeDescription
	if b.publishErr != nil {
		return dealroom.PublishResult{}, b.publishErr
	}
	return dealroom.PublishResult{Version: dealroom.Version{Number: int64(b.publishCalls)}}, nil
}

func (b *fakeBackend) GetSaveStatus(context.Context, dealroom.ProjectID, dealroom.SessionID) dealroom.SaveStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *fakeBackend) RecoverUnsavedChanges(context.Context, dealroom.ProjectID, dealroom.SessionID) (*dealroom.Draft, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recovered, nil
}

func (b *fakeBackend) ResolveConflict(_ context.Context, request dealroom.ResolveConflictRequest) (dealroom.ResolveResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolveCalls = append(b.resolveCalls, request)
	if b.resolveErr != nil {
		return dealroom.ResolveResult{}, b.resolveErr
	}
	return dealroom.ResolveResult{Version: dealroom.Version{Number: 2}}, nil
}

func newFakeController(t *testing.T, backend Backend) (*Controller, *manualScheduler, *[]State) {
	t.Helper()
	scheduler := &manualScheduler{}
	var transitions []State
	controller, err := NewController(Config{
		Backend:   backend,
		ProjectID: "project-1",
		SessionID: "session-1",
		UserID:    "user-1",
		AfterFunc: scheduler.AfterFunc,
		OnChange:  func(state State) { transitions = append(transitions, state) },
	})
	if err != nil {
		t.Fatalf("failed to build controller: %v", err)
	}
	return controller, scheduler, &transitions
}

func blurb(value string) dealroom.DraftData {
	return dealroom.DraftData{InvestmentBlurb: &value}
}

func summary(value string) dealroom.DraftData {
	return dealroom.DraftData{InvestmentSummary: &value}
}

func TestNewControllerRequiresBackendAndSession(t *testing.T) {
	if _, err := NewController(Config{ProjectID: "p", SessionID: "s"}); err == nil {
		t.Fatalf("expected missing backend error")
	}
	if _, err := NewController(Config{Backend: &fakeBackend{}, ProjectID: "p"}); err == nil {
		t.Fatalf("expected missing session error")
	}
}

func TestEditSchedulesDebouncedAutosave(t *testing.T) {
	backend := &fakeBackend{savedAt: time.Unix(1700000000, 0).UTC()}
	controller, scheduler, transitions := newFakeController(t, backend)

	if err := controller.Edit(blurb("first")); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if controller.State().Status != StatusUnsaved {
		t.Fatalf("expected unsaved after edit, got %s", controller.State().Status)
	}
	if scheduler.delays[0] != DefaultDebounce {
		t.Fatalf("expected default debounce, got %v", scheduler.delays[0])
	}

	scheduler.fireLatest(t)

	if len(backend.saves) != 1 || !backend.saves[0].IsAutoSave {
		t.Fatalf("expected one autosave, got %#v", backend.saves)
	}
	if backend.saves[0].UserID != "user-1" {
		t.Fatalf("expected user id to be forwarded, got %q", backend.saves[0].UserID)
	}
	state := controller.State()
	if state.Status != StatusSaved || state.DraftVersion != 1 || !state.HasUnpublishedChanges {
		t.Fatalf("unexpected state after autosave %#v", state)
	}
	if state.LastSaved == nil || !state.LastSaved.Equal(backend.savedAt) {
		t.Fatalf("expected last saved to follow the draft timestamp, got %v", state.LastSaved)
	}

	seen := make([]Status, 0, len(*transitions))
	for _, transition := range *transitions {
		seen = append(seen, transition.Status)
	}
	want := []Status{StatusUnsaved, StatusSaving, StatusSaved}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("expected transitions %v, got %v", want, seen)
	}
}

func TestEditsWithinDebounceCoalesce(t *testing.T) {
	backend := &fakeBackend{}
	controller, scheduler, _ := newFakeController(t, backend)

	_ = controller.Edit(blurb("draft one"))
	_ = controller.Edit(summary("summary"))
	_ = controller.Edit(blurb("draft two"))

	if !scheduler.timers[0].stopped || !scheduler.timers[1].stopped {
		t.Fatalf("expected earlier timers to be stopped")
	}
	scheduler.fireLatest(t)

	if len(backend.saves) != 1 {
		t.Fatalf("expected a single coalesced save, got %d", len(backend.saves))
	}
	data := backend.saves[0].Data
	if data.InvestmentBlurb == nil || *data.InvestmentBlurb != "draft two" {
		t.Fatalf("expected latest blurb, got %#v", data.InvestmentBlurb)
	}
	if data.InvestmentSummary == nil || *data.InvestmentSummary != "summary" {
		t.Fatalf("expected summary to be carried, got %#v", data.InvestmentSummary)
	}
}

func TestPendingArraysAreReplacedNotAppended(t *testing.T) {
	backend := &fakeBackend{}
	controller, _, _ := newFakeController(t, backend)

	first := []dealroom.KeyInfoItem{{Name: "A"}, {Name: "B"}}
	second := []dealroom.KeyInfoItem{{Name: "C"}}
	_ = controller.Edit(dealroom.DraftData{KeyInfo: &first})
	_ = controller.Edit(dealroom.DraftData{KeyInfo: &second})

	if err := controller.Save(context.Background()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	saved := backend.saves[0]
	if saved.IsAutoSave {
		t.Fatalf("explicit save must not be flagged as autosave")
	}
	if len(*saved.Data.KeyInfo) != 1 || (*saved.Data.KeyInfo)[0].Name != "C" {
		t.Fatalf("expected replaced key info, got %#v", *saved.Data.KeyInfo)
	}
}

func TestFailedSaveKeepsEditsForRetry(t *testing.T) {
	backend := &fakeBackend{saveErr: errors.New("network down")}
	controller, _, _ := newFakeController(t, backend)

	_ = controller.Edit(blurb("kept"))
	if err := controller.Save(context.Background()); err == nil {
		t.Fatalf("expected save error")
	}
	state := controller.State()
	if state.Status != StatusError || state.LastError == nil {
		t.Fatalf("expected error state, got %#v", state)
	}

	backend.saveErr = nil
	_ = controller.Edit(summary("added later"))
	if err := controller.Save(context.Background()); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	retried := backend.saves[len(backend.saves)-1].Data
	if retried.InvestmentBlurb == nil || *retried.InvestmentBlurb != "kept" {
		t.Fatalf("expected failed edit to be retried, got %#v", retried.InvestmentBlurb)
	}
	if retried.InvestmentSummary == nil {
		t.Fatalf("expected newer edit to be included")
	}
	if controller.State().Status != StatusSaved {
		t.Fatalf("expected saved after retry, got %s", controller.State().Status)
	}
}

func TestSaveWithNothingPendingIsNoOp(t *testing.T) {
	backend := &fakeBackend{}
	controller, _, _ := newFakeController(t, backend)
	if err := controller.Save(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(backend.saves) != 0 {
		t.Fatalf("expected no backend call, got %d", len(backend.saves))
	}
}

func TestPublishFlushesPendingEditsFirst(t *testing.T) {
	backend := &fakeBackend{}
	controller, scheduler, _ := newFakeController(t, backend)

	_ = controller.Edit(blurb("ready"))
	result, err := controller.Publish(context.Background(), "launch copy")
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if len(backend.saves) != 1 || backend.saves[0].IsAutoSave {
		t.Fatalf("expected one explicit save before publish, got %#v", backend.saves)
	}
	if !scheduler.timers[0].stopped {
		t.Fatalf("expected pending autosave timer to be cancelled")
	}
	if result.Version.Number != 1 || backend.lastPublished != "launch copy" {
		t.Fatalf("unexpected publish result %#v", result)
	}
	state := controller.State()
	if state.Status != StatusSaved || state.HasUnpublishedChanges {
		t.Fatalf("unexpected state after publish %#v", state)
	}
}

func TestPublishConflictIsNotRetried(t *testing.T) {
	backend := &fakeBackend{publishErr: &dealroom.ConflictError{ConflictID: "conflict-1"}}
	controller, _, _ := newFakeController(t, backend)

	_ = controller.Edit(blurb("stale"))
	_, err := controller.Publish(context.Background(), "")
	if !errors.Is(err, dealroom.ErrConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	state := controller.State()
	if state.Status != StatusConflict || state.ConflictID != "conflict-1" {
		t.Fatalf("expected conflict state, got %#v", state)
	}

	if _, err := controller.Publish(context.Background(), ""); !errors.Is(err, ErrUnresolvedConflict) {
		t.Fatalf("expected unresolved conflict error, got %v", err)
	}
	if backend.publishCalls != 1 {
		t.Fatalf("expected a single publish attempt, got %d", backend.publishCalls)
	}

	// Edits keep flowing to the draft while the conflict is open.
	_ = controller.Edit(summary("still typing"))
	if controller.State().Status != StatusConflict {
		t.Fatalf("expected conflict to stay visible during edits")
	}
	if err := controller.Save(context.Background()); err != nil {
		t.Fatalf("save during conflict failed: %v", err)
	}
	if controller.State().Status != StatusConflict {
		t.Fatalf("expected conflict to survive a save")
	}
}

func TestResolveClearsConflict(t *testing.T) {
	backend := &fakeBackend{publishErr: &dealroom.ConflictError{ConflictID: "conflict-7"}}
	controller, _, _ := newFakeController(t, backend)

	if _, err := controller.Resolve(context.Background(), dealroom.ResolutionMerge, nil); !errors.Is(err, ErrNoConflict) {
		t.Fatalf("expected no conflict error, got %v", err)
	}

	_ = controller.Edit(blurb("stale"))
	_, _ = controller.Publish(context.Background(), "")

	result, err := controller.Resolve(context.Background(), dealroom.ResolutionMerge, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if result.Version.Number != 2 {
		t.Fatalf("unexpected resolve result %#v", result)
	}
	request := backend.resolveCalls[0]
	if request.ConflictID != "conflict-7" || request.Resolution != dealroom.ResolutionMerge || request.UserID != "user-1" {
		t.Fatalf("unexpected resolve request %#v", request)
	}
	state := controller.State()
	if state.Status != StatusSaved || state.ConflictID != "" {
		t.Fatalf("expected conflict to be cleared, got %#v", state)
	}
}

func TestResolveTreatsAlreadyResolvedAsCleared(t *testing.T) {
	backend := &fakeBackend{
		publishErr: &dealroom.ConflictError{ConflictID: "conflict-9"},
		resolveErr: fmt.Errorf("%w: conflict-9", dealroom.ErrAlreadyResolved),
	}
	controller, _, _ := newFakeController(t, backend)
	_ = controller.Edit(blurb("stale"))
	_, _ = controller.Publish(context.Background(), "")

	_, err := controller.Resolve(context.Background(), dealroom.ResolutionUseServer, nil)
	if !errors.Is(err, dealroom.ErrAlreadyResolved) {
		t.Fatalf("expected already resolved to be reported, got %v", err)
	}
	if controller.State().Status != StatusSaved {
		t.Fatalf("expected conflict state to be cleared, got %s", controller.State().Status)
	}
}

func TestResolveFailureKeepsConflict(t *testing.T) {
	backend := &fakeBackend{
		publishErr: &dealroom.ConflictError{ConflictID: "conflict-3"},
		resolveErr: errors.New("server unavailable"),
	}
	controller, _, _ := newFakeController(t, backend)
	_ = controller.Edit(blurb("stale"))
	_, _ = controller.Publish(context.Background(), "")

	if _, err := controller.Resolve(context.Background(), dealroom.ResolutionUseLocal, nil); err == nil {
		t.Fatalf("expected resolve error")
	}
	state := controller.State()
	if state.Status != StatusConflict || state.ConflictID != "conflict-3" {
		t.Fatalf("expected conflict to remain, got %#v", state)
	}
}

func TestRefreshFoldsServerStatus(t *testing.T) {
	lastSaved := time.Unix(1700000100, 0).UTC()
	backend := &fakeBackend{status: dealroom.SaveStatus{
		Status:            dealroom.SaveStateConflict,
		HasUnsavedChanges: true,
		ConflictID:        "conflict-remote",
	}}
	controller, _, _ := newFakeController(t, backend)

	if _, err := controller.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	state := controller.State()
	if state.Status != StatusConflict || state.ConflictID != "conflict-remote" {
		t.Fatalf("expected remote conflict to surface, got %#v", state)
	}

	backend.status = dealroom.SaveStatus{Status: dealroom.SaveStateSaved, Version: 4, LastSaved: &lastSaved}
	if _, err := controller.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	state = controller.State()
	if state.Status != StatusSaved || state.ConflictID != "" || state.DraftVersion != 4 || state.HasUnpublishedChanges {
		t.Fatalf("unexpected state after clean refresh %#v", state)
	}
}

func TestRecoverReportsServerDraft(t *testing.T) {
	backend := &fakeBackend{recovered: &dealroom.Draft{Version: 6, UpdatedAt: time.Unix(1700000200, 0).UTC()}}
	controller, _, _ := newFakeController(t, backend)

	draft, err := controller.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if draft == nil || draft.Version != 6 {
		t.Fatalf("unexpected recovered draft %#v", draft)
	}
	state := controller.State()
	if state.DraftVersion != 6 || !state.HasUnpublishedChanges {
		t.Fatalf("unexpected state after recovery %#v", state)
	}
}

func TestCloseFlushesAndRejectsFurtherCalls(t *testing.T) {
	backend := &fakeBackend{}
	controller, _, _ := newFakeController(t, backend)

	_ = controller.Edit(blurb("last words"))
	if err := controller.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if len(backend.saves) != 1 {
		t.Fatalf("expected close to flush, got %d saves", len(backend.saves))
	}
	if err := controller.Edit(blurb("too late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if _, err := controller.Publish(context.Background(), ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error on publish, got %v", err)
	}
	if err := controller.Close(context.Background()); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}

func newServiceBackend(t *testing.T) *dealroom.Service {
	t.Helper()
	dsn := fmt.Sprintf("file:autosave_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(dealroom.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	service, err := dealroom.NewService(dealroom.ServiceConfig{
		Stores:     dealroom.NewGormStores(db),
		IDProvider: dealroom.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func TestControllersAgainstServiceSurfaceConflicts(t *testing.T) {
	service := newServiceBackend(t)
	ctx := context.Background()

	build := func(sessionID dealroom.SessionID, userID string) *Controller {
		controller, err := NewController(Config{
			Backend:   service,
			ProjectID: "project-shared",
			SessionID: sessionID,
			UserID:    userID,
			AfterFunc: (&manualScheduler{}).AfterFunc,
		})
		if err != nil {
			t.Fatalf("failed to build controller: %v", err)
		}
		return controller
	}
	alice := build("session-a", "alice")
	bob := build("session-b", "bob")

	_ = alice.Edit(blurb("Alice"))
	_ = bob.Edit(blurb("Bob"))
	if err := alice.Save(ctx); err != nil {
		t.Fatalf("alice save failed: %v", err)
	}
	if err := bob.Save(ctx); err != nil {
		t.Fatalf("bob save failed: %v", err)
	}

	if _, err := alice.Publish(ctx, "alice publishes"); err != nil {
		t.Fatalf("alice publish failed: %v", err)
	}
	if _, err := bob.Publish(ctx, "bob publishes"); !errors.Is(err, dealroom.ErrConflict) {
		t.Fatalf("expected bob to hit a conflict, got %v", err)
	}

	status, err := bob.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if status.Status != dealroom.SaveStateConflict || status.ConflictID != bob.State().ConflictID {
		t.Fatalf("expected server to report the same conflict, got %#v", status)
	}

	result, err := bob.Resolve(ctx, dealroom.ResolutionUseLocal, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if result.DealRoom.InvestmentBlurb != "Bob" || result.Version.Number != 2 {
		t.Fatalf("unexpected resolution %#v", result)
	}
	if bob.State().Status != StatusSaved {
		t.Fatalf("expected bob to be saved after resolving, got %s", bob.State().Status)
	}
}
