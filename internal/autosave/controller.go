// Package autosave implements the editing-session client contract: it debounces
// local edits into draft saves, publishes on request, polls save status, offers
// recovery and surfaces conflicts for resolution.
package autosave

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/dealroom"
	"go.uber.org/zap"
)

// DefaultDebounce is the inactivity window before pending edits are autosaved.
const DefaultDebounce = 2500 * time.Millisecond

var (
	// ErrClosed is returned by every call made after Close.
	ErrClosed = errors.New("autosave: controller closed")
	// ErrUnresolvedConflict is returned by Publish while a conflict awaits resolution.
	ErrUnresolvedConflict = errors.New("autosave: conflict awaiting resolution")
	// ErrNoConflict is returned by Resolve when no conflict is pending.
	ErrNoConflict     = errors.New("autosave: no conflict to resolve")
	errMissingBackend = errors.New("autosave: backend is required")
	errMissingSession = errors.New("autosave: project and session are required")
)

// Status is the UI-facing persistence state of the session.
type Status string

const (
	// StatusSaving means a draft save is in flight.
	StatusSaving Status = "saving"
	// StatusUnsaved means local edits are waiting for the debounce window.
	StatusUnsaved Status = "unsaved"
	// StatusSaved means every local edit has reached the draft store.
	StatusSaved Status = "saved"
	// StatusConflict means a publish diverged; ConflictID names the record.
	StatusConflict Status = "conflict"
	// StatusError means the last save or publish failed.
	StatusError Status = "error"
)

// Backend is the server surface the controller drives. *dealroom.Service
// satisfies it directly; HTTPBackend satisfies it over the wire.
type Backend interface {
	SaveDraft(ctx context.Context, request dealroom.SaveDraftRequest) (dealroom.Draft, error)
	Publish(ctx context.Context, projectID dealroom.ProjectID, sessionID dealroom.SessionID, changeDescription string) (dealroom.PublishResult, error)
	GetSaveStatus(ctx context.Context, projectID dealroom.ProjectID, sessionID dealroom.SessionID) dealroom.SaveStatus
	RecoverUnsavedChanges(ctx context.Context, projectID dealroom.ProjectID, sessionID dealroom.SessionID) (*dealroom.Draft, error)
	ResolveConflict(ctx context.Context, request dealroom.ResolveConflictRequest) (dealroom.ResolveResult, error)
}

// Timer is the subset of *time.Timer the controller needs.
type Timer interface {
	Stop() bool
}

// State is a snapshot of the controller.
type State struct {
	Status                Status
	ConflictID            string
	DraftVersion          int64
	LastSaved             *time.Time
	HasUnpublishedChanges bool
	LastError             error
}

// Config wires a controller to one editing session.
type Config struct {
	Backend   Backend
	ProjectID dealroom.ProjectID
	SessionID dealroom.SessionID
	UserID    string
	Debounce  time.Duration
	// AfterFunc schedules the debounced autosave; defaults to time.AfterFunc.
	AfterFunc func(time.Duration, func()) Timer
	// OnChange observes every state transition.
	OnChange func(State)
	Logger   *zap.Logger
}

// Controller coordinates one editing session.
type Controller struct {
	backend   Backend
	projectID dealroom.ProjectID
	sessionID dealroom.SessionID
	userID    string
	debounce  time.Duration
	afterFunc func(time.Duration, func()) Timer
	onChange  func(State)
	logger    *zap.Logger

	// saveMu orders draft saves so the store sees edits in sequence.
	saveMu sync.Mutex

	mu      sync.Mutex
	pending dealroom.DraftData
	timer   Timer
	state   State
	closed  bool
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	if cfg.ProjectID == "" || cfg.SessionID == "" {
		return nil, errMissingSession
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	afterFunc := cfg.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		backend:   cfg.Backend,
		projectID: cfg.ProjectID,
		sessionID: cfg.SessionID,
		userID:    cfg.UserID,
		debounce:  debounce,
		afterFunc: afterFunc,
		onChange:  cfg.OnChange,
		logger:    logger,
		state:     State{Status: StatusSaved},
	}, nil
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Edit records a local change and restarts the debounce window. Array members
// replace earlier pending arrays wholesale.
func (c *Controller) Edit(data dealroom.DraftData) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending = c.pending.Merge(data)
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.afterFunc(c.debounce, c.autosave)
	if c.state.Status != StatusConflict {
		c.state.Status = StatusUnsaved
	}
	snapshot := c.state
	c.mu.Unlock()

	c.notify(snapshot)
	return nil
}

func (c *Controller) autosave() {
	if err := c.flush(context.Background(), true); err != nil {
		c.logger.Warn("autosave failed",
			zap.String("project_id", c.projectID.String()),
			zap.String("session_id", c.sessionID.String()),
			zap.Error(err))
	}
}

// Save persists pending edits immediately as an explicit save.
func (c *Controller) Save(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.stopTimerLocked()
	c.mu.Unlock()
	return c.flush(ctx, false)
}

func (c *Controller) flush(ctx context.Context, isAutoSave bool) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	if c.pending.IsEmpty() {
		c.mu.Unlock()
		return nil
	}
	data := c.pending
	c.pending = dealroom.DraftData{}
	previous := c.state.Status
	if previous != StatusConflict {
		c.state.Status = StatusSaving
	}
	snapshot := c.state
	c.mu.Unlock()
	c.notify(snapshot)

	draft, err := c.backend.SaveDraft(ctx, dealroom.SaveDraftRequest{
		ProjectID:  c.projectID,
		SessionID:  c.sessionID,
		Data:       data,
		IsAutoSave: isAutoSave,
		UserID:     c.userID,
	})

	c.mu.Lock()
	if err != nil {
		// Keep the failed edits under anything typed meanwhile.
		c.pending = data.Merge(c.pending)
		if previous != StatusConflict {
			c.state.Status = StatusError
		}
		c.state.LastError = err
	} else {
		c.state.DraftVersion = draft.Version
		c.state.LastSaved = timePointer(draft.UpdatedAt)
		c.state.HasUnpublishedChanges = true
		c.state.LastError = nil
		switch {
		case previous == StatusConflict:
			c.state.Status = StatusConflict
		case !c.pending.IsEmpty():
			c.state.Status = StatusUnsaved
		default:
			c.state.Status = StatusSaved
		}
	}
	snapshot = c.state
	c.mu.Unlock()
	c.notify(snapshot)
	return err
}

// Publish flushes pending edits and publishes the session's draft. A conflict
// moves the controller into StatusConflict; it is never retried automatically.
func (c *Controller) Publish(ctx context.Context, changeDescription string) (dealroom.PublishResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return dealroom.PublishResult{}, ErrClosed
	}
	if c.state.Status == StatusConflict {
		c.mu.Unlock()
		return dealroom.PublishResult{}, ErrUnresolvedConflict
	}
	c.stopTimerLocked()
	c.mu.Unlock()

	if err := c.flush(ctx, false); err != nil {
		return dealroom.PublishResult{}, err
	}

	result, err := c.backend.Publish(ctx, c.projectID, c.sessionID, changeDescription)

	c.mu.Lock()
	var conflictErr *dealroom.ConflictError
	switch {
	case errors.As(err, &conflictErr):
		c.state.Status = StatusConflict
		c.state.ConflictID = conflictErr.ConflictID
		c.state.LastError = err
	case err != nil:
		c.state.Status = StatusError
		c.state.LastError = err
	default:
		c.state.HasUnpublishedChanges = false
		c.state.LastError = nil
		if c.pending.IsEmpty() {
			c.state.Status = StatusSaved
		} else {
			c.state.Status = StatusUnsaved
		}
	}
	snapshot := c.state
	c.mu.Unlock()
	c.notify(snapshot)

	if err != nil {
		c.logger.Info("publish did not complete",
			zap.String("project_id", c.projectID.String()),
			zap.String("session_id", c.sessionID.String()),
			zap.Error(err))
		return dealroom.PublishResult{}, err
	}
	return result, nil
}

// Refresh polls the server-side save status and folds it into local state.
func (c *Controller) Refresh(ctx context.Context) (dealroom.SaveStatus, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return dealroom.SaveStatus{}, ErrClosed
	}
	c.mu.Unlock()

	status := c.backend.GetSaveStatus(ctx, c.projectID, c.sessionID)

	c.mu.Lock()
	c.state.HasUnpublishedChanges = status.HasUnsavedChanges
	switch status.Status {
	case dealroom.SaveStateConflict:
		c.state.Status = StatusConflict
		c.state.ConflictID = status.ConflictID
	case dealroom.SaveStateError:
		if c.state.Status != StatusConflict {
			c.state.Status = StatusError
		}
	default:
		c.state.ConflictID = ""
		if status.Version > 0 {
			c.state.DraftVersion = status.Version
			c.state.LastSaved = status.LastSaved
		}
		if c.state.Status == StatusConflict || c.state.Status == StatusError {
			c.state.Status = StatusSaved
		}
		if !c.pending.IsEmpty() {
			c.state.Status = StatusUnsaved
		}
	}
	snapshot := c.state
	c.mu.Unlock()
	c.notify(snapshot)
	return status, nil
}

// Recover returns the server draft holding unpublished edits, or nil.
func (c *Controller) Recover(ctx context.Context) (*dealroom.Draft, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	draft, err := c.backend.RecoverUnsavedChanges(ctx, c.projectID, c.sessionID)
	if err != nil {
		return nil, err
	}
	if draft != nil {
		c.mu.Lock()
		c.state.DraftVersion = draft.Version
		c.state.LastSaved = timePointer(draft.UpdatedAt)
		c.state.HasUnpublishedChanges = true
		snapshot := c.state
		c.mu.Unlock()
		c.notify(snapshot)
	}
	return draft, nil
}

// Resolve settles the pending conflict with the chosen strategy. customData,
// when set, forces the manual strategy.
func (c *Controller) Resolve(ctx context.Context, resolution dealroom.Resolution, customData *dealroom.Fields) (dealroom.ResolveResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return dealroom.ResolveResult{}, ErrClosed
	}
	conflictID := c.state.ConflictID
	c.mu.Unlock()
	if conflictID == "" {
		return dealroom.ResolveResult{}, ErrNoConflict
	}

	result, err := c.backend.ResolveConflict(ctx, dealroom.ResolveConflictRequest{
		ConflictID: conflictID,
		Resolution: resolution,
		CustomData: customData,
		UserID:     c.userID,
	})
	if err != nil && !errors.Is(err, dealroom.ErrAlreadyResolved) {
		c.mu.Lock()
		c.state.LastError = err
		c.mu.Unlock()
		return dealroom.ResolveResult{}, err
	}

	c.mu.Lock()
	c.state.ConflictID = ""
	c.state.HasUnpublishedChanges = false
	c.state.LastError = nil
	if c.pending.IsEmpty() {
		c.state.Status = StatusSaved
	} else {
		c.state.Status = StatusUnsaved
	}
	snapshot := c.state
	c.mu.Unlock()
	c.notify(snapshot)
	return result, err
}

// Close flushes pending edits and stops the controller.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.stopTimerLocked()
	c.mu.Unlock()

	err := c.flush(ctx, false)

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) notify(state State) {
	if c.onChange != nil {
		c.onChange(state)
	}
}

func timePointer(value time.Time) *time.Time {
	v := value
	return &v
}
