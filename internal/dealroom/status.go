package dealroom

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// GetSaveStatus projects the persistence state of one editing session. It never
// fails: any internal error collapses to SaveStateError with unsaved changes,
// so clients treat the state as unsafe.
func (s *Service) GetSaveStatus(ctx context.Context, projectID ProjectID, sessionID SessionID) SaveStatus {
	status, err := s.saveStatus(ctx, projectID, sessionID)
	if err != nil {
		s.logError(opSaveStatus, "projection_failed", err,
			zap.String(fieldProjectID, projectID.String()),
			zap.String(fieldSessionID, sessionID.String()))
		return SaveStatus{Status: SaveStateError, HasUnsavedChanges: true}
	}
	return status
}

func (s *Service) saveStatus(ctx context.Context, projectID ProjectID, sessionID SessionID) (SaveStatus, error) {
	if err := validateKeys(projectID, sessionID); err != nil {
		return SaveStatus{}, err
	}

	conflict, err := s.conflicts.FindUnresolved(ctx, projectID, sessionID)
	if err == nil {
		return SaveStatus{
			Status:            SaveStateConflict,
			HasUnsavedChanges: true,
			ConflictID:        conflict.ID,
		}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return SaveStatus{}, err
	}

	draft, err := s.drafts.Get(ctx, projectID, sessionID)
	if errors.Is(err, ErrNotFound) {
		return SaveStatus{Status: SaveStateSaved, HasUnsavedChanges: false, Version: 0}, nil
	}
	if err != nil {
		return SaveStatus{}, err
	}

	status := SaveStatus{
		Status:            SaveStateSaved,
		HasUnsavedChanges: draft.HasUnsavedChanges(),
		Version:           draft.Version,
		LastSaved:         timePointer(draft.UpdatedAt),
	}
	if status.HasUnsavedChanges {
		status.Status = SaveStateUnsaved
	}
	if draft.IsAutoSave {
		status.LastAutoSave = timePointer(draft.UpdatedAt)
	}
	return status, nil
}

// RecoverUnsavedChanges returns the session's draft only when it carries
// unpublished edits; otherwise it returns nil.
func (s *Service) RecoverUnsavedChanges(ctx context.Context, projectID ProjectID, sessionID SessionID) (*Draft, error) {
	if err := validateKeys(projectID, sessionID); err != nil {
		return nil, err
	}
	draft, err := s.drafts.Get(ctx, projectID, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opRecoverDraft, "draft_load_failed", err,
			zap.String(fieldProjectID, projectID.String()),
			zap.String(fieldSessionID, sessionID.String()))
		return nil, newServiceError(opRecoverDraft, "draft_load_failed", err)
	}
	if !draft.HasUnsavedChanges() {
		return nil, nil
	}
	return &draft, nil
}
