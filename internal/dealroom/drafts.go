package dealroom

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// SaveDraftRequest carries one draft save from an editing session.
type SaveDraftRequest struct {
	ProjectID  ProjectID
	SessionID  SessionID
	Data       DraftData
	IsAutoSave bool
	UserID     string
}

// SaveDraft validates the present fields and merges them into the session's
// draft, creating it on first save. Each call bumps the draft version by one.
func (s *Service) SaveDraft(ctx context.Context, request SaveDraftRequest) (Draft, error) {
	if err := validateKeys(request.ProjectID, request.SessionID); err != nil {
		return Draft{}, err
	}
	if err := ValidateDraftData(request.Data); err != nil {
		return Draft{}, err
	}

	now := s.now()
	draft, err := s.drafts.Get(ctx, request.ProjectID, request.SessionID)
	switch {
	case errors.Is(err, ErrNotFound):
		baseVersion, latestErr := s.versions.Latest(ctx, request.ProjectID)
		if latestErr != nil {
			s.logError(opSaveDraft, "latest_version_failed", latestErr, zap.String(fieldProjectID, request.ProjectID.String()))
			return Draft{}, newServiceError(opSaveDraft, "latest_version_failed", latestErr)
		}
		draft = Draft{
			ProjectID:   request.ProjectID,
			SessionID:   request.SessionID,
			Data:        request.Data.Clone(),
			Version:     1,
			BaseVersion: baseVersion,
			CreatedAt:   now,
		}
	case err != nil:
		s.logError(opSaveDraft, "draft_load_failed", err,
			zap.String(fieldProjectID, request.ProjectID.String()),
			zap.String(fieldSessionID, request.SessionID.String()))
		return Draft{}, newServiceError(opSaveDraft, "draft_load_failed", err)
	default:
		draft.Data = draft.Data.Merge(request.Data)
		draft.Version++
	}

	draft.IsAutoSave = request.IsAutoSave
	draft.UpdatedAt = now
	if userID := strings.TrimSpace(request.UserID); userID != "" {
		draft.UserID = userID
	}

	if err := s.drafts.Save(ctx, draft); err != nil {
		s.logError(opSaveDraft, "draft_save_failed", err,
			zap.String(fieldProjectID, request.ProjectID.String()),
			zap.String(fieldSessionID, request.SessionID.String()))
		return Draft{}, newServiceError(opSaveDraft, "draft_save_failed", err)
	}
	return draft, nil
}

// GetDraft returns the session's draft or an error wrapping ErrNotFound.
func (s *Service) GetDraft(ctx context.Context, projectID ProjectID, sessionID SessionID) (Draft, error) {
	if err := validateKeys(projectID, sessionID); err != nil {
		return Draft{}, err
	}
	draft, err := s.drafts.Get(ctx, projectID, sessionID)
	if errors.Is(err, ErrNotFound) {
		return Draft{}, err
	}
	if err != nil {
		s.logError(opGetDraft, "draft_load_failed", err,
			zap.String(fieldProjectID, projectID.String()),
			zap.String(fieldSessionID, sessionID.String()))
		return Draft{}, newServiceError(opGetDraft, "draft_load_failed", err)
	}
	return draft, nil
}

// DiscardDraft drops the session's draft. Missing drafts are not an error.
func (s *Service) DiscardDraft(ctx context.Context, projectID ProjectID, sessionID SessionID) error {
	if err := validateKeys(projectID, sessionID); err != nil {
		return err
	}
	if err := s.drafts.Delete(ctx, projectID, sessionID); err != nil {
		s.logError(opDiscardDraft, "draft_delete_failed", err,
			zap.String(fieldProjectID, projectID.String()),
			zap.String(fieldSessionID, sessionID.String()))
		return newServiceError(opDiscardDraft, "draft_delete_failed", err)
	}
	return nil
}

// CleanupExpiredDrafts removes drafts untouched for longer than the retention
// window and returns how many were removed.
func (s *Service) CleanupExpiredDrafts(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.draftRetention)
	removed, err := s.drafts.DeleteUpdatedBefore(ctx, cutoff)
	if err != nil {
		s.logError(opCleanupDrafts, "draft_delete_failed", err, zap.Time("cutoff", cutoff))
		return 0, newServiceError(opCleanupDrafts, "draft_delete_failed", err)
	}
	s.loggerOrDefault().Info("expired drafts removed",
		zap.Int64("removed", removed),
		zap.Time("cutoff", cutoff))
	return removed, nil
}
