package dealroom

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// RestoreResult is returned by a successful restore.
type RestoreResult struct {
	DealRoom DealRoom `json:"deal_room"`
	Version  Version  `json:"version"`
}

// GetVersionHistory returns up to limit versions of the project, most recent first.
func (s *Service) GetVersionHistory(ctx context.Context, projectID ProjectID, limit int) ([]Version, error) {
	if _, err := NewProjectID(projectID.String()); err != nil {
		return nil, newValidationError(FieldError{Field: fieldProjectID, Message: err.Error()})
	}
	if limit <= 0 {
		limit = DefaultVersionHistoryLimit
	}
	versions, err := s.versions.List(ctx, projectID, limit)
	if err != nil {
		s.logError(opVersionHistory, "query_failed", err, zap.String(fieldProjectID, projectID.String()))
		return nil, newServiceError(opVersionHistory, "query_failed", err)
	}
	return versions, nil
}

// GetVersion returns one version, which must belong to the project.
func (s *Service) GetVersion(ctx context.Context, projectID ProjectID, versionID string) (Version, error) {
	return s.loadProjectVersion(ctx, opGetVersion, projectID, versionID)
}

// RestoreVersion writes a past snapshot back to the deal room as a new version
// and discards the session's draft.
func (s *Service) RestoreVersion(ctx context.Context, projectID ProjectID, versionID string, sessionID SessionID) (RestoreResult, error) {
	if err := validateKeys(projectID, sessionID); err != nil {
		return RestoreResult{}, err
	}

	unlock, err := s.lockProject(ctx, opRestoreVersion, projectID)
	if err != nil {
		return RestoreResult{}, err
	}
	defer unlock()

	target, err := s.loadProjectVersion(ctx, opRestoreVersion, projectID, versionID)
	if err != nil {
		return RestoreResult{}, err
	}

	room, err := s.loadOrCreateDealRoom(ctx, opRestoreVersion, projectID)
	if err != nil {
		return RestoreResult{}, err
	}
	room.Fields = target.Snapshot.Clone()
	room.UpdatedAt = s.now()
	if err := s.rooms.Save(ctx, room); err != nil {
		s.logError(opRestoreVersion, "deal_room_save_failed", err, zap.String(fieldProjectID, projectID.String()))
		return RestoreResult{}, newServiceError(opRestoreVersion, "deal_room_save_failed", err)
	}

	description := fmt.Sprintf("Restored to version %d", target.Number)
	version, err := s.appendVersion(ctx, opRestoreVersion, room, description, target.CreatedBy)
	if err != nil {
		return RestoreResult{}, err
	}

	if err := s.drafts.Delete(ctx, projectID, sessionID); err != nil {
		s.logError(opRestoreVersion, "draft_delete_failed", err,
			zap.String(fieldProjectID, projectID.String()),
			zap.String(fieldSessionID, sessionID.String()))
		return RestoreResult{}, newServiceError(opRestoreVersion, "draft_delete_failed", err)
	}

	s.loggerOrDefault().Info("deal room restored",
		zap.String(fieldProjectID, projectID.String()),
		zap.Int64("restored_from", target.Number),
		zap.Int64(fieldVersionNumber, version.Number))

	return RestoreResult{DealRoom: room, Version: version}, nil
}

func (s *Service) loadProjectVersion(ctx context.Context, operation string, projectID ProjectID, versionID string) (Version, error) {
	trimmed := strings.TrimSpace(versionID)
	if trimmed == "" {
		return Version{}, newValidationError(FieldError{Field: "version_id", Message: "is required"})
	}
	version, err := s.versions.Get(ctx, trimmed)
	if errors.Is(err, ErrNotFound) {
		return Version{}, err
	}
	if err != nil {
		s.logError(operation, "version_load_failed", err, zap.String("version_id", trimmed))
		return Version{}, newServiceError(operation, "version_load_failed", err)
	}
	if version.ProjectID != projectID {
		return Version{}, newNotFoundError("version", trimmed)
	}
	return version, nil
}
