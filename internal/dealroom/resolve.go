package dealroom

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ResolveConflictRequest selects a strategy for an open conflict.
type ResolveConflictRequest struct {
	ConflictID string
	Resolution Resolution
	// CustomData forces the manual strategy when set.
	CustomData *Fields
	UserID     string
}

// ResolveResult is returned by a successful resolution.
type ResolveResult struct {
	DealRoom DealRoom `json:"deal_room"`
	Version  Version  `json:"version"`
	Conflict Conflict `json:"conflict"`
}

// ResolveConflict applies the chosen strategy to the deal room, appends a
// version and closes the conflict. use_local keeps the originating draft and
// advances its token; every other strategy deletes it.
func (s *Service) ResolveConflict(ctx context.Context, request ResolveConflictRequest) (ResolveResult, error) {
	conflictID := strings.TrimSpace(request.ConflictID)
	if conflictID == "" {
		return ResolveResult{}, newValidationError(FieldError{Field: fieldConflictID, Message: "is required"})
	}
	if request.CustomData != nil {
		if err := ValidateFields(*request.CustomData); err != nil {
			return ResolveResult{}, err
		}
	}

	conflict, err := s.loadConflict(ctx, opResolveConflict, conflictID)
	if err != nil {
		return ResolveResult{}, err
	}
	if conflict.IsResolved() {
		return ResolveResult{}, fmt.Errorf("%w: %s", ErrAlreadyResolved, conflictID)
	}

	unlock, err := s.lockProject(ctx, opResolveConflict, conflict.ProjectID)
	if err != nil {
		return ResolveResult{}, err
	}
	defer unlock()

	// Another resolver may have won the lock first.
	conflict, err = s.loadConflict(ctx, opResolveConflict, conflictID)
	if err != nil {
		return ResolveResult{}, err
	}
	if conflict.IsResolved() {
		return ResolveResult{}, fmt.Errorf("%w: %s", ErrAlreadyResolved, conflictID)
	}

	resolvedFields, effective, err := resolveFields(conflict, request.Resolution, request.CustomData)
	if err != nil {
		return ResolveResult{}, err
	}

	room, err := s.loadOrCreateDealRoom(ctx, opResolveConflict, conflict.ProjectID)
	if err != nil {
		return ResolveResult{}, err
	}
	room.Fields = resolvedFields
	room.UpdatedAt = s.now()
	if err := s.rooms.Save(ctx, room); err != nil {
		s.logError(opResolveConflict, "deal_room_save_failed", err,
			zap.String(fieldProjectID, conflict.ProjectID.String()),
			zap.String(fieldConflictID, conflictID))
		return ResolveResult{}, newServiceError(opResolveConflict, "deal_room_save_failed", err)
	}

	createdBy := strings.TrimSpace(request.UserID)
	draft, draftErr := s.drafts.Get(ctx, conflict.ProjectID, conflict.SessionID)
	if draftErr != nil && !errors.Is(draftErr, ErrNotFound) {
		s.logError(opResolveConflict, "draft_load_failed", draftErr,
			zap.String(fieldProjectID, conflict.ProjectID.String()),
			zap.String(fieldSessionID, conflict.SessionID.String()))
		return ResolveResult{}, newServiceError(opResolveConflict, "draft_load_failed", draftErr)
	}
	hasDraft := draftErr == nil
	if createdBy == "" && hasDraft {
		createdBy = draft.UserID
	}

	description := fmt.Sprintf("Conflict resolved using %s strategy", effective)
	version, err := s.appendVersion(ctx, opResolveConflict, room, description, createdBy)
	if err != nil {
		return ResolveResult{}, err
	}

	resolvedAt := s.now()
	conflict.ResolvedAt = timePointer(resolvedAt)
	conflict.Resolution = effective
	resolvedCopy := resolvedFields.Clone()
	conflict.ResolvedData = &resolvedCopy
	if err := s.conflicts.Save(ctx, conflict); err != nil {
		s.logError(opResolveConflict, "conflict_save_failed", err,
			zap.String(fieldConflictID, conflictID),
			zap.Int64(fieldVersionNumber, version.Number))
		return ResolveResult{}, newServiceError(opResolveConflict, "conflict_save_failed", err)
	}

	if err := s.settleDraft(ctx, effective, hasDraft, draft, conflict, version); err != nil {
		return ResolveResult{}, err
	}
	s.supersedeOpenConflicts(ctx, conflict, resolvedAt)

	s.loggerOrDefault().Info("conflict resolved",
		zap.String(fieldConflictID, conflictID),
		zap.String(fieldProjectID, conflict.ProjectID.String()),
		zap.String("resolution", string(effective)),
		zap.Int64(fieldVersionNumber, version.Number))

	return ResolveResult{DealRoom: room, Version: version, Conflict: conflict}, nil
}

func (s *Service) settleDraft(ctx context.Context, effective Resolution, hasDraft bool, draft Draft, conflict Conflict, version Version) error {
	if effective == ResolutionUseLocal {
		if !hasDraft {
			return nil
		}
		draft.markReconciled(version.Number, conflict.DraftVersion)
		if err := s.drafts.Save(ctx, draft); err != nil {
			s.logError(opResolveConflict, "draft_update_failed", err,
				zap.String(fieldProjectID, conflict.ProjectID.String()),
				zap.String(fieldSessionID, conflict.SessionID.String()))
			return newServiceError(opResolveConflict, "draft_update_failed", err)
		}
		return nil
	}
	if err := s.drafts.Delete(ctx, conflict.ProjectID, conflict.SessionID); err != nil {
		s.logError(opResolveConflict, "draft_delete_failed", err,
			zap.String(fieldProjectID, conflict.ProjectID.String()),
			zap.String(fieldSessionID, conflict.SessionID.String()))
		return newServiceError(opResolveConflict, "draft_delete_failed", err)
	}
	return nil
}

// supersedeOpenConflicts closes any other open conflict of the session. Their
// snapshots predate the resolution that just landed and must not be applied.
func (s *Service) supersedeOpenConflicts(ctx context.Context, resolved Conflict, resolvedAt time.Time) {
	open, err := s.conflicts.ListUnresolved(ctx, resolved.ProjectID)
	if err != nil {
		s.logError(opResolveConflict, "conflict_list_failed", err,
			zap.String(fieldProjectID, resolved.ProjectID.String()),
			zap.String(fieldConflictID, resolved.ID))
		return
	}
	for _, stale := range open {
		if stale.SessionID != resolved.SessionID || stale.ID == resolved.ID {
			continue
		}
		stale.ResolvedAt = timePointer(resolvedAt)
		stale.Resolution = ResolutionSuperseded
		if err := s.conflicts.Save(ctx, stale); err != nil {
			s.logError(opResolveConflict, "conflict_supersede_failed", err,
				zap.String(fieldConflictID, stale.ID))
			continue
		}
		s.loggerOrDefault().Info("conflict superseded",
			zap.String(fieldConflictID, stale.ID),
			zap.String("superseded_by", resolved.ID))
	}
}

// GetConflict returns one conflict record.
func (s *Service) GetConflict(ctx context.Context, conflictID string) (Conflict, error) {
	trimmed := strings.TrimSpace(conflictID)
	if trimmed == "" {
		return Conflict{}, newValidationError(FieldError{Field: fieldConflictID, Message: "is required"})
	}
	return s.loadConflict(ctx, opGetConflict, trimmed)
}

// ListUnresolvedConflicts returns the open conflicts of a project, newest first.
func (s *Service) ListUnresolvedConflicts(ctx context.Context, projectID ProjectID) ([]Conflict, error) {
	if _, err := NewProjectID(projectID.String()); err != nil {
		return nil, newValidationError(FieldError{Field: fieldProjectID, Message: err.Error()})
	}
	conflicts, err := s.conflicts.ListUnresolved(ctx, projectID)
	if err != nil {
		s.logError(opListConflicts, "query_failed", err, zap.String(fieldProjectID, projectID.String()))
		return nil, newServiceError(opListConflicts, "query_failed", err)
	}
	return conflicts, nil
}

func (s *Service) loadConflict(ctx context.Context, operation, conflictID string) (Conflict, error) {
	conflict, err := s.conflicts.Get(ctx, conflictID)
	if errors.Is(err, ErrNotFound) {
		return Conflict{}, err
	}
	if err != nil {
		s.logError(operation, "conflict_load_failed", err, zap.String(fieldConflictID, conflictID))
		return Conflict{}, newServiceError(operation, "conflict_load_failed", err)
	}
	return conflict, nil
}
