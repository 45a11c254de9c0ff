package dealroom

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

const defaultPublishDescription = "Published changes"

// PublishResult is returned by a successful publish.
type PublishResult struct {
	DealRoom DealRoom `json:"deal_room"`
	Version  Version  `json:"version"`
}

// Publish applies the session's draft to the deal room and appends a version.
//
// When the published log moved past the draft's expected version and any
// present draft field differs from the live value, a Conflict is recorded and a
// *ConflictError is returned; nothing else is written in that case. Publish is
// not idempotent: every successful call appends a new version.
func (s *Service) Publish(ctx context.Context, projectID ProjectID, sessionID SessionID, changeDescription string) (PublishResult, error) {
	if err := validateKeys(projectID, sessionID); err != nil {
		return PublishResult{}, err
	}

	unlock, err := s.lockProject(ctx, opPublish, projectID)
	if err != nil {
		return PublishResult{}, err
	}
	defer unlock()

	draft, err := s.drafts.Get(ctx, projectID, sessionID)
	if errors.Is(err, ErrNotFound) {
		return PublishResult{}, err
	}
	if err != nil {
		s.logError(opPublish, "draft_load_failed", err,
			zap.String(fieldProjectID, projectID.String()),
			zap.String(fieldSessionID, sessionID.String()))
		return PublishResult{}, newServiceError(opPublish, "draft_load_failed", err)
	}

	room, err := s.loadOrCreateDealRoom(ctx, opPublish, projectID)
	if err != nil {
		return PublishResult{}, err
	}

	latest, err := s.versions.Latest(ctx, projectID)
	if err != nil {
		s.logError(opPublish, "latest_version_failed", err, zap.String(fieldProjectID, projectID.String()))
		return PublishResult{}, newServiceError(opPublish, "latest_version_failed", err)
	}

	if expected := draft.ExpectedVersion(); latest > expected {
		if diverging := DetectConflicts(draft.Data, room.Fields); len(diverging) > 0 {
			return PublishResult{}, s.recordConflict(ctx, draft, room, expected, latest, diverging)
		}
	}

	room.Fields = draft.Data.ApplyTo(room.Fields)
	room.UpdatedAt = s.now()
	if err := s.rooms.Save(ctx, room); err != nil {
		s.logError(opPublish, "deal_room_save_failed", err, zap.String(fieldProjectID, projectID.String()))
		return PublishResult{}, newServiceError(opPublish, "deal_room_save_failed", err)
	}

	description := strings.TrimSpace(changeDescription)
	if description == "" {
		description = defaultPublishDescription
	}
	version, err := s.appendVersion(ctx, opPublish, room, description, draft.UserID)
	if err != nil {
		return PublishResult{}, err
	}

	draft.markReconciled(version.Number, draft.Version)
	if err := s.drafts.Save(ctx, draft); err != nil {
		// The version is durable; a stale token only makes the next publish re-check for conflicts.
		s.logError(opPublish, "draft_update_failed", err,
			zap.String(fieldProjectID, projectID.String()),
			zap.String(fieldSessionID, sessionID.String()),
			zap.Int64(fieldVersionNumber, version.Number))
	}

	s.loggerOrDefault().Info("deal room published",
		zap.String(fieldProjectID, projectID.String()),
		zap.String(fieldSessionID, sessionID.String()),
		zap.Int64(fieldVersionNumber, version.Number))

	return PublishResult{DealRoom: room, Version: version}, nil
}

func (s *Service) recordConflict(ctx context.Context, draft Draft, room DealRoom, expected, latest int64, diverging []FieldName) error {
	conflict, reused, err := s.openConflictFor(ctx, draft)
	if err != nil {
		return err
	}
	conflict.LocalVersion = expected
	conflict.ServerVersion = latest
	conflict.DraftVersion = draft.Version
	conflict.LocalData = draft.Data.ApplyTo(room.Fields)
	conflict.ServerData = room.Fields.Clone()
	conflict.ConflictFields = diverging

	reason := "conflict_create_failed"
	if reused {
		reason = "conflict_update_failed"
		err = s.conflicts.Save(ctx, conflict)
	} else {
		err = s.conflicts.Create(ctx, conflict)
	}
	if err != nil {
		s.logError(opPublish, reason, err,
			zap.String(fieldProjectID, draft.ProjectID.String()),
			zap.String(fieldSessionID, draft.SessionID.String()))
		return newServiceError(opPublish, reason, err)
	}

	fieldNames := make([]string, 0, len(diverging))
	for _, field := range diverging {
		fieldNames = append(fieldNames, string(field))
	}
	s.loggerOrDefault().Warn("publish conflict detected",
		zap.String(fieldProjectID, draft.ProjectID.String()),
		zap.String(fieldSessionID, draft.SessionID.String()),
		zap.String(fieldConflictID, conflict.ID),
		zap.Bool("reused", reused),
		zap.Int64("local_version", expected),
		zap.Int64("server_version", latest),
		zap.Strings("conflict_fields", fieldNames))

	return &ConflictError{ConflictID: conflict.ID, Fields: diverging}
}

// openConflictFor returns the session's open conflict when one exists, so a
// repeated stale publish refreshes it instead of opening a second one.
func (s *Service) openConflictFor(ctx context.Context, draft Draft) (Conflict, bool, error) {
	existing, err := s.conflicts.FindUnresolved(ctx, draft.ProjectID, draft.SessionID)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		s.logError(opPublish, "conflict_lookup_failed", err,
			zap.String(fieldProjectID, draft.ProjectID.String()),
			zap.String(fieldSessionID, draft.SessionID.String()))
		return Conflict{}, false, newServiceError(opPublish, "conflict_lookup_failed", err)
	}

	conflictID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opPublish, "id_generation_failed", err, zap.String(fieldProjectID, draft.ProjectID.String()))
		return Conflict{}, false, newServiceError(opPublish, "id_generation_failed", err)
	}
	return Conflict{
		ID:        conflictID,
		ProjectID: draft.ProjectID,
		SessionID: draft.SessionID,
		Type:      ConflictTypeConcurrentEdit,
		CreatedAt: s.now(),
	}, false, nil
}
