package dealroom

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingStore      = errors.New("all four stores are required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew       = "dealroom.service.new"
	opGetDealRoom      = "dealroom.get_deal_room"
	opSaveDraft        = "dealroom.save_draft"
	opGetDraft         = "dealroom.get_draft"
	opDiscardDraft     = "dealroom.discard_draft"
	opPublish          = "dealroom.publish"
	opResolveConflict  = "dealroom.resolve_conflict"
	opGetConflict      = "dealroom.get_conflict"
	opListConflicts    = "dealroom.list_conflicts"
	opVersionHistory   = "dealroom.version_history"
	opGetVersion       = "dealroom.get_version"
	opRestoreVersion   = "dealroom.restore_version"
	opSaveStatus       = "dealroom.save_status"
	opRecoverDraft     = "dealroom.recover_unsaved_changes"
	opCleanupDrafts    = "dealroom.cleanup_expired_drafts"
	fieldProjectID     = "project_id"
	fieldSessionID     = "session_id"
	fieldConflictID    = "conflict_id"
	fieldVersionNumber = "version"

	// DefaultDraftRetention is how long an untouched draft survives the retention sweep.
	DefaultDraftRetention = 30 * 24 * time.Hour
	// DefaultVersionHistoryLimit caps version history pages when no limit is given.
	DefaultVersionHistoryLimit = 20
)

// ServiceConfig describes the collaborators of the orchestrator.
type ServiceConfig struct {
	Stores
	Locker         ProjectLocker
	Clock          func() time.Time
	IDProvider     IDProvider
	Logger         *zap.Logger
	DraftRetention time.Duration
}

// Service coordinates drafts, publishing, conflicts and version history.
type Service struct {
	rooms          DealRoomStore
	drafts         DraftStore
	versions       VersionStore
	conflicts      ConflictStore
	locker         ProjectLocker
	clock          func() time.Time
	idProvider     IDProvider
	logger         *zap.Logger
	draftRetention time.Duration
}

// NewService validates the configuration and builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.DealRooms == nil || cfg.Drafts == nil || cfg.Versions == nil || cfg.Conflicts == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	locker := cfg.Locker
	if locker == nil {
		locker = NewProjectMutex()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	retention := cfg.DraftRetention
	if retention <= 0 {
		retention = DefaultDraftRetention
	}

	return &Service{
		rooms:          cfg.DealRooms,
		drafts:         cfg.Drafts,
		versions:       cfg.Versions,
		conflicts:      cfg.Conflicts,
		locker:         locker,
		clock:          clock,
		idProvider:     cfg.IDProvider,
		logger:         logger,
		draftRetention: retention,
	}, nil
}

// GetDealRoom returns the project's deal room, creating an empty one on first access.
func (s *Service) GetDealRoom(ctx context.Context, projectID ProjectID) (DealRoom, error) {
	if _, err := NewProjectID(projectID.String()); err != nil {
		return DealRoom{}, newValidationError(FieldError{Field: fieldProjectID, Message: err.Error()})
	}
	return s.loadOrCreateDealRoom(ctx, opGetDealRoom, projectID)
}

func (s *Service) loadOrCreateDealRoom(ctx context.Context, operation string, projectID ProjectID) (DealRoom, error) {
	room, err := s.rooms.Get(ctx, projectID)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, ErrNotFound) {
		s.logError(operation, "deal_room_load_failed", err, zap.String(fieldProjectID, projectID.String()))
		return DealRoom{}, newServiceError(operation, "deal_room_load_failed", err)
	}

	roomID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err, zap.String(fieldProjectID, projectID.String()))
		return DealRoom{}, newServiceError(operation, "id_generation_failed", err)
	}
	now := s.now()
	room = DealRoom{
		ID:        roomID,
		ProjectID: projectID,
		Fields: Fields{
			KeyInfo:       []KeyInfoItem{},
			ExternalLinks: []ExternalLink{},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.rooms.Save(ctx, room); err != nil {
		// A concurrent first access may have created the row already.
		if existing, reloadErr := s.rooms.Get(ctx, projectID); reloadErr == nil {
			return existing, nil
		}
		s.logError(operation, "deal_room_create_failed", err, zap.String(fieldProjectID, projectID.String()))
		return DealRoom{}, newServiceError(operation, "deal_room_create_failed", err)
	}
	s.loggerOrDefault().Debug("deal room created", zap.String(fieldProjectID, projectID.String()))
	return room, nil
}

func (s *Service) lockProject(ctx context.Context, operation string, projectID ProjectID) (func(), error) {
	unlock, err := s.locker.Lock(ctx, projectID)
	if err != nil {
		s.logError(operation, "project_lock_failed", err, zap.String(fieldProjectID, projectID.String()))
		return nil, newServiceError(operation, "project_lock_failed", err)
	}
	return unlock, nil
}

// appendVersion writes the next snapshot for the project. The caller must hold
// the project lock and must already have persisted the deal room it snapshots.
func (s *Service) appendVersion(ctx context.Context, operation string, room DealRoom, changeDescription, createdBy string) (Version, error) {
	latest, err := s.versions.Latest(ctx, room.ProjectID)
	if err != nil {
		s.logError(operation, "latest_version_failed", err, zap.String(fieldProjectID, room.ProjectID.String()))
		return Version{}, newServiceError(operation, "latest_version_failed", err)
	}
	versionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err, zap.String(fieldProjectID, room.ProjectID.String()))
		return Version{}, newServiceError(operation, "id_generation_failed", err)
	}
	version := Version{
		ID:                versionID,
		ProjectID:         room.ProjectID,
		Number:            latest + 1,
		Snapshot:          room.Fields.Clone(),
		ChangeDescription: changeDescription,
		CreatedBy:         createdBy,
		CreatedAt:         room.UpdatedAt,
	}
	if err := s.versions.Append(ctx, version); err != nil {
		// The deal room write already happened; this needs external reconciliation.
		s.logError(operation, "version_append_failed", err,
			zap.String(fieldProjectID, room.ProjectID.String()),
			zap.Int64(fieldVersionNumber, version.Number),
			zap.Bool("data_integrity", true))
		return Version{}, newServiceError(operation, "version_append_failed", err)
	}
	return version, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("dealroom service error", attrs...)
}

func validateKeys(projectID ProjectID, sessionID SessionID) error {
	var problems []FieldError
	if _, err := NewProjectID(projectID.String()); err != nil {
		problems = append(problems, FieldError{Field: fieldProjectID, Message: err.Error()})
	}
	if _, err := NewSessionID(sessionID.String()); err != nil {
		problems = append(problems, FieldError{Field: fieldSessionID, Message: err.Error()})
	}
	if len(problems) > 0 {
		return newValidationError(problems...)
	}
	return nil
}
