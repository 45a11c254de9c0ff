package dealroom

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	queryProjectID        = "project_id = ?"
	queryProjectSession   = "project_id = ? AND session_id = ?"
	queryUnresolved       = "resolved_at IS NULL"
	queryUpdatedBefore    = "updated_at < ?"
	orderVersionDesc      = "version_number DESC"
	orderCreatedDesc      = "created_at DESC"
	selectLatestVersion   = "COALESCE(MAX(version_number), 0)"
	defaultVersionListCap = 50
)

// DealRoomRecord is the persisted form of a DealRoom.
type DealRoomRecord struct {
	RoomID            string                            `gorm:"column:room_id;primaryKey;size:190;not null"`
	ProjectID         string                            `gorm:"column:project_id;size:190;not null;uniqueIndex:idx_deal_rooms_project"`
	ShowcasePhoto     datatypes.JSONType[*Photo]        `gorm:"column:showcase_photo"`
	InvestmentBlurb   string                            `gorm:"column:investment_blurb;type:text;not null;default:''"`
	InvestmentSummary string                            `gorm:"column:investment_summary;type:text;not null;default:''"`
	KeyInfo           datatypes.JSONSlice[KeyInfoItem]  `gorm:"column:key_info"`
	ExternalLinks     datatypes.JSONSlice[ExternalLink] `gorm:"column:external_links"`
	CreatedAt         time.Time                         `gorm:"column:created_at;not null"`
	UpdatedAt         time.Time                         `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DealRoomRecord) TableName() string {
	return "deal_rooms"
}

// DraftRecord is the persisted form of a Draft, keyed by project and session.
type DraftRecord struct {
	ProjectID        string                        `gorm:"column:project_id;primaryKey;size:190;not null"`
	SessionID        string                        `gorm:"column:session_id;primaryKey;size:190;not null"`
	DraftData        datatypes.JSONType[DraftData] `gorm:"column:draft_data;not null"`
	Version          int64                         `gorm:"column:version;not null;default:1"`
	BaseVersion      int64                         `gorm:"column:base_version;not null;default:0"`
	LastSavedVersion *int64                        `gorm:"column:last_saved_version"`
	SyncedVersion    int64                         `gorm:"column:synced_version;not null;default:0"`
	IsAutoSave       bool                          `gorm:"column:is_auto_save;not null;default:false"`
	UserID           string                        `gorm:"column:user_id;size:190;not null;default:''"`
	CreatedAt        time.Time                     `gorm:"column:created_at;not null"`
	UpdatedAt        time.Time                     `gorm:"column:updated_at;not null;index:idx_drafts_updated"`
}

// TableName provides the explicit table binding for GORM.
func (DraftRecord) TableName() string {
	return "deal_room_drafts"
}

// VersionRecord is the persisted form of a Version. Rows are never updated.
type VersionRecord struct {
	VersionID         string                     `gorm:"column:version_id;primaryKey;size:190;not null"`
	ProjectID         string                     `gorm:"column:project_id;size:190;not null;uniqueIndex:idx_versions_project_number,priority:1"`
	VersionNumber     int64                      `gorm:"column:version_number;not null;uniqueIndex:idx_versions_project_number,priority:2"`
	Snapshot          datatypes.JSONType[Fields] `gorm:"column:snapshot;not null"`
	ChangeDescription string                     `gorm:"column:change_description;type:text;not null;default:''"`
	CreatedBy         string                     `gorm:"column:created_by;size:190;not null;default:''"`
	CreatedAt         time.Time                  `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VersionRecord) TableName() string {
	return "deal_room_versions"
}

// ConflictRecord is the persisted form of a Conflict.
type ConflictRecord struct {
	ConflictID     string                         `gorm:"column:conflict_id;primaryKey;size:190;not null"`
	ProjectID      string                         `gorm:"column:project_id;size:190;not null;index:idx_conflicts_project_session,priority:1"`
	SessionID      string                         `gorm:"column:session_id;size:190;not null;index:idx_conflicts_project_session,priority:2"`
	ConflictType   string                         `gorm:"column:conflict_type;size:64;not null"`
	LocalVersion   int64                          `gorm:"column:local_version;not null"`
	ServerVersion  int64                          `gorm:"column:server_version;not null"`
	DraftVersion   int64                          `gorm:"column:draft_version;not null;default:0"`
	LocalData      datatypes.JSONType[Fields]     `gorm:"column:local_data;not null"`
	ServerData     datatypes.JSONType[Fields]     `gorm:"column:server_data;not null"`
	ConflictFields datatypes.JSONSlice[FieldName] `gorm:"column:conflict_fields;not null"`
	CreatedAt      time.Time                      `gorm:"column:created_at;not null"`
	ResolvedAt     *time.Time                     `gorm:"column:resolved_at"`
	Resolution     string                         `gorm:"column:resolution;size:32;not null;default:''"`
	ResolvedData   datatypes.JSONType[*Fields]    `gorm:"column:resolved_data"`
}

// TableName provides the explicit table binding for GORM.
func (ConflictRecord) TableName() string {
	return "deal_room_conflicts"
}

// Models lists every record type for schema migration.
func Models() []any {
	return []any{&DealRoomRecord{}, &DraftRecord{}, &VersionRecord{}, &ConflictRecord{}}
}

// NewGormStores binds all four stores to one database handle.
func NewGormStores(db *gorm.DB) Stores {
	return Stores{
		DealRooms: &gormDealRoomStore{db: db},
		Drafts:    &gormDraftStore{db: db},
		Versions:  &gormVersionStore{db: db},
		Conflicts: &gormConflictStore{db: db},
	}
}

type gormDealRoomStore struct {
	db *gorm.DB
}

func (store *gormDealRoomStore) Get(ctx context.Context, projectID ProjectID) (DealRoom, error) {
	var record DealRoomRecord
	err := store.db.WithContext(ctx).Where(queryProjectID, projectID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DealRoom{}, newNotFoundError("deal room", projectID.String())
	}
	if err != nil {
		return DealRoom{}, err
	}
	return record.toDomain(), nil
}

func (store *gormDealRoomStore) Save(ctx context.Context, room DealRoom) error {
	record := dealRoomRecordFrom(room)
	return store.db.WithContext(ctx).Save(&record).Error
}

func dealRoomRecordFrom(room DealRoom) DealRoomRecord {
	return DealRoomRecord{
		RoomID:            room.ID,
		ProjectID:         room.ProjectID.String(),
		ShowcasePhoto:     datatypes.NewJSONType(room.ShowcasePhoto),
		InvestmentBlurb:   room.InvestmentBlurb,
		InvestmentSummary: room.InvestmentSummary,
		KeyInfo:           datatypes.JSONSlice[KeyInfoItem](append([]KeyInfoItem{}, room.KeyInfo...)),
		ExternalLinks:     datatypes.JSONSlice[ExternalLink](append([]ExternalLink{}, room.ExternalLinks...)),
		CreatedAt:         room.CreatedAt,
		UpdatedAt:         room.UpdatedAt,
	}
}

func (record DealRoomRecord) toDomain() DealRoom {
	return DealRoom{
		ID:        record.RoomID,
		ProjectID: ProjectID(record.ProjectID),
		Fields: Fields{
			ShowcasePhoto:     record.ShowcasePhoto.Data(),
			InvestmentBlurb:   record.InvestmentBlurb,
			InvestmentSummary: record.InvestmentSummary,
			KeyInfo:           append([]KeyInfoItem{}, record.KeyInfo...),
			ExternalLinks:     append([]ExternalLink{}, record.ExternalLinks...),
		},
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}
}

type gormDraftStore struct {
	db *gorm.DB
}

func (store *gormDraftStore) Get(ctx context.Context, projectID ProjectID, sessionID SessionID) (Draft, error) {
	var record DraftRecord
	err := store.db.WithContext(ctx).
		Where(queryProjectSession, projectID.String(), sessionID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Draft{}, newNotFoundError("draft", projectID.String()+"/"+sessionID.String())
	}
	if err != nil {
		return Draft{}, err
	}
	return record.toDomain(), nil
}

func (store *gormDraftStore) Save(ctx context.Context, draft Draft) error {
	record := DraftRecord{
		ProjectID:        draft.ProjectID.String(),
		SessionID:        draft.SessionID.String(),
		DraftData:        datatypes.NewJSONType(draft.Data),
		Version:          draft.Version,
		BaseVersion:      draft.BaseVersion,
		LastSavedVersion: draft.LastSavedVersion,
		SyncedVersion:    draft.SyncedVersion,
		IsAutoSave:       draft.IsAutoSave,
		UserID:           draft.UserID,
		CreatedAt:        draft.CreatedAt,
		UpdatedAt:        draft.UpdatedAt,
	}
	return store.db.WithContext(ctx).Save(&record).Error
}

func (store *gormDraftStore) Delete(ctx context.Context, projectID ProjectID, sessionID SessionID) error {
	return store.db.WithContext(ctx).
		Where(queryProjectSession, projectID.String(), sessionID.String()).
		Delete(&DraftRecord{}).Error
}

func (store *gormDraftStore) DeleteUpdatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := store.db.WithContext(ctx).Where(queryUpdatedBefore, cutoff).Delete(&DraftRecord{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (record DraftRecord) toDomain() Draft {
	return Draft{
		ProjectID:        ProjectID(record.ProjectID),
		SessionID:        SessionID(record.SessionID),
		Data:             record.DraftData.Data(),
		Version:          record.Version,
		BaseVersion:      record.BaseVersion,
		LastSavedVersion: record.LastSavedVersion,
		SyncedVersion:    record.SyncedVersion,
		IsAutoSave:       record.IsAutoSave,
		UserID:           record.UserID,
		CreatedAt:        record.CreatedAt,
		UpdatedAt:        record.UpdatedAt,
	}
}

type gormVersionStore struct {
	db *gorm.DB
}

func (store *gormVersionStore) Latest(ctx context.Context, projectID ProjectID) (int64, error) {
	return latestVersionNumber(store.db.WithContext(ctx), projectID)
}

func latestVersionNumber(db *gorm.DB, projectID ProjectID) (int64, error) {
	var latest int64
	err := db.Model(&VersionRecord{}).
		Select(selectLatestVersion).
		Where(queryProjectID, projectID.String()).
		Scan(&latest).Error
	return latest, err
}

func (store *gormVersionStore) Append(ctx context.Context, version Version) error {
	record := VersionRecord{
		VersionID:         version.ID,
		ProjectID:         version.ProjectID.String(),
		VersionNumber:     version.Number,
		Snapshot:          datatypes.NewJSONType(version.Snapshot),
		ChangeDescription: version.ChangeDescription,
		CreatedBy:         version.CreatedBy,
		CreatedAt:         version.CreatedAt,
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		latest, err := latestVersionNumber(transaction, version.ProjectID)
		if err != nil {
			return err
		}
		if latest != version.Number-1 {
			return ErrVersionConflict
		}
		return transaction.Create(&record).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrVersionConflict
	}
	return err
}

func (store *gormVersionStore) Get(ctx context.Context, versionID string) (Version, error) {
	var record VersionRecord
	err := store.db.WithContext(ctx).Where("version_id = ?", versionID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Version{}, newNotFoundError("version", versionID)
	}
	if err != nil {
		return Version{}, err
	}
	return record.toDomain(), nil
}

func (store *gormVersionStore) List(ctx context.Context, projectID ProjectID, limit int) ([]Version, error) {
	if limit <= 0 {
		limit = defaultVersionListCap
	}
	var records []VersionRecord
	if err := store.db.WithContext(ctx).
		Where(queryProjectID, projectID.String()).
		Order(orderVersionDesc).
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, err
	}
	versions := make([]Version, 0, len(records))
	for _, record := range records {
		versions = append(versions, record.toDomain())
	}
	return versions, nil
}

func (record VersionRecord) toDomain() Version {
	return Version{
		ID:                record.VersionID,
		ProjectID:         ProjectID(record.ProjectID),
		Number:            record.VersionNumber,
		Snapshot:          record.Snapshot.Data(),
		ChangeDescription: record.ChangeDescription,
		CreatedBy:         record.CreatedBy,
		CreatedAt:         record.CreatedAt,
	}
}

type gormConflictStore struct {
	db *gorm.DB
}

func (store *gormConflictStore) Create(ctx context.Context, conflict Conflict) error {
	record := conflictRecordFrom(conflict)
	return store.db.WithContext(ctx).Create(&record).Error
}

func (store *gormConflictStore) Save(ctx context.Context, conflict Conflict) error {
	record := conflictRecordFrom(conflict)
	return store.db.WithContext(ctx).Save(&record).Error
}

func (store *gormConflictStore) Get(ctx context.Context, conflictID string) (Conflict, error) {
	var record ConflictRecord
	err := store.db.WithContext(ctx).Where("conflict_id = ?", conflictID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conflict{}, newNotFoundError("conflict", conflictID)
	}
	if err != nil {
		return Conflict{}, err
	}
	return record.toDomain(), nil
}

func (store *gormConflictStore) FindUnresolved(ctx context.Context, projectID ProjectID, sessionID SessionID) (Conflict, error) {
	var record ConflictRecord
	err := store.db.WithContext(ctx).
		Where(queryProjectSession, projectID.String(), sessionID.String()).
		Where(queryUnresolved).
		Order(orderCreatedDesc).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conflict{}, newNotFoundError("unresolved conflict", projectID.String()+"/"+sessionID.String())
	}
	if err != nil {
		return Conflict{}, err
	}
	return record.toDomain(), nil
}

func (store *gormConflictStore) ListUnresolved(ctx context.Context, projectID ProjectID) ([]Conflict, error) {
	var records []ConflictRecord
	if err := store.db.WithContext(ctx).
		Where(queryProjectID, projectID.String()).
		Where(queryUnresolved).
		Order(orderCreatedDesc).
		Find(&records).Error; err != nil {
		return nil, err
	}
	conflicts := make([]Conflict, 0, len(records))
	for _, record := range records {
		conflicts = append(conflicts, record.toDomain())
	}
	return conflicts, nil
}

func conflictRecordFrom(conflict Conflict) ConflictRecord {
	return ConflictRecord{
		ConflictID:     conflict.ID,
		ProjectID:      conflict.ProjectID.String(),
		SessionID:      conflict.SessionID.String(),
		ConflictType:   string(conflict.Type),
		LocalVersion:   conflict.LocalVersion,
		ServerVersion:  conflict.ServerVersion,
		DraftVersion:   conflict.DraftVersion,
		LocalData:      datatypes.NewJSONType(conflict.LocalData),
		ServerData:     datatypes.NewJSONType(conflict.ServerData),
		ConflictFields: datatypes.JSONSlice[FieldName](append([]FieldName{}, conflict.ConflictFields...)),
		CreatedAt:      conflict.CreatedAt,
		ResolvedAt:     conflict.ResolvedAt,
		Resolution:     string(conflict.Resolution),
		ResolvedData:   datatypes.NewJSONType(conflict.ResolvedData),
	}
}

func (record ConflictRecord) toDomain() Conflict {
	return Conflict{
		ID:             record.ConflictID,
		ProjectID:      ProjectID(record.ProjectID),
		SessionID:      SessionID(record.SessionID),
		Type:           ConflictType(record.ConflictType),
		LocalVersion:   record.LocalVersion,
		ServerVersion:  record.ServerVersion,
		DraftVersion:   record.DraftVersion,
		LocalData:      record.LocalData.Data(),
		ServerData:     record.ServerData.Data(),
		ConflictFields: append([]FieldName{}, record.ConflictFields...),
		CreatedAt:      record.CreatedAt,
		ResolvedAt:     record.ResolvedAt,
		Resolution:     Resolution(record.Resolution),
		ResolvedData:   record.ResolvedData.Data(),
	}
}
