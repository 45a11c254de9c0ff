package dealroom

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidProjectID indicates that a project identifier is empty or exceeds storage bounds.
	ErrInvalidProjectID = errors.New("dealroom: invalid project id")
	// ErrInvalidSessionID indicates that a session identifier is empty or exceeds storage bounds.
	ErrInvalidSessionID = errors.New("dealroom: invalid session id")
)

// ProjectID represents a validated project identifier.
type ProjectID string

// NewProjectID validates raw input and returns a ProjectID.
func NewProjectID(rawInput string) (ProjectID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidProjectID)
	if err != nil {
		return "", err
	}
	return ProjectID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ProjectID) String() string {
	return string(id)
}

// SessionID represents a validated editing-session identifier.
type SessionID string

// NewSessionID validates raw input and returns a SessionID.
func NewSessionID(rawInput string) (SessionID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidSessionID)
	if err != nil {
		return "", err
	}
	return SessionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SessionID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// FieldName names one editable deal room field.
type FieldName string

const (
	FieldShowcasePhoto     FieldName = "showcase_photo"
	FieldInvestmentBlurb   FieldName = "investment_blurb"
	FieldInvestmentSummary FieldName = "investment_summary"
	FieldKeyInfo           FieldName = "key_info"
	FieldExternalLinks     FieldName = "external_links"
)

// Photo is the showcase image attached to a deal room.
type Photo struct {
	URL     string `json:"url" validate:"required,http_url,max=2048"`
	AltText string `json:"alt_text,omitempty" validate:"max=300"`
}

// KeyInfoItem is one ordered entry in the key information list.
type KeyInfoItem struct {
	ID    string `json:"id"`
	Name  string `json:"name" validate:"required,max=200"`
	Link  string `json:"link" validate:"omitempty,http_url,max=2048"`
	Order int    `json:"order" validate:"gte=0"`
}

// ExternalLink is one ordered outbound link shown to investors.
type ExternalLink struct {
	ID    string `json:"id"`
	Name  string `json:"name" validate:"required,max=200"`
	URL   string `json:"url" validate:"required,http_url,max=2048"`
	Order int    `json:"order" validate:"gte=0"`
}

// Fields is the complete editable field set of a deal room.
type Fields struct {
	ShowcasePhoto     *Photo         `json:"showcase_photo"`
	InvestmentBlurb   string         `json:"investment_blurb"`
	InvestmentSummary string         `json:"investment_summary"`
	KeyInfo           []KeyInfoItem  `json:"key_info"`
	ExternalLinks     []ExternalLink `json:"external_links"`
}

// Clone returns a deep copy so snapshots never alias live slices.
func (fields Fields) Clone() Fields {
	cloned := Fields{
		InvestmentBlurb:   fields.InvestmentBlurb,
		InvestmentSummary: fields.InvestmentSummary,
		KeyInfo:           append([]KeyInfoItem{}, fields.KeyInfo...),
		ExternalLinks:     append([]ExternalLink{}, fields.ExternalLinks...),
	}
	if fields.ShowcasePhoto != nil {
		photo := *fields.ShowcasePhoto
		cloned.ShowcasePhoto = &photo
	}
	return cloned
}

// DealRoom is the published, investor-facing content bundle for one project.
type DealRoom struct {
	ID        string    `json:"id"`
	ProjectID ProjectID `json:"project_id"`
	Fields
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DraftData is a partial field set. A nil member means the field was not edited.
type DraftData struct {
	ShowcasePhoto     *Photo          `json:"showcase_photo,omitempty"`
	InvestmentBlurb   *string         `json:"investment_blurb,omitempty"`
	InvestmentSummary *string         `json:"investment_summary,omitempty"`
	KeyInfo           *[]KeyInfoItem  `json:"key_info,omitempty"`
	ExternalLinks     *[]ExternalLink `json:"external_links,omitempty"`
}

// Merge overlays the present members of update onto data. Array members are
// replaced wholesale, never merged item by item.
func (data DraftData) Merge(update DraftData) DraftData {
	merged := data.Clone()
	if update.ShowcasePhoto != nil {
		photo := *update.ShowcasePhoto
		merged.ShowcasePhoto = &photo
	}
	if update.InvestmentBlurb != nil {
		merged.InvestmentBlurb = stringPointer(*update.InvestmentBlurb)
	}
	if update.InvestmentSummary != nil {
		merged.InvestmentSummary = stringPointer(*update.InvestmentSummary)
	}
	if update.KeyInfo != nil {
		items := append([]KeyInfoItem{}, (*update.KeyInfo)...)
		merged.KeyInfo = &items
	}
	if update.ExternalLinks != nil {
		links := append([]ExternalLink{}, (*update.ExternalLinks)...)
		merged.ExternalLinks = &links
	}
	return merged
}

// ApplyTo returns base with every present member of data written over it.
func (data DraftData) ApplyTo(base Fields) Fields {
	applied := base.Clone()
	if data.ShowcasePhoto != nil {
		photo := *data.ShowcasePhoto
		applied.ShowcasePhoto = &photo
	}
	if data.InvestmentBlurb != nil {
		applied.InvestmentBlurb = *data.InvestmentBlurb
	}
	if data.InvestmentSummary != nil {
		applied.InvestmentSummary = *data.InvestmentSummary
	}
	if data.KeyInfo != nil {
		applied.KeyInfo = append([]KeyInfoItem{}, (*data.KeyInfo)...)
	}
	if data.ExternalLinks != nil {
		applied.ExternalLinks = append([]ExternalLink{}, (*data.ExternalLinks)...)
	}
	return applied
}

// Present lists the fields carried by data in canonical order.
func (data DraftData) Present() []FieldName {
	present := make([]FieldName, 0, 5)
	if data.ShowcasePhoto != nil {
		present = append(present, FieldShowcasePhoto)
	}
	if data.InvestmentBlurb != nil {
		present = append(present, FieldInvestmentBlurb)
	}
	if data.InvestmentSummary != nil {
		present = append(present, FieldInvestmentSummary)
	}
	if data.KeyInfo != nil {
		present = append(present, FieldKeyInfo)
	}
	if data.ExternalLinks != nil {
		present = append(present, FieldExternalLinks)
	}
	return present
}

// IsEmpty reports whether no field is present.
func (data DraftData) IsEmpty() bool {
	return len(data.Present()) == 0
}

// Clone returns a deep copy of data.
func (data DraftData) Clone() DraftData {
	var cloned DraftData
	if data.ShowcasePhoto != nil {
		photo := *data.ShowcasePhoto
		cloned.ShowcasePhoto = &photo
	}
	if data.InvestmentBlurb != nil {
		cloned.InvestmentBlurb = stringPointer(*data.InvestmentBlurb)
	}
	if data.InvestmentSummary != nil {
		cloned.InvestmentSummary = stringPointer(*data.InvestmentSummary)
	}
	if data.KeyInfo != nil {
		items := append([]KeyInfoItem{}, (*data.KeyInfo)...)
		cloned.KeyInfo = &items
	}
	if data.ExternalLinks != nil {
		links := append([]ExternalLink{}, (*data.ExternalLinks)...)
		cloned.ExternalLinks = &links
	}
	return cloned
}

// Draft is a session-scoped working copy of deal room edits.
type Draft struct {
	ProjectID  ProjectID `json:"project_id"`
	SessionID  SessionID `json:"session_id"`
	Data       DraftData `json:"draft_data"`
	Version    int64     `json:"version"`
	IsAutoSave bool      `json:"is_auto_save"`
	UserID     string    `json:"user_id,omitempty"`
	// BaseVersion is the latest published version number when the draft was created.
	BaseVersion int64 `json:"base_version"`
	// LastSavedVersion is the published version this draft was last reconciled against.
	LastSavedVersion *int64 `json:"last_saved_version,omitempty"`
	// SyncedVersion is the draft Version value at the last reconciliation.
	SyncedVersion int64     `json:"synced_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ExpectedVersion returns the optimistic-concurrency token used at publish time.
func (draft Draft) ExpectedVersion() int64 {
	if draft.LastSavedVersion != nil {
		return *draft.LastSavedVersion
	}
	return draft.BaseVersion
}

// HasUnsavedChanges reports whether the draft carries edits not yet published.
func (draft Draft) HasUnsavedChanges() bool {
	if draft.LastSavedVersion == nil {
		return true
	}
	return draft.Version > draft.SyncedVersion
}

// markReconciled records that the draft content as of draftVersion is live at
// publishedVersion. Saves made after draftVersion stay unsaved.
func (draft *Draft) markReconciled(publishedVersion, draftVersion int64) {
	draft.LastSavedVersion = int64Pointer(publishedVersion)
	if draftVersion > draft.Version {
		draftVersion = draft.Version
	}
	draft.SyncedVersion = draftVersion
}

// Version is an immutable snapshot of previously published deal room content.
type Version struct {
	ID                string    `json:"id"`
	ProjectID         ProjectID `json:"project_id"`
	Number            int64     `json:"version"`
	Snapshot          Fields    `json:"snapshot"`
	ChangeDescription string    `json:"change_description"`
	CreatedBy         string    `json:"created_by"`
	CreatedAt         time.Time `json:"created_at"`
}

// ConflictType classifies a detected divergence.
type ConflictType string

// ConflictTypeConcurrentEdit marks a draft that went stale against a newer publish.
const ConflictTypeConcurrentEdit ConflictType = "concurrent_edit"

// Resolution enumerates the supported conflict resolution strategies.
type Resolution string

const (
	// ResolutionUseLocal applies the session's local snapshot wholesale.
	ResolutionUseLocal Resolution = "use_local"
	// ResolutionUseServer keeps the published snapshot and discards local edits.
	ResolutionUseServer Resolution = "use_server"
	// ResolutionMerge takes a shallow field union of both snapshots.
	ResolutionMerge Resolution = "merge"
	// ResolutionManual applies caller-supplied data verbatim.
	ResolutionManual Resolution = "manual"
	// ResolutionSuperseded closes an open conflict that a newer one for the
	// same session replaced. Callers cannot request it.
	ResolutionSuperseded Resolution = "superseded"
)

// ParseResolution validates a raw resolution name.
func ParseResolution(raw string) (Resolution, error) {
	switch Resolution(strings.ToLower(strings.TrimSpace(raw))) {
	case ResolutionUseLocal:
		return ResolutionUseLocal, nil
	case ResolutionUseServer:
		return ResolutionUseServer, nil
	case ResolutionMerge:
		return ResolutionMerge, nil
	case ResolutionManual:
		return ResolutionManual, nil
	default:
		return "", newValidationError(FieldError{Field: "resolution", Message: fmt.Sprintf("unknown resolution %q", raw)})
	}
}

// Conflict records a divergence between a stale draft and published data.
type Conflict struct {
	ID             string       `json:"id"`
	ProjectID      ProjectID    `json:"project_id"`
	SessionID      SessionID    `json:"session_id"`
	Type           ConflictType `json:"conflict_type"`
	LocalVersion   int64        `json:"local_version"`
	ServerVersion  int64        `json:"server_version"`
	// DraftVersion is the draft's save counter when LocalData was captured.
	DraftVersion   int64        `json:"draft_version"`
	LocalData      Fields       `json:"local_data"`
	ServerData     Fields       `json:"server_data"`
	ConflictFields []FieldName  `json:"conflict_fields"`
	CreatedAt      time.Time    `json:"created_at"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
	Resolution     Resolution   `json:"resolution,omitempty"`
	ResolvedData   *Fields      `json:"resolved_data,omitempty"`
}

// IsResolved reports whether the conflict has been closed.
func (conflict Conflict) IsResolved() bool {
	return conflict.ResolvedAt != nil
}

// SaveState is the projected persistence state for one editing session.
type SaveState string

const (
	SaveStateSaved    SaveState = "saved"
	SaveStateUnsaved  SaveState = "unsaved"
	SaveStateConflict SaveState = "conflict"
	SaveStateError    SaveState = "error"
)

// SaveStatus is the save-status projection returned to clients.
type SaveStatus struct {
	Status            SaveState  `json:"status"`
	HasUnsavedChanges bool       `json:"has_unsaved_changes"`
	Version           int64      `json:"version"`
	LastSaved         *time.Time `json:"last_saved,omitempty"`
	LastAutoSave      *time.Time `json:"last_auto_save,omitempty"`
	ConflictID        string     `json:"conflict_id,omitempty"`
}

func stringPointer(value string) *string {
	v := value
	return &v
}

func int64Pointer(value int64) *int64 {
	v := value
	return &v
}

func timePointer(value time.Time) *time.Time {
	v := value
	return &v
}
