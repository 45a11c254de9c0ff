package autosave

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/dealroom"
	"go.uber.org/zap"
)

const defaultHTTPTimeout = 15 * time.Second

var errMissingBaseURL = errors.New("autosave: base url is required")

// HTTPBackendConfig points an HTTPBackend at a dealroom-api server.
type HTTPBackendConfig struct {
	BaseURL string
	// Token is sent as a bearer Authorization header when set.
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPBackend drives the dealroom-api endpoints and maps their error bodies
// back onto the dealroom error kinds.
type HTTPBackend struct {
	baseURL *url.URL
	token   string
	client  *http.Client
	logger  *zap.Logger
}

var _ Backend = (*HTTPBackend)(nil)

func NewHTTPBackend(cfg HTTPBackendConfig) (*HTTPBackend, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("autosave: parse base url: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPBackend{
		baseURL: parsed,
		token:   strings.TrimSpace(cfg.Token),
		client:  client,
		logger:  logger,
	}, nil
}

type saveDraftPayload struct {
	DraftData  dealroom.DraftData `json:"draft_data"`
	IsAutoSave bool               `json:"is_auto_save"`
}

type publishPayload struct {
	ChangeDescription string `json:"change_description"`
}

type resolvePayload struct {
	Resolution dealroom.Resolution `json:"resolution"`
	CustomData *dealroom.Fields    `json:"custom_data,omitempty"`
}

type recoveryResponse struct {
	Draft *dealroom.Draft `json:"draft"`
}

type errorResponse struct {
	Error          string                `json:"error"`
	Code           string                `json:"code"`
	ConflictID     string                `json:"conflict_id"`
	ConflictFields []dealroom.FieldName  `json:"conflict_fields"`
	Fields         []dealroom.FieldError `json:"fields"`
}

// SaveDraft sends PUT /projects/{projectId}/sessions/{sessionId}/draft.
func (b *HTTPBackend) SaveDraft(ctx context.Context, request dealroom.SaveDraftRequest) (dealroom.Draft, error) {
	var draft dealroom.Draft
	err := b.do(ctx, http.MethodPut, sessionPath(request.ProjectID, request.SessionID, "draft"),
		saveDraftPayload{DraftData: request.Data, IsAutoSave: request.IsAutoSave}, &draft)
	return draft, err
}

// Publish sends POST /projects/{projectId}/sessions/{sessionId}/publish.
func (b *HTTPBackend) Publish(ctx context.Context, projectID dealroom.ProjectID, sessionID dealroom.SessionID, changeDescription string) (dealroom.PublishResult, error) {
	var result dealroom.PublishResult
	err := b.do(ctx, http.MethodPost, sessionPath(projectID, sessionID, "publish"),
		publishPayload{ChangeDescription: changeDescription}, &result)
	return result, err
}

// GetSaveStatus polls the session status. Transport failures collapse to the
// error state with unsaved changes, matching the server-side projection.
func (b *HTTPBackend) GetSaveStatus(ctx context.Context, projectID dealroom.ProjectID, sessionID dealroom.SessionID) dealroom.SaveStatus {
	var status dealroom.SaveStatus
	if err := b.do(ctx, http.MethodGet, sessionPath(projectID, sessionID, "status"), nil, &status); err != nil {
		b.logger.Warn("save status request failed",
			zap.String("project_id", projectID.String()),
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
		return dealroom.SaveStatus{Status: dealroom.SaveStateError, HasUnsavedChanges: true}
	}
	return status
}

// RecoverUnsavedChanges returns the draft carrying unpublished edits, or nil.
func (b *HTTPBackend) RecoverUnsavedChanges(ctx context.Context, projectID dealroom.ProjectID, sessionID dealroom.SessionID) (*dealroom.Draft, error) {
	var response recoveryResponse
	if err := b.do(ctx, http.MethodGet, sessionPath(projectID, sessionID, "recovery"), nil, &response); err != nil {
		return nil, err
	}
	return response.Draft, nil
}

// ResolveConflict sends POST /conflicts/{conflictId}/resolve. The acting user
// is taken from the session token on the server side.
func (b *HTTPBackend) ResolveConflict(ctx context.Context, request dealroom.ResolveConflictRequest) (dealroom.ResolveResult, error) {
	var result dealroom.ResolveResult
	path := "/conflicts/" + url.PathEscape(request.ConflictID) + "/resolve"
	err := b.do(ctx, http.MethodPost, path,
		resolvePayload{Resolution: request.Resolution, CustomData: request.CustomData}, &result)
	return result, err
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, payload any, target any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("autosave: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, b.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("autosave: build request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		request.Header.Set("Authorization", "Bearer "+b.token)
	}

	response, err := b.client.Do(request)
	if err != nil {
		return fmt.Errorf("autosave: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		return decodeError(response)
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("autosave: decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(response *http.Response) error {
	var payload errorResponse
	_ = json.NewDecoder(io.LimitReader(response.Body, 1<<20)).Decode(&payload)

	switch {
	case response.StatusCode == http.StatusConflict && payload.Error == "publish_conflict":
		return &dealroom.ConflictError{ConflictID: payload.ConflictID, Fields: payload.ConflictFields}
	case response.StatusCode == http.StatusConflict && payload.Error == "conflict_already_resolved":
		return fmt.Errorf("%w: %s", dealroom.ErrAlreadyResolved, payload.ConflictID)
	case response.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", dealroom.ErrNotFound, response.Request.URL.Path)
	case response.StatusCode == http.StatusBadRequest:
		return &dealroom.ValidationError{Fields: payload.Fields}
	default:
		return &RemoteError{StatusCode: response.StatusCode, Code: firstNonEmpty(payload.Code, payload.Error)}
	}
}

// RemoteError reports an unexpected server response.
type RemoteError struct {
	StatusCode int
	Code       string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("autosave: server responded %d", e.StatusCode)
	}
	return fmt.Sprintf("autosave: server responded %d (%s)", e.StatusCode, e.Code)
}

func sessionPath(projectID dealroom.ProjectID, sessionID dealroom.SessionID, suffix string) string {
	return "/projects/" + url.PathEscape(projectID.String()) +
		"/sessions/" + url.PathEscape(sessionID.String()) + "/" + suffix
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
