package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/dealroom"
	"github.com/gin-gonic/gin"
)

const maxVersionHistoryLimit = 100

type saveDraftRequestPayload struct {
	DraftData  *dealroom.DraftData `json:"draft_data"`
	IsAutoSave bool                `json:"is_auto_save"`
}

type publishRequestPayload struct {
	ChangeDescription string `json:"change_description"`
}

type restoreRequestPayload struct {
	SessionID string `json:"session_id"`
}

type resolveRequestPayload struct {
	Resolution string           `json:"resolution"`
	CustomData *dealroom.Fields `json:"custom_data"`
}

func (h *httpHandler) handleGetDealRoom(c *gin.Context) {
	room, err := h.dealRooms.GetDealRoom(c.Request.Context(), projectParam(c))
	if err != nil {
		h.writeServiceError(c, "failed to load deal room", err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *httpHandler) handleGetOverview(c *gin.Context) {
	sessionID := dealroom.SessionID(strings.TrimSpace(c.Query("session_id")))
	overview, err := h.dealRooms.GetOverview(c.Request.Context(), projectParam(c), sessionID)
	if err != nil {
		h.writeServiceError(c, "failed to load overview", err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

func (h *httpHandler) handleGetDraft(c *gin.Context) {
	draft, err := h.dealRooms.GetDraft(c.Request.Context(), projectParam(c), sessionParam(c))
	if err != nil {
		h.writeServiceError(c, "failed to load draft", err)
		return
	}
	c.JSON(http.StatusOK, draft)
}

func (h *httpHandler) handleSaveDraft(c *gin.Context) {
	var request saveDraftRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.DraftData == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	draft, err := h.dealRooms.SaveDraft(c.Request.Context(), dealroom.SaveDraftRequest{
		ProjectID:  projectParam(c),
		SessionID:  sessionParam(c),
		Data:       *request.DraftData,
		IsAutoSave: request.IsAutoSave,
		UserID:     c.GetString(userIDContextKey),
	})
	if err != nil {
		h.writeServiceError(c, "failed to save draft", err)
		return
	}
	c.JSON(http.StatusOK, draft)
}

func (h *httpHandler) handleDiscardDraft(c *gin.Context) {
	if err := h.dealRooms.DiscardDraft(c.Request.Context(), projectParam(c), sessionParam(c)); err != nil {
		h.writeServiceError(c, "failed to discard draft", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePublish(c *gin.Context) {
	var request publishRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	result, err := h.dealRooms.Publish(c.Request.Context(), projectParam(c), sessionParam(c), request.ChangeDescription)
	if err != nil {
		h.writeServiceError(c, "failed to publish deal room", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleSaveStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.dealRooms.GetSaveStatus(c.Request.Context(), projectParam(c), sessionParam(c)))
}

func (h *httpHandler) handleRecovery(c *gin.Context) {
	draft, err := h.dealRooms.RecoverUnsavedChanges(c.Request.Context(), projectParam(c), sessionParam(c))
	if err != nil {
		h.writeServiceError(c, "failed to recover draft", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"draft": draft})
}

func (h *httpHandler) handleVersionHistory(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxVersionHistoryLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	versions, err := h.dealRooms.GetVersionHistory(c.Request.Context(), projectParam(c), limit)
	if err != nil {
		h.writeServiceError(c, "failed to list versions", err)
		return
	}
	if versions == nil {
		versions = []dealroom.Version{}
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

func (h *httpHandler) handleGetVersion(c *gin.Context) {
	version, err := h.dealRooms.GetVersion(c.Request.Context(), projectParam(c), c.Param("versionId"))
	if err != nil {
		h.writeServiceError(c, "failed to load version", err)
		return
	}
	c.JSON(http.StatusOK, version)
}

func (h *httpHandler) handleRestoreVersion(c *gin.Context) {
	var request restoreRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.dealRooms.RestoreVersion(c.Request.Context(), projectParam(c), c.Param("versionId"), dealroom.SessionID(strings.TrimSpace(request.SessionID)))
	if err != nil {
		h.writeServiceError(c, "failed to restore version", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	conflicts, err := h.dealRooms.ListUnresolvedConflicts(c.Request.Context(), projectParam(c))
	if err != nil {
		h.writeServiceError(c, "failed to list conflicts", err)
		return
	}
	if conflicts == nil {
		conflicts = []dealroom.Conflict{}
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
}

func (h *httpHandler) handleGetConflict(c *gin.Context) {
	conflict, err := h.dealRooms.GetConflict(c.Request.Context(), c.Param("conflictId"))
	if err != nil {
		h.writeServiceError(c, "failed to load conflict", err)
		return
	}
	c.JSON(http.StatusOK, conflict)
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	resolution := dealroom.ResolutionManual
	if request.CustomData == nil {
		parsed, err := dealroom.ParseResolution(request.Resolution)
		if err != nil {
			h.writeServiceError(c, "invalid resolution", err)
			return
		}
		resolution = parsed
	}

	result, err := h.dealRooms.ResolveConflict(c.Request.Context(), dealroom.ResolveConflictRequest{
		ConflictID: c.Param("conflictId"),
		Resolution: resolution,
		CustomData: request.CustomData,
		UserID:     c.GetString(userIDContextKey),
	})
	if err != nil {
		h.writeServiceError(c, "failed to resolve conflict", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func projectParam(c *gin.Context) dealroom.ProjectID {
	return dealroom.ProjectID(strings.TrimSpace(c.Param("projectId")))
}

func sessionParam(c *gin.Context) dealroom.SessionID {
	return dealroom.SessionID(strings.TrimSpace(c.Param("sessionId")))
}
