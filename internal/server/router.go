package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/dealroom"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const userIDContextKey = "dealroom_user_id"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingDealRoomService  = errors.New("deal room service dependency required")
)

// SessionValidator authenticates the TAuth session carried by a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps validated session claims to the canonical author id.
type UserResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

type Dependencies struct {
	SessionValidator SessionValidator
	// UserResolver is optional; without it the user_id claim (or subject) is used.
	UserResolver   UserResolver
	DealRooms      *dealroom.Service
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.DealRooms == nil {
		return nil, errMissingDealRoomService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:  deps.SessionValidator,
		users:     deps.UserResolver,
		dealRooms: deps.DealRooms,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	projects := protected.Group("/projects/:projectId")
	projects.GET("/deal-room", handler.handleGetDealRoom)
	projects.GET("/overview", handler.handleGetOverview)
	projects.GET("/sessions/:sessionId/draft", handler.handleGetDraft)
	projects.PUT("/sessions/:sessionId/draft", handler.handleSaveDraft)
	projects.DELETE("/sessions/:sessionId/draft", handler.handleDiscardDraft)
	projects.POST("/sessions/:sessionId/publish", handler.handlePublish)
	projects.GET("/sessions/:sessionId/status", handler.handleSaveStatus)
	projects.GET("/sessions/:sessionId/recovery", handler.handleRecovery)
	projects.GET("/versions", handler.handleVersionHistory)
	projects.GET("/versions/:versionId", handler.handleGetVersion)
	projects.POST("/versions/:versionId/restore", handler.handleRestoreVersion)
	projects.GET("/conflicts", handler.handleListConflicts)

	protected.GET("/conflicts/:conflictId", handler.handleGetConflict)
	protected.POST("/conflicts/:conflictId/resolve", handler.handleResolveConflict)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if allowsAnyOrigin(allowedOrigins) {
		// Credentialed requests cannot use a literal "*", so echo the caller's origin.
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func allowsAnyOrigin(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	sessions  SessionValidator
	users     UserResolver
	dealRooms *dealroom.Service
	logger    *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, err := h.resolveUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("user identity resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) resolveUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	if h.users != nil {
		return h.users.ResolveCanonicalUserID(ctx, claims)
	}
	if claims.UserID != "" {
		return claims.UserID, nil
	}
	return claims.Subject, nil
}

// writeServiceError maps dealroom error kinds onto HTTP responses.
func (h *httpHandler) writeServiceError(c *gin.Context, message string, err error) {
	var validationErr *dealroom.ValidationError
	if errors.As(err, &validationErr) {
		fields := validationErr.Fields
		if fields == nil {
			fields = []dealroom.FieldError{}
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "fields": fields})
		return
	}

	var conflictErr *dealroom.ConflictError
	if errors.As(err, &conflictErr) {
		c.JSON(http.StatusConflict, gin.H{
			"error":           "publish_conflict",
			"conflict_id":     conflictErr.ConflictID,
			"conflict_fields": conflictErr.Fields,
		})
		return
	}

	switch {
	case errors.Is(err, dealroom.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict_already_resolved", "conflict_id": c.Param("conflictId")})
		return
	case errors.Is(err, dealroom.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	response := gin.H{"error": "internal_error"}
	var serviceErr *dealroom.ServiceError
	if errors.As(err, &serviceErr) {
		response["code"] = serviceErr.Code()
	}
	h.logger.Error(message, zap.Error(err))
	c.JSON(http.StatusInternalServerError, response)
}
