package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/auth"
	"github.com/MarcoPoloResearchLab/wikicollab/internal/collab"
	"github.com/MarcoPoloResearchLab/wikicollab/internal/wiki"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "wikicollab_user_id"
	pageIDContextKey = "wikicollab_page_id"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingSessionService   = errors.New("collaboration service dependency required")
	errMissingHistory          = errors.New("history manager dependency required")
	errMissingArchiver         = errors.New("archiver dependency required")
	errMissingHub              = errors.New("connection hub dependency required")
)

// SessionValidator authenticates HTTP requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP surface to the domain services.
type Dependencies struct {
	SessionValidator SessionValidator
	Sessions         *collab.Service
	History          *wiki.HistoryManager
	Archiver         *wiki.Archiver
	Hub              *ConnectionHub
	AllowedOrigins   []string
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router serving REST and websocket endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.SessionValidator == nil:
		return nil, errMissingSessionValidator
	case deps.Sessions == nil:
		return nil, errMissingSessionService
	case deps.History == nil:
		return nil, errMissingHistory
	case deps.Archiver == nil:
		return nil, errMissingArchiver
	case deps.Hub == nil:
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		validator: deps.SessionValidator,
		sessions:  deps.Sessions,
		history:   deps.History,
		archiver:  deps.Archiver,
		hub:       deps.Hub,
		upgrader:  newUpgrader(deps.AllowedOrigins),
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	pages := router.Group("/pages/:pageId")
	pages.Use(handler.authorizeRequest, handler.authorizePage)
	pages.GET("/ws", handler.handlePageSocket)
	pages.GET("/history", handler.handleHistory)
	pages.GET("/versions/:version", handler.handleVersion)
	pages.GET("/compare", handler.handleCompare)
	pages.GET("/editors", handler.handleEditors)
	pages.GET("/lock", handler.handleLock)
	pages.POST("/archive", handler.handleArchive)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

type httpHandler struct {
	validator SessionValidator
	sessions  *collab.Service
	history   *wiki.HistoryManager
	archiver  *wiki.Archiver
	hub       *ConnectionHub
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := wiki.NewUserID(claims.UserID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID.String())
	c.Next()
}

// authorizePage resolves the page and requires project membership.
func (h *httpHandler) authorizePage(c *gin.Context) {
	pageID, err := wiki.NewPageID(c.Param("pageId"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_page_id"})
		return
	}
	userID := wiki.UserID(c.GetString(userIDContextKey))
	if err := h.sessions.CanAccess(c.Request.Context(), pageID, userID); err != nil {
		switch {
		case errors.Is(err, collab.ErrPageNotFound):
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "page_not_found"})
		case errors.Is(err, collab.ErrAccessDenied):
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access_denied"})
		default:
			h.logger.Error("access check failed",
				zap.String("page_id", pageID.String()),
				zap.String("user_id", userID.String()),
				zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "access_check_failed"})
		}
		return
	}
	c.Set(pageIDContextKey, pageID.String())
	c.Next()
}

type historyResponsePayload struct {
	PageID   string               `json:"page_id"`
	Versions []wiki.VersionRecord `json:"versions"`
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	pageID := wiki.PageID(c.GetString(pageIDContextKey))
	from, okFrom := optionalVersion(c.Query("from"))
	to, okTo := optionalVersion(c.Query("to"))
	if !okFrom || !okTo {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_range"})
		return
	}
	versions, err := h.history.GetHistory(c.Request.Context(), pageID, wiki.HistoryRange{From: from, To: to})
	if err != nil {
		h.respondHistoryError(c, err)
		return
	}
	if versions == nil {
		versions = []wiki.VersionRecord{}
	}
	c.JSON(http.StatusOK, historyResponsePayload{PageID: pageID.String(), Versions: versions})
}

type versionResponsePayload struct {
	PageID  string `json:"page_id"`
	Version int64  `json:"version"`
	Content string `json:"content"`
}

func (h *httpHandler) handleVersion(c *gin.Context) {
	pageID := wiki.PageID(c.GetString(pageIDContextKey))
	version, err := strconv.ParseInt(c.Param("version"), 10, 64)
	if err != nil || version < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version"})
		return
	}
	content, err := h.history.VersionContent(c.Request.Context(), pageID, version)
	if err != nil {
		h.respondHistoryError(c, err)
		return
	}
	c.JSON(http.StatusOK, versionResponsePayload{PageID: pageID.String(), Version: version, Content: content})
}

type compareResponsePayload struct {
	PageID string `json:"page_id"`
	From   int64  `json:"from"`
	To     int64  `json:"to"`
	Diff   string `json:"diff"`
}

func (h *httpHandler) handleCompare(c *gin.Context) {
	pageID := wiki.PageID(c.GetString(pageIDContextKey))
	from, errFrom := strconv.ParseInt(c.Query("from"), 10, 64)
	to, errTo := strconv.ParseInt(c.Query("to"), 10, 64)
	if errFrom != nil || errTo != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version"})
		return
	}
	diff, err := h.history.CompareVersions(c.Request.Context(), pageID, from, to)
	if err != nil {
		h.respondHistoryError(c, err)
		return
	}
	c.JSON(http.StatusOK, compareResponsePayload{PageID: pageID.String(), From: from, To: to, Diff: diff})
}

type editorsResponsePayload struct {
	PageID  string              `json:"page_id"`
	Count   int                 `json:"count"`
	Editors []collab.EditorInfo `json:"editors"`
}

func (h *httpHandler) handleEditors(c *gin.Context) {
	pageID := wiki.PageID(c.GetString(pageIDContextKey))
	editors, err := h.sessions.Editors(c.Request.Context(), pageID)
	if err != nil {
		h.logger.Error("editor lookup failed", zap.String("page_id", pageID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "editors_unavailable"})
		return
	}
	c.JSON(http.StatusOK, editorsResponsePayload{PageID: pageID.String(), Count: len(editors), Editors: editors})
}

type lockResponsePayload struct {
	PageID       string     `json:"page_id"`
	Locked       bool       `json:"locked"`
	HolderUserID string     `json:"holder_user_id,omitempty"`
	AcquiredAt   *time.Time `json:"acquired_at,omitempty"`
}

func (h *httpHandler) handleLock(c *gin.Context) {
	pageID := wiki.PageID(c.GetString(pageIDContextKey))
	lock, held, err := h.sessions.LockStatus(c.Request.Context(), pageID)
	if err != nil {
		h.logger.Error("lock lookup failed", zap.String("page_id", pageID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lock_unavailable"})
		return
	}
	response := lockResponsePayload{PageID: pageID.String(), Locked: held}
	if held {
		acquiredAt := lock.AcquiredAt.UTC()
		response.HolderUserID = lock.HolderUserID.String()
		response.AcquiredAt = &acquiredAt
	}
	c.JSON(http.StatusOK, response)
}

type archiveResponsePayload struct {
	PageID   string `json:"page_id"`
	Archived int    `json:"archived"`
}

func (h *httpHandler) handleArchive(c *gin.Context) {
	pageID := wiki.PageID(c.GetString(pageIDContextKey))
	moved, locked, err := h.archiver.ArchivePage(c.Request.Context(), pageID)
	if err != nil {
		h.respondHistoryError(c, err)
		return
	}
	if !locked {
		c.JSON(http.StatusConflict, gin.H{"error": "page_locked"})
		return
	}
	c.JSON(http.StatusOK, archiveResponsePayload{PageID: pageID.String(), Archived: moved})
}

func (h *httpHandler) respondHistoryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, wiki.ErrPageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "page_not_found"})
	case errors.Is(err, wiki.ErrVersionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "version_not_found"})
	case errors.Is(err, wiki.ErrHistoryIncomplete):
		h.logger.Error("history incomplete", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_incomplete"})
	default:
		h.logger.Error("history request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_unavailable"})
	}
}

func optionalVersion(raw string) (int64, bool) {
	if raw == "" {
		return 0, true
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0, false
	}
	return value, true
}
