package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/hub/internal/api"
	"github.com/MarcoPoloResearchLab/hub/internal/apperr"
	"github.com/MarcoPoloResearchLab/hub/internal/auth"
	"github.com/MarcoPoloResearchLab/hub/internal/content"
	"github.com/MarcoPoloResearchLab/hub/internal/dispatch"
	"github.com/MarcoPoloResearchLab/hub/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	usernameContextKey = "hub_username"
	accessTokenQuery   = "access_token"

	defaultHeartbeatInterval = 30 * time.Second
)

var (
	errMissingRegistry      = errors.New("command registry dependency required")
	errMissingSessions      = errors.New("session validator dependency required")
	errMissingUsers         = errors.New("identity resolver dependency required")
	errMissingRealtime      = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SessionValidator authenticates HTTP requests.
type SessionValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// IdentityResolver maps validated session claims to a hub username.
type IdentityResolver interface {
	ResolveUsername(ctx context.Context, claims auth.SessionClaims) (string, error)
}

// Dependencies are the collaborators of the HTTP surface.
type Dependencies struct {
	Registry          *dispatch.Registry
	Sessions          SessionValidator
	Users             IdentityResolver
	Realtime          *realtime.Dispatcher
	Logger            *zap.Logger
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
}

// NewHTTPHandler builds the gin router exposing the command registry.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	origins := newOriginSet(deps.AllowedOrigins)
	router.Use(corsMiddleware(origins))

	handler := &httpHandler{
		registry:  deps.Registry,
		sessions:  deps.Sessions,
		users:     deps.Users,
		realtime:  deps.Realtime,
		logger:    logger,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.allowsUpgrade,
		},
	}

	router.GET("/", handler.handleIndex)
	router.GET("/networks", handler.handleListNetworks)
	router.GET("/documents/:document/versions/latest", handler.handleLatestVersion)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/documents", handler.handleListDocuments)
	protected.POST("/documents", handler.handleCreateDocument)
	protected.GET("/search", handler.handleSearch)
	protected.GET("/documents/:document", handler.documentCommand(api.ModelHubstore, "get"))
	protected.PUT("/documents/:document", handler.handleUpdateDocument)
	protected.DELETE("/documents/:document", handler.documentCommand(api.ModelHubstore, "delete"))
	protected.GET("/documents/:document/info", handler.documentCommand(api.ModelHubstore, "info"))
	protected.GET("/documents/:document/commits", handler.handleCommits)
	protected.GET("/documents/:document/changes", handler.handleChanges)

	protected.GET("/documents/:document/blobs", handler.documentCommand(api.ModelHubstore, "listBlobs"))
	protected.GET("/documents/:document/blobs/:blob", handler.blobCommand(api.ModelHubstore, "getBlob"))
	protected.POST("/documents/:document/blobs/:blob", handler.handleCreateBlob)
	protected.DELETE("/documents/:document/blobs/:blob", handler.blobCommand(api.ModelHubstore, "deleteBlob"))
	protected.GET("/documents/:document/blobs/:blob/binary", handler.handleBinary)

	protected.GET("/documents/:document/collaborators", handler.documentCommand(api.ModelCollaborators, "find"))
	protected.POST("/documents/:document/collaborators", handler.handleCreateCollaborator)
	protected.GET("/collaborators/:id", handler.collaboratorCommand("get"))
	protected.DELETE("/collaborators/:id", handler.collaboratorCommand("delete"))

	protected.POST("/documents/:document/versions", handler.handleCreateVersion)
	protected.DELETE("/documents/:document/versions", handler.documentCommand(api.ModelVersions, "deleteAll"))

	protected.GET("/documents/:document/publications", handler.documentCommand(api.ModelPublications, "find"))
	protected.POST("/documents/:document/publications", handler.handleCreatePublication)
	protected.DELETE("/publications/:publication", handler.handleDeletePublication)
	protected.POST("/networks", handler.handleCreateNetwork)

	protected.POST("/commands/:model/:command", handler.handleCommand)

	return router, nil
}

// originSet holds the configured browser origins. An empty set leaves CORS
// open but still limits websocket upgrades to same-origin pages.
type originSet map[string]struct{}

func newOriginSet(allowedOrigins []string) originSet {
	origins := make(originSet, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			origins[trimmed] = struct{}{}
		}
	}
	return origins
}

func (o originSet) allowsCORS(origin string) bool {
	if len(o) == 0 {
		return true
	}
	_, ok := o[origin]
	return ok
}

// allowsUpgrade accepts clients that send no Origin, listed origins and
// pages served from the requested host.
func (o originSet) allowsUpgrade(request *http.Request) bool {
	origin := request.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, ok := o[origin]; ok {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(parsed.Host, request.Host)
}

func corsMiddleware(origins originSet) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  origins.allowsCORS,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	registry  *dispatch.Registry
	sessions  SessionValidator
	users     IdentityResolver
	realtime  *realtime.Dispatcher
	logger    *zap.Logger
	heartbeat time.Duration
	upgrader  websocket.Upgrader
}

type createDocumentPayload struct {
	ID   string         `json:"id"`
	Meta map[string]any `json:"meta"`
}

type updateDocumentPayload struct {
	Commits []content.Commit `json:"commits"`
	Meta    map[string]any   `json:"meta"`
	Refs    *content.Refs    `json:"refs"`
}

type blobPayload struct {
	Data json.RawMessage `json:"data"`
}

type collaboratorPayload struct {
	Collaborator string `json:"collaborator"`
}

type versionPayload struct {
	Data json.RawMessage `json:"data"`
}

type publicationPayload struct {
	Network string `json:"network"`
}

type networkPayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"descr"`
	Cover       string `json:"cover"`
	Color       string `json:"color"`
}

func (h *httpHandler) handleIndex(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"commands": h.registry.Models()})
}

func (h *httpHandler) handleListNetworks(c *gin.Context) {
	h.execute(c, api.ModelNetworks, "list", dispatch.Args{})
}

func (h *httpHandler) handleLatestVersion(c *gin.Context) {
	h.execute(c, api.ModelVersions, "latest", dispatch.Args{Document: c.Param("document")})
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	h.execute(c, api.ModelHubstore, "find", dispatch.Args{Username: c.GetString(usernameContextKey)})
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	h.execute(c, api.ModelHubstore, "search", dispatch.Args{
		Username: c.GetString(usernameContextKey),
		Query:    c.Query("q"),
	})
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	var request createDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondBadRequest(c)
		return
	}
	documentID := strings.TrimSpace(request.ID)
	if documentID == "" {
		documentID = uuid.NewString()
	}
	h.execute(c, api.ModelHubstore, "create", dispatch.Args{
		Username: c.GetString(usernameContextKey),
		Document: documentID,
		Meta:     request.Meta,
	})
}

func (h *httpHandler) handleUpdateDocument(c *gin.Context) {
	var request updateDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondBadRequest(c)
		return
	}
	h.execute(c, api.ModelHubstore, "update", dispatch.Args{
		Document: c.Param("document"),
		Commits:  request.Commits,
		Meta:     request.Meta,
		Refs:     request.Refs,
	})
}

func (h *httpHandler) handleCommits(c *gin.Context) {
	h.execute(c, api.ModelHubstore, "commits", dispatch.Args{
		Document: c.Param("document"),
		Since:    c.Query("since"),
		Last:     c.Query("last"),
	})
}

func (h *httpHandler) handleCreateBlob(c *gin.Context) {
	var request blobPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondBadRequest(c)
		return
	}
	h.execute(c, api.ModelHubstore, "createBlob", dispatch.Args{
		Document: c.Param("document"),
		Blob:     c.Param("blob"),
		Data:     request.Data,
	})
}

func (h *httpHandler) handleBinary(c *gin.Context) {
	result, ok := h.run(c, api.ModelBlobs, "binary", dispatch.Args{
		Document: c.Param("document"),
		Blob:     c.Param("blob"),
	})
	if !ok {
		return
	}
	binary, isBinary := result.(api.Binary)
	if !isBinary {
		c.JSON(http.StatusOK, result)
		return
	}
	c.Data(http.StatusOK, binary.MimeType, binary.Data)
}

func (h *httpHandler) handleCreateCollaborator(c *gin.Context) {
	var request collaboratorPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondBadRequest(c)
		return
	}
	h.execute(c, api.ModelCollaborators, "create", dispatch.Args{
		Document:     c.Param("document"),
		Collaborator: request.Collaborator,
	})
}

func (h *httpHandler) handleCreateVersion(c *gin.Context) {
	var request versionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondBadRequest(c)
		return
	}
	h.execute(c, api.ModelVersions, "create", dispatch.Args{
		Document: c.Param("document"),
		Creator:  c.GetString(usernameContextKey),
		Data:     request.Data,
	})
}

func (h *httpHandler) handleCreatePublication(c *gin.Context) {
	var request publicationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondBadRequest(c)
		return
	}
	h.execute(c, api.ModelPublications, "create", dispatch.Args{
		Document: c.Param("document"),
		Network:  request.Network,
		Creator:  c.GetString(usernameContextKey),
	})
}

func (h *httpHandler) handleDeletePublication(c *gin.Context) {
	h.execute(c, api.ModelPublications, "delete", dispatch.Args{Publication: c.Param("publication")})
}

func (h *httpHandler) handleCreateNetwork(c *gin.Context) {
	var request networkPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondBadRequest(c)
		return
	}
	h.execute(c, api.ModelNetworks, "create", dispatch.Args{
		Network: request.ID,
		Creator: c.GetString(usernameContextKey),
		Meta: map[string]any{
			"name":  request.Name,
			"descr": request.Description,
			"cover": request.Cover,
			"color": request.Color,
		},
	})
}

// handleCommand runs any registered command with a JSON encoded dispatch.Args body.
// The caller's username overrides the username and creator fields.
func (h *httpHandler) handleCommand(c *gin.Context) {
	var args dispatch.Args
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&args); err != nil {
			h.respondBadRequest(c)
			return
		}
	}
	username := c.GetString(usernameContextKey)
	args.Username = username
	args.Creator = username
	h.execute(c, c.Param("model"), c.Param("command"), args)
}

func (h *httpHandler) documentCommand(model, command string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.execute(c, model, command, dispatch.Args{
			Username: c.GetString(usernameContextKey),
			Document: c.Param("document"),
		})
	}
}

func (h *httpHandler) blobCommand(model, command string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.execute(c, model, command, dispatch.Args{
			Document: c.Param("document"),
			Blob:     c.Param("blob"),
		})
	}
}

func (h *httpHandler) collaboratorCommand(command string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.execute(c, api.ModelCollaborators, command, dispatch.Args{ID: c.Param("id")})
	}
}

func (h *httpHandler) execute(c *gin.Context, model, command string, args dispatch.Args) {
	result, ok := h.run(c, model, command, args)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) run(c *gin.Context, model, command string, args dispatch.Args) (any, bool) {
	principal := dispatch.Principal{Username: c.GetString(usernameContextKey)}
	result, err := h.registry.Execute(c.Request.Context(), model, command, args, principal)
	if err != nil {
		h.respondError(c, model, command, err)
		return nil, false
	}
	return result, true
}

func (h *httpHandler) respondError(c *gin.Context, model, command string, err error) {
	var dispatchErr *dispatch.Error
	if !errors.As(err, &dispatchErr) {
		dispatchErr = &dispatch.Error{Status: apperr.Status(err), Code: apperr.CodeOf(err), Message: err.Error()}
	}
	if dispatchErr.Status >= http.StatusInternalServerError {
		h.logger.Error("command failed",
			zap.String("model", model),
			zap.String("command", command),
			zap.String("code", dispatchErr.Code),
			zap.Error(err),
		)
	}
	c.JSON(dispatchErr.Status, gin.H{
		"status":  dispatchErr.Status,
		"code":    dispatchErr.Code,
		"message": dispatchErr.Message,
	})
}

func (h *httpHandler) respondBadRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"status":  http.StatusBadRequest,
		"code":    "http.invalid_request",
		"message": "invalid request body",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validate(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"status":  http.StatusUnauthorized,
			"code":    "http.unauthorized",
			"message": errInvalidAuthorization.Error(),
		})
		return
	}
	username, err := h.users.ResolveUsername(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("identity resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"status":  http.StatusUnauthorized,
			"code":    "http.unknown_identity",
			"message": "unauthorized",
		})
		return
	}
	c.Set(usernameContextKey, username)
	c.Next()
}

// validate accepts the bearer header, the session cookie, or an access_token
// query parameter for clients that cannot set headers on websocket upgrades.
func (h *httpHandler) validate(r *http.Request) (auth.SessionClaims, error) {
	claims, err := h.sessions.ValidateRequest(r)
	if err == nil || !errors.Is(err, auth.ErrMissingSessionToken) {
		return claims, err
	}
	if token := strings.TrimSpace(r.URL.Query().Get(accessTokenQuery)); token != "" {
		return h.sessions.ValidateToken(token)
	}
	return auth.SessionClaims{}, err
}
