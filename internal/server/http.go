// Package server exposes the gateway over HTTP: the websocket endpoint,
// cluster discovery, admin routes and metrics.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/imgate/internal/cluster"
	"github.com/MarcoPoloResearchLab/imgate/internal/messages"
	"github.com/MarcoPoloResearchLab/imgate/internal/presence"
	"github.com/MarcoPoloResearchLab/imgate/internal/router"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	errorNotAccepting        = "node_not_accepting"
	errorNoAvailableNode     = "no_available_node"
	errorDirectoryDown       = "directory_unavailable"
	errorInvalidRequest      = "invalid_request"
	errorNotFound            = "not_found"
	errorUnauthorized        = "unauthorized"
	errorInternal            = "internal_error"
	paramUserID              = "userId"
	paramGroupID             = "groupId"
	paramOtherID             = "otherId"
	defaultWebSocketEndpoint = "/ws"
)

var (
	errMissingRouter     = errors.New("connection router dependency required")
	errMissingSessions   = errors.New("session registry dependency required")
	errMissingCluster    = errors.New("cluster membership dependency required")
	errMissingDirectory  = errors.New("directory admin dependency required")
	errInvalidAuthHeader = errors.New("authorization header missing or invalid")
)

// ConnectionServer runs the protocol on an upgraded connection.
type ConnectionServer interface {
	Serve(ctx context.Context, conn router.Connection)
}

// SessionAdmin lists and evicts local sessions.
type SessionAdmin interface {
	Snapshot() []presence.SessionInfo
	Unbind(userID string) bool
}

// ClusterView answers discovery questions about the cluster.
type ClusterView interface {
	NodeID() string
	Accepting() bool
	ListNodes(ctx context.Context) ([]cluster.GatewayNode, error)
	SelectNode(ctx context.Context) (string, error)
}

// DirectoryAdmin edits group membership and blacklists.
type DirectoryAdmin interface {
	Members(ctx context.Context, groupID string) ([]string, error)
	AddMember(ctx context.Context, groupID, userID string) error
	RemoveMember(ctx context.Context, groupID, userID string) error
	Block(ctx context.Context, ownerID, otherID string) error
	Unblock(ctx context.Context, ownerID, otherID string) error
}

// GroupCache drops cached member lists after membership edits.
type GroupCache interface {
	Invalidate(groupID string)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	// Context bounds every websocket connection; cancel it on shutdown.
	Context       context.Context
	Router        ConnectionServer
	Sessions      SessionAdmin
	Cluster       ClusterView
	Directory     DirectoryAdmin
	GroupCache    GroupCache
	Gatherer      prometheus.Gatherer
	WebSocketPath string
	Transport     TransportConfig
	AdminToken    string
	Logger        *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the gateway.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Router == nil {
		return nil, errMissingRouter
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Cluster == nil {
		return nil, errMissingCluster
	}
	if deps.Directory == nil {
		return nil, errMissingDirectory
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx := deps.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	wsPath := strings.TrimSpace(deps.WebSocketPath)
	if wsPath == "" {
		wsPath = defaultWebSocketEndpoint
	}

	handler := &httpHandler{
		baseCtx:    baseCtx,
		router:     deps.Router,
		sessions:   deps.Sessions,
		cluster:    deps.Cluster,
		directory:  deps.Directory,
		groupCache: deps.GroupCache,
		transport:  deps.Transport.withDefaults(),
		adminToken: strings.TrimSpace(deps.AdminToken),
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	engine.GET(wsPath, handler.handleWebSocket)
	engine.GET("/healthz", handler.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	engine.GET("/nodes", handler.handleListNodes)
	engine.GET("/nodes/select", handler.handleSelectNode)

	admin := engine.Group("/")
	admin.Use(handler.authorizeAdmin)
	admin.GET("/sessions", handler.handleListSessions)
	admin.DELETE("/sessions/:"+paramUserID, handler.handleKickSession)
	admin.GET("/groups/:"+paramGroupID+"/members", handler.handleListMembers)
	admin.POST("/groups/:"+paramGroupID+"/members", handler.handleAddMember)
	admin.DELETE("/groups/:"+paramGroupID+"/members/:"+paramUserID, handler.handleRemoveMember)
	admin.PUT("/users/:"+paramUserID+"/blacklist/:"+paramOtherID, handler.handleBlock)
	admin.DELETE("/users/:"+paramUserID+"/blacklist/:"+paramOtherID, handler.handleUnblock)

	return engine, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	baseCtx    context.Context
	router     ConnectionServer
	sessions   SessionAdmin
	cluster    ClusterView
	directory  DirectoryAdmin
	groupCache GroupCache
	transport  TransportConfig
	adminToken string
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	if !h.cluster.Accepting() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errorNotAccepting})
		return
	}
	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("remote", c.ClientIP()), zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(h.baseCtx)
	defer cancel()
	conn := newWSConn(socket, h.transport, h.logger)
	go conn.keepalive(ctx)
	h.router.Serve(ctx, conn)
}

type healthPayload struct {
	Status    string `json:"status"`
	NodeID    string `json:"nodeId"`
	Accepting bool   `json:"accepting"`
	Sessions  int    `json:"sessions"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	accepting := h.cluster.Accepting()
	status := "ok"
	code := http.StatusOK
	if !accepting {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, healthPayload{
		Status:    status,
		NodeID:    h.cluster.NodeID(),
		Accepting: accepting,
		Sessions:  len(h.sessions.Snapshot()),
	})
}

func (h *httpHandler) handleListNodes(c *gin.Context) {
	nodes, err := h.cluster.ListNodes(c.Request.Context())
	if err != nil {
		h.logger.Warn("node listing failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errorDirectoryDown})
		return
	}
	if nodes == nil {
		nodes = []cluster.GatewayNode{}
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

func (h *httpHandler) handleSelectNode(c *gin.Context) {
	nodeID, err := h.cluster.SelectNode(c.Request.Context())
	switch {
	case errors.Is(err, cluster.ErrNoAvailableNode):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errorNoAvailableNode})
	case err != nil:
		h.logger.Warn("node selection failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errorDirectoryDown})
	default:
		c.JSON(http.StatusOK, gin.H{"nodeId": nodeID})
	}
}

func (h *httpHandler) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.sessions.Snapshot()})
}

func (h *httpHandler) handleKickSession(c *gin.Context) {
	userID, ok := userParam(c, paramUserID)
	if !ok {
		return
	}
	if !h.sessions.Unbind(userID) {
		c.JSON(http.StatusNotFound, gin.H{"error": errorNotFound})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListMembers(c *gin.Context) {
	groupID, ok := groupParam(c)
	if !ok {
		return
	}
	members, err := h.directory.Members(c.Request.Context(), groupID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errorDirectoryDown})
		return
	}
	if members == nil {
		members = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"groupId": groupID, "members": members})
}

type memberRequestPayload struct {
	UserID string `json:"userId" binding:"required,max=190"`
}

func (h *httpHandler) handleAddMember(c *gin.Context) {
	groupID, ok := groupParam(c)
	if !ok {
		return
	}
	var request memberRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}
	userID, err := messages.NewUserID(request.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}
	if err := h.directory.AddMember(c.Request.Context(), groupID, userID); err != nil {
		h.respondDirectoryError(c, "group member add failed", err)
		return
	}
	h.invalidate(groupID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveMember(c *gin.Context) {
	groupID, ok := groupParam(c)
	if !ok {
		return
	}
	userID, ok := userParam(c, paramUserID)
	if !ok {
		return
	}
	if err := h.directory.RemoveMember(c.Request.Context(), groupID, userID); err != nil {
		h.respondDirectoryError(c, "group member removal failed", err)
		return
	}
	h.invalidate(groupID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleBlock(c *gin.Context) {
	ownerID, otherID, ok := edgeParams(c)
	if !ok {
		return
	}
	if err := h.directory.Block(c.Request.Context(), ownerID, otherID); err != nil {
		h.respondDirectoryError(c, "blacklist insert failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUnblock(c *gin.Context) {
	ownerID, otherID, ok := edgeParams(c)
	if !ok {
		return
	}
	if err := h.directory.Unblock(c.Request.Context(), ownerID, otherID); err != nil {
		h.respondDirectoryError(c, "blacklist removal failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) invalidate(groupID string) {
	if h.groupCache != nil {
		h.groupCache.Invalidate(groupID)
	}
}

func (h *httpHandler) respondDirectoryError(c *gin.Context, message string, err error) {
	h.logger.Error(message, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": errorInternal})
}

// authorizeAdmin guards admin routes with a static bearer token. With no
// token configured the routes are open, which suits local deployments.
func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	if h.adminToken == "" {
		c.Next()
		return
	}
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthHeader.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	c.Next()
}

func userParam(c *gin.Context, name string) (string, bool) {
	userID, err := messages.NewUserID(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return "", false
	}
	return userID, true
}

func groupParam(c *gin.Context) (string, bool) {
	groupID, err := messages.NewGroupID(c.Param(paramGroupID))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return "", false
	}
	return groupID, true
}

func edgeParams(c *gin.Context) (string, string, bool) {
	ownerID, ok := userParam(c, paramUserID)
	if !ok {
		return "", "", false
	}
	otherID, ok := userParam(c, paramOtherID)
	if !ok {
		return "", "", false
	}
	return ownerID, otherID, true
}
