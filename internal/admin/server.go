// Package admin serves the operator HTTP API of an engine.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"melink/internal/catalog"
	"melink/internal/mpio"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Backend is the router surface the API drives.
type Backend interface {
	LocalEngine() mpio.EngineID
	Started() bool
	Start()
	Stop()
	Connections() []*mpio.Connection
	IsReachable(engine mpio.EngineID) (bool, error)
	IsCompatible(engine mpio.EngineID, required mpio.ProtocolVersion) (bool, error)
	ForceConnect(ctx context.Context, engine mpio.EngineID) (bool, error)
}

// DropLog answers queries about dropped messages.
type DropLog interface {
	Recent(ctx context.Context, limit int, reason mpio.DropReason) ([]mpio.DropEvent, error)
	Summary(ctx context.Context, since time.Time) (map[mpio.DropReason]int64, error)
}

// Destinations is the local catalogue.
type Destinations interface {
	List() []catalog.Record
	Create(ctx context.Context, rec catalog.Record) (catalog.Record, error)
	SetCreateInProgress(ctx context.Context, id uuid.UUID, inProgress bool) error
	MarkToBeDeleted(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type Options struct {
	Bus          string
	Backend      Backend
	Auth         AuthService
	Drops        DropLog
	Destinations Destinations
	Hub          *Hub
	Logger       *slog.Logger
	// ConnectTimeout bounds POST /engines/:id/connect.
	ConnectTimeout time.Duration
}

type Server struct {
	opts   Options
	logger *slog.Logger
	engine *gin.Engine
	http   *http.Server
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	s := &Server{opts: opts, logger: opts.Logger}
	s.engine = s.routes()
	return s
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.health)

	v1 := r.Group("/api/v1")
	v1.POST("/auth/login", s.login)

	authed := v1.Group("")
	authed.Use(AuthMiddleware(s.opts.Auth))
	{
		authed.GET("/router", s.status)
		authed.GET("/connections", s.connections)
		authed.GET("/engines/:id/reachable", s.reachable)
		authed.GET("/engines/:id/compatible", s.compatible)
		authed.GET("/destinations", s.destinations)
		authed.GET("/drops", s.drops)
		authed.GET("/drops/summary", s.dropSummary)
		if s.opts.Hub != nil {
			authed.GET("/events", WSHandler(s.opts.Hub))
		}
	}

	control := authed.Group("")
	control.Use(RequireAdmin())
	{
		control.POST("/router/start", s.start)
		control.POST("/router/stop", s.stop)
		control.POST("/engines/:id/connect", s.connect)
		control.POST("/destinations", s.createDestination)
		control.POST("/destinations/:id/create-in-progress", s.setCreateInProgress)
		control.POST("/destinations/:id/to-be-deleted", s.markToBeDeleted)
		control.DELETE("/destinations/:id", s.deleteDestination)
	}
	return r
}

// requestLogger logs one line per request in the service's slog style.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("admin_request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// ListenAndServe blocks until the server stops. http.ErrServerClosed is
// not reported.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("admin_listening",
		"addr", addr,
	)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, expires, err := s.opts.Auth.Login(req.Username, req.Password)
	if err != nil {
		s.logger.Warn("admin_login_failed",
			"username", req.Username,
		)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expires.UTC(),
	})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"engine":  s.opts.Backend.LocalEngine(),
		"started": s.opts.Backend.Started(),
	})
}

func (s *Server) status(c *gin.Context) {
	resp := gin.H{
		"engine":      s.opts.Backend.LocalEngine(),
		"bus":         s.opts.Bus,
		"started":     s.opts.Backend.Started(),
		"connections": len(s.opts.Backend.Connections()),
	}
	if s.opts.Hub != nil {
		resp["event_clients"] = s.opts.Hub.ClientCount()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) start(c *gin.Context) {
	s.opts.Backend.Start()
	s.logger.Info("router_started_by_operator",
		"username", c.GetString("username"),
	)
	c.JSON(http.StatusOK, gin.H{"started": true})
}

func (s *Server) stop(c *gin.Context) {
	s.opts.Backend.Stop()
	s.logger.Info("router_stopped_by_operator",
		"username", c.GetString("username"),
	)
	c.JSON(http.StatusOK, gin.H{"started": false})
}

type connectionView struct {
	Engine     mpio.EngineID        `json:"engine"`
	Version    mpio.ProtocolVersion `json:"version"`
	RemoteAddr string               `json:"remote_addr,omitempty"`
}

func (s *Server) connections(c *gin.Context) {
	conns := s.opts.Backend.Connections()
	out := make([]connectionView, 0, len(conns))
	for _, conn := range conns {
		view := connectionView{
			Engine:  conn.Engine(),
			Version: conn.ProtocolVersion(),
		}
		if addr, ok := conn.Transport().(interface{ RemoteAddr() string }); ok {
			view.RemoteAddr = addr.RemoteAddr()
		}
		out = append(out, view)
	}
	c.JSON(http.StatusOK, gin.H{"connections": out})
}

func (s *Server) engineParam(c *gin.Context) (mpio.EngineID, bool) {
	id, err := mpio.ParseEngineID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid engine id"})
		return mpio.EngineID{}, false
	}
	return id, true
}

// routerError writes the response for a router failure. Internal errors
// are unrecoverable for the engine and are logged at error level.
func (s *Server) routerError(c *gin.Context, err error) {
	if mpio.IsInternal(err) {
		s.logger.Error("router_internal_error",
			"path", c.FullPath(),
			"error", err.Error(),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "internal": true})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
}

func (s *Server) reachable(c *gin.Context) {
	engine, ok := s.engineParam(c)
	if !ok {
		return
	}
	reachable, err := s.opts.Backend.IsReachable(engine)
	if err != nil {
		s.routerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"engine": engine, "reachable": reachable})
}

func (s *Server) compatible(c *gin.Context) {
	engine, ok := s.engineParam(c)
	if !ok {
		return
	}
	required, err := mpio.ParseProtocolVersion(c.Query("version"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid version: " + err.Error()})
		return
	}
	compatible, err := s.opts.Backend.IsCompatible(engine, required)
	if err != nil {
		s.routerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"engine":     engine,
		"required":   required,
		"compatible": compatible,
	})
}

func (s *Server) connect(c *gin.Context) {
	engine, ok := s.engineParam(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.ConnectTimeout)
	defer cancel()
	connected, err := s.opts.Backend.ForceConnect(ctx, engine)
	if err != nil {
		s.routerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"engine": engine, "connected": connected})
}

func (s *Server) destinations(c *gin.Context) {
	if s.opts.Destinations == nil {
		c.JSON(http.StatusOK, gin.H{"destinations": []catalog.Record{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"destinations": s.opts.Destinations.List()})
}

type createDestinationRequest struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name" binding:"required"`
	Bus              string    `json:"bus"`
	Link             bool      `json:"link"`
	ForeignBus       string    `json:"foreign_bus"`
	Invisible        bool      `json:"invisible"`
	CreateInProgress bool      `json:"create_in_progress"`
}

type createInProgressRequest struct {
	InProgress *bool `json:"in_progress" binding:"required"`
}

// catalogError maps catalogue failures to HTTP status codes.
func (s *Server) catalogError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, catalog.ErrInvalidRecord):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, catalog.ErrUnknownDestination):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, catalog.ErrDuplicateName), errors.Is(err, catalog.ErrDuplicateLink):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("catalog_write_failed",
			"path", c.FullPath(),
			"error", err.Error(),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) catalogWritable(c *gin.Context) bool {
	if s.opts.Destinations == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "catalogue disabled"})
		return false
	}
	return true
}

func (s *Server) destinationParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid destination id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) createDestination(c *gin.Context) {
	if !s.catalogWritable(c) {
		return
	}
	var req createDestinationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Bus == "" {
		req.Bus = s.opts.Bus
	}
	rec, err := s.opts.Destinations.Create(c.Request.Context(), catalog.Record{
		ID:               req.ID,
		Name:             req.Name,
		Bus:              req.Bus,
		Link:             req.Link,
		ForeignBus:       req.ForeignBus,
		Invisible:        req.Invisible,
		CreateInProgress: req.CreateInProgress,
	})
	if err != nil {
		s.catalogError(c, err)
		return
	}
	s.logger.Info("destination_created_by_operator",
		"username", c.GetString("username"),
		"destination", rec.ID,
	)
	c.JSON(http.StatusCreated, gin.H{"destination": rec})
}

func (s *Server) setCreateInProgress(c *gin.Context) {
	if !s.catalogWritable(c) {
		return
	}
	id, ok := s.destinationParam(c)
	if !ok {
		return
	}
	var req createInProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.opts.Destinations.SetCreateInProgress(c.Request.Context(), id, *req.InProgress); err != nil {
		s.catalogError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "create_in_progress": *req.InProgress})
}

func (s *Server) markToBeDeleted(c *gin.Context) {
	if !s.catalogWritable(c) {
		return
	}
	id, ok := s.destinationParam(c)
	if !ok {
		return
	}
	if err := s.opts.Destinations.MarkToBeDeleted(c.Request.Context(), id); err != nil {
		s.catalogError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "to_be_deleted": true})
}

func (s *Server) deleteDestination(c *gin.Context) {
	if !s.catalogWritable(c) {
		return
	}
	id, ok := s.destinationParam(c)
	if !ok {
		return
	}
	if err := s.opts.Destinations.Delete(c.Request.Context(), id); err != nil {
		s.catalogError(c, err)
		return
	}
	s.logger.Info("destination_deleted_by_operator",
		"username", c.GetString("username"),
		"destination", id,
	)
	c.Status(http.StatusNoContent)
}

func (s *Server) drops(c *gin.Context) {
	if s.opts.Drops == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "drop journal disabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	events, err := s.opts.Drops.Recent(c.Request.Context(), limit, mpio.DropReason(c.Query("reason")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"drops": events})
}

func (s *Server) dropSummary(c *gin.Context) {
	if s.opts.Drops == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "drop journal disabled"})
		return
	}
	window, err := time.ParseDuration(c.DefaultQuery("since", "1h"))
	if err != nil || window <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since duration"})
		return
	}
	summary, err := s.opts.Drops.Summary(c.Request.Context(), time.Now().Add(-window))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"since": window.String(), "reasons": summary})
}
