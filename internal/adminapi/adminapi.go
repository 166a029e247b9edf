// Package adminapi is the JWT-guarded HTTP admin surface for
// operators who prefer a dashboard over the Telegram bot — the CLI
// surface of spec.md §6 (mode change, settings update, manual order,
// approve/reject, close, preset application, status queries)
// exposed as REST endpoints. Grounded on koshedutech's
// internal/api/server.go: gin.Engine + cors.New + a sliding-window
// rate limiter, with JWT auth from internal/auth reduced to a single
// operator identity instead of a tiered/billing-aware claim set. Every
// handler is a thin adapter — all authorization/business logic lives
// in internal/scheduler and internal/userdir.
package adminapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"tidepredator/internal/logging"
	"tidepredator/internal/model"
	"tidepredator/internal/scheduler"
	"tidepredator/internal/userdir"
)

// moonPresets maps the spec's P1..P4 moon-illumination regimes to the
// risk%/leverage pair the "preset application" CLI command installs.
var moonPresets = map[string]struct {
	RiskPercent float64
	Leverage    int
}{
	"P1": {RiskPercent: 0.01, Leverage: 5},  // near-new: conservative
	"P2": {RiskPercent: 0.02, Leverage: 10}, // waxing toward full
	"P3": {RiskPercent: 0.015, Leverage: 8}, // near-full: pull back
	"P4": {RiskPercent: 0.02, Leverage: 10}, // waning toward new
}

// Server wires the admin HTTP API's router, JWT manager, rate limiter
// and the domain collaborators every handler delegates to.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	jwtManager  *JWTManager
	rateLimiter *rateLimiter
	adminUser   string
	adminHash   string
	firebase    *userdir.AuthClient
	directory   *userdir.Directory
	scheduler   *scheduler.Scheduler
	logger      *logging.Logger
}

// Config carries the admin API's auth and listener settings in from
// internal/config.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	JWTSecret         string
	AccessTokenTTL    time.Duration
	AdminUsername     string
	AdminPasswordHash string
	ProductionMode    bool
}

// New builds a Server. firebase may be nil (dashboard login falls
// back to username/password only); directory and sched are required.
func New(cfg Config, firebase *userdir.AuthClient, directory *userdir.Directory, sched *scheduler.Scheduler, logger *logging.Logger) *Server {
	if !cfg.ProductionMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router:      gin.New(),
		jwtManager:  NewJWTManager(cfg.JWTSecret, cfg.AccessTokenTTL),
		rateLimiter: newRateLimiter(60, time.Minute),
		adminUser:   cfg.AdminUsername,
		adminHash:   cfg.AdminPasswordHash,
		firebase:    firebase,
		directory:   directory,
		scheduler:   sched,
		logger:      logger,
	}

	s.router.Use(gin.Logger(), gin.Recovery())
	s.router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))
	s.router.Use(rateLimitMiddleware(s.rateLimiter))

	s.routes()

	s.httpServer = &http.Server{Addr: cfg.ListenAddr, Handler: s.router}
	return s
}

func (s *Server) routes() {
	s.router.GET("/api/health", s.handleHealth)
	s.router.POST("/api/login", s.handleLogin)

	authed := s.router.Group("/api")
	authed.Use(authMiddleware(s.jwtManager))
	{
		authed.GET("/status/:userID", s.handleStatus)
		authed.POST("/mode/:userID", s.handleModeChange)
		authed.POST("/settings/:userID", s.handleSettingsUpdate)
		authed.POST("/preset/:userID", s.handlePreset)
		authed.POST("/order/:userID", s.handleManualOrder)
		authed.POST("/approve/:userID", s.handleApprove)
		authed.POST("/reject/:userID", s.handleReject)
		authed.POST("/close/:userID", s.handleClose)
	}
}

// Run starts the HTTP server and blocks until it returns (normally
// on Shutdown via the caller's context cancellation).
func (s *Server) Run() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleHealth reports liveness, grounded on health_check.go's
// SimpleHealthCheck — same status+time JSON shape, behind the admin
// router rather than a bare http.HandlerFunc.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().Format(time.RFC3339)})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	IDToken  string `json:"id_token"`
}

// handleLogin authenticates via Firebase ID token when configured,
// else falls back to the bcrypt-hashed admin username/password —
// mirroring koshedutech's bcrypt password path but without its
// tiered/billing claim resolution, since this is a single-operator
// dashboard.
func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var userID string
	switch {
	case req.IDToken != "" && s.firebase.Enabled():
		uid, _, err := s.firebase.VerifyIDToken(c.Request.Context(), req.IDToken)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid firebase token"})
			return
		}
		userID = uid
	case req.Username != "" && req.Password != "":
		if req.Username != s.adminUser || s.adminHash == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(s.adminHash), []byte(req.Password)); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		userID = req.Username
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "no credentials supplied"})
		return
	}

	token, err := s.jwtManager.Generate(userID)
	if err != nil {
		s.logger.Error(err, "adminapi: token generation failed", nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) handleStatus(c *gin.Context) {
	settings, ok, err := s.directory.Get(c.Request.Context(), c.Param("userID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, settings)
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleModeChange(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	mode := model.Mode(req.Mode)
	if mode != model.ModeAuto && mode != model.ModeManual {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be auto or manual"})
		return
	}
	settings, err := s.directory.UpdateMode(c.Request.Context(), c.Param("userID"), mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

type settingsRequest struct {
	Pair        string  `json:"pair"`
	RiskPercent float64 `json:"risk_percent"`
	Leverage    int     `json:"leverage"`
}

func (s *Server) handleSettingsUpdate(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	settings, err := s.directory.UpdateTrading(c.Request.Context(), c.Param("userID"), req.Pair, req.RiskPercent, req.Leverage)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

type presetRequest struct {
	Preset string `json:"preset"`
}

func (s *Server) handlePreset(c *gin.Context) {
	var req presetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	values, ok := moonPresets[req.Preset]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown preset, expected P1..P4"})
		return
	}
	settings, err := s.directory.ApplyPreset(c.Request.Context(), c.Param("userID"), values.RiskPercent, values.Leverage)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

type manualOrderRequest struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	RiskPercent float64 `json:"risk_percent"`
	Leverage    int     `json:"leverage"`
}

func (s *Server) handleManualOrder(c *gin.Context) {
	var req manualOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	side := model.Side(req.Side)
	if side != model.SideLong && side != model.SideShort {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be LONG or SHORT"})
		return
	}

	settings, ok, err := s.directory.Get(c.Request.Context(), c.Param("userID"))
	if err != nil || !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	result := s.scheduler.ManualOrder(c.Request.Context(), settings, req.Symbol, side, req.RiskPercent, req.Leverage, time.Now())
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleApprove(c *gin.Context) {
	userID := c.Param("userID")
	settings, ok, err := s.directory.Get(c.Request.Context(), userID)
	if err != nil || !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err := s.scheduler.ApprovePending(c.Request.Context(), settings, time.Now()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

type rejectRequest struct {
	PID string `json:"pid"`
}

func (s *Server) handleReject(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.scheduler.RejectPending(c.Request.Context(), c.Param("userID"), req.PID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

type closeRequest struct {
	Symbol     string  `json:"symbol"`
	Percent    float64 `json:"percent"`
	SideFilter string  `json:"side_filter"`
}

func (s *Server) handleClose(c *gin.Context) {
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	settings, ok, err := s.directory.Get(c.Request.Context(), c.Param("userID"))
	if err != nil || !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	var sideFilter *model.Side
	if req.SideFilter != "" {
		side := model.Side(req.SideFilter)
		sideFilter = &side
	}

	results := s.scheduler.ManualClose(c.Request.Context(), settings, req.Symbol, req.Percent, sideFilter)
	c.JSON(http.StatusOK, results)
}
