// Package api exposes the control surface over HTTP: team and agent
// operations, event queries, budget administration, health, metrics, and a
// websocket endpoint streaming bus events to clients.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/flocklab/flock/pkg/budget"
	"github.com/flocklab/flock/pkg/bus"
	"github.com/flocklab/flock/pkg/config"
	"github.com/flocklab/flock/pkg/models"
	"github.com/flocklab/flock/pkg/runtime"
	"github.com/flocklab/flock/pkg/store"
	"github.com/flocklab/flock/pkg/team"
)

// AgentService is the slice of the lifecycle manager the handlers call.
type AgentService interface {
	Spawn(ctx context.Context, req models.SpawnRequest) (string, error)
	Get(ctx context.Context, agentID string) (*models.Agent, error)
	List(ctx context.Context, filters models.AgentFilters) ([]*models.Agent, error)
	Send(ctx context.Context, agentID, message string, attachments []runtime.Attachment) (*runtime.SendResult, error)
	Pause(ctx context.Context, agentID string) error
	Resume(ctx context.Context, agentID string) error
	Kill(ctx context.Context, agentID string) error
	Retry(ctx context.Context, agentID string) error
}

// TeamService is the slice of the orchestrator the handlers call.
type TeamService interface {
	CreateTeam(ctx context.Context, spec models.TeamSpec) (string, error)
	Get(ctx context.Context, teamID string) (*models.Team, error)
	List(ctx context.Context, filters models.TeamFilters) ([]*models.Team, error)
	TeamStatus(ctx context.Context, teamID string) (*team.Status, error)
	Scale(ctx context.Context, teamID string, req models.ScaleRequest) (int, error)
	Pause(ctx context.Context, teamID string) error
	Resume(ctx context.Context, teamID string) error
	Destroy(ctx context.Context, teamID string) error
}

// BudgetService is the slice of the budget controller the handlers call.
type BudgetService interface {
	SetLimit(ctx context.Context, scope models.Scope, window models.Window, limitCost *float64, limitTokens *int64) error
	Status(ctx context.Context, scope models.Scope) (*budget.Status, error)
	Reset(ctx context.Context, scope models.Scope, window models.Window) error
}

// Server is the HTTP control API.
type Server struct {
	cfg      *config.ServerConfig
	agents   AgentService
	teams    TeamService
	budgets  BudgetService
	eventBus *bus.Bus
	repo     store.Repository

	connManager *ConnManager

	// metrics, when set, is mounted at GET /metrics.
	metrics http.Handler

	e          *echo.Echo
	httpServer *http.Server
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg *config.ServerConfig, agents AgentService, teams TeamService, budgets BudgetService, eventBus *bus.Bus, repo store.Repository) *Server {
	s := &Server{
		cfg:         cfg,
		agents:      agents,
		teams:       teams,
		budgets:     budgets,
		eventBus:    eventBus,
		repo:        repo,
		connManager: NewConnManager(eventBus, 5*time.Second),
		e:           echo.New(),
	}
	s.routes()
	s.httpServer = &http.Server{
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetMetricsHandler mounts a prometheus handler at GET /metrics. Called once
// during startup; without it the route returns 404.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

func (s *Server) routes() {
	s.e.Use(securityHeaders())

	s.e.GET("/healthz", s.healthHandler)
	s.e.GET("/metrics", s.metricsHandler)

	// Team routes are registered twice: "swarm" is a deprecated alias kept
	// for clients that predate the rename.
	for _, base := range []string{"/api/v1/teams", "/api/v1/swarms"} {
		s.e.POST(base, s.createTeamHandler)
		s.e.GET(base, s.listTeamsHandler)
		s.e.GET(base+"/:id", s.getTeamHandler)
		s.e.POST(base+"/:id/scale", s.scaleTeamHandler)
		s.e.POST(base+"/:id/pause", s.pauseTeamHandler)
		s.e.POST(base+"/:id/resume", s.resumeTeamHandler)
		s.e.DELETE(base+"/:id", s.destroyTeamHandler)
	}

	s.e.POST("/api/v1/agents", s.spawnAgentHandler)
	s.e.GET("/api/v1/agents", s.listAgentsHandler)
	s.e.GET("/api/v1/agents/:id", s.getAgentHandler)
	s.e.POST("/api/v1/agents/:id/send", s.sendMessageHandler)
	s.e.POST("/api/v1/agents/:id/pause", s.pauseAgentHandler)
	s.e.POST("/api/v1/agents/:id/resume", s.resumeAgentHandler)
	s.e.POST("/api/v1/agents/:id/kill", s.killAgentHandler)
	s.e.POST("/api/v1/agents/:id/retry", s.retryAgentHandler)

	s.e.GET("/api/v1/events", s.listEventsHandler)

	s.e.GET("/api/v1/budgets/global", s.getBudgetHandler)
	s.e.PUT("/api/v1/budgets/global", s.putBudgetHandler)
	s.e.DELETE("/api/v1/budgets/global", s.resetBudgetHandler)
	s.e.GET("/api/v1/budgets/:scopeType/:scopeID", s.getBudgetHandler)
	s.e.PUT("/api/v1/budgets/:scopeType/:scopeID", s.putBudgetHandler)
	s.e.DELETE("/api/v1/budgets/:scopeType/:scopeID", s.resetBudgetHandler)

	s.e.GET("/api/v1/ws", s.wsHandler)
}

func (s *Server) metricsHandler(c *echo.Context) error {
	if s.metrics == nil {
		return echo.NewHTTPError(http.StatusNotFound, "metrics not enabled")
	}
	s.metrics.ServeHTTP(c.Response(), c.Request())
	return nil
}

// Handler returns the routed handler, used by tests to drive requests
// without a listener.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start runs the HTTP server on addr. Blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on an already-bound listener. Tests use it to run
// the full server on an ephemeral port.
func (s *Server) StartWithListener(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown drains in-flight requests and closes all websocket connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.connManager.CloseAll()
	return s.httpServer.Shutdown(ctx)
}
