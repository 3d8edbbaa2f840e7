// Package httpapi exposes the orchestration kernel's three external
// interfaces — submission, worker control, and arbitration — as an
// HTTP API over gin-gonic/gin, with gin-contrib/cors for browser-facing
// dashboards, grounded on gin's standard router/middleware idiom plus
// the kernel's closed error taxonomy for status-code mapping.
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"orchestrator/internal/arbitration"
	kerrors "orchestrator/internal/errors"
	"orchestrator/internal/orchestrator"
	"orchestrator/internal/pool"
	"orchestrator/internal/registry"
)

// Server is the HTTP front end over an assembled Orchestrator.
type Server struct {
	orch         *orchestrator.Orchestrator
	engine       *gin.Engine
	cooldownMs   int
}

// New builds the gin engine and registers routes. allowedOrigins configures
// gin-contrib/cors; an empty slice disables CORS entirely. cooldownMs is
// echoed back in Retry-After on a backpressure decision.
func New(orch *orchestrator.Orchestrator, allowedOrigins []string, cooldownMs int) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	if len(allowedOrigins) > 0 {
		engine.Use(cors.New(cors.Config{
			AllowOrigins: allowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost},
			AllowHeaders: []string{"Origin", "Content-Type"},
		}))
	}

	s := &Server{orch: orch, engine: engine, cooldownMs: cooldownMs}
	s.routes()
	return s
}

// Handler returns the underlying gin engine as an http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.POST("/v1/tasks", s.submitTask)
	s.engine.GET("/v1/tasks/:id", s.taskStatus)
	s.engine.POST("/v1/tasks/:id/assign", s.assignTask)
	s.engine.POST("/v1/tasks/:id/start", s.startTask)
	s.engine.POST("/v1/tasks/:id/complete", s.completeTask)
	s.engine.POST("/v1/tasks/:id/fail", s.failTask)
	s.engine.POST("/v1/tasks/:id/cancel", s.cancelTask)
	s.engine.POST("/v1/workers/:id/register", s.registerWorker)
	s.engine.POST("/v1/workers/:id/heartbeat", s.heartbeatWorker)
	s.engine.POST("/v1/workers/:id/health", s.updateWorkerHealth)
	s.engine.DELETE("/v1/workers/:id", s.deregisterWorker)
	s.engine.POST("/v1/arbitration", s.arbitrate)
}

func (s *Server) submitTask(c *gin.Context) {
	taskID, err := s.orch.SubmitTask(c.Request.Context())
	if writeError(c, err) {
		return
	}
	c.JSON(http.StatusCreated, gin.H{"taskId": taskID})
}

func (s *Server) taskStatus(c *gin.Context) {
	status, err := s.orch.Status(c.Param("id"))
	if writeError(c, err) {
		return
	}
	c.JSON(http.StatusOK, status)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelTask(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	cancelled, err := s.orch.CancelTask(c.Request.Context(), c.Param("id"), req.Reason)
	if writeError(c, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

type assignRequest struct {
	QueueDepth           int      `json:"queueDepth"`
	RequiredCapabilities []string `json:"requiredCapabilities"`
}

func (s *Server) assignTask(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decision, err := s.orch.AssignTask(c.Request.Context(), c.Param("id"), req.QueueDepth, req.RequiredCapabilities)
	if writeError(c, err) {
		return
	}
	if decision.Type == pool.Backpressure {
		retryAfterSec := s.cooldownMs / 1000
		if retryAfterSec < 1 {
			retryAfterSec = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfterSec))
		c.JSON(http.StatusTooManyRequests, decision)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (s *Server) startTask(c *gin.Context) {
	err := s.orch.StartTask(c.Request.Context(), c.Param("id"))
	if writeError(c, err) {
		return
	}
	c.Status(http.StatusNoContent)
}

type completeRequest struct {
	WorkerID string `json:"workerId" binding:"required"`
}

func (s *Server) completeTask(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.orch.CompleteTask(c.Request.Context(), c.Param("id"), req.WorkerID); writeError(c, err) {
		return
	}
	c.Status(http.StatusNoContent)
}

type failRequest struct {
	WorkerID string `json:"workerId" binding:"required"`
	Reason   string `json:"reason"`
}

func (s *Server) failTask(c *gin.Context) {
	var req failRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	plan, err := s.orch.FailTask(c.Request.Context(), c.Param("id"), req.WorkerID, req.Reason)
	if writeError(c, err) {
		return
	}
	c.JSON(http.StatusOK, plan)
}

type registerRequest struct {
	Capabilities      map[string]string `json:"capabilities"`
	InitialHealth     string            `json:"initialHealth"`
	InitialSaturation float64           `json:"initialSaturation"`
}

func (s *Server) registerWorker(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.orch.Workers.Register(c.Request.Context(), c.Param("id"), req.Capabilities, workerHealth(req.InitialHealth), req.InitialSaturation)
	if writeError(c, err) {
		return
	}
	s.orch.Pool.Register(c.Param("id"), capabilityKeys(req.Capabilities))
	c.Status(http.StatusNoContent)
}

// heartbeatWorker refreshes a worker's last-heartbeat timestamp so the
// registry's stale-worker sweep does not evict it.
func (s *Server) heartbeatWorker(c *gin.Context) {
	if err := s.orch.Workers.Heartbeat(c.Param("id")); writeError(c, err) {
		return
	}
	c.Status(http.StatusNoContent)
}

type updateHealthRequest struct {
	Health     string  `json:"health" binding:"required"`
	Saturation float64 `json:"saturation"`
}

func (s *Server) updateWorkerHealth(c *gin.Context) {
	var req updateHealthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.orch.Workers.UpdateHealth(c.Request.Context(), c.Param("id"), workerHealth(req.Health), req.Saturation)
	if writeError(c, err) {
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deregisterWorker(c *gin.Context) {
	if err := s.orch.Workers.Deregister(c.Request.Context(), c.Param("id")); writeError(c, err) {
		return
	}
	c.Status(http.StatusNoContent)
}

type arbitrateRequest struct {
	Pleadings []arbitration.PleadingDecision          `json:"pleadings" binding:"required"`
	Context   map[string]arbitration.WorkerContext    `json:"context"`
}

func (s *Server) arbitrate(c *gin.Context) {
	var req arbitrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.orch.Arbitrate(c.Request.Context(), req.Pleadings, req.Context)
	if writeError(c, err) {
		return
	}
	c.JSON(http.StatusOK, result)
}

func workerHealth(s string) registry.Health {
	switch s {
	case string(registry.Degraded):
		return registry.Degraded
	case string(registry.Unhealthy):
		return registry.Unhealthy
	default:
		return registry.Healthy
	}
}

func capabilityKeys(capabilities map[string]string) []string {
	keys := make([]string, 0, len(capabilities))
	for k := range capabilities {
		keys = append(keys, k)
	}
	return keys
}

// writeError maps the kernel's closed error taxonomy onto HTTP status codes
// and writes the response if err is non-nil, returning whether it did.
func writeError(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}
	kind, _ := kerrors.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case kerrors.InvalidArgument, kerrors.IllegalTransition, kerrors.InsufficientParticipants:
		status = http.StatusBadRequest
	case kerrors.AlreadyExists:
		status = http.StatusConflict
	case kerrors.NotFound:
		status = http.StatusNotFound
	case kerrors.Timeout:
		status = http.StatusGatewayTimeout
	case kerrors.ServiceUnavailable:
		status = http.StatusServiceUnavailable
	case kerrors.VersionConflict:
		status = http.StatusConflict
	case kerrors.StaleWorker:
		status = http.StatusGone
	case kerrors.CorruptState:
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind.String()})
	return true
}
