// Package api exposes the proctoring agent over HTTP: session control and
// read-only monitor endpoints, plus the websockets carrying browser UI events
// and the monitor dashboard feed.
package api

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/examguard/proctor/internal/auth"
	"github.com/examguard/proctor/internal/middleware"
	"github.com/examguard/proctor/internal/models"
	"github.com/examguard/proctor/internal/session"
	"github.com/examguard/proctor/pkg/response"
)

// ReportStore reads the worker-persisted proctoring reports.
type ReportStore interface {
	ListViolations(ctx context.Context, attemptID uuid.UUID) ([]models.ViolationRecord, error)
	ViolationCounts(ctx context.Context, attemptID uuid.UUID) (map[models.ViolationType]int, error)
}

// MonitorFeed delivers worker-published attempt events to dashboards.
type MonitorFeed interface {
	SubscribeAttempt(attemptID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// SnapshotStore resolves stored snapshot keys to download URLs and owns the
// per-attempt upload throttle.
type SnapshotStore interface {
	DownloadURL(ctx context.Context, key string) (string, error)
	Forget(attemptID uuid.UUID)
}

// Handler serves proctoring session control and observation endpoints. The
// reports, feed and snapshots dependencies are optional; endpoints backed by
// a missing one answer 503.
type Handler struct {
	manager   *session.Manager
	reports   ReportStore
	feed      MonitorFeed
	snapshots SnapshotStore
	// baseCtx outlives any single request; sessions started over HTTP must
	// not die with the request that started them.
	baseCtx context.Context
	logger  *zap.Logger
}

// NewHandler creates the API handler.
func NewHandler(manager *session.Manager, reports ReportStore, feed MonitorFeed, snapshots SnapshotStore, baseCtx context.Context, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Handler{
		manager:   manager,
		reports:   reports,
		feed:      feed,
		snapshots: snapshots,
		baseCtx:   baseCtx,
		logger:    logger,
	}
}

// Register mounts all routes. Session control is open to any authenticated
// user (students start their own proctoring); the observation endpoints are
// proctor and admin surfaces.
func (h *Handler) Register(r *gin.Engine, jwtService *auth.JWTService) {
	r.GET("/health", h.health)
	r.GET("/ws/events/:attempt_id", ServeEvents(h.manager, jwtService, h.logger))
	r.GET("/ws/monitor/:attempt_id", ServeMonitor(h.feed, jwtService, h.logger))

	v1 := r.Group("/api/v1", middleware.JWT(jwtService))
	p := v1.Group("/attempts/:attempt_id/proctoring")
	p.POST("/start", h.start)
	p.POST("/stop", h.stop)

	mon := p.Group("", middleware.RequireRole(auth.RoleProctor, auth.RoleAdmin))
	mon.GET("", h.snapshot)
	mon.GET("/violations", h.violations)
	mon.GET("/report", h.report)
	mon.GET("/snapshot-url", h.snapshotURL)
}

func (h *Handler) health(c *gin.Context) {
	response.OK(c, gin.H{"status": "ok"})
}

func attemptID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.BadRequest(c, "invalid attempt_id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) start(c *gin.Context) {
	id, ok := attemptID(c)
	if !ok {
		return
	}
	s, err := h.manager.Start(h.baseCtx, id)
	if err != nil {
		if errors.Is(err, session.ErrStoppedDuringAcquire) {
			response.Conflict(c, "session stopped during media acquisition")
			return
		}
		h.logger.Warn("proctoring start failed", zap.String("attempt_id", id.String()), zap.Error(err))
		response.ServiceUnavailable(c, "media acquisition failed: "+err.Error())
		return
	}
	response.OK(c, s.Snapshot())
}

func (h *Handler) stop(c *gin.Context) {
	id, ok := attemptID(c)
	if !ok {
		return
	}
	h.manager.Stop(id)
	if h.snapshots != nil {
		h.snapshots.Forget(id)
	}
	response.NoContent(c)
}

func (h *Handler) snapshot(c *gin.Context) {
	id, ok := attemptID(c)
	if !ok {
		return
	}
	s, ok := h.manager.Get(id)
	if !ok {
		response.NotFound(c, "no proctoring session for attempt")
		return
	}
	response.OK(c, s.Snapshot())
}

func (h *Handler) violations(c *gin.Context) {
	id, ok := attemptID(c)
	if !ok {
		return
	}
	s, ok := h.manager.Get(id)
	if !ok {
		response.NotFound(c, "no proctoring session for attempt")
		return
	}
	response.OK(c, gin.H{"violations": s.Violations()})
}

// report returns the persisted violation history with per-type counts. Unlike
// the live /violations list, this survives agent restarts.
func (h *Handler) report(c *gin.Context) {
	id, ok := attemptID(c)
	if !ok {
		return
	}
	if h.reports == nil {
		response.ServiceUnavailable(c, "report store not configured")
		return
	}
	ctx := c.Request.Context()
	list, err := h.reports.ListViolations(ctx, id)
	if err != nil {
		h.logger.Error("list violations", zap.String("attempt_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to load violation report")
		return
	}
	counts, err := h.reports.ViolationCounts(ctx, id)
	if err != nil {
		h.logger.Error("violation counts", zap.String("attempt_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to load violation report")
		return
	}
	response.OK(c, gin.H{"violations": list, "counts": counts})
}

func (h *Handler) snapshotURL(c *gin.Context) {
	if _, ok := attemptID(c); !ok {
		return
	}
	key := c.Query("key")
	if key == "" {
		response.BadRequest(c, "key required")
		return
	}
	if h.snapshots == nil {
		response.ServiceUnavailable(c, "snapshot store not configured")
		return
	}
	url, err := h.snapshots.DownloadURL(c.Request.Context(), key)
	if err != nil {
		h.logger.Error("presign snapshot", zap.String("key", key), zap.Error(err))
		response.Internal(c, "failed to sign snapshot url")
		return
	}
	response.OK(c, gin.H{"url": url})
}
