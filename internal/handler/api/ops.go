// Package api exposes the operator surface: portfolio inspection, execution
// history and the human-approval channel.
package api

import (
	"errors"
	"strconv"

	"github.com/labstack/echo/v4"

	"marketpulse/internal/approval"
	domrepo "marketpulse/internal/domain/repository"
	"marketpulse/internal/ledger"
	"marketpulse/internal/repository"
	xhttp "marketpulse/pkg/http"
	xlogger "marketpulse/pkg/logger"
)

const defaultExecutionsLimit = 50

// OpsHandler serves operational endpoints over echo.
type OpsHandler struct {
	logger    *xlogger.Logger
	ledger    *ledger.Ledger
	log       domrepo.ExecutionLog
	approvals *approval.Manager
	sources   *repository.SourceTracker
}

func NewOpsHandler(logger *xlogger.Logger, lg *ledger.Ledger, log domrepo.ExecutionLog,
	approvals *approval.Manager, sources *repository.SourceTracker) *OpsHandler {
	return &OpsHandler{logger: logger, ledger: lg, log: log, approvals: approvals, sources: sources}
}

func (h *OpsHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)
	g := e.Group("/api")
	g.GET("/portfolio", h.Portfolio)
	g.GET("/executions", h.Executions)
	g.GET("/sources", h.Sources)
	g.GET("/approvals", h.Approvals)
	g.POST("/approvals/:id/confirm", h.Confirm)
	g.POST("/approvals/:id/reject", h.Reject)
}

func (h *OpsHandler) Health(c echo.Context) error {
	if err := h.log.Health(c.Request().Context()); err != nil {
		h.logger.Error("health check failed", xlogger.Error(err))
		return xhttp.DataResponse(c, 503, map[string]string{"status": "degraded"})
	}
	return xhttp.SuccessResponse(c, map[string]string{"status": "ok"})
}

func (h *OpsHandler) Portfolio(c echo.Context) error {
	return xhttp.SuccessResponse(c, map[string]any{
		"state":     h.ledger.Snapshot(),
		"positions": h.ledger.Positions(),
	})
}

func (h *OpsHandler) Executions(c echo.Context) error {
	limit := defaultExecutionsLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			return xhttp.BadRequestResponse(c, "limit must be 1..1000")
		}
		limit = n
	}
	recs, err := h.log.Recent(c.Request().Context(), limit)
	if err != nil {
		h.logger.Error("executions query failed", xlogger.Error(err))
		return xhttp.InternalServerErrorResponse(c)
	}
	return xhttp.ListResponse(c, recs, int64(len(recs)))
}

func (h *OpsHandler) Sources(c echo.Context) error {
	return xhttp.SuccessResponse(c, map[string]any{
		"sources":   h.sources.Sources(),
		"decisions": h.sources.Decisions(),
	})
}

func (h *OpsHandler) Approvals(c echo.Context) error {
	pending := h.approvals.List()
	return xhttp.ListResponse(c, pending, int64(len(pending)))
}

func (h *OpsHandler) Confirm(c echo.Context) error {
	id := c.Param("id")
	if err := h.approvals.Confirm(c.Request().Context(), id); err != nil {
		if errors.Is(err, approval.ErrNotPending) {
			return xhttp.NotFoundResponse(c, "no pending approval for "+id)
		}
		h.logger.Error("confirm failed", xlogger.String("decision_id", id), xlogger.Error(err))
		return xhttp.InternalServerErrorResponse(c)
	}
	return xhttp.SuccessResponse(c, map[string]string{"decision_id": id, "result": "confirmed"})
}

func (h *OpsHandler) Reject(c echo.Context) error {
	id := c.Param("id")
	if err := h.approvals.Reject(c.Request().Context(), id); err != nil {
		if errors.Is(err, approval.ErrNotPending) {
			return xhttp.NotFoundResponse(c, "no pending approval for "+id)
		}
		h.logger.Error("reject failed", xlogger.String("decision_id", id), xlogger.Error(err))
		return xhttp.InternalServerErrorResponse(c)
	}
	return xhttp.SuccessResponse(c, map[string]string{"decision_id": id, "result": "rejected"})
}
