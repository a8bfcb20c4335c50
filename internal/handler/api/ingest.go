package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"marketpulse/internal/domain/models"
	xhttp "marketpulse/pkg/http"
	xlogger "marketpulse/pkg/logger"
	"marketpulse/pkg/queue"
)

// IngestHandler accepts collector events over HTTP and publishes them onto
// the raw queue. Collectors that speak the broker directly bypass this.
type IngestHandler struct {
	logger *xlogger.Logger
	fabric queue.Fabric
}

func NewIngestHandler(logger *xlogger.Logger, fabric queue.Fabric) *IngestHandler {
	return &IngestHandler{logger: logger, fabric: fabric}
}

func (h *IngestHandler) RegisterRoutes(e *echo.Echo) {
	e.POST("/api/events", h.Ingest)
}

// eventRequest is the ingest body. The id is optional; one is assigned when
// absent.
type eventRequest struct {
	ID             string  `json:"id"`
	Source         string  `json:"source" validate:"required"`
	Category       string  `json:"category" validate:"required,oneof=political sports economic misc"`
	Payload        string  `json:"payload" validate:"required"`
	RelevanceScore float64 `json:"relevance_score" validate:"gte=0,lte=1"`
}

func (h *IngestHandler) Ingest(c echo.Context) error {
	req := &eventRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	ev := &models.Event{
		ID:             req.ID,
		Source:         req.Source,
		Category:       models.Category(req.Category),
		Payload:        req.Payload,
		RelevanceScore: req.RelevanceScore,
		ReceivedAt:     time.Now().UTC(),
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if err := h.fabric.Publish(c.Request().Context(), queue.QueueRaw, string(ev.Category), ev); err != nil {
		h.logger.Error("event publish failed",
			xlogger.String("event_id", ev.ID),
			xlogger.Error(err),
		)
		return xhttp.InternalServerErrorResponse(c)
	}
	return xhttp.CreatedResponse(c, map[string]string{"event_id": ev.ID})
}
