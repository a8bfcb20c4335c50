package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/approval"
	"marketpulse/internal/domain/models"
	"marketpulse/internal/ledger"
	"marketpulse/internal/repository"
	"marketpulse/internal/risk"
	"marketpulse/pkg/logger"
	"marketpulse/pkg/metrics"
	"marketpulse/pkg/queue"
)

type opsRig struct {
	echo    *echo.Echo
	ledger  *ledger.Ledger
	log     *repository.MemoryExecutionLog
	sources *repository.SourceTracker
}

func newOpsRig(t *testing.T) *opsRig {
	t.Helper()
	profiles := map[models.Category]models.RiskProfile{
		models.CategorySports: {Category: models.CategorySports, VolatilityFactor: 1, MaxPositionFraction: 0.08},
	}
	log := repository.NewMemoryExecutionLog()
	lg := ledger.New(profiles, risk.DefaultLimits(), log, metrics.Nop{}, logger.Nop())
	approvals := approval.NewManager(time.Hour,
		func(context.Context, *models.Decision, *models.RiskVerdict) {}, metrics.Nop{}, logger.Nop())

	e := echo.New()
	sources := repository.NewSourceTracker()
	NewOpsHandler(logger.Nop(), lg, log, approvals, sources).RegisterRoutes(e)
	return &opsRig{echo: e, ledger: lg, log: log, sources: sources}
}

type envelopeBody struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func doRequest(t *testing.T, e *echo.Echo, method, target, body string) (*httptest.ResponseRecorder, envelopeBody) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var env envelopeBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec, env
}

func TestHealthOK(t *testing.T) {
	rig := newOpsRig(t)
	rec, env := doRequest(t, rig.echo, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusOK, env.Status)
}

func TestPortfolioEndpoint(t *testing.T) {
	rig := newOpsRig(t)
	d := &models.Decision{
		ID: "d-1", Category: models.CategorySports,
		Direction: models.DirectionBuy, MarketID: "mkt-1", ProposedSize: 0.04,
	}
	v := &models.RiskVerdict{DecisionID: "d-1", Outcome: models.VerdictApproved, AdjustedSize: 0.04}
	_, err := rig.ledger.Apply(context.Background(), d, v, rig.ledger.Snapshot().Version)
	require.NoError(t, err)

	_, env := doRequest(t, rig.echo, http.MethodGet, "/api/portfolio", "")
	assert.Equal(t, http.StatusOK, env.Status)

	var payload struct {
		State     models.PortfolioState `json:"state"`
		Positions []models.Position     `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, 1, payload.State.OpenPositions)
	require.Len(t, payload.Positions, 1)
	assert.Equal(t, "mkt-1", payload.Positions[0].MarketID)
}

func TestExecutionsEndpoint(t *testing.T) {
	rig := newOpsRig(t)
	require.NoError(t, rig.log.Append(context.Background(), &models.ExecutionRecord{
		DecisionID: "d-1", Outcome: models.VerdictApproved,
	}))

	_, env := doRequest(t, rig.echo, http.MethodGet, "/api/executions?limit=10", "")
	assert.Equal(t, http.StatusOK, env.Status)

	var payload struct {
		Rows  []models.ExecutionRecord `json:"rows"`
		Total int64                    `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, int64(1), payload.Total)
}

func TestExecutionsRejectsBadLimit(t *testing.T) {
	rig := newOpsRig(t)
	for _, q := range []string{"limit=0", "limit=-5", "limit=1001", "limit=abc"} {
		_, env := doRequest(t, rig.echo, http.MethodGet, "/api/executions?"+q, "")
		assert.Equal(t, http.StatusBadRequest, env.Status, q)
	}
}

func TestSourcesEndpoint(t *testing.T) {
	rig := newOpsRig(t)
	rig.sources.RecordEvent("espn", time.Now().UTC())
	rig.sources.RecordEvent("espn", time.Now().UTC())
	rig.sources.RecordBreaking("espn")
	rig.sources.RecordDecision(models.CategorySports, models.VerdictApproved)

	_, env := doRequest(t, rig.echo, http.MethodGet, "/api/sources", "")
	assert.Equal(t, http.StatusOK, env.Status)

	var payload struct {
		Sources   []repository.SourceRecord                     `json:"sources"`
		Decisions map[models.Category]repository.DecisionCounts `json:"decisions"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	require.Len(t, payload.Sources, 1)
	assert.Equal(t, "espn", payload.Sources[0].Source)
	assert.Equal(t, int64(2), payload.Sources[0].Events)
	assert.Equal(t, int64(1), payload.Sources[0].Breaking)
	assert.Equal(t, int64(1), payload.Decisions[models.CategorySports].Approved)
}

func TestApprovalEndpointsNotPending(t *testing.T) {
	rig := newOpsRig(t)
	_, env := doRequest(t, rig.echo, http.MethodPost, "/api/approvals/unknown/confirm", "")
	assert.Equal(t, http.StatusNotFound, env.Status)

	_, env = doRequest(t, rig.echo, http.MethodPost, "/api/approvals/unknown/reject", "")
	assert.Equal(t, http.StatusNotFound, env.Status)
}

func newIngestRig(t *testing.T) (*echo.Echo, *queue.Memory) {
	t.Helper()
	fabric := queue.NewMemory()
	require.NoError(t, fabric.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, fabric.Stop(ctx))
	})
	e := echo.New()
	NewIngestHandler(logger.Nop(), fabric).RegisterRoutes(e)
	return e, fabric
}

func TestIngestAcceptsEvent(t *testing.T) {
	e, _ := newIngestRig(t)

	_, env := doRequest(t, e, http.MethodPost, "/api/events", `{
		"source": "newswire",
		"category": "sports",
		"payload": "kickoff delayed",
		"relevance_score": 0.6
	}`)
	assert.Equal(t, http.StatusCreated, env.Status)

	var payload struct {
		EventID string `json:"event_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.NotEmpty(t, payload.EventID, "an id is assigned when the caller omits one")
}

func TestIngestRejectsInvalidBody(t *testing.T) {
	e, _ := newIngestRig(t)

	cases := map[string]string{
		"missing source":  `{"category":"sports","payload":"x"}`,
		"bad category":    `{"source":"s","category":"weather","payload":"x"}`,
		"missing payload": `{"source":"s","category":"sports"}`,
		"relevance range": `{"source":"s","category":"sports","payload":"x","relevance_score":2}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, env := doRequest(t, e, http.MethodPost, "/api/events", body)
			assert.Equal(t, http.StatusBadRequest, env.Status)
		})
	}
}
