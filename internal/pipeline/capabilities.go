// Package pipeline implements the per-category analysis pipelines: researcher
// batching, analyst assessment and trader decision building. Each category
// runs in isolation; a failure in one never touches another.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"marketpulse/internal/domain"
	"marketpulse/internal/domain/models"
	xhttp "marketpulse/pkg/http"
)

// Capabilities are the external model calls a pipeline makes. Implementations
// must be safe for concurrent use. Calls may be slow; callers bound them with
// a timeout and a shared rate limit.
type Capabilities interface {
	// Summarize condenses a batch of events into a research summary.
	Summarize(ctx context.Context, category models.Category, events []models.Event) (string, error)
	// Assess produces the analyst view over an assembled context.
	Assess(ctx context.Context, actx *models.AnalysisContext) (*models.AnalystView, error)
	// ResolveMarket picks the market a decision should target.
	ResolveMarket(ctx context.Context, view *models.AnalystView) (string, error)
}

// HTTPCapabilities calls a scoring service over HTTP. Transient transport
// failures are wrapped so the fabric retries them.
type HTTPCapabilities struct {
	base   string
	client *xhttp.Client
}

func NewHTTPCapabilities(baseURL string, timeout time.Duration) *HTTPCapabilities {
	return &HTTPCapabilities{
		base:   strings.TrimRight(baseURL, "/"),
		client: xhttp.NewClient(xhttp.WithTimeout(timeout)),
	}
}

func (c *HTTPCapabilities) post(ctx context.Context, path string, payload, dest any) error {
	err := c.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method: xhttp.MethodPost,
		URL:    c.base + path,
		Body:   payload,
	}, dest)
	if err != nil {
		return domain.Transient(fmt.Errorf("capability %s: %w", path, err))
	}
	return nil
}

func (c *HTTPCapabilities) Summarize(ctx context.Context, category models.Category, events []models.Event) (string, error) {
	var resp struct {
		Summary string `json:"summary"`
	}
	req := map[string]any{"category": category, "events": events}
	if err := c.post(ctx, "/v1/research/summarize", req, &resp); err != nil {
		return "", err
	}
	return resp.Summary, nil
}

func (c *HTTPCapabilities) Assess(ctx context.Context, actx *models.AnalysisContext) (*models.AnalystView, error) {
	var view models.AnalystView
	if err := c.post(ctx, "/v1/analysis/assess", actx, &view); err != nil {
		return nil, err
	}
	view.ContextID = actx.ID
	view.Category = actx.Category
	if view.ProbabilityEstimate < 0 || view.ProbabilityEstimate > 1 {
		return nil, domain.Malformed("assess %s: probability %.3f out of range", actx.ID, view.ProbabilityEstimate)
	}
	return &view, nil
}

func (c *HTTPCapabilities) ResolveMarket(ctx context.Context, view *models.AnalystView) (string, error) {
	var resp struct {
		MarketID string `json:"market_id"`
	}
	if err := c.post(ctx, "/v1/trading/market", view, &resp); err != nil {
		return "", err
	}
	if resp.MarketID == "" {
		return "", domain.Malformed("market resolve %s: empty market id", view.ContextID)
	}
	return resp.MarketID, nil
}

// LocalCapabilities is a deterministic heuristic implementation used for the
// memory backend and tests. The probability estimate leans on the batch's
// mean relevance score.
type LocalCapabilities struct{}

func (LocalCapabilities) Summarize(_ context.Context, category models.Category, events []models.Event) (string, error) {
	sources := make([]string, 0, len(events))
	seen := map[string]bool{}
	for _, e := range events {
		if !seen[e.Source] {
			seen[e.Source] = true
			sources = append(sources, e.Source)
		}
	}
	return fmt.Sprintf("%s: %d events from %s", category, len(events), strings.Join(sources, ", ")), nil
}

func (LocalCapabilities) Assess(_ context.Context, actx *models.AnalysisContext) (*models.AnalystView, error) {
	var relevance float64
	for _, e := range actx.Events {
		relevance += e.RelevanceScore
	}
	if n := len(actx.Events); n > 0 {
		relevance /= float64(n)
	}
	// Map mean relevance onto a mild edge around even odds.
	prob := 0.5 + (relevance-0.5)*0.4
	return &models.AnalystView{
		ContextID:           actx.ID,
		Category:            actx.Category,
		ProbabilityEstimate: prob,
		Summary:             fmt.Sprintf("heuristic view over %d events", len(actx.Events)),
	}, nil
}

func (LocalCapabilities) ResolveMarket(_ context.Context, view *models.AnalystView) (string, error) {
	id := view.ContextID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s-%s", view.Category, id), nil
}

// Limited wraps capabilities with a shared token-bucket rate limit and a
// per-call timeout. Wait blocks until a token is available or ctx expires,
// which backpressures the pipeline instead of dropping calls.
type Limited struct {
	inner   Capabilities
	limiter *rate.Limiter
	timeout time.Duration
}

func Limit(inner Capabilities, perSecond float64, burst int, timeout time.Duration) *Limited {
	return &Limited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		timeout: timeout,
	}
}

func (l *Limited) call(ctx context.Context, fn func(context.Context) error) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return domain.Transient(fmt.Errorf("capability rate wait: %w", err))
	}
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return fn(cctx)
}

func (l *Limited) Summarize(ctx context.Context, category models.Category, events []models.Event) (string, error) {
	var out string
	err := l.call(ctx, func(c context.Context) error {
		var err error
		out, err = l.inner.Summarize(c, category, events)
		return err
	})
	return out, err
}

func (l *Limited) Assess(ctx context.Context, actx *models.AnalysisContext) (*models.AnalystView, error) {
	var out *models.AnalystView
	err := l.call(ctx, func(c context.Context) error {
		var err error
		out, err = l.inner.Assess(c, actx)
		return err
	})
	return out, err
}

func (l *Limited) ResolveMarket(ctx context.Context, view *models.AnalystView) (string, error) {
	var out string
	err := l.call(ctx, func(c context.Context) error {
		var err error
		out, err = l.inner.ResolveMarket(c, view)
		return err
	})
	return out, err
}
