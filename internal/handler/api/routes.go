package api

import (
	"github.com/labstack/echo/v4"

	xhttp "marketpulse/pkg/http"
)

// Routes composes several handlers into the single registration point the
// server expects.
type Routes struct {
	handlers []xhttp.Handler
}

func NewRoutes(handlers ...xhttp.Handler) *Routes {
	return &Routes{handlers: handlers}
}

func (r *Routes) RegisterRoutes(e *echo.Echo) {
	for _, h := range r.handlers {
		h.RegisterRoutes(e)
	}
}
