package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/loadforge/loadforge/modules/loadtest/infrastructure/engine"
	"github.com/loadforge/loadforge/pkg/httpapi"
)

type engineState interface {
	State() engine.State
}

type pinger interface {
	Ping(ctx context.Context) error
}

type HealthResponse struct {
	Status   string `json:"status"`
	Engine   string `json:"engine"`
	Database string `json:"database"`
}

// HealthController reports the engine connection and database reachability.
// A missing engine is reported but does not fail the probe.
type HealthController struct {
	engine engineState
	db     pinger
}

func NewHealthController(engine engineState, db pinger) *HealthController {
	return &HealthController{engine: engine, db: db}
}

func (c *HealthController) Key() string {
	return "/health"
}

func (c *HealthController) Register(r *mux.Router) {
	r.HandleFunc("/health", c.health).Methods(http.MethodGet)
}

func (c *HealthController) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Engine: c.engine.State().String(), Database: "ok"}
	status := http.StatusOK
	if c.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := c.db.Ping(ctx); err != nil {
			resp.Status = "unavailable"
			resp.Database = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	if resp.Status == "ok" && c.engine.State() != engine.StateConnected {
		resp.Status = "degraded"
	}
	_ = httpapi.WriteJSON(w, status, resp)
}
