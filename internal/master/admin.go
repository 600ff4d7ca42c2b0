package master

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/ssd-technologies/blockfs/internal/mesh"
	"github.com/ssd-technologies/blockfs/internal/protocol"
	"github.com/ssd-technologies/blockfs/internal/ratelimit"
)

// Admin is the read-only HTTP view of the master: health, nodes, files and a
// websocket feed of node liveness changes.
type Admin struct {
	state   *MasterState
	hub     *mesh.Hub
	limiter *ratelimit.Limiter
	router  chi.Router
}

// NewAdmin creates the admin API with all routes registered. A nil limiter
// disables rate limiting.
func NewAdmin(state *MasterState, hub *mesh.Hub, limiter *ratelimit.Limiter) *Admin {
	a := &Admin{state: state, hub: hub, limiter: limiter, router: chi.NewRouter()}
	a.routes()
	return a
}

// ServeHTTP implements http.Handler.
func (a *Admin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *Admin) routes() {
	a.router.Use(middleware.Recoverer)
	if a.limiter != nil {
		a.router.Use(a.limiter.Middleware)
	}

	a.router.Get("/api/health", a.handleHealth)
	a.router.Get("/api/nodes", a.handleNodes)
	a.router.Get("/api/files", a.handleListFiles)
	a.router.Get("/api/files/{id}", a.handleGetFile)
	a.router.Get("/api/events", mesh.HandleEvents(a.hub))
}

func (a *Admin) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := a.state.Status()
	online := 0
	for _, up := range status {
		if up {
			online++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"service":      "blockfs-master",
		"files":        len(a.state.Namespace()),
		"nodes":        len(status),
		"nodes_online": online,
		"replicas":     a.state.Replicas(),
	})
}

func (a *Admin) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.state.Nodes())
}

func (a *Admin) handleListFiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.state.Files())
}

func (a *Admin) handleGetFile(w http.ResponseWriter, r *http.Request) {
	rec, err := a.state.Retrieve(chi.URLParam(r, "id"))
	if errors.Is(err, protocol.ErrNotFound) {
		writeError(w, http.StatusNotFound, protocol.MsgFileNotFound)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, protocol.MsgInternal)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: msg})
}
