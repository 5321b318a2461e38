package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	rate "golang.org/x/time/rate"

	"stashmirror/internal/exclusions"
	"stashmirror/internal/httpx"
	"stashmirror/internal/registry"
	"stashmirror/internal/secrets"
	"stashmirror/internal/stash"
	"stashmirror/internal/stats"
	"stashmirror/internal/syncer"
	"stashmirror/internal/telemetry"
)

// Deps holds everything the HTTP layer needs.
type Deps struct {
	DB         *sql.DB
	Registry   *registry.Registry
	Syncer     *syncer.Engine
	Exclusions *exclusions.Service
	Stats      *stats.Service
	Encryptor  *secrets.Encryptor
	AdminToken string
}

var writeLimiter = rate.NewLimiter(rate.Every(time.Second), 5)

// New builds a router with all HTTP handlers.
func New(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware)
	r.Use(telemetry.HTTP)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]bool{"ok": true})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/api/instances", listInstancesHandler(d))
	r.Get("/api/instances/{id}", getInstanceHandler(d))
	r.Post("/api/instances/test", testConnectionHandler())
	r.Group(func(g chi.Router) {
		g.Use(requireAdmin(d.AdminToken))
		g.Use(writeLimit)
		g.Post("/api/instances", createInstanceHandler(d))
		g.Put("/api/instances/{id}", updateInstanceHandler(d))
		g.Delete("/api/instances/{id}", deleteInstanceHandler(d))
		g.Post("/api/instances/{id}/test", testInstanceHandler(d))

		g.Post("/api/sync/incremental", incrementalSyncHandler(d))
		g.Post("/api/sync/full", fullSyncHandler(d))
		g.Post("/api/sync/cleanup", cleanupHandler(d))
		g.Post("/api/stats/rebuild", rebuildAllStatsHandler(d))
	})
	r.Get("/api/sync/status", syncStatusHandler(d))
	r.Get("/api/jobs/{id}", jobHandler())

	r.Get("/api/scenes", listScenesHandler(d))
	r.Get("/api/performers", listPerformersHandler(d))
	r.Get("/api/studios", listStudiosHandler(d))
	r.Get("/api/tags", listTagsHandler(d))
	r.Get("/api/galleries", listGalleriesHandler(d))
	r.Get("/api/groups", listGroupsHandler(d))
	r.Get("/api/images", listImagesHandler(d))

	r.Get("/api/users/{user}/hidden", listHiddenHandler(d))
	r.Post("/api/users/{user}/hidden", hideHandler(d))
	r.Delete("/api/users/{user}/hidden", unhideHandler(d))
	r.Put("/api/users/{user}/ratings", setRatingHandler(d))
	r.Put("/api/users/{user}/favorites", setFavoriteHandler(d))
	r.Post("/api/users/{user}/scenes/{id}/play", recordPlayHandler(d))
	r.Post("/api/users/{user}/scenes/{id}/o", recordOHandler(d))
	r.Post("/api/users/{user}/stats/rebuild", rebuildUserStatsHandler(d))
	r.Get("/api/users/{user}/rankings", listRankingsHandler(d))

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return httpx.BadRequest("invalid json body")
	}
	return nil
}

// writeStashError maps upstream client errors onto the API envelope.
func writeStashError(w http.ResponseWriter, r *http.Request, err error) {
	var se *stash.Error
	if errors.As(err, &se) {
		switch se.Kind {
		case stash.KindTimeout, stash.KindServer, stash.KindMalformed:
			httpx.Write(w, r, httpx.BadGateway(se.Error()))
		case stash.KindRateLimited:
			httpx.Write(w, r, httpx.TooManyRequests(se.Error()))
		case stash.KindCanceled:
			httpx.Write(w, r, httpx.Unavailable(se.Error()))
		default:
			httpx.Write(w, r, httpx.BadRequest(se.Error()))
		}
		return
	}
	httpx.Write(w, r, httpx.Internal(err))
}
