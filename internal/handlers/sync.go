package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	dbpkg "stashmirror/internal/db"
	"stashmirror/internal/httpx"
)

// parseTypeParam reads an optional ?type= query parameter.
func parseTypeParam(r *http.Request) (dbpkg.EntityType, error) {
	raw := r.URL.Query().Get("type")
	if raw == "" {
		return "", nil
	}
	return dbpkg.ParseEntityType(raw)
}

func incrementalSyncHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := startJob("incremental_sync", func(ctx context.Context) error {
			return d.Syncer.IncrementalSync(ctx)
		})
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, job.snapshot())
	}
}

func fullSyncHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := parseTypeParam(r)
		if err != nil {
			httpx.Write(w, r, httpx.BadRequest(err.Error()))
			return
		}
		job := startJob("full_sync", func(ctx context.Context) error {
			if t != "" {
				return d.Syncer.FullSync(ctx, t)
			}
			return d.Syncer.FullSync(ctx)
		})
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, job.snapshot())
	}
}

// cleanupHandler runs deletion detection inline; it only moves ids.
func cleanupHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := parseTypeParam(r)
		if err != nil {
			httpx.Write(w, r, httpx.BadRequest(err.Error()))
			return
		}
		if t == "" {
			httpx.Write(w, r, httpx.BadRequest("type is required"))
			return
		}
		deleted, err := d.Syncer.CleanupDeletedEntities(r.Context(), t, r.URL.Query().Get("instance"))
		if err != nil {
			httpx.Write(w, r, httpx.NotFound(err.Error()))
			return
		}
		writeJSON(w, map[string]int64{"deleted": deleted})
	}
}

func syncStatusHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states, err := dbpkg.ListSyncStates(r.Context(), d.DB)
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		out := []dbpkg.SyncState{}
		for _, t := range dbpkg.EntityTypes() {
			if st, ok := states[t]; ok {
				out = append(out, st)
			} else {
				out = append(out, dbpkg.SyncState{EntityType: t})
			}
		}
		writeJSON(w, out)
	}
}

func jobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpx.Write(w, r, httpx.BadRequest("invalid job id"))
			return
		}
		job, ok := getJob(id)
		if !ok {
			httpx.Write(w, r, httpx.NotFound("job not found"))
			return
		}
		writeJSON(w, job.snapshot())
	}
}
