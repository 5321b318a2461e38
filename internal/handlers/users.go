package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	dbpkg "stashmirror/internal/db"
	"stashmirror/internal/httpx"
	"stashmirror/internal/stats"
)

// entityRef addresses one entity, optionally scoped to an instance. An empty
// instanceId targets every same-id copy across instances.
type entityRef struct {
	EntityType string `json:"entityType" validate:"required"`
	EntityID   string `json:"entityId" validate:"required"`
	InstanceID string `json:"instanceId"`
}

func (ref *entityRef) parse() (dbpkg.EntityType, *httpx.HTTPError) {
	if err := validate.Struct(ref); err != nil {
		return "", httpx.BadRequest("entityType and entityId are required")
	}
	t, err := dbpkg.ParseEntityType(ref.EntityType)
	if err != nil {
		return "", httpx.BadRequest(err.Error())
	}
	return t, nil
}

func listHiddenHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := userID(r)
		out, err := d.Exclusions.List(r.Context(), user)
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, out)
	}
}

func hideHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ref entityRef
		if err := decodeJSON(r, &ref); err != nil {
			httpx.Write(w, r, err)
			return
		}
		t, herr := ref.parse()
		if herr != nil {
			httpx.Write(w, r, herr)
			return
		}
		if err := d.Exclusions.Hide(r.Context(), userID(r), t, ref.EntityID, ref.InstanceID); err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func unhideHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ref entityRef
		if err := decodeJSON(r, &ref); err != nil {
			httpx.Write(w, r, err)
			return
		}
		t, herr := ref.parse()
		if herr != nil {
			httpx.Write(w, r, herr)
			return
		}
		if err := d.Exclusions.Unhide(r.Context(), userID(r), t, ref.EntityID, ref.InstanceID); err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func setRatingHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			entityRef
			Rating int `json:"rating100"`
		}
		if err := decodeJSON(r, &req); err != nil {
			httpx.Write(w, r, err)
			return
		}
		t, herr := req.parse()
		if herr != nil {
			httpx.Write(w, r, herr)
			return
		}
		if req.Rating < 0 || req.Rating > 100 {
			httpx.Write(w, r, httpx.BadRequest("rating100 must be between 0 and 100"))
			return
		}
		if err := dbpkg.SetRating(r.Context(), d.DB, userID(r), t, req.EntityID, req.InstanceID, req.Rating); err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func setFavoriteHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			entityRef
			Favorite bool `json:"favorite"`
		}
		if err := decodeJSON(r, &req); err != nil {
			httpx.Write(w, r, err)
			return
		}
		t, herr := req.parse()
		if herr != nil {
			httpx.Write(w, r, herr)
			return
		}
		if err := dbpkg.SetFavorite(r.Context(), d.DB, userID(r), t, req.EntityID, req.InstanceID, req.Favorite); err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func recordPlayHandler(d Deps) http.HandlerFunc {
	return recordEventHandler(d.Stats.RecordPlay)
}

func recordOHandler(d Deps) http.HandlerFunc {
	return recordEventHandler(d.Stats.RecordO)
}

func recordEventHandler(record func(ctx context.Context, userID, sceneID, instanceID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sceneID := chi.URLParam(r, "id")
		instanceID := r.URL.Query().Get("instance")
		if instanceID == "" {
			httpx.Write(w, r, httpx.BadRequest("instance is required"))
			return
		}
		err := record(r.Context(), userID(r), sceneID, instanceID)
		if errors.Is(err, stats.ErrSceneNotFound) {
			httpx.Write(w, r, httpx.NotFound(err.Error()))
			return
		}
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// rebuildUserStatsHandler rebuilds one user's aggregates inline.
func rebuildUserStatsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := userID(r)
		if err := d.Stats.RebuildAllStatsForUser(r.Context(), user); err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		if err := d.Stats.RebuildRankingsForUser(r.Context(), user); err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// rebuildAllStatsHandler replays every user's history as a background job.
func rebuildAllStatsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := startJob("stats_rebuild", func(ctx context.Context) error {
			_, err := d.Stats.RebuildAllStats(ctx)
			return err
		})
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, job.snapshot())
	}
}

type rankingView struct {
	PerformerID string  `json:"performerId"`
	InstanceID  string  `json:"instanceId"`
	Name        string  `json:"name"`
	Score       float64 `json:"score"`
	OCounter    int     `json:"oCounter"`
	PlayCount   int     `json:"playCount"`
	Rating      int     `json:"rating100"`
}

func listRankingsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := d.DB.QueryContext(r.Context(), `SELECT rk.performer_id, rk.instance_id, IFNULL(p.name,''), rk.score, rk.o_counter, rk.play_count, rk.rating100
FROM user_performer_rankings rk
LEFT JOIN performers p ON p.id=rk.performer_id AND p.stash_instance_id=rk.instance_id
WHERE rk.user_id=?
ORDER BY rk.score DESC, rk.performer_id ASC, rk.instance_id ASC
LIMIT 100`, userID(r))
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		defer rows.Close()
		out := []rankingView{}
		for rows.Next() {
			var v rankingView
			if err := rows.Scan(&v.PerformerID, &v.InstanceID, &v.Name, &v.Score, &v.OCounter, &v.PlayCount, &v.Rating); err != nil {
				httpx.Write(w, r, httpx.Internal(err))
				return
			}
			out = append(out, v)
		}
		if err := rows.Err(); err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, out)
	}
}
