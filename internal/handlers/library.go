package handlers

import (
	"net/http"
	"strconv"

	"stashmirror/internal/httpx"
	"stashmirror/internal/query"
)

// listOptions reads the shared list query parameters. When instances are
// registered, results are restricted to that set so rows cached from removed
// instances do not leak into responses.
func listOptions(r *http.Request, d Deps) query.Options {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))

	allowed := []string{}
	for _, h := range d.Registry.All() {
		allowed = append(allowed, h.Config.ID)
	}
	return query.Options{
		UserID:             q.Get("user"),
		Search:             q.Get("q"),
		Sort:               q.Get("sort"),
		Direction:          q.Get("dir"),
		Page:               page,
		PerPage:            perPage,
		InstanceID:         q.Get("instance"),
		AllowedInstanceIDs: allowed,
		FavoritesOnly:      q.Get("favorites") == "true",
	}
}

func listScenesHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := query.Scenes(r.Context(), d.DB, listOptions(r, d))
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, res)
	}
}

func listPerformersHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := query.Performers(r.Context(), d.DB, listOptions(r, d))
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, res)
	}
}

func listStudiosHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := query.Studios(r.Context(), d.DB, listOptions(r, d))
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, res)
	}
}

func listTagsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := query.Tags(r.Context(), d.DB, listOptions(r, d))
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, res)
	}
}

func listGalleriesHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := query.Galleries(r.Context(), d.DB, listOptions(r, d))
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, res)
	}
}

func listGroupsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := query.Groups(r.Context(), d.DB, listOptions(r, d))
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, res)
	}
}

func listImagesHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := query.Images(r.Context(), d.DB, listOptions(r, d))
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, res)
	}
}
