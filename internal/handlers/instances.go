package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	dbpkg "stashmirror/internal/db"
	"stashmirror/internal/httpx"
	"stashmirror/internal/logx"
	"stashmirror/internal/stash"
)

var validate = validator.New()

type instanceReq struct {
	Name     string `json:"name" validate:"required,max=100"`
	URL      string `json:"url" validate:"required,url"`
	APIKey   string `json:"apiKey"`
	Enabled  *bool  `json:"enabled"`
	Priority *int   `json:"priority"`
}

// validateInstanceReq returns per-field validation details, empty when valid.
func validateInstanceReq(req *instanceReq) map[string]string {
	req.Name = strings.TrimSpace(req.Name)
	req.URL = strings.TrimRight(strings.TrimSpace(req.URL), "/")

	details := map[string]string{}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details[strings.ToLower(fe.Field())] = fe.Tag()
			}
		} else {
			details["body"] = "invalid"
		}
	}
	return details
}

func (req *instanceReq) apply(in *dbpkg.Instance) {
	in.Name = req.Name
	in.URL = req.URL
	in.Enabled = true
	if req.Enabled != nil {
		in.Enabled = *req.Enabled
	}
	in.Priority = 100
	if req.Priority != nil {
		in.Priority = *req.Priority
	}
}

func listInstancesHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instances, err := dbpkg.ListInstances(r.Context(), d.DB, false)
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, instances)
	}
}

func getInstanceHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, err := dbpkg.GetInstance(r.Context(), d.DB, chi.URLParam(r, "id"))
		if errors.Is(err, dbpkg.ErrInstanceNotFound) {
			httpx.Write(w, r, httpx.NotFound("instance not found"))
			return
		}
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, in)
	}
}

func createInstanceHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req instanceReq
		if err := decodeJSON(r, &req); err != nil {
			httpx.Write(w, r, err)
			return
		}
		if details := validateInstanceReq(&req); len(details) > 0 {
			httpx.Write(w, r, httpx.BadRequest("validation failed").WithDetails(details))
			return
		}

		apiKey := req.APIKey
		if d.Encryptor != nil {
			var err error
			if apiKey, err = d.Encryptor.Encrypt(req.APIKey); err != nil {
				httpx.Write(w, r, httpx.Internal(err))
				return
			}
		}
		in := dbpkg.Instance{ID: uuid.NewString(), APIKey: apiKey}
		req.apply(&in)
		if err := dbpkg.InsertInstance(r.Context(), d.DB, &in); err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		if err := d.Registry.Reload(r.Context()); err != nil {
			log.Error().Err(err).Msg("registry reload after create")
		}
		log.Info().Str("instance_id", in.ID).Str("url", in.URL).Str("api_key", logx.Secret(req.APIKey)).Msg("instance created")
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, in)
	}
}

func updateInstanceHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, err := dbpkg.GetInstance(r.Context(), d.DB, chi.URLParam(r, "id"))
		if errors.Is(err, dbpkg.ErrInstanceNotFound) {
			httpx.Write(w, r, httpx.NotFound("instance not found"))
			return
		}
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}

		var req instanceReq
		if err := decodeJSON(r, &req); err != nil {
			httpx.Write(w, r, err)
			return
		}
		if details := validateInstanceReq(&req); len(details) > 0 {
			httpx.Write(w, r, httpx.BadRequest("validation failed").WithDetails(details))
			return
		}
		req.apply(in)
		// An empty api key in the payload keeps the stored credentials.
		if req.APIKey != "" {
			apiKey := req.APIKey
			if d.Encryptor != nil {
				if apiKey, err = d.Encryptor.Encrypt(req.APIKey); err != nil {
					httpx.Write(w, r, httpx.Internal(err))
					return
				}
			}
			in.APIKey = apiKey
		}
		if err := dbpkg.UpdateInstance(r.Context(), d.DB, in); err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		if err := d.Registry.Reload(r.Context()); err != nil {
			log.Error().Err(err).Msg("registry reload after update")
		}
		writeJSON(w, in)
	}
}

func deleteInstanceHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := dbpkg.DeleteInstance(r.Context(), d.DB, chi.URLParam(r, "id"))
		if errors.Is(err, dbpkg.ErrInstanceNotFound) {
			httpx.Write(w, r, httpx.NotFound("instance not found"))
			return
		}
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		if err := d.Registry.Reload(r.Context()); err != nil {
			log.Error().Err(err).Msg("registry reload after delete")
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// testInstanceHandler probes a stored instance.
func testInstanceHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, err := d.Registry.GetRequired(chi.URLParam(r, "id"))
		if err != nil {
			httpx.Write(w, r, httpx.NotFound(err.Error()))
			return
		}
		version, err := h.Client.Version(r.Context())
		if err != nil {
			writeStashError(w, r, err)
			return
		}
		writeJSON(w, map[string]string{"version": version})
	}
}

// testConnectionHandler probes candidate credentials before they are saved.
func testConnectionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URL    string `json:"url" validate:"required,url"`
			APIKey string `json:"apiKey"`
		}
		if err := decodeJSON(r, &req); err != nil {
			httpx.Write(w, r, err)
			return
		}
		req.URL = strings.TrimRight(strings.TrimSpace(req.URL), "/")
		if err := validate.Struct(req); err != nil {
			httpx.Write(w, r, httpx.BadRequest("a valid url is required"))
			return
		}
		client := stash.New(stash.Config{Endpoint: req.URL, APIKey: req.APIKey})
		version, err := client.Version(r.Context())
		if err != nil {
			writeStashError(w, r, err)
			return
		}
		writeJSON(w, map[string]string{"version": version})
	}
}
