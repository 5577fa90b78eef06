package documents

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/nppfnppf20/markup/core"
	"github.com/nppfnppf20/markup/middleware"
	"github.com/sirupsen/logrus"
)

// MaxBodyBytes bounds request bodies; documents carry an inline base64 image.
const MaxBodyBytes = 32 << 20

type (
	SaveRequest struct {
		Document    *core.Document `json:"document"`
		BaseVersion int64          `json:"baseVersion"`
	}

	SaveResponse struct {
		Version int64 `json:"version"`
	}

	SaveVersionResponse struct {
		ID string `json:"id"`
	}

	// ErrorResponse is the body of every failed request. Version is set on
	// 409 and holds the stored version.
	ErrorResponse struct {
		Error   string `json:"error"`
		Version int64  `json:"version,omitempty"`
	}
)

func renderError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: msg})
}

func HandleGet(store core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		log := logrus.WithField("document_id", id)

		doc, err := store.GetDocument(r.Context(), id)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				renderError(w, r, http.StatusNotFound, "document not found")
				return
			}
			log.WithError(err).Error("Failed to retrieve document")
			renderError(w, r, http.StatusInternalServerError, "failed to retrieve document")
			return
		}
		render.JSON(w, r, doc)
	}
}

func HandleSave(store core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		log := logrus.WithField("document_id", id)

		var req SaveRequest
		if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, MaxBodyBytes), &req); err != nil {
			log.WithError(err).Debug("Failed to decode request")
			renderError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Document == nil {
			renderError(w, r, http.StatusBadRequest, "document is required")
			return
		}
		req.Document.ID = id
		if err := req.Document.Validate(); err != nil {
			renderError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if claims, ok := middleware.ClaimsFromContext(r.Context()); ok {
			req.Document.UpdatedBy = claims.Subject
		}

		version, err := store.SaveDocument(r.Context(), id, req.Document, req.BaseVersion)
		if err != nil {
			var conflict *core.ConflictError
			if errors.As(err, &conflict) {
				render.Status(r, http.StatusConflict)
				render.JSON(w, r, ErrorResponse{Error: core.ErrVersionConflict.Error(), Version: conflict.CurrentVersion})
				return
			}
			if errors.Is(err, core.ErrVersionConflict) {
				renderError(w, r, http.StatusConflict, core.ErrVersionConflict.Error())
				return
			}
			log.WithError(err).Error("Failed to save document")
			renderError(w, r, http.StatusInternalServerError, "failed to save document")
			return
		}
		render.JSON(w, r, SaveResponse{Version: version})
	}
}

func HandleListVersions(store core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		versions, err := store.ListVersions(r.Context(), id)
		if err != nil {
			logrus.WithField("document_id", id).WithError(err).Error("Failed to list versions")
			renderError(w, r, http.StatusInternalServerError, "failed to list versions")
			return
		}
		if versions == nil {
			versions = []*core.VersionSnapshot{}
		}
		render.JSON(w, r, versions)
	}
}

func HandleSaveVersion(store core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		log := logrus.WithField("document_id", id)

		var snapshot core.VersionSnapshot
		if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, MaxBodyBytes), &snapshot); err != nil {
			log.WithError(err).Debug("Failed to decode request")
			renderError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
		if snapshot.Name == "" {
			renderError(w, r, http.StatusBadRequest, "name is required")
			return
		}
		if claims, ok := middleware.ClaimsFromContext(r.Context()); ok {
			snapshot.CreatedBy = claims.Subject
		}

		versionID, err := store.SaveVersion(r.Context(), id, &snapshot)
		if err != nil {
			log.WithError(err).Error("Failed to save version")
			renderError(w, r, http.StatusInternalServerError, "failed to save version")
			return
		}
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, SaveVersionResponse{ID: versionID})
	}
}
