// Package locks exposes a LockStore over HTTP. When the request carries
// verified claims, the user id in the body is replaced by the token subject.
package locks

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/nppfnppf20/markup/core"
	"github.com/nppfnppf20/markup/middleware"
	"github.com/sirupsen/logrus"
)

type (
	HolderRequest struct {
		UserID string `json:"userId"`
		Name   string `json:"name,omitempty"`
	}

	OKResponse struct {
		OK bool `json:"ok"`
	}
)

func renderError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": msg})
}

// holder decodes the request body and applies token claims over it.
func holder(w http.ResponseWriter, r *http.Request) (core.LockHolder, bool) {
	var req HolderRequest
	if r.ContentLength != 0 {
		if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, 1<<16), &req); err != nil {
			renderError(w, r, http.StatusBadRequest, "invalid request body")
			return core.LockHolder{}, false
		}
	}
	if claims, ok := middleware.ClaimsFromContext(r.Context()); ok {
		req.UserID = claims.Subject
		if claims.Name != "" {
			req.Name = claims.Name
		}
	}
	if req.UserID == "" {
		renderError(w, r, http.StatusBadRequest, "userId is required")
		return core.LockHolder{}, false
	}
	return core.LockHolder{UserID: req.UserID, Name: req.Name}, true
}

func HandleGet(store core.LockStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		status, err := store.Get(r.Context(), id)
		if err != nil {
			logrus.WithField("document_id", id).WithError(err).Error("Failed to read lock")
			renderError(w, r, http.StatusInternalServerError, "failed to read lock")
			return
		}
		render.JSON(w, r, status)
	}
}

func HandleAcquire(store core.LockStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		h, ok := holder(w, r)
		if !ok {
			return
		}
		res, err := store.Acquire(r.Context(), id, h)
		if err != nil {
			logrus.WithFields(logrus.Fields{"document_id": id, "user_id": h.UserID}).WithError(err).Error("Failed to acquire lock")
			renderError(w, r, http.StatusInternalServerError, "failed to acquire lock")
			return
		}
		render.JSON(w, r, res)
	}
}

func HandleRenew(store core.LockStore) http.HandlerFunc {
	return handleOwnerOp(store.Renew, "renew")
}

func HandleRelease(store core.LockStore) http.HandlerFunc {
	return handleOwnerOp(store.Release, "release")
}

func handleOwnerOp(op func(ctx context.Context, docID, userID string) (bool, error), name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		h, ok := holder(w, r)
		if !ok {
			return
		}
		done, err := op(r.Context(), id, h.UserID)
		if err != nil {
			logrus.WithFields(logrus.Fields{"document_id": id, "user_id": h.UserID}).WithError(err).Errorf("Failed to %s lock", name)
			renderError(w, r, http.StatusInternalServerError, "failed to "+name+" lock")
			return
		}
		render.JSON(w, r, OKResponse{OK: done})
	}
}
