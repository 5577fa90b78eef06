// Package api mounts the document and lock routes.
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/nppfnppf20/markup/core"
	"github.com/nppfnppf20/markup/handlers/api/documents"
	"github.com/nppfnppf20/markup/handlers/api/locks"
	"github.com/nppfnppf20/markup/middleware"
)

// Mount registers the routes on r. Bearer tokens are optional and only
// attribute requests to a user.
func Mount(r chi.Router, docs core.DocumentStore, lockStore core.LockStore) {
	r.Use(middleware.Identity)

	r.Route("/documents/{id}", func(r chi.Router) {
		r.Get("/", documents.HandleGet(docs))
		r.Put("/", documents.HandleSave(docs))
		r.Get("/versions", documents.HandleListVersions(docs))
		r.Post("/versions", documents.HandleSaveVersion(docs))
	})

	r.Route("/locks/{id}", func(r chi.Router) {
		r.Get("/", locks.HandleGet(lockStore))
		r.Post("/acquire", locks.HandleAcquire(lockStore))
		r.Post("/renew", locks.HandleRenew(lockStore))
		r.Post("/release", locks.HandleRelease(lockStore))
	})
}
