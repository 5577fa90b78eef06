package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nppfnppf20/markup/config"
	"github.com/nppfnppf20/markup/core"
	"github.com/nppfnppf20/markup/handlers/api"
	"github.com/nppfnppf20/markup/handlers/auth"
	"github.com/nppfnppf20/markup/stores"
	"github.com/sirupsen/logrus"
)

func setupRouter(cfg *config.Config, docs core.DocumentStore, locks core.LockStore) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Route("/api/v2", func(r chi.Router) {
		api.Mount(r, docs, locks)
	})

	return r
}

func waitForShutdown(srv *http.Server) {
	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	s := <-signalC
	logrus.WithField("signal", s.String()).Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("Server did not shut down cleanly")
	}
}

func main() {
	listenAddress := flag.String("listen", ":3002", "The address to listen on.")
	logLevel := flag.String("loglevel", "info", "The log level (debug, info, warn, error).")
	issueToken := flag.String("issue-token", "", "Print a bearer token for this user id and exit.")
	tokenName := flag.String("token-name", "", "Display name carried by -issue-token.")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal(err)
	}
	auth.Init(cfg.JWTSecret)

	if *issueToken != "" {
		token, err := auth.CreateJWT(*issueToken, *tokenName, auth.DefaultTokenTTL)
		if err != nil {
			logrus.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	ctx := context.Background()
	docs, err := stores.GetStore(ctx, cfg)
	if err != nil {
		logrus.Fatal(err)
	}
	defer stores.Close(docs)

	locks, err := stores.GetLockStore(ctx, cfg, docs)
	if err != nil {
		logrus.Fatal(err)
	}
	if interface{}(locks) != interface{}(docs) {
		defer stores.Close(locks)
	}

	srv := &http.Server{
		Addr:              *listenAddress,
		Handler:           setupRouter(cfg, docs, locks),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logrus.WithField("addr", *listenAddress).Info("starting server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(srv)
}
