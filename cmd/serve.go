package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nourish-labs/foodatlas/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the refresh scheduler with the status API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		schedDone := make(chan error, 1)
		go func() { schedDone <- env.Scheduler.Run(ctx) }()
		<-env.Scheduler.Ready()

		r := chi.NewRouter()
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET"},
		}))

		r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			st, err := env.Scheduler.CurrentStatus(req.Context())
			if err != nil {
				zap.L().Error("status endpoint failed", zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status unavailable"})
				return
			}
			writeJSON(w, http.StatusOK, st)
		})

		r.Get("/keys", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, env.Scheduler.Universe())
		})

		r.Get("/scores/{key}", func(w http.ResponseWriter, req *http.Request) {
			key := chi.URLParam(req, "key")
			if !model.ValidKey(key) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "key must be a 5-digit ZCTA"})
				return
			}
			bundles := make(map[string]model.AttributeBundle)
			for _, p := range env.Providers {
				b, err := env.Cache.Get(req.Context(), key, p.Name())
				if err != nil || b == nil {
					continue
				}
				bundles[p.Name()] = *b
			}
			if len(bundles) == 0 {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "no data for key"})
				return
			}
			writeJSON(w, http.StatusOK, env.Deriver.Derive(key, bundles))
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			drain := time.Duration(cfg.Refresh.DrainTimeoutSecs) * time.Second
			if drain <= 0 {
				drain = 30 * time.Second
			}
			shutCtx, cancel := context.WithTimeout(context.Background(), drain)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		// Let the scheduler drain before releasing resources.
		return <-schedDone
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
