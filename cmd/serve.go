package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/grant-datastore/internal/entity"
	"github.com/sells-group/grant-datastore/internal/model"
	"github.com/sells-group/grant-datastore/internal/monitoring"
	"github.com/sells-group/grant-datastore/internal/promote"
	"github.com/sells-group/grant-datastore/internal/rollup"
	"github.com/sells-group/grant-datastore/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health, status, rollups and Prometheus metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := openEnv(ctx, cfg, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		collector := monitoring.NewCollector(env.store)
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env, collector),
			ReadHeaderTimeout: 10 * time.Second,
		}

		eg, egctx := errgroup.WithContext(ctx)
		srv.BaseContext = func(net.Listener) context.Context { return egctx }

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), env.metrics, cfg.Monitoring)
			eg.Go(func() error {
				checker.Run(egctx)
				return nil
			})
		}

		eg.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		// Graceful shutdown
		eg.Go(func() error {
			<-egctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(egctx), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		return eg.Wait()
	},
}

// server holds the handlers' dependencies.
type server struct {
	env       *appEnv
	collector *monitoring.Collector
	rollups   *rollup.Service
	promoter  *promote.Promoter

	// promoteMu keeps HTTP-triggered promotions from overlapping.
	promoteMu sync.Mutex
}

// buildRouter wires every route onto a chi mux.
func buildRouter(env *appEnv, collector *monitoring.Collector) http.Handler {
	s := &server{
		env:       env,
		collector: collector,
		rollups:   env.rollups(),
		promoter:  env.promoter(),
	}

	origins := env.cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}),
	)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", env.metrics.Handler())

	r.Route("/rollup", func(r chi.Router) {
		r.Get("/overview", s.handleOverview)
		r.Get("/publishers/{prefix}", s.handlePublisher)
	})
	r.Get("/entities/{kind}", s.handleEntities)
	r.Post("/promote", s.handlePromote)

	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.env.store.Ping(r.Context()); err != nil {
		zap.L().Warn("health check failed", zap.Error(err))
		writeHTTPJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeHTTPJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Collect(r.Context())
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	s.env.metrics.Observe(snap)
	writeHTTPJSON(w, http.StatusOK, snap)
}

func (s *server) handleOverview(w http.ResponseWriter, r *http.Request) {
	mode, err := queryMode(r)
	if err != nil {
		writeHTTPJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := s.rollups.Overview(r.Context(), mode)
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	writeHTTPJSON(w, http.StatusOK, res)
}

func (s *server) handlePublisher(w http.ResponseWriter, r *http.Request) {
	mode, err := queryMode(r)
	if err != nil {
		writeHTTPJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := s.rollups.Publisher(r.Context(), chi.URLParam(r, "prefix"), mode)
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	writeHTTPJSON(w, http.StatusOK, res)
}

func (s *server) handleEntities(w http.ResponseWriter, r *http.Request) {
	kind, ok := model.ParseEntityKind(chi.URLParam(r, "kind"))
	if !ok {
		writeHTTPJSON(w, http.StatusNotFound, map[string]string{"error": "unknown entity kind"})
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := entity.NewLister(s.env.store).List(r.Context(), kind, w); err != nil {
		// Headers are already sent once the first line is written.
		zap.L().Error("entity listing failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (s *server) handlePromote(w http.ResponseWriter, r *http.Request) {
	if !s.promoteMu.TryLock() {
		writeHTTPJSON(w, http.StatusConflict, map[string]string{"error": "promotion already running"})
		return
	}
	defer s.promoteMu.Unlock()

	var (
		res *promote.Result
		err error
	)
	if q := r.URL.Query().Get("run"); q != "" {
		runID, perr := strconv.ParseInt(q, 10, 64)
		if perr != nil {
			writeHTTPJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid run id"})
			return
		}
		res, err = s.promoter.Promote(r.Context(), runID)
	} else {
		res, err = s.promoter.PromoteLatest(r.Context())
	}
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	writeHTTPJSON(w, http.StatusOK, res)
}

func queryMode(r *http.Request) (rollup.Mode, error) {
	m := r.URL.Query().Get("mode")
	if m == "" {
		return rollup.ModeGrants, nil
	}
	return rollup.ParseMode(m)
}

// writeHTTPError maps domain errors to status codes.
func writeHTTPError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, rollup.ErrUnknownPublisher):
		status = http.StatusNotFound
	case errors.Is(err, promote.ErrPromotionAborted):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Error(err))
	}
	writeHTTPJSON(w, status, map[string]string{"error": err.Error()})
}

func writeHTTPJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
