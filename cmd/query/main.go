package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"clip-query/internal/app"
	"clip-query/internal/embeddings"
	"clip-query/internal/httputil"
	"clip-query/internal/query"
	"clip-query/internal/tokens"
)

type queryRequest struct {
	Query string `json:"query" validate:"required,max=64"`
}

type queryResponse struct {
	query.Result
	Report string `json:"report"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx)
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", deps.Config.Port),
		Handler:           newRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		deps.Log.Info("query service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		deps.Log.Error("server error", "err", err)
	}
	if err := deps.Close(context.Background()); err != nil {
		deps.Log.Warn("shutdown cleanup failed", "err", err)
	}
}

func newRouter(deps app.Deps) http.Handler {
	r := httputil.NewRouter(deps.Log)
	r.Post("/api/query", queryHandler(deps))
	r.Get("/api/labels", labelsHandler(deps))
	r.Get("/healthz", httputil.HealthHandler(deps))
	return r
}

func queryHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Fail(deps.Log, w, "invalid payload", err, http.StatusBadRequest)
			return
		}

		// Validate request
		if err := httputil.Validator.Struct(&req); err != nil {
			httputil.ValidationError(deps.Log, w, err)
			return
		}

		res, err := deps.Dispatch(r.Context(), req.Query)
		switch {
		case err == nil:
		case errors.Is(err, query.ErrInvalidQuery):
			httputil.Fail(deps.Log, w, query.Hint(), err, http.StatusBadRequest)
			return
		case errors.Is(err, app.ErrUnavailable):
			httputil.Fail(deps.Log, w, "model unavailable", err, http.StatusServiceUnavailable)
			return
		case errors.Is(err, embeddings.ErrZeroNorm):
			httputil.Fail(deps.Log, w, "degenerate embedding", err, http.StatusInternalServerError)
			return
		default:
			httputil.Fail(deps.Log, w, "query failed", err, http.StatusInternalServerError)
			return
		}

		httputil.WriteJSON(w, http.StatusOK, queryResponse{Result: res, Report: res.Report()})
	}
}

func labelsHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"labels":    tokens.Words(),
			"available": deps.Dispatcher != nil,
		})
	}
}
