package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Brownie44l1/mri-api/internal/config"
	"github.com/Brownie44l1/mri-api/internal/handlers"
	"github.com/Brownie44l1/mri-api/internal/handlers/middleware"
	"github.com/Brownie44l1/mri-api/internal/metrics"
	"github.com/Brownie44l1/mri-api/internal/model"
	"github.com/Brownie44l1/mri-api/internal/pipeline"
	"github.com/Brownie44l1/mri-api/internal/preprocess"
)

// loadModel brings up the model store. The caller owns the returned store
// and must Shutdown it.
func (r *RootCommand) loadModel(ctx context.Context) (*model.Store, *model.Model, error) {
	spec, err := r.cfg.ModelSpec()
	if err != nil {
		return nil, nil, err
	}

	store := model.NewStore()
	m, err := store.Initialize(ctx, spec, r.backend(r.cfg))
	if err != nil {
		return nil, nil, err
	}

	r.Logger().Info("model loaded",
		"architecture", m.Architecture(),
		"version", m.Version(),
		"device", spec.Device,
		"classes", m.NumClasses(),
	)
	return store, m, nil
}

func newPipeline(cfg *config.Config, models pipeline.ModelSource, log *slog.Logger) (*pipeline.Pipeline, error) {
	normalizer, err := preprocess.NewNormalizer(cfg.PreprocessOptions())
	if err != nil {
		return nil, fmt.Errorf("build normalizer: %w", err)
	}
	return pipeline.New(models, normalizer, pipeline.Options{
		MaxUploadBytes: cfg.Preprocess.MaxUploadBytes,
	}, log), nil
}

// newHTTPHandler assembles routes and the middleware stack around them.
func newHTTPHandler(cfg *config.Config, store *model.Store, log *slog.Logger) (http.Handler, error) {
	p, err := newPipeline(cfg, store, log)
	if err != nil {
		return nil, err
	}

	h := handlers.NewHandler(p, store, handlers.Options{
		Workers: cfg.Server.WorkerCount(),
		Metrics: metrics.NewRequestMetrics(),
		Logger:  log,
	})

	mws := []func(http.Handler) http.Handler{
		middleware.RequestID,
		middleware.Recovery(log),
		middleware.Logging(log),
	}
	if cfg.Server.EnableCORS {
		mws = append(mws, middleware.CORS(middleware.DefaultCORSConfig()))
	}

	return otelhttp.NewHandler(middleware.Chain(h.Routes(), mws...), "mri-api"), nil
}

func newHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeoutD,
		WriteTimeout: cfg.Server.WriteTimeoutD,
		IdleTimeout:  cfg.Server.IdleTimeoutD,
	}
}
