package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"clinic-inventory-ledger/internal/handlers"
	"clinic-inventory-ledger/internal/middleware"
	"clinic-inventory-ledger/internal/repos"
	"clinic-inventory-ledger/internal/service"
	"clinic-inventory-ledger/shared/authx"
	"clinic-inventory-ledger/shared/cachex"
	"clinic-inventory-ledger/shared/clinicx"
	"clinic-inventory-ledger/shared/config"
	"clinic-inventory-ledger/shared/dbx"
	"clinic-inventory-ledger/shared/httpx"
	"clinic-inventory-ledger/shared/logx"
	"clinic-inventory-ledger/shared/metricsx"
	"clinic-inventory-ledger/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("ledger-api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	metricsx.Register()

	shutdownTracer, err := observability.InitTracer(context.Background(), observability.TracerConfig{
		ServiceName: cfg.ServiceName,
		Env:         cfg.Env,
		Endpoint:    cfg.OtelEndpoint,
		Insecure:    cfg.OtelInsecure,
		SampleRatio: cfg.OtelSampleRatio,
	})
	if err != nil {
		logger.Warn(context.Background(), "otel_init_failed", "tracing disabled",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		shutdownTracer = func(context.Context) error { return nil }
	}

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		cache, err = cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "cache_init_failed", "projection cache disabled",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			cache = nil
		}
	}

	clinicsRepo := repos.NewClinicsRepo(dbPool)
	auditRepo := repos.NewAuditRepo(dbPool)
	ledgerRepo := repos.NewLedgerRepo(dbPool, cfg.LedgerTxTimeout)
	queryRepo := repos.NewQueryRepo(dbPool)

	ledgerSvc := service.NewLedgerService(ledgerRepo, cache, logger)
	querySvc := service.NewQueryService(queryRepo, cache,
		time.Duration(cfg.ProjectionCacheTTLSec)*time.Second, cfg.HistoryMaxLimit, logger)

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	mux.HandleFunc("GET /api/v1/me", func(w http.ResponseWriter, r *http.Request) {
		auth, ok := authx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"subject": auth.Subject,
			"email":   auth.Email,
			"name":    auth.Name,
			"roles":   auth.Roles,
			"claims":  auth.Claims,
		})
	})
	mux.HandleFunc("POST /api/v1/clinics", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Slug string `json:"slug"`
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", nil)
			return
		}
		req.Slug = strings.TrimSpace(strings.ToLower(req.Slug))
		req.Name = strings.TrimSpace(req.Name)
		if req.Slug == "" || req.Name == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "slug and name are required", nil)
			return
		}
		record, err := clinicsRepo.CreateClinic(r.Context(), req.Slug, req.Name)
		if err != nil {
			httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", "failed to create clinic", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, map[string]any{
			"clinic_id": record.ClinicID,
			"slug":      record.Slug,
			"name":      record.Name,
		})
	})
	mux.HandleFunc("GET /api/v1/clinics/current", func(w http.ResponseWriter, r *http.Request) {
		clinic, ok := clinicx.FromContext(r.Context())
		if !ok || clinic.ID == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing clinic", nil)
			return
		}
		clinicID, err := uuid.Parse(clinic.ID)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid clinic id", nil)
			return
		}
		record, err := clinicsRepo.GetClinicByID(r.Context(), clinicID)
		if err != nil {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "clinic not found", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"clinic_id": record.ClinicID,
			"slug":      record.Slug,
			"name":      record.Name,
		})
	})

	apiHandler := &handlers.Handler{Ledger: ledgerSvc, Query: querySvc}
	apiHandler.Register(mux)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	skipInfra := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}
	// Clinic provisioning happens before a clinic header can exist.
	skipClinic := func(r *http.Request) bool {
		return skipInfra(r) || (r.Method == http.MethodPost && r.URL.Path == "/api/v1/clinics")
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.DBRequiredMiddleware{Pool: dbPool, Skip: skipInfra}.Wrap(handler)
	handler = middleware.AuditMiddleware{
		Enabled: cfg.AuditEnabled,
		Repo:    auditRepo,
		Logger:  logger,
		Skip:    skipInfra,
	}.Wrap(handler)
	handler = middleware.ClinicMiddleware{Clinics: clinicsRepo, Skip: skipClinic}.Wrap(handler)
	handler = middleware.AuthMiddleware{Verifier: verifier, Skip: skipInfra}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst, 2*time.Minute),
		Skip:    skipInfra,
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{AllowedOrigins: cfg.CORSAllowedOrigins}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "ledger-api")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("ledger_tx_timeout_ms", cfg.LedgerTxTimeoutMS),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn(context.Background(), "otel_shutdown_failed", "tracer shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if cache != nil {
		_ = cache.Close()
	}
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
