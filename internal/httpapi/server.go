package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/nekota/device-manager/internal/device"
	"github.com/nekota/device-manager/internal/memory"
	"github.com/nekota/device-manager/internal/observability"
	"github.com/nekota/device-manager/internal/ota"
	"github.com/nekota/device-manager/internal/provision"
	"github.com/nekota/device-manager/internal/ratelimit"
)

const serviceName = "device-manager"

// Deps are the components served over HTTP. Devices, OTA, Memory and
// Provision are required; the rest are optional.
type Deps struct {
	Devices   *device.Manager
	OTA       *ota.Resolver
	Memory    *memory.Coordinator
	Provision *provision.Issuer

	Realtime http.Handler
	Limiter  *ratelimit.RateLimiter
	Metrics  http.Handler
	Tracer   oteltrace.Tracer
	// Ready backs /health; nil means always healthy.
	Ready func(ctx context.Context) error

	AllowedOrigins []string
	Version        string
}

type Server struct {
	devices   *device.Manager
	ota       *ota.Resolver
	memory    *memory.Coordinator
	provision *provision.Issuer
	deps      Deps
}

func NewServer(deps Deps) *Server {
	if deps.Version == "" {
		deps.Version = "1.0.0"
	}
	if len(deps.AllowedOrigins) == 0 {
		deps.AllowedOrigins = []string{"*"}
	}
	return &Server{
		devices:   deps.Devices,
		ota:       deps.OTA,
		memory:    deps.Memory,
		provision: deps.Provision,
		deps:      deps,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.deps.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Provision-Admin-Key", "X-Admin-Key"},
		ExposedHeaders: []string{"Trace-ID"},
		MaxAge:         300,
	}))
	if s.deps.Tracer != nil {
		r.Use(observability.Middleware(s.deps.Tracer, serviceName))
	}

	limited := func(r chi.Router) chi.Router { return r }
	if s.deps.Limiter != nil {
		mw := s.deps.Limiter.Middleware(ratelimit.KeyByIP)
		limited = func(r chi.Router) chi.Router { return r.With(mw) }
	}

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}
	if s.deps.Realtime != nil {
		r.Get("/ws/devices", s.deps.Realtime.ServeHTTP)
	}

	r.Route("/device", func(r chi.Router) {
		limited(r).Post("/register", s.handleRegister)
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Get("/status/{deviceId}", s.handleStatus)
	})

	r.Route("/otaMag", func(r chi.Router) {
		r.Get("/health", s.handleOTAHealth)
		r.Post("/check", s.handleCheckUpdate)
		r.Get("/getDownloadUrl", s.handleDownloadURL)
		r.Get("/version", s.handleVersion)
	})

	r.Route("/agent", func(r chi.Router) {
		r.Put("/saveMemory/{deviceId}", s.handleSaveMemory)
		r.Put("/queryMemory/{deviceId}", s.handleQueryMemory)
		r.Get("/queryMemory/{deviceId}", s.handleQueryMemory)
	})

	limited(r).Post("/provision", s.handleProvision)
	limited(r).Post("/provision/jwt", s.handleProvisionJWT)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Code: 0, Msg: "success", Data: data})
}

// decodeJSON tolerates an empty body, leaving dst at its zero value.
func decodeJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
