/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Access log: zap line per request plus Prometheus counters
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the operator UI

ROUTE GROUPS:
  /api/tariffs/*        Global catalog and resolution
  /api/apartments/*     Policy, readings, months, bills, flags
  /api/review-flags/*   Flag resolution
  /api/reminders/*      Manual reminder run
  /api/scenarios/*      Demo apartments
  /healthz              Liveness plus store ping
  /metrics              Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/rent-engine/metrics"
	"go.uber.org/zap"
)

// RouterOptions configures NewRouter. The zero value serves /metrics and
// allows any origin.
type RouterOptions struct {
	CORSOrigins    []string
	MetricsPath    string
	DisableMetrics bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	if !opts.DisableMetrics {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Tariff routes
		r.Route("/tariffs", func(r chi.Router) {
			r.Get("/", h.ListTariffs)
			r.Post("/", h.CreateTariff)
			r.Get("/resolve", h.ResolveTariff)
		})

		// Apartment routes
		r.Route("/apartments", func(r chi.Router) {
			r.Get("/", h.ListApartments)
			r.Get("/{id}", h.GetApartment)
			r.Put("/{id}", h.PutApartment)
			r.Get("/{id}/tariffs", h.ListApartmentTariffs)
			r.Post("/{id}/tariffs", h.CreateApartmentTariff)
			r.Post("/{id}/readings", h.SubmitReadings)
			r.Get("/{id}/history", h.GetHistory)
			r.Get("/{id}/months/{ym}", h.GetMonth)
			r.Patch("/{id}/months/{ym}/status", h.UpdateMonthStatus)
			r.Post("/{id}/months/{ym}/electric-extra/accept", h.AcceptElectricExtra)
			r.Post("/{id}/months/{ym}/electric-extra/reject", h.RejectElectricExtra)
			r.Get("/{id}/audit", h.GetAudit)

			// Bill workflow
			r.Get("/{id}/bill", h.GetBill)
			r.Post("/{id}/bill/approve", h.ApproveBill)
			r.Post("/{id}/bill/send-without-t3-photo", h.SendWithoutT3Photo)

			r.Get("/{id}/review-flags", h.ListReviewFlags)
			r.Post("/{id}/review-flags", h.CreateReviewFlag)
		})

		r.Post("/review-flags/{flagID}/resolve", h.ResolveReviewFlag)
		r.Post("/reminders/rent", h.SendRentReminders)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports ok, or 503 when the store cannot be reached.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store not ready", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// accessLog logs one line per request and records request metrics under
// the matched route pattern, not the raw path.
func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if p := rc.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.ObserveHTTP(r.Method, route, status, start)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
