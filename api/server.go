/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     zap request log (method, path, status, duration, request id)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /healthz              Liveness and database reachability
  /api/scenarios/*      Demo data (no school header; the scenario names one)
  /api/*                Ledger routes, scoped by X-School-ID

SECURITY NOTE:
  No authentication middleware. The school header is trusted.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/school-ledger/ledger"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderSchoolID, HeaderActorID},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireSchool)

			// Directory and enrollment routes
			r.Route("/students", func(r chi.Router) {
				r.Get("/", h.ListStudents)
				r.Post("/", h.SaveStudent)
				r.Get("/{id}/enrollments", h.EnrollmentHistory)
				r.Put("/{id}/class", h.AssignClass)
				r.Post("/{id}/conclude", h.ConcludeYear)
			})
			r.Route("/classes", func(r chi.Router) {
				r.Post("/", h.SaveClass)
				r.Get("/{id}/students", h.ClassMembers)
			})

			// Invoice routes
			r.Route("/invoices", func(r chi.Router) {
				r.Get("/", h.ListInvoices)
				r.Post("/", h.CreateInvoice)
				r.Post("/tuition", h.GenerateTuition)
				r.Get("/{id}", h.GetInvoice)
				r.Put("/{id}", h.UpdateInvoice)
				r.Delete("/{id}", h.DeleteInvoice)
				r.Put("/{id}/status", h.OverrideInvoiceStatus)
				r.Post("/{id}/recompute", h.RecomputeInvoice)
			})

			// Payment routes
			r.Route("/payments", func(r chi.Router) {
				r.Get("/", h.ListPayments)
				r.Post("/", h.RecordPayment)
				r.Get("/{id}", h.GetPayment)
				r.Put("/{id}/status", h.UpdatePaymentStatus)
			})

			// Report and admin routes
			r.Get("/reports/summary", h.Summary)
			r.Post("/admin/refresh-overdue", h.RefreshOverdue)
			r.Get("/audit", h.ListAudit)
		})
	})

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type ctxKey int

const schoolKey ctxKey = iota

// requireSchool rejects requests without a tenant and stores it in the
// request context.
func requireSchool(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		school := strings.TrimSpace(r.Header.Get(HeaderSchoolID))
		if school == "" {
			writeError(w, http.StatusBadRequest, "Missing "+HeaderSchoolID+" header", nil)
			return
		}
		ctx := context.WithValue(r.Context(), schoolKey, ledger.SchoolID(school))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func schoolFrom(r *http.Request) ledger.SchoolID {
	school, _ := r.Context().Value(schoolKey).(ledger.SchoolID)
	return school
}

func actorFrom(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderActorID))
}

// requestLogger logs one line per request once the response is written.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				log.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", status),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("school", r.Header.Get(HeaderSchoolID)))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
