// Package httpapi is the thin REST surface over the core subsystems. It
// only creates task rows and enqueues work; every provider-facing
// operation that can take longer than a request budget runs in the
// dispatcher pool. Handlers are organized one file per concern.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/snatchd/snatchd/pkg/action"
	"github.com/snatchd/snatchd/pkg/log"
	"github.com/snatchd/snatchd/pkg/metrics"
	"github.com/snatchd/snatchd/pkg/notify"
	"github.com/snatchd/snatchd/pkg/profilestore"
	"github.com/snatchd/snatchd/pkg/snatch"
	"github.com/snatchd/snatchd/pkg/types"
)

// Registry is the subset of TaskRegistry the HTTP surface needs.
type Registry interface {
	Create(taskType types.TaskType, name, alias string) (string, error)
	Get(id string) (*types.Task, error)
	UpdateProgress(id, result string) error
	SetRunning(id, result string) error
	SetPaused(id, result string) error
	SetFailure(id, result string) error
	Delete(id string) error
	ListActiveSnatch() ([]*types.Task, error)
	ListCompletedSnatch(limit int) ([]*types.Task, error)
}

// Dispatcher enqueues work onto the executor pool.
type Dispatcher interface {
	EnqueueSnatch(p snatch.Params)
	EnqueueAction(r action.Request)
}

// Config holds the HTTP surface configuration.
type Config struct {
	// PanelAPIKey, when set, admits Authorization: Bearer requests in
	// addition to established sessions. Empty disables bearer auth.
	PanelAPIKey string

	// RequestTimeout is the per-request wall-clock budget; exhaustion is
	// surfaced as 504.
	RequestTimeout time.Duration
}

// Server is the REST surface. Construct with NewServer and mount via
// Handler().
type Server struct {
	cfg        Config
	router     *chi.Mux
	profiles   *profilestore.Store
	registry   Registry
	dispatcher Dispatcher
	settings   *notify.Settings
	cloud      CloudGateway
	sessions   *sessionStore
	logger     zerolog.Logger
}

// NewServer wires the surface over its collaborators.
func NewServer(cfg Config, profiles *profilestore.Store, registry Registry, dispatcher Dispatcher, settings *notify.Settings, cloud CloudGateway) *Server {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		cfg:        cfg,
		router:     chi.NewRouter(),
		profiles:   profiles,
		registry:   registry,
		dispatcher: dispatcher,
		settings:   settings,
		cloud:      cloud,
		sessions:   newSessionStore(),
		logger:     log.WithComponent("httpapi"),
	}
	s.routes()
	return s
}

// Handler returns the mountable HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(chimw.Recoverer)
	s.router.Use(s.metricsMiddleware)

	s.router.Get("/health", metrics.HealthHandler())
	s.router.Get("/ready", metrics.ReadyHandler())
	s.router.Get("/live", metrics.LivenessHandler())
	s.router.Handle("/metrics", metrics.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.timeoutMiddleware)

		r.Get("/profiles", s.handleListProfiles)
		r.Post("/profiles", s.handleUpsertProfile)
		r.Post("/profiles/order", s.handleSetProfileOrder)
		r.Get("/profiles/{alias}", s.handleGetProfile)
		r.Delete("/profiles/{alias}", s.handleDeleteProfile)

		r.Post("/session", s.handleOpenSession)
		r.Get("/session", s.handleGetSession)
		r.Delete("/session", s.handleCloseSession)

		r.Get("/instances", s.handleListInstances)
		r.Get("/{alias}/instances", s.handleListInstances)
		r.Get("/instance-details/{instanceID}", s.handleInstanceDetails)
		r.Get("/available-shapes", s.handleAvailableShapes)

		r.Post("/instance-action", s.handleInstanceAction)
		r.Post("/{alias}/instance-action", s.handleInstanceAction)
		r.Post("/update-instance", s.handleUpdateInstance)
		r.Post("/launch-instance", s.handleLaunchInstance)
		r.Post("/{alias}/launch-instance", s.handleLaunchInstance)

		r.Get("/tasks/snatching/running", s.handleRunningSnatchTasks)
		r.Get("/tasks/snatching/completed", s.handleCompletedSnatchTasks)
		r.Get("/task_status/{taskID}", s.handleTaskStatus)
		r.Post("/tasks/{taskID}/stop", s.handleStopTask)
		r.Post("/tasks/resume", s.handleResumeTasks)
		r.Delete("/tasks/{taskID}", s.handleDeleteTask)

		r.Get("/network/resources", s.handleNetworkResources)
		r.Get("/network/security-list/{securityListID}", s.handleSecurityList)
		r.Post("/network/update-security-rules", s.handleUpdateSecurityRules)

		r.Get("/tg-config", s.handleGetTelegramConfig)
		r.Post("/tg-config", s.handleSetTelegramConfig)
		r.Get("/cloudflare-config", s.handleGetCloudflareConfig)
		r.Post("/cloudflare-config", s.handleSetCloudflareConfig)
		r.Get("/default-ssh-key", s.handleGetDefaultSSHKey)
		r.Post("/default-ssh-key", s.handleSetDefaultSSHKey)
	})
}

// authMiddleware admits bearer-key requests and established sessions.
// With no panel API key configured, a session is still honored but is not
// required; the login/MFA layer in front of this surface is a separate
// deployment concern.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.PanelAPIKey != "" {
			if bearerToken(r) == s.cfg.PanelAPIKey || s.sessions.aliasFor(r) != "" || isSessionRoute(r) {
				next.ServeHTTP(w, r)
				return
			}
			s.respondError(w, r, &types.AuthError{Msg: "missing or invalid credentials"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isSessionRoute(r *http.Request) bool {
	return r.URL.Path == "/api/session"
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		timer.ObserveDurationVec(metrics.HTTPRequestDuration, route)
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
	})
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respondError maps the error-kind taxonomy onto HTTP statuses.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	var validation *types.ValidationError
	var auth *types.AuthError
	var cred *types.CredentialError
	var infra *types.InfrastructureError
	var capacity *types.ProviderCapacityError
	var unreachable *types.ProviderUnreachable
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.As(err, &auth), errors.As(err, &cred):
		status = http.StatusUnauthorized
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrTaskNotDeletable):
		status = http.StatusBadRequest
	case errors.As(err, &infra), errors.As(err, &capacity):
		status = http.StatusServiceUnavailable
	case errors.As(err, &unreachable):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.DeadlineExceeded), errors.Is(r.Context().Err(), context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status >= 500 {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	s.respond(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) decode(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return &types.ValidationError{Msg: "invalid JSON body: " + err.Error()}
	}
	return nil
}
