package httpadapter

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aegis/internal/domain"
	"aegis/internal/events"
	"aegis/internal/ports"
	proposalsvc "aegis/internal/services/proposals"
)

const APIKeyHeader = "X-AegisChain-Key"

type Proposals interface {
	Get(ctx context.Context, id string) (domain.Proposal, error)
	List(ctx context.Context, statuses []domain.ProposalStatus, page, size int) (proposalsvc.Page, error)
}

type Approvals interface {
	Decide(ctx context.Context, d domain.ApprovalDecision) (domain.Proposal, error)
}

type Outcomes interface {
	RecordOutcome(ctx context.Context, supplierID string, outcome domain.Outcome, delayHours float64) (domain.Adjustment, error)
}

type Deps struct {
	Runner        ports.PipelineRunner
	Proposals     Proposals
	Approvals     Approvals
	Outcomes      Outcomes
	Bus           *events.Bus
	Gatherer      prometheus.Gatherer
	APIKey        string
	SigningSecret string
	Logger        *slog.Logger

	// Lifetime ends manual runs on server shutdown. Defaults to Background.
	Lifetime   context.Context
	// RunTimeout bounds a manual run once the caller has gone.
	RunTimeout time.Duration
}

const DefaultRunTimeout = 10 * time.Minute

type Server struct {
	Deps
	validate *validator.Validate
	now      func() time.Time
}

func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	d.Logger = d.Logger.With("component", "http")
	if d.Lifetime == nil {
		d.Lifetime = context.Background()
	}
	if d.RunTimeout <= 0 {
		d.RunTimeout = DefaultRunTimeout
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{Deps: d, validate: validator.New(validator.WithRequiredStructEnabled()), now: time.Now}
}

// Routes returns a chi.Router with every endpoint mounted. /healthz and
// /slack/actions sit outside the API key check; Slack requests carry their
// own signature.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Post("/slack/actions", s.slackActions)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/pipeline/run", s.runPipeline)
		r.Get("/proposals", s.listProposals)
		r.Get("/proposals/{id}", s.getProposal)
		r.Post("/rl/update", s.rlUpdate)
		r.Post("/internal/execution-event", s.executionEvent)
		r.Get("/ws/pipeline", s.pipelineStream)
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	})
	return r
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.APIKey != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(APIKeyHeader)), []byte(s.APIKey)) != 1 {
			w.Header().Set("WWW-Authenticate", "ApiKey")
			writeJSON(w, http.StatusUnauthorized, errorBody{Detail: "Invalid or missing " + APIKeyHeader + " header"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Detail string `json:"detail"`
}

type runtimeError struct {
	code int
	msg  string
}

func (e *runtimeError) Error() string { return e.msg }

func badRequest(msg string) error { return &runtimeError{code: http.StatusBadRequest, msg: msg} }

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var re *runtimeError
	var ve validator.ValidationErrors
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &re):
		code = re.code
	case errors.As(err, &ve), errors.Is(err, proposalsvc.ErrInvalidPage):
		code = http.StatusBadRequest
	case errors.Is(err, ports.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ports.ErrInvalidTransition), errors.Is(err, ports.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeJSON(w, code, errorBody{Detail: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
