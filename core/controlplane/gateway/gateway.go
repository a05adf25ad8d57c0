package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cordum/tradeflow/core/events"
	"github.com/cordum/tradeflow/core/infra/bus"
	"github.com/cordum/tradeflow/core/infra/buildinfo"
	"github.com/cordum/tradeflow/core/infra/config"
	"github.com/cordum/tradeflow/core/infra/locks"
	"github.com/cordum/tradeflow/core/infra/logging"
	infraMetrics "github.com/cordum/tradeflow/core/infra/metrics"
	"github.com/cordum/tradeflow/core/infra/redisutil"
	"github.com/cordum/tradeflow/core/registry"
	"github.com/cordum/tradeflow/core/router"
	"github.com/cordum/tradeflow/core/service"
	"github.com/cordum/tradeflow/core/trading"
	"github.com/cordum/tradeflow/core/workflow"
)

const (
	maxBodyBytes           = 1 << 20
	defaultListLimit       = 50
	maxListLimit           = 500
	defaultRateLimitRPS    = 50
	defaultRateLimitBurst  = 100
	leaseRetryAfter        = "1"
	projectorFlushInterval = 5 * time.Second
	// #nosec G101 -- protocol label, not a credential.
	wsAPIKeyProtocol = "tradeflow-api-key"

	timelineQueue = "tradeflow-timeline"
	metricsPrefix = "tradeflow"
)

type server struct {
	svc     *service.Service
	hub     *events.Hub
	policy  *workflow.Policy
	metrics infraMetrics.GatewayMetrics
	auth    *apiKeyAuth
	limiter *tokenBucket
	bus     *bus.NatsBus
	started time.Time
}

// Run wires the stack from cfg and serves until SIGINT/SIGTERM.
func Run(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := redisutil.Connect(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer client.Close()

	policyCfg, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		logging.Warn("api-gateway", "policy file not loaded, using declared gate importance", "path", cfg.PolicyPath, "error", err)
	}
	policy := workflow.NewPolicy(policyCfg.Gates)

	deps := trading.PaperDeps()
	deps.Broker = trading.NewRedisLedger(client, deps.Broker)
	reg, err := trading.Register(registry.NewBuilder(), deps).Build()
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	store := workflow.NewRedisStoreWithClient(client).WithRetention(cfg.ArchiveRetention)
	timeline := events.NewRedisTimeline(client, cfg.ArchiveRetention)
	hub := events.NewHub(0)

	var natsBus *bus.NatsBus
	var projector *events.Projector
	if cfg.EventsViaNATS {
		natsBus, err = bus.NewNatsBus(cfg.NatsURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsBus.Close()
		// one gateway per queue group writes the timeline; every gateway feeds its own hub
		if err := natsBus.Subscribe(bus.EventSubjectAll, timelineQueue, events.NewRelay(timeline, nil).WithRedelivery(natsBus.JetStreamEnabled()).Handle); err != nil {
			return fmt.Errorf("subscribe timeline relay: %w", err)
		}
		if err := natsBus.Subscribe(bus.EventSubjectAll, "", events.NewRelay(nil, hub).WithRedelivery(natsBus.JetStreamEnabled()).Handle); err != nil {
			return fmt.Errorf("subscribe live relay: %w", err)
		}
		projector = events.NewProjector(events.NewNatsSink(natsBus))
	} else {
		projector = events.NewProjector(timeline, hub)
	}

	go projector.RunFlusher(ctx, projectorFlushInterval)

	var classifier router.Classifier = router.RuleClassifier{}
	if cfg.OpenAIKey != "" {
		llm, err := router.NewOpenAIClassifier(router.OpenAIConfig{
			APIKey:    cfg.OpenAIKey,
			Model:     cfg.OpenAIModel,
			Workflows: workflowSteps(reg),
		})
		if err != nil {
			return fmt.Errorf("init openai classifier: %w", err)
		}
		classifier = router.NewChain(cfg.ConfidenceFloor, llm, router.RuleClassifier{})
	}
	rt := router.New(reg, classifier, cfg.ConfidenceFloor).WithMetrics(infraMetrics.NewRouterProm(metricsPrefix))

	engine := workflow.NewEngine(store, locks.NewRedisStoreWithClient(client), reg).
		WithPolicy(policy).
		WithObserver(projector).
		WithMetrics(infraMetrics.NewEngineProm(metricsPrefix)).
		WithLeaseTTL(cfg.LeaseTTL)
	svc := service.New(rt, reg, engine, store).
		WithTimeline(timeline).
		WithDefaultAutomation(workflow.AutomationLevel(cfg.DefaultAutomation(policyCfg)))

	s := &server{
		svc:     svc,
		hub:     hub,
		policy:  policy,
		metrics: infraMetrics.NewGatewayProm(metricsPrefix + "_api_gateway"),
		auth:    newAPIKeyAuthFromEnv(),
		limiter: newTokenBucketFromEnv(),
		bus:     natsBus,
		started: time.Now().UTC(),
	}
	return s.serve(ctx, cfg.HTTPAddr, cfg.MetricsAddr)
}

func workflowSteps(reg *registry.Registry) map[string][]string {
	out := map[string][]string{}
	for _, name := range reg.WorkflowNames() {
		if name == router.ClarifyWorkflow {
			continue
		}
		if def, ok := reg.Workflow(name); ok {
			out[name] = def.StepNames()
		}
	}
	return out
}

func (s *server) serve(ctx context.Context, httpAddr, metricsAddr string) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", infraMetrics.Handler())
	metricsSrv := &http.Server{
		Addr:         metricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logging.Info("api-gateway", "metrics listening", "addr", metricsAddr+"/metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("api-gateway", "metrics server error", "error", err)
		}
	}()

	// WriteTimeout stays zero: event streams are long-lived.
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           s.routes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("api-gateway", "http listening", "addr", httpAddr, "build", buildinfo.Info())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		_ = metricsSrv.Close()
		if err != nil && err != http.ErrServerClosed {
			logging.Error("api-gateway", "http server error", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logging.Info("api-gateway", "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))

	// query and decision protocol
	mux.HandleFunc("POST /api/v1/query", s.instrumented("/api/v1/query", s.handleQuery))
	mux.HandleFunc("POST /api/v1/decisions", s.instrumented("/api/v1/decisions", s.handleDecision))

	// runs
	mux.HandleFunc("GET /api/v1/runs/{id}", s.instrumented("/api/v1/runs/{id}", s.handleGetRun))
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", s.instrumented("/api/v1/runs/{id}/cancel", s.handleCancelRun))
	mux.HandleFunc("GET /api/v1/runs/{id}/events", s.instrumented("/api/v1/runs/{id}/events", s.handleRunEvents))
	mux.HandleFunc("GET /api/v1/runs/{id}/stream", s.instrumented("/api/v1/runs/{id}/stream", s.handleRunStream))

	// threads
	mux.HandleFunc("GET /api/v1/threads/{id}/runs", s.instrumented("/api/v1/threads/{id}/runs", s.handleThreadRuns))
	mux.HandleFunc("GET /api/v1/threads/{id}/stream", s.instrumented("/api/v1/threads/{id}/stream", s.handleThreadStream))

	mux.HandleFunc("GET /api/v1/approvals", s.instrumented("/api/v1/approvals", s.handleApprovals))
	mux.HandleFunc("GET /api/v1/catalog", s.instrumented("/api/v1/catalog", s.handleCatalog))

	return corsMiddleware(rateLimitMiddleware(s.limiter, apiKeyMiddleware(s.auth, mux)))
}

// --- Handlers ---

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	natsStatus := "disabled"
	if s.bus != nil {
		natsStatus = s.bus.Status()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"build":          buildinfo.Info(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"nats":           natsStatus,
		"stream_clients": s.hub.Subscribers(),
	})
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req service.QueryRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = principal(r)
	}
	resp, err := s.svc.SubmitQuery(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req service.DecisionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.DecidedBy) == "" {
		req.DecidedBy = principal(r)
	}
	resp, err := s.svc.SubmitDecision(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Run(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	run, err := s.svc.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	evs, err := s.svc.Timeline(r.Context(), r.PathValue("id"), after)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": evs})
}

func (s *server) handleThreadRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	runs, err := s.svc.ThreadRuns(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": runs})
}

func (s *server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	reqs, err := s.svc.Approvals(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": reqs})
}

func (s *server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Catalog(s.policy))
}

// --- Helpers ---

var errBadRequest = errors.New("bad request")

type errorResponse struct {
	Error      string        `json:"error"`
	Code       string        `json:"code"`
	Violations []violationJS `json:"violations,omitempty"`
}

type violationJS struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps engine and service errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	body := errorResponse{Error: err.Error()}
	var verr *workflow.ValidationError
	switch {
	case errors.As(err, &verr):
		status, code = http.StatusUnprocessableEntity, "validation_error"
		for _, v := range verr.Violations {
			body.Violations = append(body.Violations, violationJS{Field: v.Field, Message: v.Message})
		}
	case errors.Is(err, workflow.ErrStaleRequest):
		status, code = http.StatusConflict, "stale_request"
	case errors.Is(err, workflow.ErrLeaseConflict):
		status, code = http.StatusConflict, "lease_conflict"
		w.Header().Set("Retry-After", leaseRetryAfter)
	case errors.Is(err, workflow.ErrRunNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, workflow.ErrNotSuspended):
		status, code = http.StatusConflict, "not_suspended"
	case errors.Is(err, workflow.ErrInvalidDecision),
		errors.Is(err, workflow.ErrUnknownWorkflow),
		errors.Is(err, workflow.ErrUnknownStep),
		errors.Is(err, service.ErrInvalidQuery),
		errors.Is(err, errBadRequest):
		status, code = http.StatusBadRequest, "bad_request"
	}
	if status >= http.StatusInternalServerError {
		logging.Error("api-gateway", "request failed", "error", err)
	}
	body.Code = code
	writeJSON(w, status, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: invalid json: %v", errBadRequest, err)
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, key)
	}
	return n, nil
}

func listLimit(r *http.Request) (int64, error) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		return 0, err
	}
	if limit == 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record metrics.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
		}
	}
}
