package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/examples/research"
	"github.com/BaSui01/stepflow/internal/ctxkeys"
	"github.com/BaSui01/stepflow/workflow"
)

const maxRequestBodyBytes = 1 << 20

// buildHandler 注册路由并套上中间件链
func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", handleVersion)

	mux.HandleFunc("POST /api/v1/research", s.handleResearch)
	mux.HandleFunc("GET /api/v1/research/stream", s.handleResearchStream)
	mux.HandleFunc("GET /api/v1/graph", s.handleGraph)
	mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/v1/config", s.handleConfig)
	mux.HandleFunc("GET /api/v1/config/changes", s.handleConfigChanges)

	if s.cfg.Metrics.Enabled && s.cfg.Metrics.Addr == "" {
		mux.Handle("GET "+s.cfg.Metrics.Path, s.metricsHandler())
	}

	skipAuthPaths := []string{"/health", "/version", s.cfg.Metrics.Path}
	sc := s.cfg.Server

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(sc.CORSAllowedOrigins),
	}
	switch {
	case sc.JWT.Enabled():
		if len(sc.APIKeys) > 0 {
			s.logger.Warn("both JWT and API keys configured, using JWT")
		}
		middlewares = append(middlewares, JWTAuth(sc.JWT, skipAuthPaths, s.logger))
	case len(sc.APIKeys) > 0:
		middlewares = append(middlewares, APIKeyAuth(sc.APIKeys, skipAuthPaths, sc.AllowQueryAPIKey, s.logger))
	default:
		s.logger.Warn("no authentication configured, API is open")
	}
	if sc.RateLimitRPS > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.rateLimiterCancel = cancel
		middlewares = append(middlewares, RateLimiter(ctx, sc.RateLimitRPS, sc.RateLimitBurst, s.logger))
	}

	return Chain(mux, middlewares...)
}

// =============================================================================
// 🏥 健康检查与版本
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"graph":  s.graph.Load().Name(),
	})
}

func handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// =============================================================================
// 🔬 调研接口
// =============================================================================

type researchRequest struct {
	Question         string `json:"question"`
	InitialQueries   int    `json:"initial_queries,omitempty"`
	MaxResearchLoops int    `json:"max_research_loops,omitempty"`
}

func (r researchRequest) validate() error {
	if r.Question == "" {
		return errors.New("question is required")
	}
	if r.InitialQueries < 0 || r.MaxResearchLoops < 0 {
		return errors.New("initial_queries and max_research_loops must not be negative")
	}
	return nil
}

func (r researchRequest) input() research.Input {
	return research.Input{
		Question:         r.Question,
		InitialQueries:   r.InitialQueries,
		MaxResearchLoops: r.MaxResearchLoops,
	}
}

type researchResponse struct {
	RunID string                 `json:"run_id"`
	State *research.OverallState `json:"state"`
}

func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	var req researchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body: "+err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	runID, state, err := s.runResearch(r.Context(), req.input(), nil)
	if err != nil {
		s.writeRunError(w, r, runID, err)
		return
	}
	writeJSON(w, http.StatusOK, researchResponse{RunID: runID, State: state})
}

// runResearch 以当前生效的图执行一次调研，返回运行 id。
// emit 为 nil 时不转发流式事件。
func (s *Server) runResearch(ctx context.Context, in research.Input, emit workflow.WorkflowStreamEmitter) (string, *research.OverallState, error) {
	if d := time.Duration(s.runTimeout.Load()); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var (
		once  sync.Once
		runID string
	)
	ctx = workflow.WithWorkflowStreamEmitter(ctx, func(ev workflow.WorkflowStreamEvent) {
		once.Do(func() { runID = ev.RunID })
		if emit != nil {
			emit(ev)
		}
	})

	state, err := research.Run(ctx, s.graph.Load(), s.resources, in)
	// 与事件回调中的写入同步
	once.Do(func() {})
	return runID, state, err
}

// runErrorStatus 将运行错误映射为 HTTP 状态码与错误码
func runErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "CANCELED"
	case errors.Is(err, workflow.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "CIRCUIT_OPEN"
	}
	if code := workflow.GetErrorCode(err); code != "" {
		return http.StatusInternalServerError, string(code)
	}
	return http.StatusInternalServerError, "RUN_FAILED"
}

func (s *Server) writeRunError(w http.ResponseWriter, r *http.Request, runID string, err error) {
	status, code := runErrorStatus(err)
	step, _ := workflow.FailedStep(err)

	fields := []zap.Field{zap.String("run_id", runID), zap.String("code", code), zap.Error(err)}
	if id, ok := ctxkeys.RequestID(r.Context()); ok {
		fields = append(fields, zap.String("request_id", id))
	}
	s.logger.Warn("research run failed", fields...)

	writeJSON(w, status, errorResponse{
		RunID: runID,
		Error: errorBody{Code: code, Message: err.Error(), Step: string(step)},
	})
}

// =============================================================================
// 📋 图结构与运行历史
// =============================================================================

func (s *Server) handleGraph(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.graph.Load().Describe())
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSONError(w, http.StatusNotFound, "HISTORY_DISABLED", "execution history is disabled")
		return
	}
	var runs []*workflow.ExecutionHistory
	if status := r.URL.Query().Get("status"); status != "" {
		runs = s.history.ListByStatus(workflow.ExecutionStatus(status))
	} else {
		runs = s.history.ListByGraph(research.GraphName)
	}
	if runs == nil {
		runs = []*workflow.ExecutionHistory{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "total": len(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSONError(w, http.StatusNotFound, "HISTORY_DISABLED", "execution history is disabled")
		return
	}
	h, ok := s.history.Get(r.PathValue("id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "run not found")
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// =============================================================================
// ⚙️ 配置查看
// =============================================================================

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.hotReloadManager.GetCurrentVersion(),
		"config":  s.hotReloadManager.SanitizedConfig(),
	})
}

func (s *Server) handleConfigChanges(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": s.hotReloadManager.GetChangeLog(limit)})
}
