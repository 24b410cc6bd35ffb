package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	xerrors "tiny-agent/internal/errors"
	"tiny-agent/internal/observability/metrics"
	"tiny-agent/internal/task"
	"tiny-agent/internal/tool"
	"tiny-agent/pkg/logger"
)

// maxWait 限制同步等待运行完成的最长时间。
const maxWait = 2 * time.Minute

// ToolLister 提供可用工具的描述，*tool.Registry 满足该接口。
type ToolLister interface {
	List() []tool.Info
}

// Server 负责暴露 REST 接口，供外部提交并查询智能体运行。
type Server struct {
	addr            string
	tasks           *task.Service
	tools           ToolLister
	logger          *slog.Logger
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
}

// Option 定义可选的服务配置。
type Option func(*Server)

// WithTools 暴露 /api/v1/tools。
func WithTools(tools ToolLister) Option {
	return func(s *Server) { s.tools = tools }
}

// WithTimeouts 设置读写与优雅关闭的超时，零值保持默认。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks *task.Service, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		tasks:           tasks,
		logger:          logger.Named("api"),
		readTimeout:     15 * time.Second,
		writeTimeout:    maxWait + 10*time.Second,
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/tools", s.handleTools)
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.handleCreateRun)
			r.Get("/", s.handleListRuns)
			r.Get("/stats", s.handleStats)
			r.Get("/{id}", s.handleRunDetail)
		})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	infos := []tool.Info{}
	if s.tools != nil {
		infos = s.tools.List()
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": infos})
}

// handleCreateRun 提交一次运行。带 wait 参数时在超时内等待运行结束。
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	var req task.Request
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}

	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "wait 参数格式错误"))
			return
		}
		wait = min(parsed, maxWait)
	}

	submitted, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if wait == 0 {
		writeJSON(w, http.StatusAccepted, view(submitted))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	finished, err := s.tasks.WaitUntilCompleted(ctx, submitted.ID, 100*time.Millisecond)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			if current, getErr := s.tasks.Get(r.Context(), submitted.ID); getErr == nil {
				submitted = current
			}
			writeJSON(w, http.StatusAccepted, view(submitted))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(finished))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	runs, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": views(runs), "count": len(runs)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	body := statsView{TaskStats: stats}
	if depth, ok, err := s.tasks.QueueDepth(r.Context()); ok && err == nil {
		body.QueueDepth = &depth
	} else if err != nil {
		s.logger.Warn("读取队列长度失败", slog.Any("error", err))
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	run, err := s.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(run))
}

func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	var opts []task.ListOption
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须为非负整数")
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if !task.IsValidStatus(status) {
				return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的状态: %s", part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("session"); raw != "" {
		opts = append(opts, task.WithSession(raw))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	return opts, nil
}

// runView 在任务之上附加 done 字段，客户端据此停止轮询。
type runView struct {
	*task.Task
	Done bool `json:"done"`
}

func view(t *task.Task) runView {
	return runView{Task: t, Done: t.Terminal()}
}

func views(tasks []*task.Task) []runView {
	out := make([]runView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, view(t))
	}
	return out
}

type statsView struct {
	task.TaskStats
	QueueDepth *int64 `json:"queue_depth,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	writeJSON(w, statusFor(code), errorBody{Code: string(code), Message: message})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeNotFound, task.CodeTaskNotFound, xerrors.CodeToolNotFound:
		return http.StatusNotFound
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation, xerrors.CodeToolInvalidArgs:
		return http.StatusBadRequest
	case xerrors.CodeConflict, task.CodeTaskConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
