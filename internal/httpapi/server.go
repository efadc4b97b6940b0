// Package httpapi exposes the runtime's trigger, cancellation and
// observability operations over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/abhogle/leadops-os-sub001/internal/taskqueue"
	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// Service is the runtime surface served over HTTP. *engine.Runtime
// implements it.
type Service interface {
	SaveDefinition(ctx context.Context, def *api.Definition) (*api.Definition, error)
	GetDefinition(ctx context.Context, id string, version int) (*api.Definition, error)
	ListDefinitions(ctx context.Context) ([]*api.Definition, error)

	StartWorkflow(ctx context.Context, definitionID, subjectRef string, initial map[string]any) (string, error)
	CancelWorkflow(ctx context.Context, executionID string) error
	GetExecution(ctx context.Context, executionID string) (*api.Execution, error)
	ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error)
	ListSteps(ctx context.Context, executionID string) ([]*api.StepExecution, error)

	DeadLetters(ctx context.Context, queue string, limit int) ([]taskqueue.Job, error)
	Redrive(ctx context.Context, queue, jobID string) error
}

const defaultListLimit = 100

// Server holds the handlers' dependencies.
type Server struct {
	Service Service
}

// NewServer creates a new Server.
func NewServer(svc Service) *Server {
	return &Server{Service: svc}
}

// Register mounts the API routes on g.
func (s *Server) Register(g *echo.Group) {
	g.GET("/definitions", s.ListDefinitions)
	g.PUT("/definitions", s.PutDefinition)
	g.GET("/definitions/:id", s.GetDefinition)
	g.POST("/definitions/:id/executions", s.StartExecution)

	g.GET("/executions", s.ListExecutions)
	g.GET("/executions/:id", s.GetExecution)
	g.POST("/executions/:id/cancel", s.CancelExecution)
	g.GET("/executions/:id/steps", s.ListSteps)

	g.GET("/queues/:queue/dead-letters", s.ListDeadLetters)
	g.POST("/queues/:queue/dead-letters/:job/redrive", s.Redrive)
}

// NewEcho builds the echo instance with tracing, panic recovery, request
// logging and the API mounted under /api/v1.
func NewEcho(svc Service, logger *slog.Logger) *echo.Echo {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(e)

	e.Use(otelecho.Middleware("leadflow"))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.Any("error", v.Error))
			}
			logger.LogAttrs(c.Request().Context(), level, "http_request", attrs...)
			return nil
		},
	}))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	NewServer(svc).Register(e.Group("/api/v1"))
	return e
}

// ListDefinitions returns the latest version of every definition
// (GET /api/v1/definitions)
func (s *Server) ListDefinitions(c echo.Context) error {
	defs, err := s.Service.ListDefinitions(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, defs)
}

// PutDefinition stores a definition as a new version
// (PUT /api/v1/definitions)
func (s *Server) PutDefinition(c echo.Context) error {
	var def api.Definition
	if err := c.Bind(&def); err != nil {
		return api.NewError(api.CodeInvalidArgument, "invalid request body").WithCause(err)
	}
	saved, err := s.Service.SaveDefinition(c.Request().Context(), &def)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, saved)
}

// GetDefinition returns one version of a definition; without ?version the
// latest active one
// (GET /api/v1/definitions/:id)
func (s *Server) GetDefinition(c echo.Context) error {
	version, err := intParam(c, "version", 0)
	if err != nil {
		return err
	}
	def, err := s.Service.GetDefinition(c.Request().Context(), c.Param("id"), version)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

// StartRequest is the body of StartExecution.
type StartRequest struct {
	SubjectRef string         `json:"subject_ref"`
	Context    map[string]any `json:"context"`
}

// StartResponse identifies a started execution.
type StartResponse struct {
	ExecutionID string `json:"execution_id"`
	Warning     string `json:"warning,omitempty"`
}

// StartExecution starts a workflow for a subject
// (POST /api/v1/definitions/:id/executions)
func (s *Server) StartExecution(c echo.Context) error {
	var req StartRequest
	if err := c.Bind(&req); err != nil {
		return api.NewError(api.CodeInvalidArgument, "invalid request body").WithCause(err)
	}
	id, err := s.Service.StartWorkflow(c.Request().Context(), c.Param("id"), req.SubjectRef, req.Context)
	if err != nil {
		if id == "" {
			return err
		}
		// Created but not enqueued; the recovery sweep will pick it up.
		return c.JSON(http.StatusAccepted, StartResponse{ExecutionID: id, Warning: err.Error()})
	}
	return c.JSON(http.StatusCreated, StartResponse{ExecutionID: id})
}

// ListExecutions lists executions filtered by definition_id, subject_ref and
// a comma-separated status list
// (GET /api/v1/executions)
func (s *Server) ListExecutions(c echo.Context) error {
	limit, err := intParam(c, "limit", defaultListLimit)
	if err != nil {
		return err
	}
	filter := api.ExecutionFilter{
		DefinitionID: c.QueryParam("definition_id"),
		SubjectRef:   c.QueryParam("subject_ref"),
		Limit:        limit,
	}
	if raw := c.QueryParam("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, api.Status(strings.TrimSpace(st)))
		}
	}
	execs, err := s.Service.ListExecutions(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, execs)
}

// GetExecution (GET /api/v1/executions/:id)
func (s *Server) GetExecution(c echo.Context) error {
	exec, err := s.Service.GetExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exec)
}

// CancelExecution (POST /api/v1/executions/:id/cancel)
func (s *Server) CancelExecution(c echo.Context) error {
	if err := s.Service.CancelWorkflow(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ListSteps returns the step log of an execution in order
// (GET /api/v1/executions/:id/steps)
func (s *Server) ListSteps(c echo.Context) error {
	steps, err := s.Service.ListSteps(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, steps)
}

// JobView is the JSON form of a queued job.
type JobView struct {
	ID          string    `json:"id"`
	Queue       string    `json:"queue"`
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	DeadAt      time.Time `json:"dead_at,omitzero"`
}

func jobView(j taskqueue.Job) JobView {
	return JobView{
		ID:          j.ID,
		Queue:       j.Queue,
		ExecutionID: j.ExecutionID,
		NodeID:      j.NodeID,
		Attempts:    j.Attempts,
		LastError:   j.LastError,
		EnqueuedAt:  j.EnqueuedAt,
		DeadAt:      j.DeadAt,
	}
}

// ListDeadLetters (GET /api/v1/queues/:queue/dead-letters)
func (s *Server) ListDeadLetters(c echo.Context) error {
	limit, err := intParam(c, "limit", defaultListLimit)
	if err != nil {
		return err
	}
	jobs, err := s.Service.DeadLetters(c.Request().Context(), c.Param("queue"), limit)
	if err != nil {
		return err
	}
	out := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView(j))
	}
	return c.JSON(http.StatusOK, out)
}

// Redrive (POST /api/v1/queues/:queue/dead-letters/:job/redrive)
func (s *Server) Redrive(c echo.Context) error {
	if err := s.Service.Redrive(c.Request().Context(), c.Param("queue"), c.Param("job")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, api.Errorf(api.CodeInvalidArgument, "%s must be a non-negative integer", name)
	}
	return n, nil
}

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	NodeID  string `json:"node_id,omitempty"`
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code string) int {
	switch code {
	case api.CodeNotFound:
		return http.StatusNotFound
	case api.CodeInvalidArgument:
		return http.StatusBadRequest
	case api.CodeInvalidDefinition, api.CodeGraphConfig:
		return http.StatusUnprocessableEntity
	case api.CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := http.StatusInternalServerError
		body := ErrorBody{Code: "internal", Message: http.StatusText(status)}

		var apiErr *api.Error
		var httpErr *echo.HTTPError
		switch {
		case errors.As(err, &apiErr):
			status = StatusFor(apiErr.Code)
			body = ErrorBody{Code: apiErr.Code, Message: apiErr.Message, NodeID: apiErr.NodeID}
			if status < http.StatusInternalServerError && apiErr.Cause != nil {
				body.Message += ": " + apiErr.Cause.Error()
			}
		case errors.As(err, &httpErr):
			status = httpErr.Code
			body = ErrorBody{Code: "http", Message: http.StatusText(status)}
			if msg, ok := httpErr.Message.(string); ok {
				body.Message = msg
			}
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, body)
		}
		if werr != nil {
			e.Logger.Error(werr)
		}
	}
}
