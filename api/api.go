// Package api exposes the engine over HTTP: definition management,
// execution control, a live watch socket, health, and metrics.
package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tandemlab/baton"
)

// Options wires the server's collaborators. Gatherer and Events are
// optional; without them /metrics and the watch socket are disabled.
type Options struct {
	Supervisor *baton.Supervisor
	Registry   *baton.Registry
	Events     *baton.Broadcaster
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
}

type server struct {
	supervisor *baton.Supervisor
	registry   *baton.Registry
	events     *baton.Broadcaster
	logger     *zap.Logger
}

type errorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Issues  []string `json:"issues,omitempty"`
}

// New builds the HTTP server. The caller owns listening and shutdown.
func New(opts Options) *echo.Echo {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &server{
		supervisor: opts.Supervisor,
		registry:   opts.Registry,
		events:     opts.Events,
		logger:     logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/healthz", s.health)
	if opts.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := e.Group("/api/v1")
	v1.POST("/definitions", s.registerDefinition)
	v1.GET("/definitions", s.listDefinitions)
	v1.GET("/definitions/:name", s.getDefinition)
	v1.PUT("/definitions/:name", s.replaceDefinition)
	v1.DELETE("/definitions/:name", s.deleteDefinition)
	v1.GET("/definitions/:name/dot", s.definitionDOT)

	v1.POST("/executions", s.startExecution)
	v1.GET("/executions", s.listExecutions)
	v1.GET("/executions/:id", s.getExecution)
	v1.POST("/executions/:id/cancel", s.cancelExecution)
	v1.DELETE("/executions/:id", s.deleteExecution)
	v1.GET("/executions/:id/watch", s.watchExecution)

	return e
}

func (s *server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) registerDefinition(c echo.Context) error {
	def, err := s.bindDefinition(c)
	if err != nil || def == nil {
		return err
	}
	if err := s.registry.Register(c.Request().Context(), def); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, def)
}

func (s *server) replaceDefinition(c echo.Context) error {
	def, err := s.bindDefinition(c)
	if err != nil || def == nil {
		return err
	}
	if name := c.Param("name"); def.Name != name {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "name_mismatch",
			Message: fmt.Sprintf("definition is named %q but the path says %q", def.Name, name),
		})
	}
	if err := s.registry.Replace(c.Request().Context(), def); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, def)
}

// bindDefinition parses and validates the request body. On failure it
// writes the error response itself and returns a nil definition.
func (s *server) bindDefinition(c echo.Context) (*baton.Definition, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "invalid_request",
			Message: "could not read request body",
		})
	}
	def, err := baton.ParseDefinition(body)
	if err != nil {
		var verr *baton.ValidationError
		if errors.As(err, &verr) {
			return nil, s.fail(c, err)
		}
		return nil, c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
	}
	return def, nil
}

func (s *server) listDefinitions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.List())
}

func (s *server) getDefinition(c echo.Context) error {
	def, err := s.registry.Get(c.Param("name"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, def)
}

func (s *server) deleteDefinition(c echo.Context) error {
	if err := s.registry.Remove(c.Request().Context(), c.Param("name")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *server) definitionDOT(c echo.Context) error {
	def, err := s.registry.Get(c.Param("name"))
	if err != nil {
		return s.fail(c, err)
	}
	dot, err := def.DOT()
	if err != nil {
		return s.fail(c, err)
	}
	return c.Blob(http.StatusOK, "text/vnd.graphviz", []byte(dot))
}

func (s *server) startExecution(c echo.Context) error {
	var req baton.StartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "invalid_request",
			Message: "request body must be JSON",
		})
	}
	if req.SagaName == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "missing_fields",
			Message: "saga_name is required",
		})
	}
	exec, err := s.supervisor.Start(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, exec)
}

func (s *server) listExecutions(c echo.Context) error {
	execs, err := s.supervisor.List(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	saga := c.QueryParam("saga")
	status := c.QueryParam("status")
	out := make([]*baton.Execution, 0, len(execs))
	for _, exec := range execs {
		if saga != "" && exec.SagaName != saga {
			continue
		}
		if status != "" && string(exec.Status) != status {
			continue
		}
		out = append(out, exec)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *server) getExecution(c echo.Context) error {
	exec, err := s.supervisor.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, exec)
}

func (s *server) cancelExecution(c echo.Context) error {
	if err := s.supervisor.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

func (s *server) deleteExecution(c echo.Context) error {
	if err := s.supervisor.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// fail maps engine errors onto HTTP status codes.
func (s *server) fail(c echo.Context, err error) error {
	var verr *baton.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "invalid_definition",
			Message: "definition failed validation",
			Issues:  verr.Issues,
		})
	case errors.Is(err, baton.ErrDefinitionNotFound), errors.Is(err, baton.ErrExecutionNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, baton.ErrDefinitionExists):
		return c.JSON(http.StatusConflict, errorResponse{Error: "already_exists", Message: err.Error()})
	case errors.Is(err, baton.ErrExecutionActive):
		return c.JSON(http.StatusConflict, errorResponse{Error: "execution_active", Message: err.Error()})
	case errors.Is(err, baton.ErrExecutionNotRunning):
		return c.JSON(http.StatusConflict, errorResponse{Error: "not_running", Message: err.Error()})
	default:
		s.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{
			Error:   "internal_error",
			Message: "internal server error",
		})
	}
}
