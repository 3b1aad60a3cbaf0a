// Package httpapi exposes onboarding sessions over HTTP. Each session gets its
// own controller, selected by the X-Session-ID header or the onboarding_session
// cookie.
package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	onboard "github.com/goliatone/go-onboarding"
	"github.com/goliatone/go-onboarding/pkg/controller"
)

const (
	SessionHeader = "X-Session-ID"
	SessionCookie = "onboarding_session"

	defaultMaxSessions = 1024
)

// ControllerFactory builds the controller for a new session.
type ControllerFactory func(sessionID string) (*controller.Controller, error)

// Response is the JSON envelope of every endpoint.
type Response struct {
	Success  bool   `json:"success"`
	Data     any    `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`
	ErrorKey string `json:"error_key,omitempty"`
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the request logger.
func WithLogger(logger onboard.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMaxSessions bounds the number of live controllers. The least recently
// used session is evicted first.
func WithMaxSessions(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxSessions = n
		}
	}
}

// WithSecureCookie marks the session cookie Secure.
func WithSecureCookie(secure bool) Option {
	return func(h *Handler) {
		h.secureCookie = secure
	}
}

// Handler serves the onboarding endpoints.
type Handler struct {
	factory      ControllerFactory
	logger       onboard.Logger
	maxSessions  int
	secureCookie bool
	sessions     *lru.Cache[string, *controller.Controller]
}

// New returns a handler creating controllers with factory.
func New(factory ControllerFactory, opts ...Option) (*Handler, error) {
	if factory == nil {
		return nil, fmt.Errorf("httpapi: controller factory required")
	}
	h := &Handler{
		factory:     factory,
		logger:      onboard.NopLogger(),
		maxSessions: defaultMaxSessions,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	sessions, err := lru.New[string, *controller.Controller](h.maxSessions)
	if err != nil {
		return nil, fmt.Errorf("httpapi: session cache: %w", err)
	}
	h.sessions = sessions
	return h, nil
}

// Register mounts the endpoints on r.
func (h *Handler) Register(r gin.IRouter) {
	group := r.Group("/onboarding")
	group.GET("", h.load)
	group.PUT("/answers", h.updateAnswers)
	group.POST("/next", h.next)
	group.POST("/back", h.back)
	group.POST("/clear-error", h.clearError)
	group.POST("/submit", h.submit)
	group.POST("/reset", h.reset)
}

// NewRouter returns a gin engine serving h.
func NewRouter(h *Handler) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	h.Register(engine)
	return engine
}

func (h *Handler) session(c *gin.Context) (*controller.Controller, error) {
	id := strings.TrimSpace(c.GetHeader(SessionHeader))
	if id == "" {
		if cookie, err := c.Cookie(SessionCookie); err == nil {
			id = strings.TrimSpace(cookie)
		}
	}
	if id == "" {
		id = uuid.NewString()
	}
	c.SetCookie(SessionCookie, id, 0, "/", "", h.secureCookie, true)
	c.Header(SessionHeader, id)

	if ctrl, ok := h.sessions.Get(id); ok {
		return ctrl, nil
	}
	ctrl, err := h.factory(id)
	if err != nil {
		return nil, err
	}
	if existing, ok, _ := h.sessions.PeekOrAdd(id, ctrl); ok {
		return existing, nil
	}
	return ctrl, nil
}

func (h *Handler) load(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	view, err := ctrl.Load(c.Request.Context(), controller.LoadRequest{
		Step: controller.ParseStepParam(c.Query("step")),
	})
	h.respond(c, view, err)
}

func (h *Handler) updateAnswers(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	var partial onboard.Answers
	if err := c.ShouldBindJSON(&partial); err != nil {
		c.JSON(http.StatusBadRequest, Response{Error: fmt.Sprintf("invalid answers: %v", err)})
		return
	}
	for id := range partial {
		if !onboard.IsKnownStepID(string(id)) {
			c.JSON(http.StatusBadRequest, Response{Error: fmt.Sprintf("unknown step %q", id)})
			return
		}
	}
	view, err := ctrl.UpdateAnswers(partial)
	h.respond(c, view, err)
}

func (h *Handler) next(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	outcome, err := ctrl.Advance(c.Request.Context())
	h.respond(c, outcome, err)
}

func (h *Handler) back(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	view, err := ctrl.Back(c.Request.Context())
	h.respond(c, view, err)
}

func (h *Handler) clearError(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	view, err := ctrl.ClearError()
	h.respond(c, view, err)
}

func (h *Handler) submit(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	result, err := ctrl.Submit(c.Request.Context())
	if err != nil {
		view, viewErr := ctrl.View()
		if viewErr != nil {
			h.respond(c, nil, err)
			return
		}
		h.respond(c, view, err)
		return
	}
	h.respond(c, result, nil)
}

func (h *Handler) reset(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	view, err := ctrl.Reset(c.Request.Context())
	h.respond(c, view, err)
}

func (h *Handler) controller(c *gin.Context) (*controller.Controller, bool) {
	ctrl, err := h.session(c)
	if err != nil {
		h.logger.Errorw("onboarding session setup failed", "error", err)
		c.JSON(http.StatusInternalServerError, Response{Error: "session unavailable"})
		return nil, false
	}
	return ctrl, true
}

func (h *Handler) respond(c *gin.Context, data any, err error) {
	if err == nil {
		c.JSON(http.StatusOK, Response{Success: true, Data: data})
		return
	}
	status := statusFor(err)
	resp := Response{Error: err.Error()}
	if loaded(data) {
		resp.Data = data
	}
	var verr *controller.ValidationError
	if errors.As(err, &verr) {
		resp.ErrorKey = verr.ErrorKey
	}
	if status >= http.StatusInternalServerError {
		h.logger.Errorw("onboarding request failed",
			"path", c.FullPath(),
			"status", status,
			"error", err,
		)
	}
	c.JSON(status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, controller.ErrNothingToSubmit):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrSchemaVersionConflict):
		return http.StatusConflict
	case errors.Is(err, controller.ErrSubmitInProgress):
		return http.StatusLocked
	case errors.Is(err, controller.ErrCompleted):
		return http.StatusGone
	case errors.Is(err, controller.ErrNotLoaded):
		return http.StatusPreconditionFailed
	case errors.Is(err, controller.ErrSuperseded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// loaded reports whether data carries a view worth returning next to an error.
func loaded(data any) bool {
	switch v := data.(type) {
	case controller.View:
		return v.TotalSteps > 0
	case controller.Outcome:
		return v.View.TotalSteps > 0
	default:
		return data != nil
	}
}
