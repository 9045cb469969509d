// Package admin exposes the operator HTTP API over the session registry.
package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tdworkflow/fixsession/internal/session"
	"github.com/tdworkflow/fixsession/internal/store"
	"github.com/tdworkflow/fixsession/pkg/fix"
	"github.com/tdworkflow/fixsession/pkg/model"
)

type sessionHandler struct {
	registry *session.Registry
	stores   store.Factory
	log      *zap.Logger
}

// NewSessionHandler mounts the session routes on r.
func NewSessionHandler(r *gin.Engine, registry *session.Registry, stores store.Factory, log *zap.Logger) {
	handler := &sessionHandler{registry: registry, stores: stores, log: log}

	route := r.Group("/sessions")
	route.GET("", handler.List)
	route.GET("/:id", handler.Detail)
	route.POST("/:id/logout", handler.Logout)
	route.POST("/:id/reset", handler.Reset)
}

func (h *sessionHandler) List(r *gin.Context) {
	r.JSON(http.StatusOK, &model.Response{
		Data: h.registry.Snapshot(),
	})
}

func (h *sessionHandler) Detail(r *gin.Context) {
	e, ok := h.registry.Get(r.Param("id"))
	if !ok {
		r.JSON(http.StatusNotFound, &model.Response{
			Error:   true,
			Message: "unknown session",
		})
		return
	}
	r.JSON(http.StatusOK, &model.Response{
		Data: e.Status(),
	})
}

func (h *sessionHandler) Logout(r *gin.Context) {
	e, ok := h.registry.Get(r.Param("id"))
	if !ok {
		r.JSON(http.StatusNotFound, &model.Response{
			Error:   true,
			Message: "unknown session",
		})
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if r.Request.ContentLength > 0 {
		if err := r.BindJSON(&req); err != nil {
			r.JSON(http.StatusBadRequest, &model.Response{
				Error:   true,
				Message: err.Error(),
			})
			return
		}
	}
	if err := e.Logout(req.Text); err != nil {
		r.JSON(http.StatusConflict, &model.Response{
			Error:   true,
			Message: err.Error(),
		})
		return
	}
	h.log.Info("operator logout requested", zap.String("session", r.Param("id")))
	r.JSON(http.StatusAccepted, &model.Response{
		Data: e.Status(),
	})
}

// Reset wipes a session's sequence counters and stored messages. Refused
// while the session loop is running: both sides must renegotiate from a
// stopped state.
func (h *sessionHandler) Reset(r *gin.Context) {
	id := r.Param("id")
	if e, ok := h.registry.Get(id); ok && e.Running() {
		r.JSON(http.StatusConflict, &model.Response{
			Error:   true,
			Message: "session is running, stop it before resetting",
		})
		return
	}

	sid, err := fix.ParseSessionID(id)
	if err != nil {
		r.JSON(http.StatusBadRequest, &model.Response{
			Error:   true,
			Message: err.Error(),
		})
		return
	}
	part, err := h.stores.Partition(sid)
	if err != nil {
		r.JSON(http.StatusConflict, &model.Response{
			Error:   true,
			Message: err.Error(),
		})
		return
	}
	defer part.Close()

	if err := part.Reset(); err != nil {
		r.JSON(http.StatusInternalServerError, &model.Response{
			Error:   true,
			Message: err.Error(),
		})
		return
	}
	h.log.Info("session store reset", zap.String("session", id))
	r.JSON(http.StatusOK, &model.Response{
		Data: store.FreshState(),
	})
}
