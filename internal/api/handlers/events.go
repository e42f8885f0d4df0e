package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ystv/sports-scores/internal/action"
	"github.com/ystv/sports-scores/internal/eventstore"
	"github.com/ystv/sports-scores/internal/logger"
)

// EventsHandler exposes the event store over HTTP. Mutations respond with the
// freshly resolved merged state so callers never need a follow-up read.
type EventsHandler struct {
	store *eventstore.Store
}

func NewEventsHandler(store *eventstore.Store) *EventsHandler {
	return &EventsHandler{store: store}
}

// Register mounts the event routes on an authenticated group.
func (h *EventsHandler) Register(g *gin.RouterGroup) {
	g.POST("/events/:league/:sport", h.CreateEvent)
	g.GET("/events/:league/:sport/:id", h.GetEvent)
	g.POST("/events/:league/:sport/:id", h.UpdateEvent)
	g.POST("/events/:league/:sport/:id/actions/:type", h.ApplyAction)
	g.POST("/events/:league/:sport/:id/_undo", h.UndoAction)
	g.POST("/events/:league/:sport/:id/_redo", h.RedoAction)
	g.POST("/events/:league/:sport/:id/_resync", h.Resync)
}

type EventRequest struct {
	Name      string          `json:"name"`
	StartTime int64           `json:"startTime"`
	HomeTeam  eventstore.Team `json:"homeTeam"`
	AwayTeam  eventstore.Team `json:"awayTeam"`
	Winner    string          `json:"winner"`
	// State carries sport-specific fields laid over the fold (create) or
	// compared against it (edit).
	State map[string]any `json:"state"`
}

func (r EventRequest) meta() eventstore.EventMeta {
	return eventstore.EventMeta{
		Name:      r.Name,
		StartTime: r.StartTime,
		HomeTeam:  r.HomeTeam,
		AwayTeam:  r.AwayTeam,
		Winner:    r.Winner,
	}
}

// CreateEvent handles POST /v1/events/:league/:sport
func (h *EventsHandler) CreateEvent(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resolved, err := h.store.Create(c.Request.Context(), c.Param("league"), c.Param("sport"), req.meta(), req.State)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resolved.Merged())
}

// GetEvent handles GET /v1/events/:league/:sport/:id. With ?history=true the
// response also carries the annotated action log.
func (h *EventsHandler) GetEvent(c *gin.Context) {
	resolved, err := h.store.Get(c.Request.Context(), c.Param("league"), c.Param("sport"), c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}

	if c.Query("history") == "true" {
		c.JSON(http.StatusOK, gin.H{
			"event":   resolved.Merged(),
			"history": action.Annotate(resolved.History),
		})
		return
	}
	c.JSON(http.StatusOK, resolved.Merged())
}

// UpdateEvent handles POST /v1/events/:league/:sport/:id. The body is the
// desired end state; the store captures only the changed fields.
func (h *EventsHandler) UpdateEvent(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resolved, err := h.store.Update(c.Request.Context(), c.Param("league"), c.Param("sport"), c.Param("id"), req.meta(), req.State)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, resolved.Merged())
}

// ApplyAction handles POST /v1/events/:league/:sport/:id/actions/:type
func (h *EventsHandler) ApplyAction(c *gin.Context) {
	payload := map[string]any{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	resolved, err := h.store.ApplyAction(c.Request.Context(), c.Param("league"), c.Param("sport"), c.Param("id"), c.Param("type"), payload)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, resolved.Merged())
}

type MarkerRequest struct {
	// TS identifies the targeted action by its log timestamp.
	TS int64 `json:"ts" binding:"required"`
}

// UndoAction handles POST /v1/events/:league/:sport/:id/_undo
func (h *EventsHandler) UndoAction(c *gin.Context) {
	var req MarkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resolved, err := h.store.Undo(c.Request.Context(), c.Param("league"), c.Param("sport"), c.Param("id"), req.TS)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, resolved.Merged())
}

// RedoAction handles POST /v1/events/:league/:sport/:id/_redo
func (h *EventsHandler) RedoAction(c *gin.Context) {
	var req MarkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resolved, err := h.store.Redo(c.Request.Context(), c.Param("league"), c.Param("sport"), c.Param("id"), req.TS)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, resolved.Merged())
}

// Resync handles POST /v1/events/:league/:sport/:id/_resync. It republishes
// the full current view so live viewers converge without reconnecting.
func (h *EventsHandler) Resync(c *gin.Context) {
	resolved, err := h.store.Resync(c.Request.Context(), c.Param("league"), c.Param("sport"), c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, resolved.Merged())
}

func respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, eventstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
	case errors.Is(err, eventstore.ErrConflict), errors.Is(err, eventstore.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, eventstore.ErrPreconditionFailed):
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": err.Error()})
	case errors.Is(err, eventstore.ErrValidationFailed):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.Errorf("[api] %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
