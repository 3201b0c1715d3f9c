package handlers

import (
	"context"
	"net/http"
	"strconv"

	"example.com/backstage/simul/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// SimulService is the slice of the event service exposed over HTTP
type SimulService interface {
	Create(ctx context.Context, setup models.Setup, hostID string) (*models.Event, error)
	Update(ctx context.Context, eventID string, setup models.Setup) (*models.Event, error)
	AddApplicant(ctx context.Context, eventID, userID string, variant models.Variant) error
	RemoveApplicant(ctx context.Context, eventID, userID string) error
	Accept(ctx context.Context, eventID, userID string, accepted bool) error
	Start(ctx context.Context, eventID string) (*models.Event, error)
	Abort(ctx context.Context, eventID string) error
	SetText(ctx context.Context, eventID, text string) error
	HostPing(ctx context.Context, eventID string) error
	EjectCheater(ctx context.Context, userID string) error
	Find(ctx context.Context, eventID string) (*models.Event, error)
	IDToName(ctx context.Context, eventID string) (string, bool, error)
	TeamOf(ctx context.Context, eventID string) (string, error)
	HostedByUser(ctx context.Context, userID string, page, perPage int) ([]*models.Event, error)
	CountHostedByUser(ctx context.Context, userID string) (int64, error)
	CurrentHostIDs(ctx context.Context) ([]string, error)
	IsHost(ctx context.Context, userID string) bool
	SearchHistory(ctx context.Context, text string, size int) ([]map[string]interface{}, error)
}

// Presence records which users have a live socket on an event page
type Presence interface {
	MarkPresent(ctx context.Context, eventID, userID string) error
}

// SimulHandler handles simul-related HTTP requests
type SimulHandler struct {
	service  SimulService
	presence Presence
}

// NewSimulHandler creates a new simul handler
func NewSimulHandler(service SimulService, presence Presence) *SimulHandler {
	return &SimulHandler{service: service, presence: presence}
}

// JoinRequest selects the variant an applicant wants to play
type JoinRequest struct {
	Variant models.Variant `json:"variant" binding:"required"`
}

// TextRequest replaces the event description
type TextRequest struct {
	Text string `json:"text" binding:"max=2000"`
}

// RegisterRoutes registers the handler's routes
func (h *SimulHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/simuls/:id", h.HandleGet)
	router.GET("/simuls/:id/name", h.HandleGetName)
	router.GET("/simuls/:id/team", h.HandleGetTeam)
	router.GET("/users/:user/hosted", h.HandleHostedByUser)
	router.GET("/users/:user/hosted/count", h.HandleCountHostedByUser)
	router.GET("/hosts", h.HandleCurrentHosts)
	router.GET("/hosts/:user", h.HandleIsHost)
	router.GET("/search", h.HandleSearch)

	acting := router.Group("", RequireUser())
	acting.POST("/simuls", h.HandleCreate)
	acting.POST("/simuls/:id/join", h.HandleJoin)
	acting.POST("/simuls/:id/withdraw", h.HandleWithdraw)
	acting.POST("/simuls/:id/presence", h.HandlePresence)
	// moderation hook, called by the anti-cheat pipeline
	acting.POST("/users/:user/eject", h.HandleEject)

	hosting := acting.Group("/simuls/:id", h.requireHost)
	hosting.PUT("", h.HandleUpdate)
	hosting.POST("/applicants/:user/accept", h.HandleAccept)
	hosting.POST("/applicants/:user/reject", h.HandleReject)
	hosting.POST("/start", h.HandleStart)
	hosting.POST("/abort", h.HandleAbort)
	hosting.POST("/text", h.HandleSetText)
	hosting.POST("/host-ping", h.HandleHostPing)
}

// requireHost loads the event and lets only its host through. HostID never
// changes after creation, so checking outside the sequencer is safe.
func (h *SimulHandler) requireHost(c *gin.Context) {
	event, err := h.service.Find(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if event == nil {
		writeError(c, ErrNotFound)
		return
	}
	if event.HostID != currentUser(c) {
		writeError(c, ErrForbidden)
		return
	}
	c.Next()
}

// HandleCreate creates a new event hosted by the acting user
func (h *SimulHandler) HandleCreate(c *gin.Context) {
	var setup models.Setup
	if err := c.ShouldBindJSON(&setup); err != nil {
		writeError(c, NewValidationError(err.Error()))
		return
	}

	event, err := h.service.Create(c.Request.Context(), setup, currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, event)
}

// HandleGet returns an event
func (h *SimulHandler) HandleGet(c *gin.Context) {
	event, err := h.service.Find(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if event == nil {
		writeError(c, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, event)
}

// HandleUpdate replaces the setup of a Created event
func (h *SimulHandler) HandleUpdate(c *gin.Context) {
	var setup models.Setup
	if err := c.ShouldBindJSON(&setup); err != nil {
		writeError(c, NewValidationError(err.Error()))
		return
	}

	event, err := h.service.Update(c.Request.Context(), c.Param("id"), setup)
	if err != nil {
		writeError(c, err)
		return
	}
	if event == nil {
		writeError(c, NewValidationError("simul can no longer be edited"))
		return
	}
	c.JSON(http.StatusOK, event)
}

// HandleJoin adds the acting user to the applicants
func (h *SimulHandler) HandleJoin(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, NewValidationError(err.Error()))
		return
	}
	h.respond(c, h.service.AddApplicant(c.Request.Context(), c.Param("id"), currentUser(c), req.Variant))
}

// HandleWithdraw removes the acting user from the applicants
func (h *SimulHandler) HandleWithdraw(c *gin.Context) {
	h.respond(c, h.service.RemoveApplicant(c.Request.Context(), c.Param("id"), currentUser(c)))
}

// HandlePresence refreshes the acting user's presence on the event page
func (h *SimulHandler) HandlePresence(c *gin.Context) {
	h.respond(c, h.presence.MarkPresent(c.Request.Context(), c.Param("id"), currentUser(c)))
}

// HandleAccept accepts an applicant
func (h *SimulHandler) HandleAccept(c *gin.Context) {
	h.respond(c, h.service.Accept(c.Request.Context(), c.Param("id"), c.Param("user"), true))
}

// HandleReject withdraws the acceptance of an applicant
func (h *SimulHandler) HandleReject(c *gin.Context) {
	h.respond(c, h.service.Accept(c.Request.Context(), c.Param("id"), c.Param("user"), false))
}

// HandleStart starts the event
func (h *SimulHandler) HandleStart(c *gin.Context) {
	event, err := h.service.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if event == nil {
		writeError(c, NewValidationError("simul cannot start"))
		return
	}
	c.JSON(http.StatusOK, event)
}

// HandleAbort deletes a Created event
func (h *SimulHandler) HandleAbort(c *gin.Context) {
	h.respond(c, h.service.Abort(c.Request.Context(), c.Param("id")))
}

// HandleSetText replaces the event description
func (h *SimulHandler) HandleSetText(c *gin.Context) {
	var req TextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, NewValidationError(err.Error()))
		return
	}
	h.respond(c, h.service.SetText(c.Request.Context(), c.Param("id"), req.Text))
}

// HandleHostPing records host presence and prunes absent applicants
func (h *SimulHandler) HandleHostPing(c *gin.Context) {
	h.respond(c, h.service.HostPing(c.Request.Context(), c.Param("id")))
}

// HandleEject removes a user from every pending event
func (h *SimulHandler) HandleEject(c *gin.Context) {
	userID := c.Param("user")
	log.Info().Str("user_id", userID).Str("by", currentUser(c)).Msg("Ejecting user from pending simuls")
	h.respond(c, h.service.EjectCheater(c.Request.Context(), userID))
}

// HandleGetName returns the display name of an event
func (h *SimulHandler) HandleGetName(c *gin.Context) {
	name, ok, err := h.service.IDToName(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		writeError(c, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "name": name})
}

// HandleGetTeam returns the team of an event
func (h *SimulHandler) HandleGetTeam(c *gin.Context) {
	teamID, err := h.service.TeamOf(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "team_id": teamID})
}

// HandleHostedByUser pages through the events a user hosted
func (h *SimulHandler) HandleHostedByUser(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))

	events, err := h.service.HostedByUser(c.Request.Context(), c.Param("user"), page, perPage)
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"page": page, "simuls": events})
}

// HandleCountHostedByUser counts the events a user hosted to completion
func (h *SimulHandler) HandleCountHostedByUser(c *gin.Context) {
	count, err := h.service.CountHostedByUser(c.Request.Context(), c.Param("user"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": c.Param("user"), "count": count})
}

// HandleCurrentHosts lists the users hosting a Started event
func (h *SimulHandler) HandleCurrentHosts(c *gin.Context) {
	ids, err := h.service.CurrentHostIDs(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"hosts": ids})
}

// HandleIsHost reports whether a user is hosting a Started event
func (h *SimulHandler) HandleIsHost(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"user_id": c.Param("user"), "hosting": h.service.IsHost(c.Request.Context(), c.Param("user"))})
}

// HandleSearch searches finished events by name
func (h *SimulHandler) HandleSearch(c *gin.Context) {
	text := c.Query("q")
	if text == "" {
		writeError(c, NewValidationError("q is required"))
		return
	}
	size, _ := strconv.Atoi(c.Query("size"))

	hits, err := h.service.SearchHistory(c.Request.Context(), text, size)
	if err != nil {
		writeError(c, err)
		return
	}
	if hits == nil {
		hits = []map[string]interface{}{}
	}
	c.JSON(http.StatusOK, gin.H{"results": hits})
}

func (h *SimulHandler) respond(c *gin.Context, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
