package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/hd-request-api/internal/dto"
	"github.com/noah-isme/hd-request-api/internal/models"
	"github.com/noah-isme/hd-request-api/internal/service"
	appErrors "github.com/noah-isme/hd-request-api/pkg/errors"
	"github.com/noah-isme/hd-request-api/pkg/response"
)

type requestService interface {
	CreateDraft(ctx context.Context, payload dto.CreateRequestPayload, actor service.Actor) (*models.Request, error)
	Get(ctx context.Context, id string, actor service.Actor) (*models.Request, error)
	List(ctx context.Context, query dto.RequestQuery, actor service.Actor) ([]models.Request, error)
	Submit(ctx context.Context, id string, actor service.Actor) (*models.Request, error)
	OpenWithCode(ctx context.Context, id string, actor service.Actor, payload dto.OpenRequestPayload) (*models.Request, error)
	Approve(ctx context.Context, id string, actor service.Actor, note string) (*models.Request, error)
	Forward(ctx context.Context, id string, actor service.Actor, note string) (*models.Request, error)
	Decide(ctx context.Context, id string, actor service.Actor, payload dto.DecidePayload) (*models.Request, error)
	ReferBack(ctx context.Context, id string, actor service.Actor, payload dto.ReferBackPayload) (*models.Request, error)
	Resubmit(ctx context.Context, id string, actor service.Actor) (*models.Request, error)
	GetHistory(ctx context.Context, id string, actor service.Actor) ([]models.Version, error)
}

// RequestHandler exposes REST endpoints for the HD request workflow.
type RequestHandler struct {
	service requestService
}

// NewRequestHandler constructs the handler.
func NewRequestHandler(service requestService) *RequestHandler {
	return &RequestHandler{service: service}
}

// Create godoc
// @Summary Create a draft HD request
// @Tags Requests
// @Accept json
// @Produce json
// @Param payload body dto.CreateRequestPayload true "Request payload"
// @Success 201 {object} response.Envelope
// @Router /requests [post]
func (h *RequestHandler) Create(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var payload dto.CreateRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid request payload"))
		return
	}
	req, err := h.service.CreateDraft(c.Request.Context(), payload, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, req, nil)
}

// List godoc
// @Summary List HD requests visible to the caller
// @Tags Requests
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param type query string false "Request type"
// @Param participant query string false "Participant id (coordinator/admin only)"
// @Success 200 {object} response.Envelope
// @Router /requests [get]
func (h *RequestHandler) List(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	query := dto.RequestQuery{
		ParticipantID: strings.TrimSpace(c.Query("participant")),
		Limit:         intQuery(c, "limit"),
		Offset:        intQuery(c, "offset"),
	}
	if rawType := c.Query("type"); rawType != "" {
		query.Type = models.RequestType(strings.ToUpper(rawType))
	}
	if rawStatus := c.Query("status"); rawStatus != "" {
		parts := strings.Split(rawStatus, ",")
		statuses := make([]models.RequestStatus, 0, len(parts))
		for _, part := range parts {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			statuses = append(statuses, models.RequestStatus(part))
		}
		query.Status = statuses
	}
	requests, err := h.service.List(c.Request.Context(), query, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, nil)
}

// Get godoc
// @Summary Get one HD request snapshot
// @Tags Requests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /requests/{id} [get]
func (h *RequestHandler) Get(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	req, err := h.service.Get(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, req, nil)
}

// Submit godoc
// @Summary Submit a draft to the supervisor
// @Tags Requests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /requests/{id}/submit [post]
func (h *RequestHandler) Submit(c *gin.Context) {
	h.transition(c, func(ctx context.Context, id string, actor service.Actor) (*models.Request, error) {
		return h.service.Submit(ctx, id, actor)
	})
}

// Open godoc
// @Summary Open a request for review with an access code
// @Tags Requests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.OpenRequestPayload true "Access code"
// @Success 200 {object} response.Envelope
// @Router /requests/{id}/open [post]
func (h *RequestHandler) Open(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var payload dto.OpenRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "access code is required"))
		return
	}
	req, err := h.service.OpenWithCode(c.Request.Context(), c.Param("id"), actor, payload)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, req, nil)
}

// Approve godoc
// @Summary Approve the current review stage
// @Tags Requests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.ActionPayload false "Optional note"
// @Success 200 {object} response.Envelope
// @Router /requests/{id}/approve [post]
func (h *RequestHandler) Approve(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	payload := h.optionalAction(c)
	req, err := h.service.Approve(c.Request.Context(), c.Param("id"), actor, payload.Note)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, req, nil)
}

// Forward godoc
// @Summary Forward a request to the faculty committee
// @Tags Requests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.ActionPayload false "Optional note"
// @Success 200 {object} response.Envelope
// @Router /requests/{id}/forward [post]
func (h *RequestHandler) Forward(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	payload := h.optionalAction(c)
	req, err := h.service.Forward(c.Request.Context(), c.Param("id"), actor, payload.Note)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, req, nil)
}

// Decide godoc
// @Summary Record a committee decision
// @Tags Requests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.DecidePayload true "Decision"
// @Success 200 {object} response.Envelope
// @Router /requests/{id}/decide [post]
func (h *RequestHandler) Decide(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var payload dto.DecidePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid decision payload"))
		return
	}
	req, err := h.service.Decide(c.Request.Context(), c.Param("id"), actor, payload)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, req, nil)
}

// ReferBack godoc
// @Summary Refer a request back to the student
// @Tags Requests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.ReferBackPayload true "Reason"
// @Success 200 {object} response.Envelope
// @Router /requests/{id}/refer-back [post]
func (h *RequestHandler) ReferBack(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var payload dto.ReferBackPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "reason is required"))
		return
	}
	req, err := h.service.ReferBack(c.Request.Context(), c.Param("id"), actor, payload)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, req, nil)
}

// Resubmit godoc
// @Summary Resubmit a referred-back request
// @Tags Requests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /requests/{id}/resubmit [post]
func (h *RequestHandler) Resubmit(c *gin.Context) {
	h.transition(c, func(ctx context.Context, id string, actor service.Actor) (*models.Request, error) {
		return h.service.Resubmit(ctx, id, actor)
	})
}

// History godoc
// @Summary Get the version history of a request
// @Tags Requests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /requests/{id}/history [get]
func (h *RequestHandler) History(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	versions, err := h.service.GetHistory(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, versions, nil)
}

func (h *RequestHandler) actor(c *gin.Context) (service.Actor, bool) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return service.Actor{}, false
	}
	return service.ActorFromClaims(claims), true
}

func (h *RequestHandler) optionalAction(c *gin.Context) dto.ActionPayload {
	var payload dto.ActionPayload
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		_ = c.ShouldBindJSON(&payload)
	}
	return payload
}

func (h *RequestHandler) transition(c *gin.Context, fn func(ctx context.Context, id string, actor service.Actor) (*models.Request, error)) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	req, err := fn(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, req, nil)
}

func intQuery(c *gin.Context, key string) int {
	raw := c.Query(key)
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}
