package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/hd-request-api/internal/dto"
	"github.com/noah-isme/hd-request-api/internal/models"
	"github.com/noah-isme/hd-request-api/internal/service"
	appErrors "github.com/noah-isme/hd-request-api/pkg/errors"
	"github.com/noah-isme/hd-request-api/pkg/response"
)

type auditService interface {
	GetAuditTrail(ctx context.Context, query dto.AuditQuery, actor service.Actor) ([]models.AuditLog, error)
}

// AuditHandler exposes the cross-request compliance trail.
type AuditHandler struct {
	service auditService
}

// NewAuditHandler constructs the handler.
func NewAuditHandler(service auditService) *AuditHandler {
	return &AuditHandler{service: service}
}

// List godoc
// @Summary Query the audit trail
// @Tags Audit
// @Produce json
// @Param actor query string false "Actor id"
// @Param entity query string false "Request id"
// @Param action query string false "Action"
// @Param from query string false "RFC3339 lower bound"
// @Param to query string false "RFC3339 upper bound"
// @Success 200 {object} response.Envelope
// @Router /audit [get]
func (h *AuditHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	query := dto.AuditQuery{
		ActorID:  strings.TrimSpace(c.Query("actor")),
		EntityID: strings.TrimSpace(c.Query("entity")),
		Action:   strings.TrimSpace(c.Query("action")),
		From:     strings.TrimSpace(c.Query("from")),
		To:       strings.TrimSpace(c.Query("to")),
		Limit:    intQuery(c, "limit"),
		Offset:   intQuery(c, "offset"),
	}
	logs, err := h.service.GetAuditTrail(c.Request.Context(), query, service.ActorFromClaims(claims))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, logs, nil)
}
