package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thehive/identity-service/internal/service"
	appErrors "github.com/thehive/identity-service/pkg/errors"
	"github.com/thehive/identity-service/pkg/response"
)

// InternalHandler serves the service-to-service user API. Routes using it are
// guarded by the S2S signature middleware, never by user JWTs.
type InternalHandler struct {
	users *service.UserService
}

// NewInternalHandler creates a new handler.
func NewInternalHandler(users *service.UserService) *InternalHandler {
	return &InternalHandler{users: users}
}

// GetUserSummary godoc
// @Summary User summary for internal callers
// @Description Compact user projection served to sibling services
// @Tags Internal
// @Produce json
// @Param id path int true "User id"
// @Success 200 {object} models.UserSummary
// @Failure 403 {object} errors.Error
// @Failure 404 {object} errors.Error
// @Router /internal/users/{id} [get]
func (h *InternalHandler) GetUserSummary(c *gin.Context) {
	userID, err := pathUserID(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	summary, err := h.users.GetSummary(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, summary, nil)
}

// ResolveUserSummaries godoc
// @Summary Batch user summary resolution
// @Description Resolve a batch of user ids; any missing id fails the whole batch
// @Tags Internal
// @Accept json
// @Produce json
// @Param payload body handler.resolveRequest true "User ids"
// @Success 200 {array} models.UserSummary
// @Failure 403 {object} errors.Error
// @Failure 404 {object} errors.Error
// @Router /internal/users/resolve [post]
func (h *InternalHandler) ResolveUserSummaries(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid resolve payload"))
		return
	}

	summaries, err := h.users.ResolveSummaries(c.Request.Context(), req.UserIDs)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, summaries, nil)
}

type resolveRequest struct {
	UserIDs []int64 `json:"user_ids" binding:"required,min=1,max=100"`
}
