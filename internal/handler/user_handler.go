package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/thehive/identity-service/internal/middleware"
	"github.com/thehive/identity-service/internal/models"
	"github.com/thehive/identity-service/internal/service"
	appErrors "github.com/thehive/identity-service/pkg/errors"
	"github.com/thehive/identity-service/pkg/response"
)

// UserHandler serves self-service and administrative account endpoints.
type UserHandler struct {
	users *service.UserService
	auth  *service.AuthService
}

// NewUserHandler creates a new handler.
func NewUserHandler(users *service.UserService, auth *service.AuthService) *UserHandler {
	return &UserHandler{users: users, auth: auth}
}

// ChangePassword godoc
// @Summary Change own password
// @Description Verify the current password and store a new one; all sessions are revoked
// @Tags Users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body models.ChangePasswordRequest true "Password change payload"
// @Success 204 "No Content"
// @Failure 400 {object} errors.Error
// @Failure 403 {object} errors.Error
// @Router /auth/change-password [post]
func (h *UserHandler) ChangePassword(c *gin.Context) {
	principal := middleware.CurrentPrincipal(c)
	if principal == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req models.ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid change-password payload"))
		return
	}

	if err := h.auth.ChangePassword(c.Request.Context(), principal.UserID, &req); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

// DeactivateSelf godoc
// @Summary Deactivate own account
// @Description Mark the authenticated account inactive and revoke its sessions
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Success 204 "No Content"
// @Failure 401 {object} errors.Error
// @Failure 409 {object} errors.Error
// @Router /users/me [delete]
func (h *UserHandler) DeactivateSelf(c *gin.Context) {
	principal := middleware.CurrentPrincipal(c)
	if principal == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.users.Deactivate(c.Request.Context(), principal.UserID); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

// List godoc
// @Summary List users
// @Description Filtered, paginated user listing for administrators
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param role query string false "Filter by role name"
// @Param active query bool false "Filter by active flag"
// @Param search query string false "Match against email and full name"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Param sort_by query string false "Sort column"
// @Param sort_order query string false "asc or desc"
// @Success 200 {array} models.User
// @Failure 403 {object} errors.Error
// @Router /admin/users [get]
func (h *UserHandler) List(c *gin.Context) {
	filter := models.UserFilter{
		Role:      c.Query("role"),
		Search:    c.Query("search"),
		SortBy:    c.Query("sort_by"),
		SortOrder: c.Query("sort_order"),
	}
	if raw := c.Query("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "active must be a boolean"))
			return
		}
		filter.Active = &active
	}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))

	users, total, err := h.users.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, users, &models.Pagination{
		Page:       filter.Page,
		PageSize:   filter.PageSize,
		TotalCount: total,
	})
}

// Deactivate godoc
// @Summary Deactivate a user
// @Description Mark any account inactive and revoke its sessions
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param id path int true "User id"
// @Success 204 "No Content"
// @Failure 404 {object} errors.Error
// @Failure 409 {object} errors.Error
// @Router /admin/users/{id}/deactivate [post]
func (h *UserHandler) Deactivate(c *gin.Context) {
	userID, err := pathUserID(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	if err := h.users.Deactivate(c.Request.Context(), userID); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

// HardDelete godoc
// @Summary Permanently delete a user
// @Description Remove the account, its role assignments and all of its tokens
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param id path int true "User id"
// @Success 204 "No Content"
// @Failure 404 {object} errors.Error
// @Router /admin/users/{id} [delete]
func (h *UserHandler) HardDelete(c *gin.Context) {
	userID, err := pathUserID(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	if err := h.users.HardDelete(c.Request.Context(), userID); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

func pathUserID(c *gin.Context) (int64, error) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, appErrors.Clone(appErrors.ErrValidation, "user id must be numeric")
	}
	return userID, nil
}
