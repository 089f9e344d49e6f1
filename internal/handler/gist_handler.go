package handler

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gistbin/gistbin/internal/dto"
	"github.com/gistbin/gistbin/internal/service"
	"github.com/gistbin/gistbin/pkg/apperror"
	"github.com/gistbin/gistbin/pkg/response"
	"github.com/gistbin/gistbin/pkg/validator"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type GistHandler struct {
	service     service.GistService
	redisClient *redis.Client
	rateLimit   time.Duration
}

func NewGistHandler(svc service.GistService, redisClient *redis.Client, rateLimit time.Duration) *GistHandler {
	return &GistHandler{service: svc, redisClient: redisClient, rateLimit: rateLimit}
}

func (h *GistHandler) CreateGist(c *gin.Context) {
	userID, err := response.GetUserID(c)
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	allowed, err := service.CheckAndSetRateLimit(c.Request.Context(), h.redisClient, userID, "gist", h.rateLimit)
	if err != nil {
		log.Printf("Rate limit check failed for user %s: %v", userID, err)
	} else if !allowed {
		response.ResponseError(c, apperror.ErrRateLimitExceeded)
		return
	}

	var req dto.CreateGistRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": validator.FormatValidationError(err)})
		return
	}

	// The attachment part is optional; its absence is not an error.
	file, _ := c.FormFile("files")

	resp, err := h.service.Create(c.Request.Context(), userID, req, file)
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *GistHandler) UpdateGist(c *gin.Context) {
	userID, err := response.GetUserID(c)
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	gistID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ResponseError(c, apperror.ErrNotFound)
		return
	}

	var req dto.UpdateGistRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": validator.FormatValidationError(err)})
		return
	}

	file, _ := c.FormFile("files")

	resp, err := h.service.Update(c.Request.Context(), userID, gistID, req, file)
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *GistHandler) DeleteGist(c *gin.Context) {
	userID, err := response.GetUserID(c)
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	if err := h.service.Delete(c.Request.Context(), userID, c.Param("id")); err != nil {
		response.ResponseError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "gist deleted successfully"})
}

func (h *GistHandler) GetGist(c *gin.Context) {
	viewerID, viewerKey := viewerIdentity(c)

	resp, err := h.service.Get(c.Request.Context(), c.Param("id"), viewerID, viewerKey)
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *GistHandler) GetRawGist(c *gin.Context) {
	fileName, code, err := h.service.GetRaw(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", fileName))
	c.String(http.StatusOK, "%s", code)
}

// GetNamedRawGist serves the raw code only when the requested filename
// matches the gist's, so copied links stay honest.
func (h *GistHandler) GetNamedRawGist(c *gin.Context) {
	fileName, code, err := h.service.GetRaw(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	if fileName != c.Param("filename") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filename"})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", fileName))
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Content-Type-Options", "nosniff")
	c.String(http.StatusOK, "%s", code)
}

func (h *GistHandler) GetPublicGists(c *gin.Context) {
	var filter dto.GistFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": validator.FormatValidationError(err)})
		return
	}

	gists, err := h.service.ListPublic(c.Request.Context(), filter.Limit)
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	c.JSON(http.StatusOK, gists)
}

func (h *GistHandler) GetDemoGists(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.ListDemo())
}

func (h *GistHandler) SearchGists(c *gin.Context) {
	var filter dto.GistFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": validator.FormatValidationError(err)})
		return
	}
	if filter.Query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter q is required"})
		return
	}

	gists, err := h.service.Search(c.Request.Context(), filter.Query, filter.Limit)
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	c.JSON(http.StatusOK, gists)
}

func (h *GistHandler) GetUserGists(c *gin.Context) {
	targetID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		response.ResponseError(c, apperror.ErrNotFound)
		return
	}

	viewerID, _ := viewerIdentity(c)

	gists, err := h.service.ListByUser(c.Request.Context(), targetID, viewerID)
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	c.JSON(http.StatusOK, gists)
}

// viewerIdentity resolves who is reading: the authenticated user when a
// token was presented, otherwise an anonymous key derived from the client
// address for view dedupe.
func viewerIdentity(c *gin.Context) (uuid.UUID, string) {
	if viewerID, err := response.GetUserID(c); err == nil {
		return viewerID, viewerID.String()
	}
	return uuid.Nil, "anon:" + c.ClientIP()
}
