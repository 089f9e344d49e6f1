package handler

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gistbin/gistbin/internal/dto"
	"github.com/gistbin/gistbin/internal/service"
	"github.com/gistbin/gistbin/pkg/apperror"
	"github.com/gistbin/gistbin/pkg/response"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

type UploadHandler struct {
	service     service.UploadService
	redisClient *redis.Client
	timeout     time.Duration
	rateLimit   time.Duration
	upgrader    websocket.Upgrader
}

func NewUploadHandler(svc service.UploadService, redisClient *redis.Client, timeout, rateLimit time.Duration) *UploadHandler {
	return &UploadHandler{
		service:     svc,
		redisClient: redisClient,
		timeout:     timeout,
		rateLimit:   rateLimit,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// GetConfig returns the public blob store configuration for unsigned
// browser uploads.
func (h *UploadHandler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.ClientConfig())
}

// Sign issues a short-lived signed credential for the direct strategy.
func (h *UploadHandler) Sign(c *gin.Context) {
	if _, err := response.GetUserID(c); err != nil {
		response.ResponseError(c, err)
		return
	}

	resp, err := h.service.Sign()
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// UploadChunked accepts a streamed multipart body with exactly one file
// and forwards it to the blob store. The request runs under an extended
// but bounded deadline so stalled clients cannot pin resources forever.
func (h *UploadHandler) UploadChunked(c *gin.Context) {
	userID, err := response.GetUserID(c)
	if err != nil {
		response.UploadError(c, apperror.ErrUnauthorized, "sign in to upload files")
		return
	}

	allowed, err := service.CheckAndSetRateLimit(c.Request.Context(), h.redisClient, userID, "upload", h.rateLimit)
	if err != nil {
		log.Printf("Rate limit check failed for user %s: %v", userID, err)
	} else if !allowed {
		response.UploadError(c, apperror.ErrRateLimitExceeded, "try again shortly")
		return
	}

	ctx := c.Request.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	file, err := h.service.HandleChunked(ctx, c.Query("uploadId"), c.Request.Body, c.GetHeader("Content-Type"))
	if err != nil {
		// A failed upload should not consume the user's window.
		if cerr := service.ClearRateLimit(c.Request.Context(), h.redisClient, userID, "upload"); cerr != nil {
			log.Printf("Failed to clear rate limit for user %s: %v", userID, cerr)
		}
		response.UploadError(c, err, "")
		return
	}

	c.JSON(http.StatusOK, dto.UploadResponse{Success: true, File: *file})
}

// Progress streams session progress events over a websocket until the
// session reaches a terminal state.
func (h *UploadHandler) Progress(c *gin.Context) {
	sess, ok := h.service.Sessions().Get(c.Param("id"))
	if !ok {
		response.ResponseError(c, apperror.ErrNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade progress websocket: %v", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	write := func(p dto.ProgressEvent) bool {
		if err := conn.WriteJSON(p); err != nil {
			return false
		}
		return true
	}

	snap := sess.Snapshot()
	if !write(dto.ProgressEvent{UploadID: sess.ID, Status: string(snap.Status), Percent: snap.Percent}) {
		return
	}

	for p := range events {
		if !write(dto.ProgressEvent{UploadID: sess.ID, Status: string(p.Status), Percent: p.Percent}) {
			return
		}
	}
}
