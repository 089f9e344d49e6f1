package response

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gistbin/gistbin/pkg/apperror"
	"github.com/google/uuid"
)

// GetUserID retrieves the authenticated user ID from the context
func GetUserID(c *gin.Context) (uuid.UUID, error) {
	userIDStr, exists := c.Get("user_id")
	if !exists {
		return uuid.Nil, apperror.ErrUnauthorized
	}

	userID, err := uuid.Parse(userIDStr.(string))
	if err != nil {
		return uuid.Nil, apperror.ErrUnauthorized
	}

	return userID, nil
}

// ResponseError standardized error response
func ResponseError(c *gin.Context, err error) {
	code := apperror.MapErrorToStatus(err)

	// Log internal errors
	if code == http.StatusInternalServerError {
		log.Printf("[Internal Error]: %v", err)
	}

	c.JSON(code, gin.H{"error": err.Error()})
}

// UploadError is the error shape of the upload endpoints: a tagged result
// consumed uniformly by every upload client regardless of strategy.
func UploadError(c *gin.Context, err error, details string) {
	code := apperror.MapErrorToStatus(err)

	if code == http.StatusInternalServerError {
		log.Printf("[Upload Error]: %v (%s)", err, details)
	}

	body := gin.H{"success": false, "error": err.Error()}
	if details != "" {
		body["details"] = details
	}
	c.JSON(code, body)
}
