package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/corvidlabs/graphrag-backend/internal/platform/apierr"
)

// Every response carries status success|partial|error. Non-success responses
// also carry a human-readable reason.

func respondSuccess(c *gin.Context, payload gin.H) {
	body := gin.H{"status": "success"}
	for k, v := range payload {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

func respondPartial(c *gin.Context, reason string, payload gin.H) {
	body := gin.H{"status": "partial", "reason": reason}
	for k, v := range payload {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

func respondError(c *gin.Context, err error) {
	kind := apierr.KindOf(err)
	c.JSON(apierr.HTTPStatus(kind), gin.H{
		"status": "error",
		"kind":   string(kind),
		"reason": err.Error(),
	})
}

func respondInvalid(c *gin.Context, reason string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"status": "error",
		"kind":   string(apierr.KindInvalidInput),
		"reason": reason,
	})
}
