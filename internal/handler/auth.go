package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tiflis-relay-lite/internal/auth"
)

// AuthHandler exchanges the workstation auth key for a bearer token used
// by the REST plane. The key itself never appears in logs or responses.
type AuthHandler struct {
	AuthKey     string
	TokenConfig auth.TokenConfig
}

type tokenRequestBody struct {
	AuthKey  string `json:"authKey"`
	DeviceID string `json:"deviceId"`
}

func (h *AuthHandler) Token(c *gin.Context) {
	var body tokenRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.DeviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing deviceId"})
		return
	}
	if !auth.VerifyAuthKey(h.AuthKey, body.AuthKey) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid auth key"})
		return
	}

	token, err := h.TokenConfig.Issue(body.DeviceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "token": token})
}
