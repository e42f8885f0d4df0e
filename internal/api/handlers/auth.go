package handlers

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ystv/sports-scores/internal/crypto"
)

// AuthHandler mints access tokens for operators who hold the master secret.
// Scoreboard deployments are small; there is no account system, just one
// shared secret and short-lived bearer tokens derived from it.
type AuthHandler struct {
	jwtManager   *crypto.JWTManager
	masterSecret string
}

func NewAuthHandler(jwtManager *crypto.JWTManager, masterSecret string) *AuthHandler {
	return &AuthHandler{jwtManager: jwtManager, masterSecret: masterSecret}
}

type TokenRequest struct {
	Secret string `json:"secret" binding:"required"`
	// User names the operator for log attribution; it carries no privileges.
	User string `json:"user" binding:"required"`
}

// CreateToken handles POST /v1/auth/token
func (h *AuthHandler) CreateToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(h.masterSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret"})
		return
	}

	token, err := h.jwtManager.CreateToken(req.User)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}
