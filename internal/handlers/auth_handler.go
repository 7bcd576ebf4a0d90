package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"toll-backend/internal/config"
	"toll-backend/internal/repository"
	"toll-backend/internal/utils"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// AuthHandler issues session tokens for wallet-signature logins
type AuthHandler struct {
	users  repository.UserRepository
	logger *logrus.Logger
}

func NewAuthHandler(users repository.UserRepository, logger *logrus.Logger) *AuthHandler {
	return &AuthHandler{users: users, logger: logger}
}

// LoginRequest carries the signed login message. The signature is a 65-byte
// personal-sign signature over Message by the wallet's key.
type LoginRequest struct {
	WalletAddress string `json:"wallet_address" binding:"required"`
	Message       string `json:"message" binding:"required"`
	Signature     string `json:"signature" binding:"required"`
}

// Nonce returns a fresh login message for the client to sign
// GET /api/auth/nonce
func (h *AuthHandler) Nonce(c *gin.Context) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to generate nonce",
		})
		return
	}

	nonceStr := hex.EncodeToString(nonce)
	timestamp := time.Now().Unix()
	message := fmt.Sprintf("Toll Backend Authentication\nNonce: %s\nTimestamp: %d", nonceStr, timestamp)

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"nonce":     nonceStr,
		"message":   message,
		"timestamp": timestamp,
	})
}

// Login verifies the wallet signature and issues a bearer token. The issued
// token is recorded on the user so only the most recent sessions stay valid
// for audit purposes.
// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	if !utils.IsEvmAddress(req.WalletAddress) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "wallet_address must be a 20-byte EVM address",
		})
		return
	}
	address := utils.NormalizeAddress(req.WalletAddress)

	if !verifyLoginSignature(address, req.Message, req.Signature) {
		h.logger.WithFields(logrus.Fields{
			"wallet": address,
		}).Warn("Login failed - signature does not recover to wallet")

		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "Signature verification failed",
		})
		return
	}

	token, err := issueSessionToken(address)
	if err != nil {
		h.logger.WithError(err).Error("Failed to sign session token")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to issue token",
		})
		return
	}

	// first login creates the user row; token recording needs it to exist
	if err := h.users.EnsureExists(c.Request.Context(), address); err != nil {
		h.logger.WithError(err).WithField("wallet", address).Warn("Failed to ensure user record")
	}
	if err := h.users.AppendSessionToken(c.Request.Context(), address, token); err != nil {
		h.logger.WithError(err).WithField("wallet", address).Warn("Failed to record session token")
	}

	h.logger.WithField("wallet", address).Info("Login successful")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"token":   token,
	})
}

// verifyLoginSignature recovers the signer of the personal-sign envelope and
// compares it to the claimed wallet
func verifyLoginSignature(address, message, signature string) bool {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != 65 {
		return false
	}
	// personal_sign recovery ids come back as 27/28
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	envelope := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	digest := crypto.Keccak256([]byte(envelope))

	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return false
	}
	recovered := strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex())
	return recovered == address
}

func issueSessionToken(address string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"wallet_address": address,
		"iat":            now.Unix(),
		"exp":            now.Add(24 * time.Hour).Unix(),
		"iss":            "toll-backend",
		"sub":            address,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.AppConfig.JWT.Secret))
}
