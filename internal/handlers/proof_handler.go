package handlers

import (
	"encoding/hex"
	"net/http"
	"strings"

	"toll-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ProofHandler exposes standalone proof verification
type ProofHandler struct {
	verifier *services.ProofVerifier
	logger   *logrus.Logger
}

// NewProofHandler creates the proof handler
func NewProofHandler(verifier *services.ProofVerifier, logger *logrus.Logger) *ProofHandler {
	return &ProofHandler{verifier: verifier, logger: logger}
}

// VerifyProofRequest request body for POST /api/proof/verify
type VerifyProofRequest struct {
	Proof         string   `json:"proof" binding:"required"` // hex
	PublicInputs  []string `json:"public_inputs" binding:"required"`
	WalletAddress string   `json:"wallet_address" binding:"required"`
}

// Verify POST /api/proof/verify
func (h *ProofHandler) Verify(c *gin.Context) {
	var req VerifyProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	proof, err := hex.DecodeString(strings.TrimPrefix(req.Proof, "0x"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "proof is not valid hex"})
		return
	}

	result, err := h.verifier.VerifyProof(c.Request.Context(), proof, req.PublicInputs, req.WalletAddress)
	if err != nil {
		h.logger.WithField("error", err.Error()).Warn("Proof verification rejected")
		c.JSON(statusForError(err), gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}
