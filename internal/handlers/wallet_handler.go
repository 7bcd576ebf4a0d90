package handlers

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"toll-backend/internal/clients"
	"toll-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WalletHandler exposes wallet provisioning and signature-authorized wallet
// operations
type WalletHandler struct {
	wallets *services.WalletService
	logger  *logrus.Logger
}

// NewWalletHandler creates the wallet handler
func NewWalletHandler(wallets *services.WalletService, logger *logrus.Logger) *WalletHandler {
	return &WalletHandler{wallets: wallets, logger: logger}
}

// EnsureWalletRequest request body for wallet provisioning
type EnsureWalletRequest struct {
	UserAddress string `json:"user_address" binding:"required"`
}

// WalletOpRequest request body for top-up and withdraw. Signature is hex,
// 65 bytes. Nonce has no required binding: 0 is a valid first nonce, and
// replay is the ledger's call.
type WalletOpRequest struct {
	UserAddress string `json:"user_address" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Nonce       uint64 `json:"nonce"`
	Signature   string `json:"signature" binding:"required"`
}

func decodeSignature(sig string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return nil, errors.New("signature is not valid hex")
	}
	return raw, nil
}

// EnsureWallet POST /api/wallet/ensure
func (h *WalletHandler) EnsureWallet(c *gin.Context) {
	var req EnsureWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	result, err := h.wallets.EnsureWallet(c.Request.Context(), req.UserAddress)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"user_address": req.UserAddress,
			"error":        err.Error(),
		}).Error("Wallet provisioning failed")
		c.JSON(statusForError(err), gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

func (h *WalletHandler) runOp(c *gin.Context, name string,
	op func(clients.WalletOperation) (*services.WalletOperationResult, error)) {

	var req WalletOpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	signature, err := decodeSignature(req.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	result, err := op(clients.WalletOperation{
		UserAddress: req.UserAddress,
		Amount:      req.Amount,
		Nonce:       req.Nonce,
		Signature:   signature,
	})
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"operation":    name,
			"user_address": req.UserAddress,
			"error":        err.Error(),
		}).Warn("Wallet operation failed")
		c.JSON(statusForError(err), gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

// TopUp POST /api/wallet/topup
func (h *WalletHandler) TopUp(c *gin.Context) {
	h.runOp(c, "topup", func(op clients.WalletOperation) (*services.WalletOperationResult, error) {
		return h.wallets.TopUp(c.Request.Context(), op)
	})
}

// Withdraw POST /api/wallet/withdraw
func (h *WalletHandler) Withdraw(c *gin.Context) {
	h.runOp(c, "withdraw", func(op clients.WalletOperation) (*services.WalletOperationResult, error) {
		return h.wallets.Withdraw(c.Request.Context(), op)
	})
}

// Stats GET /api/wallet/:address/stats
func (h *WalletHandler) Stats(c *gin.Context) {
	stats, err := h.wallets.WalletStats(c.Request.Context(), c.Param("address"))
	if err != nil {
		c.JSON(statusForError(err), gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": stats})
}

// statusForError maps the core's error taxonomy onto HTTP statuses
func statusForError(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidProofFormat),
		errors.Is(err, services.ErrUnsupportedVehicleCategory):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrSignatureOrReplay),
		errors.Is(err, services.ErrProofVerificationFailed):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrWalletNotFound),
		errors.Is(err, services.ErrVehicleNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrVehicleNotEligible):
		return http.StatusForbidden
	case errors.Is(err, services.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
