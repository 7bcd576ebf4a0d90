package handlers

import (
	"net/http"
	"strconv"
	"time"

	"toll-backend/internal/models"
	"toll-backend/internal/repository"
	"toll-backend/internal/services"
	"toll-backend/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// TollHandler exposes toll quoting, payment, vehicle registration and the
// plaza admin surface
type TollHandler struct {
	wallets  *services.WalletService
	rates    *services.RateService
	vehicles repository.VehicleRepository
	txs      repository.TransactionRepository
	plazas   repository.PlazaRepository
	push     *services.PushService
	logger   *logrus.Logger
}

// NewTollHandler creates the toll handler. push may be nil.
func NewTollHandler(
	wallets *services.WalletService,
	rates *services.RateService,
	vehicles repository.VehicleRepository,
	txs repository.TransactionRepository,
	plazas repository.PlazaRepository,
	push *services.PushService,
	logger *logrus.Logger,
) *TollHandler {
	return &TollHandler{
		wallets:  wallets,
		rates:    rates,
		vehicles: vehicles,
		txs:      txs,
		plazas:   plazas,
		push:     push,
		logger:   logger,
	}
}

// Quote GET /api/toll/quote?plaza_id=&category=&timestamp=&discount_code=
// Quoting is side-effect-free: discount usage counters are never consumed
// here.
func (h *TollHandler) Quote(c *gin.Context) {
	plazaID := c.Query("plaza_id")
	category := c.Query("category")
	if plazaID == "" || category == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "plaza_id and category are required"})
		return
	}

	ts := time.Now()
	if raw := c.Query("timestamp"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "timestamp must be RFC3339"})
			return
		}
		ts = parsed
	}

	quote, err := h.rates.QuoteToll(c.Request.Context(), plazaID, category, ts, c.Query("discount_code"))
	if err != nil {
		c.JSON(statusForError(err), gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": quote})
}

// PayTollRequest request body for toll settlement. The amount is computed
// server-side by the rate engine; any client-supplied amount is ignored.
// Proof and Signature are hex. Nonce has no required binding: 0 is a valid
// first nonce.
type PayTollRequest struct {
	UserAddress  string   `json:"user_address" binding:"required"`
	VehicleID    string   `json:"vehicle_id" binding:"required"`
	PlazaID      string   `json:"plaza_id" binding:"required"`
	DiscountCode string   `json:"discount_code"`
	Proof        string   `json:"proof" binding:"required"`
	PublicInputs []string `json:"public_inputs" binding:"required"`
	Nonce        uint64   `json:"nonce"`
	Signature    string   `json:"signature" binding:"required"`
}

// Pay POST /api/toll/pay
func (h *TollHandler) Pay(c *gin.Context) {
	var req PayTollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	proof, err := decodeSignature(req.Proof)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "proof is not valid hex"})
		return
	}
	signature, err := decodeSignature(req.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	result, err := h.wallets.PayToll(c.Request.Context(), services.PayTollRequest{
		UserAddress:  req.UserAddress,
		VehicleID:    req.VehicleID,
		PlazaID:      req.PlazaID,
		DiscountCode: req.DiscountCode,
		Proof:        proof,
		PublicInputs: req.PublicInputs,
		Nonce:        req.Nonce,
		Signature:    signature,
	})
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"vehicle_id": req.VehicleID,
			"plaza_id":   req.PlazaID,
			"error":      err.Error(),
		}).Warn("Toll payment failed")
		c.JSON(statusForError(err), gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

// RegisterVehicleRequest request body for direct vehicle registration
type RegisterVehicleRequest struct {
	VehicleID    string `json:"vehicle_id" binding:"required"`
	OwnerAddress string `json:"owner_address" binding:"required"`
	Category     string `json:"category"`
}

// RegisterVehicle POST /api/vehicle/register
// Registration also arrives via ledger events; both paths converge on the
// same upsert.
func (h *TollHandler) RegisterVehicle(c *gin.Context) {
	var req RegisterVehicleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if !utils.IsEvmAddress(req.OwnerAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "owner_address is malformed"})
		return
	}

	category := req.Category
	if category == "" {
		category = string(models.VehicleCategoryCar)
	}

	vehicle := &models.Vehicle{
		VehicleID:    req.VehicleID,
		OwnerAddress: utils.NormalizeAddress(req.OwnerAddress),
		Category:     category,
		Active:       true,
	}
	if err := h.vehicles.Upsert(c.Request.Context(), vehicle); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": vehicle})
}

// GetVehicle GET /api/vehicle/:id
func (h *TollHandler) GetVehicle(c *gin.Context) {
	vehicle, err := h.vehicles.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if repository.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "vehicle not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": vehicle})
}

// VehicleTransactions GET /api/vehicle/:id/transactions?page=&limit=
func (h *TollHandler) VehicleTransactions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	txs, total, err := h.txs.FindByVehicle(c.Request.Context(), c.Param("id"), page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    txs,
		"total":   total,
		"page":    page,
		"limit":   limit,
	})
}

// OwnerVehicles GET /api/owner/:address/vehicles
func (h *TollHandler) OwnerVehicles(c *gin.Context) {
	owner := c.Param("address")
	if !utils.IsEvmAddress(owner) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "address is malformed"})
		return
	}

	vehicles, err := h.vehicles.FindByOwner(c.Request.Context(), utils.NormalizeAddress(owner))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": vehicles})
}

// DeactivateVehicle POST /api/admin/vehicle/:id/deactivate
// Soft-deactivation only; the mirror never hard-deletes vehicles.
func (h *TollHandler) DeactivateVehicle(c *gin.Context) {
	vehicleID := c.Param("id")
	if err := h.vehicles.Deactivate(c.Request.Context(), vehicleID); err != nil {
		if repository.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "vehicle not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	h.logger.WithField("vehicle_id", vehicleID).Info("Vehicle deactivated")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// SavePlaza POST /api/admin/plaza
// Upserts a plaza rate table. Multipliers outside the sane range are rejected
// here so the rate engine's clamp stays a backstop, not the norm.
func (h *TollHandler) SavePlaza(c *gin.Context) {
	var plaza models.TollPlaza
	if err := c.ShouldBindJSON(&plaza); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if plaza.PlazaID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "plaza_id is required"})
		return
	}
	for _, m := range []float64{plaza.PeakMultiplier, plaza.OffPeakMultiplier} {
		if m < 0.5 || m > 3.0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "multipliers must be within [0.5, 3.0]"})
			return
		}
	}

	if err := h.plazas.Save(c.Request.Context(), &plaza); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	h.logger.WithField("plaza_id", plaza.PlazaID).Info("Plaza rate table saved")
	c.JSON(http.StatusOK, gin.H{"success": true, "data": plaza})
}

// GetDiscount GET /api/admin/plaza/:id/discount/:code
// Admin inspection of a code's usage counters.
func (h *TollHandler) GetDiscount(c *gin.Context) {
	discount, err := h.plazas.GetDiscountCode(c.Request.Context(), c.Param("id"), c.Param("code"))
	if err != nil {
		if repository.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "discount code not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": discount})
}

// HardwareScanRequest request body from plaza scanner units
type HardwareScanRequest struct {
	VehicleID string `json:"vehicle_id" binding:"required"`
	PlazaID   string `json:"plaza_id"`
}

// HardwareScan POST /api/hardware/scan
// Plaza scanners post every read here to learn whether the vehicle is
// registered and eligible. Scans are broadcast over the push hub so
// operator dashboards see them live.
func (h *TollHandler) HardwareScan(c *gin.Context) {
	var req HardwareScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	response := gin.H{
		"vehicle_id": req.VehicleID,
		"registered": false,
	}
	vehicle, err := h.vehicles.GetByID(c.Request.Context(), req.VehicleID)
	if err != nil && !repository.IsNotFound(err) {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err == nil {
		response["registered"] = true
		response["active"] = vehicle.Active
		response["blacklisted"] = vehicle.Blacklisted
		response["category"] = vehicle.Category
	}

	if h.push != nil {
		h.push.Broadcast("vehicle_scanned", gin.H{
			"vehicle_id": req.VehicleID,
			"plaza_id":   req.PlazaID,
			"registered": response["registered"],
		})
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": response})
}
