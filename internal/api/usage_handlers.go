package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/orbisapp/quotad/internal/usage"
)

const defaultGrantDays = 30

type featureRequest struct {
	DeviceID string `json:"device_id"`
	Feature  string `json:"feature"`
	Email    string `json:"email"`
}

type verifyRequest struct {
	DeviceID      string `json:"device_id"`
	PurchaseToken string `json:"purchase_token"`
	ProductID     string `json:"product_id"`
}

type grantRequest struct {
	DeviceID string `json:"device_id"`
	Days     *int   `json:"days"`
}

// consumeResponse carries the decision and the usage it left behind.
type consumeResponse struct {
	*usage.Decision
	Usage *usage.Snapshot `json:"usage"`
}

func HandleUsageGET(tracker *usage.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceID := c.Param("device_id")
		if deviceID == "" {
			badRequest(c, "device_id is required")
			return
		}

		snap, err := tracker.GetUsage(c.Request.Context(), deviceID, c.Query("email"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

func HandleUsageCheckPOST(tracker *usage.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req featureRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
		if req.DeviceID == "" {
			badRequest(c, "device_id is required")
			return
		}

		decision, err := tracker.CanUseFeature(c.Request.Context(), req.DeviceID, req.Feature, req.Email)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, decision)
	}
}

func HandleUsageRecordPOST(tracker *usage.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req featureRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
		if req.DeviceID == "" {
			badRequest(c, "device_id is required")
			return
		}

		snap, err := tracker.RecordUsage(c.Request.Context(), req.DeviceID, req.Feature, req.Email)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

func HandleUsageConsumePOST(tracker *usage.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req featureRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
		if req.DeviceID == "" {
			badRequest(c, "device_id is required")
			return
		}

		decision, snap, err := tracker.Consume(c.Request.Context(), req.DeviceID, req.Feature, req.Email)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, consumeResponse{Decision: decision, Usage: snap})
	}
}

func HandlePurchaseVerifyPOST(tracker *usage.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req verifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
		if req.DeviceID == "" {
			badRequest(c, "device_id is required")
			return
		}

		receipt, err := tracker.VerifyPurchase(c.Request.Context(), req.DeviceID, req.PurchaseToken, req.ProductID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, receipt)
	}
}

// HandlePremiumGrantPOST grants premium manually; days defaults to 30.
func HandlePremiumGrantPOST(tracker *usage.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req grantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
		if req.DeviceID == "" {
			badRequest(c, "device_id is required")
			return
		}
		days := defaultGrantDays
		if req.Days != nil {
			days = *req.Days
		}

		receipt, err := tracker.GrantPremium(c.Request.Context(), req.DeviceID, days)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, receipt)
	}
}
