package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"example.com/backstage/services/sensor/internal/core"
	"github.com/gin-gonic/gin"
)

// APIHandlers holds all HTTP handlers
type APIHandlers struct {
	services *core.ServiceRegistry
}

// NewAPIHandlers creates a new handler instance
func NewAPIHandlers(services *core.ServiceRegistry) *APIHandlers {
	return &APIHandlers{services: services}
}

// HealthCheck returns service health status
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "sensor-measurement-api",
	})
}

// --- Device Management Endpoints ---

// RegisterDevice handles new device registration
func (h *APIHandlers) RegisterDevice(c *gin.Context) {
	var device core.Device
	if err := c.ShouldBindJSON(&device); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	if err := h.services.Devices.Register(c.Request.Context(), &device); err != nil {
		switch {
		case errors.Is(err, core.ErrDeviceAlreadyExists):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case core.IsValidation(err):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register device"})
		}
		return
	}

	c.JSON(http.StatusCreated, device)
}

// GetDevice retrieves device details
func (h *APIHandlers) GetDevice(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	device, err := h.services.Devices.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get device"})
		}
		return
	}

	c.JSON(http.StatusOK, device)
}

// ListDevices returns all registered devices
func (h *APIHandlers) ListDevices(c *gin.Context) {
	devices, err := h.services.Devices.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// UpdateDevice changes a device's mutable metadata
func (h *APIHandlers) UpdateDevice(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	var req struct {
		Name         string `json:"name"`
		Manufacturer string `json:"manufacturer"`
		Description  string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}

	device, err := h.services.Devices.UpdateMetadata(c.Request.Context(), id, req.Name, req.Manufacturer, req.Description)
	if err != nil {
		if errors.Is(err, core.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update device"})
		}
		return
	}

	c.JSON(http.StatusOK, device)
}

// RemoveDevice soft-deletes a device
func (h *APIHandlers) RemoveDevice(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	if err := h.services.Devices.Remove(c.Request.Context(), id); err != nil {
		if errors.Is(err, core.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove device"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "device removed"})
}

// PurgeDevice physically deletes a device and cascades to its measurements
func (h *APIHandlers) PurgeDevice(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	if err := h.services.Devices.Purge(c.Request.Context(), id); err != nil {
		if errors.Is(err, core.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to purge device"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "device purged"})
}

// --- Measurement Endpoints ---

// SubmitMeasurement ingests a reading authorized by the capability token
// resolved by the middleware.
func (h *APIHandlers) SubmitMeasurement(c *gin.Context) {
	attachmentVal, exists := c.Get("attachment")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no attachment in context"})
		return
	}
	attachment := attachmentVal.(*core.Attachment)

	var raw core.RawReading
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	measurement, envelope, err := h.services.Ingestion.SubmitForDevice(c.Request.Context(), attachment.DeviceID, raw)
	if err != nil {
		respondIngestError(c, err)
		return
	}

	if measurement == nil {
		// Queued mode acknowledges before storage.
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "reading": envelope})
		return
	}

	c.JSON(http.StatusCreated, measurement)
}

// SubmitDeviceMeasurement ingests a reading for an explicit device id. The
// caller is assumed pre-authorized by the upstream gateway.
func (h *APIHandlers) SubmitDeviceMeasurement(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	var raw core.RawReading
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	measurement, envelope, err := h.services.Ingestion.SubmitForDevice(c.Request.Context(), id, raw)
	if err != nil {
		respondIngestError(c, err)
		return
	}

	if measurement == nil {
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "reading": envelope})
		return
	}

	c.JSON(http.StatusCreated, measurement)
}

// GetDeviceMeasurements lists a device's readings, newest first
func (h *APIHandlers) GetDeviceMeasurements(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	measurements, err := h.services.Measurements.ForDevice(c.Request.Context(), id, limit, offset)
	if err != nil {
		if errors.Is(err, core.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list measurements"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"measurements": measurements,
		"count":        len(measurements),
	})
}

// --- Ownership Endpoints ---

// AttachDevice opens a new ownership interval for a device
func (h *APIHandlers) AttachDevice(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	var req struct {
		UserID uint `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}

	attachment, err := h.services.Ownership.Attach(c.Request.Context(), req.UserID, id)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrDeviceAlreadyAttached):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, core.ErrDeviceNotFound), errors.Is(err, core.ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to attach device"})
		}
		return
	}

	c.JSON(http.StatusCreated, attachment)
}

// DetachDevice closes an ownership interval
func (h *APIHandlers) DetachDevice(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	if err := h.services.Ownership.Detach(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, core.ErrAlreadyDetached):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, core.ErrAttachmentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to detach device"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "device detached"})
}

// GetDeviceAttachments returns a device's full ownership history
func (h *APIHandlers) GetDeviceAttachments(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	attachments, err := h.services.Ownership.DeviceHistory(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list attachments"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"attachments": attachments,
		"count":       len(attachments),
	})
}

// DetachAllForUser closes every active attachment a user holds. Called when
// the account service removes a user.
func (h *APIHandlers) DetachAllForUser(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	if err := h.services.Ownership.DetachAllForUser(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to detach user devices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "all devices detached"})
}

// --- Alert Endpoints ---

// GetUserAlerts lists a user's alerts, newest first
func (h *APIHandlers) GetUserAlerts(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	unreadOnly := c.Query("unread") == "true"
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	alerts, err := h.services.Alerts.ListForUser(c.Request.Context(), id, unreadOnly, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list alerts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// MarkAlertRead flips an alert's read flag
func (h *APIHandlers) MarkAlertRead(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	if err := h.services.Alerts.MarkRead(c.Request.Context(), id); err != nil {
		if errors.Is(err, core.ErrAlertNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark alert read"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "alert marked read"})
}

// --- helpers ---

func uintParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}

func respondIngestError(c *gin.Context, err error) {
	switch {
	case core.IsValidation(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrTokenInvalid):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrDeviceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case core.IsTransient(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unable to accept readings"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit measurement"})
	}
}
