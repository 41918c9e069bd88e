package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kyreport/kyreport/internal/domain"
	"github.com/kyreport/kyreport/internal/workflow"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body
const SignatureHeader = "X-VQ-Signature"

// maxWebhookBody caps how much of a callback body gets read
const maxWebhookBody = 1 << 20

// HandleWebhook handles POST /api/v1/webhooks/vq?tenant_id=...&job_id=...
// The generation API pushes the finished result here instead of being
// polled. The signature is verified over the raw body with the tenant's
// webhook secret before the job is looked at; a mismatch leaves the job
// untouched.
func (h *ReportHandler) HandleWebhook(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	jobID := c.Query("job_id")

	if tenantID == "" || jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "tenant_id and job_id are required",
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("Failed to read webhook body", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read request body",
		})
		return
	}

	creds, err := h.credentials.Resolve(c.Request.Context(), tenantID)
	if err != nil {
		// An unknown tenant gets the same response as a bad signature so
		// the endpoint does not reveal which tenants exist.
		h.logger.Warn("Webhook credential lookup failed",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "Invalid signature",
		})
		return
	}

	if err := workflow.VerifySignature(creds.WebhookSecret, body, c.GetHeader(SignatureHeader)); err != nil {
		h.logger.Warn("Webhook signature mismatch",
			slog.String("tenant_id", tenantID),
			slog.String("job_id", jobID),
		)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "Invalid signature",
		})
		return
	}

	var cb workflow.Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		h.logger.Error("Malformed webhook payload", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Malformed payload",
		})
		return
	}

	if err := h.callbacks.HandleCallback(c.Request.Context(), jobID, tenantID, &cb); err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Unknown job",
			})
		case errors.Is(err, domain.ErrForbidden):
			// Signed by one tenant, addressed at another's job
			c.JSON(http.StatusForbidden, gin.H{
				"error": "Forbidden",
			})
		default:
			// Includes "not dispatched yet": a 5xx makes the sender retry
			// the callback later.
			h.logger.Error("Webhook processing failed",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to process callback",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
