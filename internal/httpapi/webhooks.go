package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/storyledger/internal/providers"
)

const (
	webhookStatusAccepted  = "accepted"
	webhookStatusDuplicate = "duplicate"
	webhookStatusIgnored   = "ignored"
	webhookStatusProcessed = "processed"
)

// handleWebhook verifies, records and schedules one provider notification.
// Deliveries with a bad signature are recorded before the 401 so they stay auditable.
func (handler *handler) handleWebhook(ctx *gin.Context) {
	adapter, err := handler.deps.Providers.Lookup(ctx.Param("provider"))
	if err != nil {
		handler.respondError(ctx, "webhook", err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusRequestEntityTooLarge, errorResponse(codeInvalidRequest, "webhook body too large or unreadable"))
		return
	}
	notification, err := adapter.Parse(ctx.Request.Header, body)
	if errors.Is(err, providers.ErrIgnoredEvent) {
		ctx.JSON(http.StatusOK, gin.H{"status": webhookStatusIgnored})
		return
	}
	if err != nil {
		handler.respondError(ctx, "webhook parse", err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	receipt, err := handler.deps.Gate.Acknowledge(requestCtx, notification)
	if err != nil {
		handler.respondError(ctx, "webhook acknowledge", err)
		return
	}
	if !receipt.SignatureVerified {
		ctx.JSON(http.StatusUnauthorized, errorResponse(codeInvalidSignature, "signature verification failed"))
		return
	}
	if receipt.Duplicate {
		ctx.JSON(http.StatusOK, gin.H{"status": webhookStatusDuplicate, "event_id": receipt.EventID})
		return
	}

	if handler.deps.Dispatcher == nil {
		result, err := handler.deps.Gate.Process(requestCtx, receipt.EventID)
		if err != nil {
			// The event is stored; maintenance or an operator replay finishes it.
			handler.deps.Logger.Warn("webhook processing failed",
				zap.String("event_id", receipt.EventID),
				zap.String("provider", notification.Provider.String()),
				zap.Error(err),
			)
			ctx.JSON(http.StatusOK, gin.H{"status": webhookStatusAccepted, "event_id": receipt.EventID})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"status": webhookStatusProcessed, "event_id": receipt.EventID, "outcome": result.Outcome})
		return
	}
	if err := handler.deps.Dispatcher.Dispatch(requestCtx, receipt.EventID); err != nil {
		handler.deps.Logger.Warn("webhook dispatch failed", zap.String("event_id", receipt.EventID), zap.Error(err))
	}
	ctx.JSON(http.StatusOK, gin.H{"status": webhookStatusAccepted, "event_id": receipt.EventID})
}
