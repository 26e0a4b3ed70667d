package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/storyledger/pkg/payments"
)

const (
	codeInsufficientBalance = "insufficient_balance"
	codeInvalidRequest      = "invalid_request"
	codeInvalidSignature    = "invalid_signature"
	codeUnsupportedProvider = "unsupported_provider"
	codeNotFound            = "not_found"
	codeConflict            = "conflict"
	codeUnauthorized        = "unauthorized"
	codeForbidden           = "forbidden"
	codeInternal            = "internal_error"
)

var invalidRequestErrors = []error{
	ledger.ErrInvalidUserID,
	ledger.ErrInvalidCredits,
	ledger.ErrInvalidGrantSource,
	ledger.ErrInvalidExpiry,
	ledger.ErrInvalidMetadataJSON,
	ledger.ErrInvalidTargetBalance,
	ledger.ErrInvalidListLimit,
	ledger.ErrInvalidSourceID,
	payments.ErrInvalidNotification,
	payments.ErrUnknownStatus,
	payments.ErrInvalidPaymentIntent,
	payments.ErrUnknownProduct,
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}

// respondError maps domain errors onto HTTP statuses. Only unmapped errors are logged.
func (handler *handler) respondError(ctx *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		ctx.JSON(http.StatusConflict, errorResponse(codeInsufficientBalance, err.Error()))
	case errors.Is(err, payments.ErrUnsupportedProvider):
		ctx.JSON(http.StatusNotFound, errorResponse(codeUnsupportedProvider, err.Error()))
	case errors.Is(err, payments.ErrUnknownPayment), errors.Is(err, payments.ErrEventNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse(codeNotFound, err.Error()))
	case errors.Is(err, payments.ErrPaymentConflict), errors.Is(err, payments.ErrEventAlreadyProcessed):
		ctx.JSON(http.StatusConflict, errorResponse(codeConflict, err.Error()))
	case errors.Is(err, payments.ErrInvalidSignature):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse(codeInvalidSignature, err.Error()))
	case isInvalidRequest(err):
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, err.Error()))
	default:
		handler.deps.Logger.Error(operation+" failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(codeInternal, operation+" failed"))
	}
}

func isInvalidRequest(err error) bool {
	for _, target := range invalidRequestErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
