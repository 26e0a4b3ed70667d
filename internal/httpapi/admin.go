package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/storyledger/pkg/payments"
)

type adminGrantRequest struct {
	Amount        int64  `json:"amount" binding:"required,gt=0"`
	Source        string `json:"source"`
	Reason        string `json:"reason" binding:"required"`
	ExpiresInDays int    `json:"expires_in_days" binding:"gte=0"`
}

type adminDeductRequest struct {
	Amount int64  `json:"amount" binding:"required,gt=0"`
	Reason string `json:"reason" binding:"required"`
}

type setBalanceRequest struct {
	Balance *int64 `json:"balance" binding:"required,gte=0"`
	Reason  string `json:"reason" binding:"required"`
}

type registerPaymentRequest struct {
	PaymentID     string `json:"payment_id" binding:"required"`
	Provider      string `json:"provider" binding:"required"`
	UserID        string `json:"user_id" binding:"required"`
	OrderID       string `json:"order_id"`
	ProductID     string `json:"product_id" binding:"required"`
	PriceAmount   string `json:"price_amount" binding:"required"`
	PriceCurrency string `json:"price_currency" binding:"required,len=3"`
}

type grantPayload struct {
	GrantID          string          `json:"grant_id"`
	Source           string          `json:"source"`
	SourceID         string          `json:"source_id,omitempty"`
	Amount           int64           `json:"amount"`
	Consumed         int64           `json:"consumed"`
	Remaining        int64           `json:"remaining"`
	GrantedAtUnixUTC int64           `json:"granted_at"`
	ExpiresAtUnixUTC int64           `json:"expires_at,omitempty"`
	Active           bool            `json:"active"`
	Metadata         json.RawMessage `json:"metadata"`
}

type transactionPayload struct {
	TransactionID    string          `json:"transaction_id"`
	Type             string          `json:"type"`
	Amount           int64           `json:"amount"`
	Description      string          `json:"description"`
	BalanceBefore    int64           `json:"balance_before"`
	BalanceAfter     int64           `json:"balance_after"`
	Metadata         json.RawMessage `json:"metadata"`
	CreatedAtUnixUTC int64           `json:"created_at"`
}

type paymentPayload struct {
	PaymentID               string `json:"payment_id"`
	Provider                string `json:"provider"`
	UserID                  string `json:"user_id"`
	OrderID                 string `json:"order_id,omitempty"`
	ProductID               string `json:"product_id"`
	PriceAmount             string `json:"price_amount"`
	PriceCurrency           string `json:"price_currency"`
	Status                  string `json:"status"`
	Processed               bool   `json:"processed"`
	ReviewRequired          bool   `json:"review_required"`
	CreditsExpiresAtUnixUTC int64  `json:"credits_expires_at,omitempty"`
	CreatedAtUnixUTC        int64  `json:"created_at"`
	UpdatedAtUnixUTC        int64  `json:"updated_at"`
}

func (handler *handler) handleAdminGrant(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	var request adminGrantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, err.Error()))
		return
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		handler.respondError(ctx, "admin grant", err)
		return
	}
	var source ledger.GrantSource
	if strings.TrimSpace(request.Source) != "" {
		if source, err = ledger.ParseGrantSource(request.Source); err != nil {
			handler.respondError(ctx, "admin grant", err)
			return
		}
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	grantID, err := handler.deps.Ledger.GrantCredits(requestCtx, ledger.AdminGrantRequest{
		UserID:        userID,
		Amount:        amount,
		Source:        source,
		Reason:        request.Reason,
		ExpiresInDays: request.ExpiresInDays,
		AdminID:       adminID(ctx),
	})
	if err != nil {
		handler.respondError(ctx, "admin grant", err)
		return
	}
	balance, err := handler.deps.Ledger.ActiveBalance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "admin grant", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"grant_id": grantID.String(), "balance": balance.Int64()})
}

func (handler *handler) handleAdminDeduct(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	var request adminDeductRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, err.Error()))
		return
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		handler.respondError(ctx, "admin deduct", err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.deps.Ledger.DeductCredits(requestCtx, userID, amount, request.Reason, adminID(ctx))
	if err != nil {
		handler.respondError(ctx, "admin deduct", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance_before": result.BalanceBefore.Int64(),
		"balance_after":  result.BalanceAfter.Int64(),
		"from_expiring":  result.FromExpiring.Int64(),
		"from_permanent": result.FromPermanent.Int64(),
	})
}

func (handler *handler) handleSetBalance(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	var request setBalanceRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, err.Error()))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	adjustment, err := handler.deps.Ledger.SetExactBalance(requestCtx, userID, *request.Balance, request.Reason, adminID(ctx))
	if err != nil {
		handler.respondError(ctx, "set balance", err)
		return
	}
	response := gin.H{
		"previous": adjustment.Previous.Int64(),
		"current":  adjustment.Current.Int64(),
		"delta":    adjustment.Delta.Int64(),
	}
	if !adjustment.GrantID.IsZero() {
		response["grant_id"] = adjustment.GrantID.String()
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *handler) handleCreditDetails(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	details, err := handler.deps.Ledger.GetCreditDetails(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "credit details", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": details.UserID.String(),
		"balance": details.Balance.Int64(),
		"grants":  toGrantPayloads(details.Grants, details.AtUnixUTC),
	})
}

// handleResyncCache rebuilds the cached balance row and mirror from the grants.
func (handler *handler) handleResyncCache(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.deps.Ledger.ResyncBalanceCache(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "resync balance cache", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "balance": balance.Int64()})
}

func (handler *handler) handleTransactions(ctx *gin.Context) {
	userID, ok := handler.userIDParam(ctx)
	if !ok {
		return
	}
	before, err := optionalIntQuery(ctx, "before")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, err.Error()))
		return
	}
	limit, err := optionalIntQuery(ctx, "limit")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, err.Error()))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transactions, err := handler.deps.Ledger.ListTransactions(requestCtx, userID, before, int(limit))
	if err != nil {
		handler.respondError(ctx, "list transactions", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": toTransactionPayloads(transactions)})
}

func (handler *handler) handleRegisterPayment(ctx *gin.Context) {
	var request registerPaymentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, err.Error()))
		return
	}
	provider, err := payments.ParseProvider(request.Provider)
	if err != nil {
		handler.respondError(ctx, "register payment", err)
		return
	}
	price, err := decimal.NewFromString(strings.TrimSpace(request.PriceAmount))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, fmt.Sprintf("price_amount: %v", err)))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	record, err := handler.deps.Gate.RegisterPayment(requestCtx, payments.PaymentIntent{
		PaymentID:     request.PaymentID,
		Provider:      provider,
		UserID:        request.UserID,
		OrderID:       request.OrderID,
		ProductID:     request.ProductID,
		PriceAmount:   price,
		PriceCurrency: request.PriceCurrency,
	})
	if err != nil {
		handler.respondError(ctx, "register payment", err)
		return
	}
	ctx.JSON(http.StatusCreated, toPaymentPayload(record))
}

func (handler *handler) handleGetPayment(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	record, err := handler.deps.Gate.Payment(requestCtx, ctx.Param("paymentID"))
	if err != nil {
		handler.respondError(ctx, "get payment", err)
		return
	}
	ctx.JSON(http.StatusOK, toPaymentPayload(record))
}

func (handler *handler) handleReplay(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.deps.Gate.Replay(requestCtx, ctx.Param("eventID"))
	if err != nil {
		handler.respondError(ctx, "replay webhook event", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"event_id":   result.EventID,
		"payment_id": result.PaymentID,
		"outcome":    result.Outcome,
		"grant_id":   result.GrantID,
		"credits":    result.Credits,
	})
}

func (handler *handler) userIDParam(ctx *gin.Context) (ledger.UserID, bool) {
	userID, err := ledger.NewUserID(ctx.Param("userID"))
	if err != nil {
		handler.respondError(ctx, "parse user id", err)
		return ledger.UserID{}, false
	}
	return userID, true
}

func optionalIntQuery(ctx *gin.Context, name string) (int64, error) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return value, nil
}

func toGrantPayloads(grants []ledger.CreditGrant, atUnixUTC int64) []grantPayload {
	payloads := make([]grantPayload, 0, len(grants))
	for _, grant := range grants {
		payloads = append(payloads, grantPayload{
			GrantID:          grant.GrantID().String(),
			Source:           grant.Source().String(),
			SourceID:         grant.SourceID().String(),
			Amount:           grant.Amount().Int64(),
			Consumed:         grant.Consumed().Int64(),
			Remaining:        grant.Remaining().Int64(),
			GrantedAtUnixUTC: grant.GrantedUnixUTC(),
			ExpiresAtUnixUTC: grant.ExpiresUnixUTC(),
			Active:           grant.IsActive(atUnixUTC),
			Metadata:         json.RawMessage(grant.Metadata().String()),
		})
	}
	return payloads
}

func toTransactionPayloads(transactions []ledger.BalanceTransaction) []transactionPayload {
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, transactionPayload{
			TransactionID:    transaction.TransactionID,
			Type:             transaction.Type.String(),
			Amount:           transaction.Amount.Int64(),
			Description:      transaction.Description,
			BalanceBefore:    transaction.BalanceBefore.Int64(),
			BalanceAfter:     transaction.BalanceAfter.Int64(),
			Metadata:         json.RawMessage(transaction.Metadata.String()),
			CreatedAtUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	return payloads
}

func toPaymentPayload(record payments.PaymentRecord) paymentPayload {
	return paymentPayload{
		PaymentID:               record.PaymentID,
		Provider:                record.Provider.String(),
		UserID:                  record.UserID,
		OrderID:                 record.OrderID,
		ProductID:               record.ProductID,
		PriceAmount:             record.PriceAmount.String(),
		PriceCurrency:           record.PriceCurrency,
		Status:                  record.Status.String(),
		Processed:               record.Processed,
		ReviewRequired:          record.ReviewRequired,
		CreditsExpiresAtUnixUTC: record.CreditsExpiresAtUnixUTC,
		CreatedAtUnixUTC:        record.CreatedUnixUTC,
		UpdatedAtUnixUTC:        record.UpdatedUnixUTC,
	}
}
