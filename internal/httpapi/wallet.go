package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/ledger"
)

const (
	initialSourceIDPrefix   = "initial:"
	walletTransactionsLimit = 20
	initialGrantDescription = "welcome credits"
)

// handleWallet returns the signed-in user's balance, grants and recent activity.
// The first call for a user issues the initial credits; later calls hit the source id and grant nothing.
func (handler *handler) handleWallet(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "session required"))
		return
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		handler.respondError(ctx, "wallet", err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if handler.cfg.InitialCredits > 0 {
		if err := handler.ensureInitialCredits(ctx, userID); err != nil {
			handler.respondError(ctx, "initial credits", err)
			return
		}
	}
	details, err := handler.deps.Ledger.GetCreditDetails(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "wallet", err)
		return
	}
	transactions, err := handler.deps.Ledger.ListTransactions(requestCtx, userID, 0, walletTransactionsLimit)
	if err != nil {
		handler.respondError(ctx, "wallet", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user": gin.H{
			"user_id":    claims.GetUserID(),
			"email":      claims.GetUserEmail(),
			"display":    claims.GetUserDisplayName(),
			"avatar_url": claims.GetUserAvatarURL(),
		},
		"wallet": gin.H{
			"balance": details.Balance.Int64(),
			"grants":  toGrantPayloads(activeGrants(details), details.AtUnixUTC),
		},
		"transactions": toTransactionPayloads(transactions),
	})
}

func (handler *handler) ensureInitialCredits(ctx *gin.Context, userID ledger.UserID) error {
	amount, err := ledger.NewPositiveCredits(handler.cfg.InitialCredits)
	if err != nil {
		return err
	}
	sourceID, err := ledger.NewSourceID(initialSourceIDPrefix + userID.String())
	if err != nil {
		return err
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	_, err = handler.deps.Ledger.Grant(requestCtx, ledger.GrantRequest{
		UserID:      userID,
		Amount:      amount,
		Source:      ledger.GrantSourceInitial,
		SourceID:    sourceID,
		Description: initialGrantDescription,
	})
	return err
}

func activeGrants(details ledger.CreditDetails) []ledger.CreditGrant {
	active := make([]ledger.CreditGrant, 0, len(details.Grants))
	for _, grant := range details.Grants {
		if grant.IsActive(details.AtUnixUTC) {
			active = append(active, grant)
		}
	}
	return active
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}
