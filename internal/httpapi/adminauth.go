package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// AdminRole is the role an operator token must carry.
	AdminRole          = "admin"
	bearerPrefix       = "Bearer "
	authorizationField = "Authorization"
)

// AdminClaims are the claims of an operator bearer token. The subject is the admin id.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueAdminToken signs an HS256 operator token.
func IssueAdminToken(secret string, issuer string, adminID string, ttl time.Duration, now time.Time) (string, error) {
	adminID = strings.TrimSpace(adminID)
	if secret == "" || adminID == "" || ttl <= 0 {
		return "", errors.New("admin token: secret, admin id and positive ttl are required")
	}
	claims := AdminClaims{
		Role: AdminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   adminID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseAdminToken(secret string, issuer string, raw string) (AdminClaims, error) {
	var claims AdminClaims
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if issuer != "" {
		options = append(options, jwt.WithIssuer(issuer))
	}
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, options...)
	if err != nil {
		return AdminClaims{}, err
	}
	if claims.Role != AdminRole {
		return AdminClaims{}, fmt.Errorf("role %q is not %s", claims.Role, AdminRole)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return AdminClaims{}, errors.New("token subject is empty")
	}
	return claims, nil
}

func adminAuth(secret string, issuer string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader(authorizationField)
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "bearer token required"))
			return
		}
		claims, err := parseAdminToken(secret, issuer, strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse(codeForbidden, "invalid admin token"))
			return
		}
		ctx.Set(adminIDContextKey, claims.Subject)
		ctx.Next()
	}
}

func adminID(ctx *gin.Context) string {
	return ctx.GetString(adminIDContextKey)
}
