package middlewares

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/timesheet_backend/config"
	"github.com/mmdatafocus/timesheet_backend/utils"
	"github.com/sirupsen/logrus"
)

func revokedKey(token string) string {
	return "RevokedToken:" + token
}

// SessionMiddleware refuses tokens that were revoked by RevokeToken. Without Redis every
// token is accepted.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := utils.GetTokenFromContext(c.Request.Context())
		if !ok || token == "" {
			c.Next()
			return
		}
		_, revoked, err := config.GetRedisValue(c.Request.Context(), revokedKey(token))
		if err != nil {
			config.GetLogger().WithFields(logrus.Fields{
				"field": "SessionMiddleware",
			}).Warn("token revocation check skipped: " + err.Error())
		}
		if revoked {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RevokeToken marks the caller's token as logged out until it would have expired anyway.
func RevokeToken(ctx context.Context) error {
	token, ok := utils.GetTokenFromContext(ctx)
	if !ok || token == "" {
		return utils.ErrorUserRequired
	}
	ttl := 12 * time.Hour
	if claims := CtxValue(ctx); claims != nil && claims.ExpiresAt > 0 {
		ttl = time.Until(time.Unix(claims.ExpiresAt, 0))
	}
	if ttl <= 0 {
		return nil
	}
	return config.SetRedisObject(ctx, revokedKey(token), true, ttl)
}
